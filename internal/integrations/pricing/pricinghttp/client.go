package pricinghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/AidBox/internal/integrations/pricing"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/pkg/errors"
)

// Client reads base prices from an external catalog service.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

type priceResp struct {
	Status string `json:"status"`
	Data   struct {
		ServiceType string       `json:"service_type"`
		VehicleType string       `json:"vehicle_type"`
		BasePrice   models.Money `json:"base_price"`
	} `json:"data"`
}

func (c *Client) BasePrice(ctx context.Context, st models.ServiceType, vt models.VehicleType) (models.Money, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return 0, errors.Wrap(err, "parse base url")
	}
	u.Path = "/v1/prices"

	q := u.Query()
	q.Set("service_type", string(st))
	q.Set("vehicle_type", string(vt))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, errors.Wrap(err, "new request")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, &pricing.UnknownPriceError{ServiceType: st, VehicleType: vt}
	}
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("pricing catalog http %d", resp.StatusCode)
	}

	var r priceResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return 0, errors.Wrap(err, "decode")
	}
	if r.Status != "ok" {
		return 0, fmt.Errorf("pricing catalog status=%s", r.Status)
	}
	return r.Data.BasePrice, nil
}
