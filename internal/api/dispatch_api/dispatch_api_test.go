package dispatch_api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/AidBox/internal/broadcast"
	"github.com/BearBump/AidBox/internal/clock"
	"github.com/BearBump/AidBox/internal/integrations/pricing/static"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/BearBump/AidBox/internal/services/dispatch"
	"github.com/BearBump/AidBox/internal/storage/memstore"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type env struct {
	srv    *httptest.Server
	bus    *broadcast.Broadcaster
	engine *dispatch.Engine
}

type envOpts struct {
	logSize int
	limiter dispatch.RateLimiter
	api     Options
}

func newEnv(t *testing.T, o envOpts) *env {
	t.Helper()
	store := memstore.New()
	bus := broadcast.New(broadcast.Config{LogSize: o.logSize, SubscriberBuffer: 256}, clock.NewSequenceAt(0), nil, store, nil)
	engine := dispatch.NewEngine(store, bus, nil, nil, nil, 0)
	catalog, err := static.New(map[string]map[string]string{"FOUR_WHEELER": {"TOWING": "100"}})
	require.NoError(t, err)

	api := New(engine, dispatch.NewQuoteEngine(engine, catalog, 0), dispatch.NewChatRelay(engine, o.limiter, 0), bus, o.api)
	r := chi.NewRouter()
	r.Mount("/v1", api.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{srv: srv, bus: bus, engine: engine}
}

func (e *env) do(t *testing.T, method, path string, actor *models.Actor, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if actor != nil {
		req.Header.Set(headerActorID, strconv.FormatInt(actor.ID, 10))
		req.Header.Set(headerActorRole, string(actor.Role))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func as(a models.Actor) *models.Actor { return &a }

func decodeAs[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func (e *env) createRequest(t *testing.T, customerID int64) string {
	t.Helper()
	code, b := e.do(t, http.MethodPost, "/v1/requests", as(models.Customer(customerID)), map[string]any{
		"serviceType": "TOWING",
		"lat":         12.97,
		"lng":         77.59,
	})
	require.Equal(t, http.StatusCreated, code, string(b))
	return decodeAs[models.ServiceRequest](t, b).ID
}

func (e *env) inService(t *testing.T, customerID, providerID int64) string {
	t.Helper()
	id := e.createRequest(t, customerID)
	p := as(models.Provider(providerID))
	code, b := e.do(t, http.MethodPost, "/v1/requests/"+id+"/accept", p, nil)
	require.Equal(t, http.StatusOK, code, string(b))
	for _, st := range []string{"ARRIVED", "SERVICE_IN_PROGRESS"} {
		code, b = e.do(t, http.MethodPost, "/v1/requests/"+id+"/status", p, map[string]string{"status": st})
		require.Equal(t, http.StatusOK, code, string(b))
	}
	return id
}

func TestAPI_RequiresActorHeaders(t *testing.T) {
	e := newEnv(t, envOpts{})
	code, b := e.do(t, http.MethodGet, "/v1/requests", nil, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "unauthenticated", decodeAs[errorBody](t, b).Code)

	code, _ = e.do(t, http.MethodGet, "/v1/requests", &models.Actor{ID: 1, Role: "robot"}, nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestAPI_HappyPath(t *testing.T) {
	e := newEnv(t, envOpts{})
	id := e.inService(t, 1, 7)
	p7 := as(models.Provider(7))

	code, b := e.do(t, http.MethodPost, "/v1/requests/"+id+"/quotes", p7, nil)
	require.Equal(t, http.StatusCreated, code, string(b))
	quoteID := decodeAs[models.Quote](t, b).ID

	code, b = e.do(t, http.MethodPost, "/v1/quotes/"+quoteID+"/finalize", p7, map[string]any{
		"spareParts":   []map[string]any{{"name": "belt", "price": "50.00"}},
		"platformFee":  "25.00",
		"dynamicTotal": "1.00",
	})
	require.Equal(t, http.StatusOK, code, string(b))
	total := decodeAs[struct {
		DynamicTotal models.Money `json:"dynamicTotal"`
	}](t, b)
	require.Equal(t, "175.00", total.DynamicTotal.String())

	code, b = e.do(t, http.MethodPost, "/v1/quotes/"+quoteID+"/approve", as(models.Customer(1)), nil)
	require.Equal(t, http.StatusOK, code, string(b))
	first := decodeAs[models.Quote](t, b)
	require.NotNil(t, first.ApprovedAt)

	// повторное подтверждение идемпотентно
	code, b = e.do(t, http.MethodPost, "/v1/quotes/"+quoteID+"/approve", as(models.Customer(1)), nil)
	require.Equal(t, http.StatusOK, code, string(b))
	require.Equal(t, first.ApprovedAt.UnixNano(), decodeAs[models.Quote](t, b).ApprovedAt.UnixNano())

	code, b = e.do(t, http.MethodGet, "/v1/requests/"+id, as(models.Customer(1)), nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, models.StatusCompleted, decodeAs[models.ServiceRequest](t, b).Status)

	code, b = e.do(t, http.MethodGet, "/v1/requests/"+id+"/quotes", as(models.Customer(1)), nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, decodeAs[struct{ Quotes []models.Quote }](t, b).Quotes, 1)

	code, _ = e.do(t, http.MethodGet, "/v1/quotes/"+quoteID, as(models.Customer(2)), nil)
	require.Equal(t, http.StatusForbidden, code)
}

func TestAPI_QuoteRejectAndRevise(t *testing.T) {
	e := newEnv(t, envOpts{})
	id := e.inService(t, 1, 7)
	p7 := as(models.Provider(7))

	code, b := e.do(t, http.MethodPost, "/v1/requests/"+id+"/quotes", p7, nil)
	require.Equal(t, http.StatusCreated, code, string(b))
	quoteID := decodeAs[models.Quote](t, b).ID
	code, b = e.do(t, http.MethodPost, "/v1/quotes/"+quoteID+"/finalize", p7, map[string]any{"platformFee": "25.00"})
	require.Equal(t, http.StatusOK, code, string(b))

	code, _ = e.do(t, http.MethodPost, "/v1/quotes/"+quoteID+"/reject", p7, nil)
	require.Equal(t, http.StatusForbidden, code)

	code, b = e.do(t, http.MethodPost, "/v1/quotes/"+quoteID+"/reject", as(models.Customer(1)), nil)
	require.Equal(t, http.StatusOK, code, string(b))
	rejected := decodeAs[models.Quote](t, b)
	require.NotNil(t, rejected.RejectedAt)
	require.False(t, rejected.IsFinal)

	code, _ = e.do(t, http.MethodPost, "/v1/quotes/"+quoteID+"/approve", as(models.Customer(1)), nil)
	require.Equal(t, http.StatusConflict, code)

	code, b = e.do(t, http.MethodGet, "/v1/requests/"+id, as(models.Customer(1)), nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, models.StatusFinalFarePending, decodeAs[models.ServiceRequest](t, b).Status)

	code, b = e.do(t, http.MethodPost, "/v1/quotes/"+quoteID+"/finalize", p7, map[string]any{"platformFee": "10.00"})
	require.Equal(t, http.StatusOK, code, string(b))
	revised := decodeAs[models.Quote](t, b)
	require.Equal(t, 2, revised.Version)

	code, b = e.do(t, http.MethodPost, "/v1/quotes/"+revised.ID+"/approve", as(models.Customer(1)), nil)
	require.Equal(t, http.StatusOK, code, string(b))

	code, _ = e.do(t, http.MethodPost, "/v1/quotes/"+revised.ID+"/reject", as(models.Customer(1)), nil)
	require.Equal(t, http.StatusConflict, code)
}

func TestAPI_AcceptRace(t *testing.T) {
	e := newEnv(t, envOpts{})
	id := e.createRequest(t, 1)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	bodies := make([][]byte, 2)
	for i, p := range []int64{7, 9} {
		wg.Add(1)
		go func(i int, p int64) {
			defer wg.Done()
			codes[i], bodies[i] = e.do(t, http.MethodPost, "/v1/requests/"+id+"/accept", as(models.Provider(p)), nil)
		}(i, p)
	}
	wg.Wait()

	ok, conflict := 0, 0
	for i, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
			body := decodeAs[errorBody](t, bodies[i])
			require.Equal(t, "already_assigned", body.Code)
			require.Contains(t, body.Error, "already taken")
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflict)

	code, _ := e.do(t, http.MethodPost, "/v1/requests/"+id+"/accept", as(models.Customer(1)), nil)
	require.Equal(t, http.StatusForbidden, code)
}

func TestAPI_ErrorMapping(t *testing.T) {
	e := newEnv(t, envOpts{})
	id := e.inService(t, 1, 7)

	code, b := e.do(t, http.MethodPost, "/v1/requests/"+id+"/cancel", as(models.Provider(7)), nil)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "provider_cancel_in_service", decodeAs[errorBody](t, b).Code)

	code, b = e.do(t, http.MethodPost, "/v1/requests/"+id+"/status", as(models.Provider(7)), map[string]string{"status": "ARRIVED"})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "illegal_transition", decodeAs[errorBody](t, b).Code)

	code, b = e.do(t, http.MethodPost, "/v1/requests/"+id+"/status", as(models.Provider(7)), map[string]string{"status": "FLYING"})
	require.Equal(t, http.StatusBadRequest, code)
	body := decodeAs[errorBody](t, b)
	require.Equal(t, "validation", body.Code)
	require.Equal(t, "status", body.Field)

	code, _ = e.do(t, http.MethodPost, "/v1/requests/"+id+"/status", as(models.Provider(7)), "{not json")
	require.Equal(t, http.StatusBadRequest, code)

	code, b = e.do(t, http.MethodGet, "/v1/requests/missing", as(models.Admin(1)), nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", decodeAs[errorBody](t, b).Code)

	code, _ = e.do(t, http.MethodGet, "/v1/requests/"+id, as(models.Customer(2)), nil)
	require.Equal(t, http.StatusForbidden, code)

	code, b = e.do(t, http.MethodPost, "/v1/requests/"+id+"/quotes", as(models.Customer(1)), nil)
	require.Equal(t, http.StatusForbidden, code, string(b))

	pending := e.createRequest(t, 1)
	code, b = e.do(t, http.MethodPost, "/v1/requests/"+pending+"/quotes", as(models.Admin(1)), nil)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "invalid_state", decodeAs[errorBody](t, b).Code)

	// открытую заявку видит любой провайдер
	code, _ = e.do(t, http.MethodGet, "/v1/requests/"+pending, as(models.Provider(42)), nil)
	require.Equal(t, http.StatusOK, code)
}

func TestAPI_CancelIdempotent(t *testing.T) {
	e := newEnv(t, envOpts{})
	id := e.createRequest(t, 1)
	c := as(models.Customer(1))

	code, b := e.do(t, http.MethodPost, "/v1/requests/"+id+"/cancel", c, map[string]string{"reason": "found help"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, models.StatusCancelled, decodeAs[models.ServiceRequest](t, b).Status)

	code, _ = e.do(t, http.MethodPost, "/v1/requests/"+id+"/cancel", c, nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = e.do(t, http.MethodPost, "/v1/requests/"+id+"/accept", as(models.Provider(7)), nil)
	require.Equal(t, http.StatusConflict, code)
}

func TestAPI_ListAndForceStatus(t *testing.T) {
	e := newEnv(t, envOpts{})
	mine := e.createRequest(t, 1)
	e.createRequest(t, 2)

	code, b := e.do(t, http.MethodGet, "/v1/requests?customerId=2", as(models.Customer(1)), nil)
	require.Equal(t, http.StatusOK, code)
	list := decodeAs[struct{ Requests []models.ServiceRequest }](t, b).Requests
	require.Len(t, list, 1)
	require.Equal(t, mine, list[0].ID)

	code, _ = e.do(t, http.MethodGet, "/v1/requests?limit=-1", as(models.Admin(1)), nil)
	require.Equal(t, http.StatusBadRequest, code)

	admin := as(models.Admin(99))
	code, b = e.do(t, http.MethodPost, "/v1/requests/"+mine+"/force-status", admin, map[string]any{
		"status": "ARRIVED", "reason": "helpline", "providerId": 7,
	})
	require.Equal(t, http.StatusOK, code, string(b))

	code, _ = e.do(t, http.MethodPost, "/v1/requests/"+mine+"/force-status", as(models.Customer(1)), map[string]any{
		"status": "COMPLETED", "reason": "x",
	})
	require.Equal(t, http.StatusForbidden, code)

	code, b = e.do(t, http.MethodGet, "/v1/requests/"+mine+"/audit", admin, nil)
	require.Equal(t, http.StatusOK, code)
	entries := decodeAs[struct{ Entries []auditEntry }](t, b).Entries
	require.Len(t, entries, 1)
	require.Equal(t, models.StatusArrived, entries[0].To)
	require.Equal(t, int64(99), entries[0].ActorID)

	code, _ = e.do(t, http.MethodGet, "/v1/requests/"+mine+"/audit", as(models.Customer(1)), nil)
	require.Equal(t, http.StatusForbidden, code)
}

func TestAPI_AdminCreatesForCustomer(t *testing.T) {
	e := newEnv(t, envOpts{})
	code, b := e.do(t, http.MethodPost, "/v1/requests", as(models.Admin(5)), map[string]any{
		"customerId": 33, "serviceType": "LOCKOUT", "lat": 1, "lng": 1,
	})
	require.Equal(t, http.StatusCreated, code, string(b))
	r := decodeAs[models.ServiceRequest](t, b)
	require.Equal(t, int64(33), r.CustomerID)
	require.Equal(t, models.SourceHelpline, r.Source)

	code, _ = e.do(t, http.MethodPost, "/v1/requests", as(models.Provider(5)), map[string]any{"serviceType": "LOCKOUT"})
	require.Equal(t, http.StatusForbidden, code)
}

func TestAPI_LocationAndChat(t *testing.T) {
	e := newEnv(t, envOpts{limiter: &stubLimiter{limit: 1}})
	id := e.createRequest(t, 1)
	p7 := as(models.Provider(7))
	code, _ := e.do(t, http.MethodPost, "/v1/requests/"+id+"/accept", p7, nil)
	require.Equal(t, http.StatusOK, code)

	code, b := e.do(t, http.MethodPost, "/v1/requests/"+id+"/location", p7, map[string]any{"lat": 12.9, "lng": 77.6})
	require.Equal(t, http.StatusOK, code, string(b))
	require.True(t, decodeAs[map[string]bool](t, b)["applied"])

	code, _ = e.do(t, http.MethodPost, "/v1/requests/"+id+"/location", as(models.Customer(1)), map[string]any{"lat": 1, "lng": 1})
	require.Equal(t, http.StatusForbidden, code)

	code, b = e.do(t, http.MethodPost, "/v1/requests/"+id+"/messages", as(models.Customer(1)), map[string]string{"body": "hi"})
	require.Equal(t, http.StatusCreated, code, string(b))
	require.Equal(t, models.EventChatMessage, decodeAs[models.StatusEvent](t, b).Kind)

	code, b = e.do(t, http.MethodPost, "/v1/requests/"+id+"/messages", as(models.Customer(1)), map[string]string{"body": "again"})
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Equal(t, "rate_limited", decodeAs[errorBody](t, b).Code)

	code, b = e.do(t, http.MethodGet, "/v1/requests/"+id+"/messages?limit=10", p7, nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, decodeAs[struct{ Messages []models.ChatMessage }](t, b).Messages, 1)

	code, _ = e.do(t, http.MethodGet, "/v1/requests/"+id+"/messages", as(models.Provider(8)), nil)
	require.Equal(t, http.StatusForbidden, code)
}

type stubLimiter struct {
	mu    sync.Mutex
	limit int64
	n     map[string]int64
}

func (l *stubLimiter) Allow(_ context.Context, key string) (bool, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == nil {
		l.n = map[string]int64{}
	}
	l.n[key]++
	return l.n[key] <= l.limit, l.n[key], nil
}

func TestAPI_EventsLongPoll(t *testing.T) {
	e := newEnv(t, envOpts{})
	id := e.createRequest(t, 1)
	c := as(models.Customer(1))

	code, b := e.do(t, http.MethodGet, "/v1/requests/"+id+"/events?since=0", c, nil)
	require.Equal(t, http.StatusOK, code)
	first := decodeAs[eventsResponse](t, b)
	require.Len(t, first.Events, 1)
	require.Equal(t, first.Events[0].Sequence, first.Head)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = e.engine.AcceptRequest(context.Background(), id, 7)
	}()
	code, b = e.do(t, http.MethodGet, fmt.Sprintf("/v1/requests/%s/events?since=%d&wait=5s", id, first.Head), c, nil)
	require.Equal(t, http.StatusOK, code)
	next := decodeAs[eventsResponse](t, b)
	require.Len(t, next.Events, 1)
	require.Greater(t, next.Events[0].Sequence, first.Head)
	require.Equal(t, next.Events[0].Sequence, next.Head)

	code, b = e.do(t, http.MethodGet, fmt.Sprintf("/v1/requests/%s/events?since=%d&wait=50ms", id, next.Head), c, nil)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, decodeAs[eventsResponse](t, b).Events)

	code, _ = e.do(t, http.MethodGet, "/v1/requests/"+id+"/events?wait=soon", c, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_GapAndResync(t *testing.T) {
	e := newEnv(t, envOpts{logSize: 2})
	id := e.inService(t, 1, 7)
	c := as(models.Customer(1))

	code, b := e.do(t, http.MethodGet, "/v1/requests/"+id+"/events?since=0", c, nil)
	require.Equal(t, http.StatusConflict, code)
	gap := decodeAs[errorBody](t, b)
	require.Equal(t, "gap_detected", gap.Code)
	require.NotNil(t, gap.Head)

	code, b = e.do(t, http.MethodGet, "/v1/requests/"+id+"/resync", c, nil)
	require.Equal(t, http.StatusOK, code)
	res := decodeAs[broadcast.ResyncResult](t, b)
	require.Equal(t, models.StatusServiceInProgress, res.Request.Status)
	require.Equal(t, *gap.Head, res.Head)

	code, b = e.do(t, http.MethodGet, fmt.Sprintf("/v1/requests/%s/events?since=%d", id, res.Head), c, nil)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, decodeAs[eventsResponse](t, b).Events)

	// первый опрос без since начинается с head, а не с давно вытесненного нуля
	code, b = e.do(t, http.MethodGet, "/v1/requests/"+id+"/events?wait=50ms", c, nil)
	require.Equal(t, http.StatusOK, code)
	fresh := decodeAs[eventsResponse](t, b)
	require.Empty(t, fresh.Events)
	require.Equal(t, res.Head, fresh.Head)
}
