package pricing

import (
	"context"
	"fmt"

	"github.com/BearBump/AidBox/internal/models"
)

// Client is the read-only pricing catalog used when a quote is opened.
type Client interface {
	BasePrice(ctx context.Context, serviceType models.ServiceType, vehicleType models.VehicleType) (models.Money, error)
}

// UnknownPriceError means the catalog has no entry for the pair.
type UnknownPriceError struct {
	ServiceType models.ServiceType
	VehicleType models.VehicleType
}

func (e *UnknownPriceError) Error() string {
	return fmt.Sprintf("no base price for %s / %s", e.ServiceType, e.VehicleType)
}
