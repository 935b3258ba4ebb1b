// Package static serves base prices from an in-process table. Defaults are the
// per-vehicle list prices; config may override single cells.
package static

import (
	"context"

	"github.com/BearBump/AidBox/internal/integrations/pricing"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/pkg/errors"
)

var defaultTable = map[models.VehicleType]map[models.ServiceType]models.Money{
	models.VehicleTwoWheeler: {
		models.ServiceTowing: 15000, models.ServiceJumpstart: 8000, models.ServiceTireChange: 10000,
		models.ServiceFuelDelivery: 7000, models.ServiceLockout: 12000, models.ServiceGeneral: 10000,
	},
	models.VehicleThreeWheeler: {
		models.ServiceTowing: 20000, models.ServiceJumpstart: 10000, models.ServiceTireChange: 12000,
		models.ServiceFuelDelivery: 9000, models.ServiceLockout: 15000, models.ServiceGeneral: 13000,
	},
	models.VehicleFourWheeler: {
		models.ServiceTowing: 30000, models.ServiceJumpstart: 15000, models.ServiceTireChange: 20000,
		models.ServiceFuelDelivery: 15000, models.ServiceLockout: 25000, models.ServiceGeneral: 25000,
	},
	models.VehicleSUV: {
		models.ServiceTowing: 50000, models.ServiceJumpstart: 25000, models.ServiceTireChange: 35000,
		models.ServiceFuelDelivery: 25000, models.ServiceLockout: 40000, models.ServiceGeneral: 40000,
	},
	models.VehicleVan: {
		models.ServiceTowing: 60000, models.ServiceJumpstart: 30000, models.ServiceTireChange: 40000,
		models.ServiceFuelDelivery: 30000, models.ServiceLockout: 45000, models.ServiceGeneral: 45000,
	},
	models.VehicleTruck: {
		models.ServiceTowing: 80000, models.ServiceJumpstart: 40000, models.ServiceTireChange: 50000,
		models.ServiceFuelDelivery: 40000, models.ServiceLockout: 55000, models.ServiceGeneral: 60000,
	},
	models.VehicleHeavy: {
		models.ServiceTowing: 120000, models.ServiceJumpstart: 60000, models.ServiceTireChange: 80000,
		models.ServiceFuelDelivery: 60000, models.ServiceLockout: 80000, models.ServiceGeneral: 100000,
	},
}

type Client struct {
	table map[models.VehicleType]map[models.ServiceType]models.Money
}

// New builds the table from defaults plus overrides keyed vehicle -> service -> "amount".
func New(overrides map[string]map[string]string) (*Client, error) {
	table := make(map[models.VehicleType]map[models.ServiceType]models.Money, len(defaultTable))
	for vt, row := range defaultTable {
		cp := make(map[models.ServiceType]models.Money, len(row))
		for st, m := range row {
			cp[st] = m
		}
		table[vt] = cp
	}

	for v, row := range overrides {
		vt := models.VehicleType(v)
		if !vt.Valid() {
			return nil, errors.Errorf("pricing override: unknown vehicle type %q", v)
		}
		for s, amount := range row {
			st := models.ServiceType(s)
			if !st.Valid() {
				return nil, errors.Errorf("pricing override: unknown service type %q", s)
			}
			m, err := models.ParseMoney(amount)
			if err != nil {
				return nil, errors.Wrapf(err, "pricing override %s/%s", v, s)
			}
			if table[vt] == nil {
				table[vt] = make(map[models.ServiceType]models.Money)
			}
			table[vt][st] = m
		}
	}
	return &Client{table: table}, nil
}

func (c *Client) BasePrice(_ context.Context, st models.ServiceType, vt models.VehicleType) (models.Money, error) {
	if m, ok := c.table[vt][st]; ok {
		return m, nil
	}
	return 0, &pricing.UnknownPriceError{ServiceType: st, VehicleType: vt}
}
