// Package seed installs the default participant roster used by demos and
// the simulation when the ledger is empty.
package seed

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/microgrid-labs/energy-credit-ledger/internal/models"
)

// Creator is the subset of the controller needed to install participants.
type Creator interface {
	Participants(ctx context.Context) ([]models.Participant, error)
	CreateParticipant(ctx context.Context, name string, initialBalance decimal.Decimal) (models.Participant, error)
}

type entry struct {
	name    string
	balance int64
}

// Residential, commercial, industrial, and producer participants.
var defaults = []entry{
	{"HouseA", 150},
	{"HouseB", 120},
	{"HouseC", 180},
	{"HouseD", 200},
	{"HouseE", 160},
	{"Shop1", 300},
	{"Shop2", 280},
	{"Office1", 400},
	{"Factory1", 800},
	{"Factory2", 1000},
	{"SolarFarm1", 1500},
	{"WindMill1", 1200},
}

// EnsureDefaults creates the default roster when the ledger holds no houses
// yet. It reports how many participants were created.
func EnsureDefaults(ctx context.Context, creator Creator) (int, error) {
	existing, err := creator.Participants(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range existing {
		if p.Kind == models.KindHouse {
			return 0, nil
		}
	}

	for i, e := range defaults {
		if _, err := creator.CreateParticipant(ctx, e.name, decimal.NewFromInt(e.balance)); err != nil {
			return i, fmt.Errorf("seeding %s: %w", e.name, err)
		}
	}
	return len(defaults), nil
}
