package seed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microgrid-labs/energy-credit-ledger/internal/controller"
	"github.com/microgrid-labs/energy-credit-ledger/internal/models"
	"github.com/microgrid-labs/energy-credit-ledger/internal/storage/memory"
)

func TestEnsureDefaults(t *testing.T) {
	store := memory.NewStore()
	ctrl, err := controller.New(context.Background(), store, nil, controller.Config{}, nil)
	require.NoError(t, err)

	created, err := EnsureDefaults(context.Background(), ctrl)
	require.NoError(t, err)
	assert.Equal(t, len(defaults), created)

	participants, err := store.ListParticipants(context.Background())
	require.NoError(t, err)
	assert.Len(t, participants, len(defaults)+1) // roster plus the grid

	houses := 0
	for _, p := range participants {
		if p.Kind == models.KindHouse {
			houses++
		}
	}
	assert.Equal(t, len(defaults), houses)

	// Idempotent: a populated ledger is left alone.
	created, err = EnsureDefaults(context.Background(), ctrl)
	require.NoError(t, err)
	assert.Zero(t, created)
}
