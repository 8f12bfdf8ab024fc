package fsm

import (
	"testing"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[models.State][]models.State{
		models.StateNew:     {models.StatePaid, models.StateDeleted},
		models.StateActive:  {models.StateUnpaid, models.StatePaid, models.StateDeleted},
		models.StateUnpaid:  {models.StatePaid, models.StateDeleted},
		models.StatePaid:    nil,
		models.StateDeleted: nil,
	}
	for _, from := range All() {
		for _, to := range All() {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equalf(t, want, Validate(from, to), "%s -> %s", from, to)
		}
	}
}

func TestNewCannotGoStraightToActive(t *testing.T) {
	assert.False(t, Validate(models.StateNew, models.StateActive))
}

func TestNothingLeavesDeleted(t *testing.T) {
	assert.Empty(t, Targets(models.StateDeleted))
	assert.True(t, Terminal(models.StateDeleted))
	assert.False(t, Terminal(models.StatePaid))
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(time.Hour)
	m := &models.Server{ID: 1, State: models.StateNew, UpdatedAt: created}

	out, ok := Apply(m, models.StatePaid, now)
	require.True(t, ok)
	assert.Equal(t, models.StatePaid, out.State)
	assert.Equal(t, now, out.UpdatedAt)
	assert.Equal(t, models.StateNew, m.State)

	out, ok = Apply(m, models.StateUnpaid, now)
	assert.False(t, ok)
	assert.Equal(t, models.StateNew, out.State)
	assert.Equal(t, created, out.UpdatedAt)
}

func TestParseState(t *testing.T) {
	st, ok := ParseState(" PAID ")
	assert.True(t, ok)
	assert.Equal(t, models.StatePaid, st)

	_, ok = ParseState("running")
	assert.False(t, ok)
}
