// Package fsm holds the server lifecycle transition table.
//
// It performs no I/O and never fails: callers ask whether a transition is
// legal and decide how to report a rejection.
package fsm

import (
	"strings"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/models"
)

// transitions maps a current state to the states a synchronous request may
// move it to. paid is consumed by activation only, deleted is terminal.
var transitions = map[models.State]map[models.State]bool{
	models.StateNew: {
		models.StatePaid:    true,
		models.StateDeleted: true,
	},
	models.StateActive: {
		models.StateUnpaid:  true,
		models.StatePaid:    true,
		models.StateDeleted: true,
	},
	models.StateUnpaid: {
		models.StatePaid:    true,
		models.StateDeleted: true,
	},
	models.StatePaid:    {},
	models.StateDeleted: {},
}

// Validate reports whether current may move to requested.
func Validate(current, requested models.State) bool {
	return transitions[current][requested]
}

// Apply returns a copy of m moved to requested, and whether the move was
// legal. m itself is never modified; on rejection the copy is unchanged.
func Apply(m *models.Server, requested models.State, now time.Time) (*models.Server, bool) {
	out := m.Clone()
	if !Validate(m.State, requested) {
		return out, false
	}
	out.State = requested
	out.UpdatedAt = now
	return out, true
}

// Targets lists the states reachable from s in a stable order.
func Targets(s models.State) []models.State {
	var out []models.State
	for _, to := range All() {
		if transitions[s][to] {
			out = append(out, to)
		}
	}
	return out
}

// All returns every known state.
func All() []models.State {
	return []models.State{
		models.StateNew,
		models.StateActive,
		models.StateUnpaid,
		models.StatePaid,
		models.StateDeleted,
	}
}

// ParseState accepts a state name in any case.
func ParseState(s string) (models.State, bool) {
	st := models.State(strings.ToLower(strings.TrimSpace(s)))
	_, ok := transitions[st]
	return st, ok
}

// Terminal reports whether no transition leaves s, including activation.
func Terminal(s models.State) bool {
	return s == models.StateDeleted
}
