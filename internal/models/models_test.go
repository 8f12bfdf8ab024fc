package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpired(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	tests := []struct {
		name string
		s    Server
		want bool
	}{
		{"active past expiry", Server{State: StateActive, ExpiresAt: &past}, true},
		{"active before expiry", Server{State: StateActive, ExpiresAt: &future}, false},
		{"active exactly at expiry", Server{State: StateActive, ExpiresAt: &now}, false},
		{"active without expiry", Server{State: StateActive}, false},
		{"unpaid past expiry", Server{State: StateUnpaid, ExpiresAt: &past}, false},
		{"deleted past expiry", Server{State: StateDeleted, ExpiresAt: &past}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.Expired(now))
		})
	}
}

func TestCloneCopiesExpiry(t *testing.T) {
	exp := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s := &Server{ID: 1, State: StateActive, ExpiresAt: &exp}

	c := s.Clone()
	*c.ExpiresAt = c.ExpiresAt.Add(time.Hour)
	c.State = StateUnpaid

	assert.Equal(t, exp, *s.ExpiresAt)
	assert.Equal(t, StateActive, s.State)
}

func TestHasFreeSlot(t *testing.T) {
	assert.True(t, (&Rack{Capacity: 2, ServerCount: 1}).HasFreeSlot())
	assert.False(t, (&Rack{Capacity: 2, ServerCount: 2}).HasFreeSlot())
	assert.False(t, (&Rack{Capacity: 0}).HasFreeSlot())
}

func TestParseOrder(t *testing.T) {
	assert.Equal(t, OrderByChangeDate, ParseOrder("change_date"))
	assert.Equal(t, OrderByID, ParseOrder("id"))
	assert.Equal(t, OrderByID, ParseOrder(""))
	assert.Equal(t, OrderByID, ParseOrder("create_date"))
}
