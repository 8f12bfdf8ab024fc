package models

import (
	"errors"
	"time"
)

// State is a server lifecycle state.
type State string

const (
	StateNew     State = "new"
	StateActive  State = "active"
	StateUnpaid  State = "unpaid"
	StatePaid    State = "paid"
	StateDeleted State = "deleted"
)

var (
	ErrRackNotFound      = errors.New("rack not found")
	ErrServerNotFound    = errors.New("server not found")
	ErrRackFull          = errors.New("rack is full")
	ErrRackNotEmpty      = errors.New("rack still holds servers")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidCapacity   = errors.New("capacity must be non-negative")
	ErrCapacityBelowLoad = errors.New("capacity below server count")

	// ErrActivationUnavailable means a paid request could not be handed to
	// the activation scheduler; the transition was rolled back.
	ErrActivationUnavailable = errors.New("activation unavailable")
)

// Rack is a capacity-bounded container of servers.
// ServerCount is mutated only by the allocator.
type Rack struct {
	ID          int64     `json:"id"`
	Capacity    int64     `json:"capacity"`
	ServerCount int64     `json:"server_count"`
	CreatedAt   time.Time `json:"create_date"`
	UpdatedAt   time.Time `json:"change_date"`
}

// HasFreeSlot reports whether another server fits into the rack.
func (r *Rack) HasFreeSlot() bool {
	return r.ServerCount < r.Capacity
}

// Server is a billable unit of capacity placed in a rack.
type Server struct {
	ID        int64      `json:"id"`
	RackID    int64      `json:"rack"`
	State     State      `json:"state"`
	ExpiresAt *time.Time `json:"expired_date"`
	CreatedAt time.Time  `json:"create_date"`
	UpdatedAt time.Time  `json:"change_date"`

	// ActivationID is the ticket of the latest activation request. Only the
	// task holding this ticket may finalize activation.
	ActivationID string `json:"-"`
}

// Expired reports whether an active server's paid period has ended at now.
func (s *Server) Expired(now time.Time) bool {
	return s.State == StateActive && s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// Clone returns a deep copy of the server.
func (s *Server) Clone() *Server {
	c := *s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// MaxMonths bounds the paid period a single state change may request.
const MaxMonths = 1200

// Order selects the descending sort key for list operations.
type Order string

const (
	OrderByID         Order = "id"
	OrderByChangeDate Order = "change_date"
)

// ParseOrder maps a sort_by value to an Order. Anything unknown sorts by id.
func ParseOrder(s string) Order {
	if s == string(OrderByChangeDate) {
		return OrderByChangeDate
	}
	return OrderByID
}
