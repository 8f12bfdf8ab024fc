// Package allocator owns rack records and their occupancy.
//
// It is the only code allowed to change a rack's server count. Every
// capacity mutation holds the rack's key lock and commits through a single
// store transaction, so concurrent reservations can never push ServerCount
// above Capacity.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/keylock"
	"github.com/devghori1264/aerophoenix/rackd/internal/metrics"
	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"github.com/devghori1264/aerophoenix/rackd/internal/storage"
	"go.uber.org/zap"
)

// Allocator tracks and mutates rack capacity.
type Allocator struct {
	store   storage.Store
	locks   *keylock.Locker
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Allocator) { a.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

// New creates an allocator. locks may be shared with other components; rack
// keys are namespaced with keylock.RackKey.
func New(store storage.Store, locks *keylock.Locker, opts ...Option) *Allocator {
	a := &Allocator{
		store: store,
		locks: locks,
		log:   zap.NewNop(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Create stores a new empty rack.
func (a *Allocator) Create(ctx context.Context, capacity int64) (*models.Rack, error) {
	if capacity < 0 {
		return nil, models.ErrInvalidCapacity
	}
	id, err := a.store.NextRackID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate rack id: %w", err)
	}
	now := a.now()
	r := &models.Rack{
		ID:        id,
		Capacity:  capacity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.SaveRack(ctx, r); err != nil {
		return nil, fmt.Errorf("save rack: %w", err)
	}
	a.log.Info("rack created", zap.Int64("rack", id), zap.Int64("capacity", capacity))
	return r, nil
}

// Get returns a rack by id.
func (a *Allocator) Get(ctx context.Context, id int64) (*models.Rack, error) {
	r, err := a.store.GetRack(ctx, id)
	if err != nil {
		return nil, rackErr(id, err)
	}
	return r, nil
}

// List returns every rack in descending order of the given key.
func (a *Allocator) List(ctx context.Context, order models.Order) ([]*models.Rack, error) {
	racks, err := a.store.ListRacks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list racks: %w", err)
	}
	if order == models.OrderByChangeDate {
		sort.SliceStable(racks, func(i, j int) bool {
			return racks[i].UpdatedAt.After(racks[j].UpdatedAt)
		})
	}
	return racks, nil
}

// Reserve takes one slot in the rack.
func (a *Allocator) Reserve(ctx context.Context, id int64) (*models.Rack, error) {
	unlock := a.locks.Lock(keylock.RackKey(id))
	defer unlock()

	r, err := a.store.UpdateRack(ctx, id, func(r *models.Rack) error {
		if !r.HasFreeSlot() {
			return models.ErrRackFull
		}
		r.ServerCount++
		r.UpdatedAt = a.now()
		return nil
	})
	a.observe("reserve", err)
	if err != nil {
		return nil, rackErr(id, err)
	}
	a.log.Debug("slot reserved", zap.Int64("rack", id), zap.Int64("server_count", r.ServerCount))
	return r, nil
}

// Release frees one slot, never going below zero. It does not know which
// server held the slot; callers must only release what they reserved.
func (a *Allocator) Release(ctx context.Context, id int64) (*models.Rack, error) {
	unlock := a.locks.Lock(keylock.RackKey(id))
	defer unlock()

	r, err := a.store.UpdateRack(ctx, id, func(r *models.Rack) error {
		if r.ServerCount > 0 {
			r.ServerCount--
		}
		r.UpdatedAt = a.now()
		return nil
	})
	a.observe("release", err)
	if err != nil {
		return nil, rackErr(id, err)
	}
	a.log.Debug("slot released", zap.Int64("rack", id), zap.Int64("server_count", r.ServerCount))
	return r, nil
}

// Resize sets a new capacity. It refuses to go below the rack's current
// server count.
func (a *Allocator) Resize(ctx context.Context, id, capacity int64) (*models.Rack, error) {
	if capacity < 0 {
		return nil, models.ErrInvalidCapacity
	}
	unlock := a.locks.Lock(keylock.RackKey(id))
	defer unlock()

	r, err := a.store.UpdateRack(ctx, id, func(r *models.Rack) error {
		if capacity < r.ServerCount {
			return fmt.Errorf("holds %d servers: %w", r.ServerCount, models.ErrCapacityBelowLoad)
		}
		r.Capacity = capacity
		r.UpdatedAt = a.now()
		return nil
	})
	a.observe("resize", err)
	if err != nil {
		return nil, rackErr(id, err)
	}
	a.log.Info("rack resized", zap.Int64("rack", id), zap.Int64("capacity", capacity))
	return r, nil
}

// Delete removes an empty rack.
func (a *Allocator) Delete(ctx context.Context, id int64) error {
	unlock := a.locks.Lock(keylock.RackKey(id))
	defer unlock()

	r, err := a.store.GetRack(ctx, id)
	if err != nil {
		return rackErr(id, err)
	}
	if r.ServerCount > 0 {
		return fmt.Errorf("rack %d holds %d servers: %w", id, r.ServerCount, models.ErrRackNotEmpty)
	}
	if err := a.store.DeleteRack(ctx, id); err != nil {
		return rackErr(id, err)
	}
	a.log.Info("rack deleted", zap.Int64("rack", id))
	return nil
}

func (a *Allocator) observe(op string, err error) {
	if a.metrics == nil {
		return
	}
	result := metrics.Result(err)
	if errors.Is(err, models.ErrRackFull) {
		result = "full"
	} else if errors.Is(err, storage.ErrNotFound) {
		result = "not_found"
	}
	a.metrics.SlotReservations.WithLabelValues(op, result).Inc()
}

func rackErr(id int64, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("rack %d: %w", id, models.ErrRackNotFound)
	case errors.Is(err, models.ErrRackFull):
		return fmt.Errorf("rack %d: %w", id, models.ErrRackFull)
	default:
		return fmt.Errorf("rack %d: %w", id, err)
	}
}
