package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/allocator"
	"github.com/devghori1264/aerophoenix/rackd/internal/events"
	"github.com/devghori1264/aerophoenix/rackd/internal/fsm"
	"github.com/devghori1264/aerophoenix/rackd/internal/keylock"
	"github.com/devghori1264/aerophoenix/rackd/internal/metrics"
	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"github.com/devghori1264/aerophoenix/rackd/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errAlreadyDeleted = errors.New("already deleted")

// Activator accepts deferred activation requests.
type Activator interface {
	RequestActivation(ctx context.Context, serverID int64, ticket string, months int) error
}

// Service composes the allocator, the transition table and the activation
// scheduler into request-level operations.
type Service struct {
	store     storage.Store
	racks     *allocator.Allocator
	activator Activator
	locks     *keylock.Locker
	events    *events.Emitter
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
	tracer    trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option       { return func(s *Service) { s.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithEvents(e *events.Emitter) Option   { return func(s *Service) { s.events = e } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New creates a lifecycle service. locks must be the same Locker the
// allocator and the activator use.
func New(store storage.Store, racks *allocator.Allocator, activator Activator, locks *keylock.Locker, opts ...Option) *Service {
	s := &Service{
		store:     store,
		racks:     racks,
		activator: activator,
		locks:     locks,
		log:       zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		tracer:    otel.Tracer("rackd/lifecycle"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ---------- racks ----------

// CreateRack creates an empty rack.
func (s *Service) CreateRack(ctx context.Context, capacity int64) (r *models.Rack, err error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.CreateRack")
	defer func() { endSpan(span, err) }()

	r, err = s.racks.Create(ctx, capacity)
	if err != nil {
		return nil, err
	}
	s.events.Rack(ctx, events.RackCreated, r)
	return r, nil
}

// GetRack fetches a rack by id.
func (s *Service) GetRack(ctx context.Context, id int64) (*models.Rack, error) {
	return s.racks.Get(ctx, id)
}

// ListRacks returns racks in descending order.
func (s *Service) ListRacks(ctx context.Context, order models.Order) ([]*models.Rack, error) {
	return s.racks.List(ctx, order)
}

// ResizeRack changes a rack's capacity.
func (s *Service) ResizeRack(ctx context.Context, id, capacity int64) (r *models.Rack, err error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.ResizeRack", trace.WithAttributes(attribute.Int64("rack.id", id)))
	defer func() { endSpan(span, err) }()

	r, err = s.racks.Resize(ctx, id, capacity)
	if err != nil {
		return nil, err
	}
	s.events.Rack(ctx, events.RackResized, r)
	return r, nil
}

// DeleteRack removes a rack that holds no servers.
func (s *Service) DeleteRack(ctx context.Context, id int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.DeleteRack", trace.WithAttributes(attribute.Int64("rack.id", id)))
	defer func() { endSpan(span, err) }()

	r, err := s.racks.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.racks.Delete(ctx, id); err != nil {
		return err
	}
	s.events.Rack(ctx, events.RackDeleted, r)
	return nil
}

// ---------- servers ----------

// CreateServer reserves a slot in the rack and creates a new server in it.
func (s *Service) CreateServer(ctx context.Context, rackID int64) (m *models.Server, err error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.CreateServer", trace.WithAttributes(attribute.Int64("rack.id", rackID)))
	defer func() { endSpan(span, err) }()

	if _, err := s.racks.Reserve(ctx, rackID); err != nil {
		return nil, err
	}

	m, err = s.saveNewServer(ctx, rackID)
	if err != nil {
		// give the slot back; the server never existed
		if _, rerr := s.racks.Release(context.WithoutCancel(ctx), rackID); rerr != nil {
			s.log.Error("release slot after failed create", zap.Int64("rack", rackID), zap.Error(rerr))
		}
		return nil, err
	}

	s.log.Info("server created", zap.Int64("server", m.ID), zap.Int64("rack", rackID))
	s.events.Server(ctx, events.ServerCreated, m)
	return m, nil
}

func (s *Service) saveNewServer(ctx context.Context, rackID int64) (*models.Server, error) {
	id, err := s.store.NextServerID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate server id: %w", err)
	}
	now := s.now()
	m := &models.Server{
		ID:        id,
		RackID:    rackID,
		State:     models.StateNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveServer(ctx, m); err != nil {
		return nil, fmt.Errorf("save server: %w", err)
	}
	return m, nil
}

// GetServer fetches a server. An active server past its expiration is moved
// to unpaid before it is returned.
func (s *Service) GetServer(ctx context.Context, id int64) (*models.Server, error) {
	m, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, serverErr(id, err)
	}
	if m.Expired(s.now()) {
		return s.expire(ctx, id, "read")
	}
	return m, nil
}

// ListServers returns every server, deleted ones included, in descending
// order. Expired active servers are moved to unpaid first.
func (s *Service) ListServers(ctx context.Context, order models.Order) ([]*models.Server, error) {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	now := s.now()
	for i, m := range servers {
		if !m.Expired(now) {
			continue
		}
		updated, err := s.expire(ctx, m.ID, "read")
		if err != nil {
			return nil, err
		}
		servers[i] = updated
	}
	if order == models.OrderByChangeDate {
		sort.SliceStable(servers, func(i, j int) bool {
			return servers[i].UpdatedAt.After(servers[j].UpdatedAt)
		})
	}
	return servers, nil
}

// RequestStateChange applies a synchronous transition. A move to paid also
// schedules activation; the returned server reflects only the synchronous
// change. Requesting deleted follows the transition table, so it fails
// from paid and from deleted; DeleteServer is the unconditional path.
func (s *Service) RequestStateChange(ctx context.Context, id int64, requested models.State, months int) (m *models.Server, err error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.RequestStateChange", trace.WithAttributes(
		attribute.Int64("server.id", id),
		attribute.String("state.requested", string(requested)),
	))
	defer func() { endSpan(span, err) }()

	st, ok := fsm.ParseState(string(requested))
	if !ok {
		return nil, fmt.Errorf("%q: %w", requested, models.ErrInvalidState)
	}
	requested = st
	if requested == models.StateDeleted {
		return s.remove(ctx, id, true)
	}

	unlock := s.locks.Lock(keylock.ServerKey(id))
	defer unlock()

	now := s.now()
	var (
		prev  models.Server
		from  models.State
		legal bool
	)
	m, err = s.store.UpdateServer(ctx, id, func(cur *models.Server) error {
		prev = *cur.Clone()
		if cur.Expired(now) {
			cur.State = models.StateUnpaid
			cur.UpdatedAt = now
		}
		from = cur.State
		next, ok := fsm.Apply(cur, requested, now)
		legal = ok
		if !ok {
			return fmt.Errorf("server %d %s -> %s: %w", id, cur.State, requested, models.ErrIllegalTransition)
		}
		if requested == models.StatePaid {
			next.ActivationID = uuid.NewString()
		}
		*cur = *next
		return nil
	})
	if from != "" {
		s.observeTransition(from, requested, legal)
	}
	if err != nil {
		return nil, serverErr(id, err)
	}

	if requested == models.StatePaid {
		if err := s.activator.RequestActivation(ctx, id, m.ActivationID, months); err != nil {
			return nil, s.rollback(ctx, &prev, err)
		}
	}

	s.log.Info("server state changed",
		zap.Int64("server", id),
		zap.String("from", string(from)),
		zap.String("to", string(m.State)))
	s.events.Server(ctx, events.ServerStateChanged, m)
	return m, nil
}

// rollback restores prev after the activator refused a paid request. The
// caller holds the server lock.
func (s *Service) rollback(ctx context.Context, prev *models.Server, cause error) error {
	s.log.Warn("activation refused, rolling back", zap.Int64("server", prev.ID), zap.Error(cause))
	if _, err := s.store.UpdateServer(ctx, prev.ID, func(cur *models.Server) error {
		*cur = *prev
		return nil
	}); err != nil {
		s.log.Error("rollback failed", zap.Int64("server", prev.ID), zap.Error(err))
		return fmt.Errorf("rollback server %d: %w", prev.ID, errors.Join(cause, err))
	}
	return fmt.Errorf("server %d: %w: %w", prev.ID, models.ErrActivationUnavailable, cause)
}

// DeleteServer marks a server deleted and releases its rack slot. It is
// legal from every live state, paid included, so a pending activation
// becomes a no-op. Deleting a deleted server changes nothing.
func (s *Service) DeleteServer(ctx context.Context, id int64) (m *models.Server, err error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.DeleteServer", trace.WithAttributes(attribute.Int64("server.id", id)))
	defer func() { endSpan(span, err) }()

	return s.remove(ctx, id, false)
}

// remove marks a server deleted and releases its slot. With checked set the
// move must be legal in the transition table; otherwise it is allowed from
// every live state and a deleted server is returned unchanged.
func (s *Service) remove(ctx context.Context, id int64, checked bool) (*models.Server, error) {
	unlock := s.locks.Lock(keylock.ServerKey(id))
	defer unlock()

	now := s.now()
	var from models.State
	m, err := s.store.UpdateServer(ctx, id, func(cur *models.Server) error {
		if cur.Expired(now) {
			cur.State = models.StateUnpaid
		}
		from = cur.State
		if checked && !fsm.Validate(cur.State, models.StateDeleted) {
			return fmt.Errorf("server %d %s -> %s: %w", id, cur.State, models.StateDeleted, models.ErrIllegalTransition)
		}
		if cur.State == models.StateDeleted {
			return errAlreadyDeleted
		}
		cur.State = models.StateDeleted
		cur.UpdatedAt = now
		cur.ActivationID = ""
		return nil
	})
	if from != "" && !errors.Is(err, errAlreadyDeleted) {
		s.observeTransition(from, models.StateDeleted, !errors.Is(err, models.ErrIllegalTransition))
	}
	if errors.Is(err, errAlreadyDeleted) {
		return s.store.GetServer(ctx, id)
	}
	if err != nil {
		return nil, serverErr(id, err)
	}

	// the server is already marked; the slot must follow even if the caller
	// has gone away
	if _, err := s.racks.Release(context.WithoutCancel(ctx), m.RackID); err != nil {
		return nil, fmt.Errorf("release slot for server %d: %w", id, err)
	}

	s.log.Info("server deleted", zap.Int64("server", id), zap.Int64("rack", m.RackID))
	s.events.Server(ctx, events.ServerDeleted, m)
	return m, nil
}

// expire moves an active server past its expiration to unpaid. path labels
// how the expiry was noticed.
func (s *Service) expire(ctx context.Context, id int64, path string) (*models.Server, error) {
	unlock := s.locks.Lock(keylock.ServerKey(id))
	defer unlock()

	now := s.now()
	changed := false
	m, err := s.store.UpdateServer(ctx, id, func(cur *models.Server) error {
		if !cur.Expired(now) {
			return nil
		}
		cur.State = models.StateUnpaid
		cur.UpdatedAt = now
		changed = true
		return nil
	})
	if err != nil {
		return nil, serverErr(id, err)
	}
	if changed {
		if s.metrics != nil {
			s.metrics.Expirations.WithLabelValues(path).Inc()
		}
		s.log.Info("server expired", zap.Int64("server", id), zap.String("path", path))
		s.events.Server(ctx, events.ServerExpired, m)
	}
	return m, nil
}

// SweepExpired moves every expired active server to unpaid and reports how
// many it changed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list servers: %w", err)
	}
	now := s.now()
	n := 0
	for _, m := range servers {
		if !m.Expired(now) {
			continue
		}
		updated, err := s.expire(ctx, m.ID, "sweep")
		if err != nil {
			return n, err
		}
		if updated.State == models.StateUnpaid {
			n++
		}
	}
	return n, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done. A zero
// interval disables sweeping; reads still expire lazily.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("expiry sweep", zap.Int("expired", n))
			}
		}
	}
}

func (s *Service) observeTransition(from, to models.State, ok bool) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "rejected"
	}
	s.metrics.Transitions.WithLabelValues(string(from), string(to), result).Inc()
}

func serverErr(id int64, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("server %d: %w", id, models.ErrServerNotFound)
	}
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
