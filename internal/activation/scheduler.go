// Package activation turns a paid server into an active one after a
// provisioning delay.
//
// Each request arms a timer. When it fires, the task is handed to a bounded
// pool of workers. A worker re-reads the server under its key lock and only
// then decides whether to activate it:
//   - deleted servers are left alone (deletion always wins);
//   - servers that are no longer paid, or whose activation ticket belongs to a
//     newer request, are left alone (stale task);
//   - otherwise the server becomes active with a fresh expiration.
//
// There is no cancellation API. A pending activation for a deleted server
// runs to completion and becomes a no-op.
package activation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/events"
	"github.com/devghori1264/aerophoenix/rackd/internal/keylock"
	"github.com/devghori1264/aerophoenix/rackd/internal/metrics"
	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"github.com/devghori1264/aerophoenix/rackd/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	ErrSchedulerClosed = errors.New("activation scheduler closed")
	ErrQueueFull       = errors.New("activation queue full")
)

// Task outcomes, also used as metric labels.
const (
	OutcomeActivated = "activated"
	OutcomeDeleted   = "aborted_deleted"
	OutcomeStale     = "stale"
	OutcomeNotFound  = "not_found"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

var (
	errDeleted = errors.New("server deleted")
	errStale   = errors.New("activation superseded")
)

// DelayFunc returns the provisioning delay for one task.
type DelayFunc func() time.Duration

// FixedDelay always waits d.
func FixedDelay(d time.Duration) DelayFunc {
	return func() time.Duration { return d }
}

// RandomDelay waits a uniformly random duration in [lo, hi].
func RandomDelay(lo, hi time.Duration) DelayFunc {
	if hi <= lo {
		return FixedDelay(lo)
	}
	return func() time.Duration {
		return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
	}
}

// PeriodFunc computes the end of a paid period of the given length.
type PeriodFunc func(start time.Time, months int) time.Time

// CalendarMonths adds calendar months.
func CalendarMonths(start time.Time, months int) time.Time {
	return start.AddDate(0, months, 0)
}

// FixedUnit treats one month as unit. Short units make expiry observable in
// development.
func FixedUnit(unit time.Duration) PeriodFunc {
	return func(start time.Time, months int) time.Time {
		return start.Add(time.Duration(months) * unit)
	}
}

// Config tunes the scheduler.
type Config struct {
	// Workers is the number of goroutines finalizing activations.
	Workers int
	// QueueSize bounds the number of accepted, unfinished tasks.
	QueueSize int
	// DefaultMonths is used when a request does not name a period.
	DefaultMonths int
	// Delay draws the provisioning delay.
	Delay DelayFunc
	// Period computes the expiration.
	Period PeriodFunc
}

// DefaultConfig uses a 3 to 20 second provisioning delay and a
// one month default period.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     1024,
		DefaultMonths: 1,
		Delay:         RandomDelay(3*time.Second, 20*time.Second),
		Period:        CalendarMonths,
	}
}

type task struct {
	seq      uint64
	serverID int64
	ticket   string
	months   int
}

// Scheduler runs deferred activations.
type Scheduler struct {
	store   storage.Store
	locks   *keylock.Locker
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	events  *events.Emitter
	now     func() time.Time

	mu       sync.Mutex
	closed   bool
	seq      uint64
	inflight int
	timers   map[uint64]*time.Timer
	queue    chan task

	pending sync.WaitGroup
	workers sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option       { return func(s *Scheduler) { s.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithEvents(e *events.Emitter) Option   { return func(s *Scheduler) { s.events = e } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New starts a scheduler with cfg.Workers workers. Zero values in cfg fall
// back to DefaultConfig.
func New(store storage.Store, locks *keylock.Locker, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DefaultMonths <= 0 {
		cfg.DefaultMonths = def.DefaultMonths
	}
	if cfg.Delay == nil {
		cfg.Delay = def.Delay
	}
	if cfg.Period == nil {
		cfg.Period = def.Period
	}

	s := &Scheduler{
		store:  store,
		locks:  locks,
		cfg:    cfg,
		log:    zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		timers: make(map[uint64]*time.Timer),
		// never blocks: inflight <= QueueSize bounds what can be queued
		queue: make(chan task, cfg.QueueSize),
	}
	for _, o := range opts {
		o(s)
	}
	for i := 0; i < cfg.Workers; i++ {
		s.workers.Add(1)
		go s.work()
	}
	return s
}

// RequestActivation schedules activation of serverID and returns at once.
// Only a task whose ticket still matches the server's ActivationID may
// finalize. months <= 0 selects the default period.
func (s *Scheduler) RequestActivation(ctx context.Context, serverID int64, ticket string, months int) error {
	if months <= 0 {
		months = s.cfg.DefaultMonths
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if s.inflight >= s.cfg.QueueSize {
		return ErrQueueFull
	}

	s.seq++
	t := task{seq: s.seq, serverID: serverID, ticket: ticket, months: months}
	delay := s.cfg.Delay()
	s.inflight++
	s.pending.Add(1)
	if s.metrics != nil {
		s.metrics.ActivationsPending.Inc()
		s.metrics.ActivationDelay.Observe(delay.Seconds())
	}
	s.timers[t.seq] = time.AfterFunc(delay, func() { s.dispatch(t) })

	s.log.Info("activation scheduled",
		zap.Int64("server", serverID),
		zap.Int("months", months),
		zap.Duration("delay", delay))
	return nil
}

func (s *Scheduler) dispatch(t task) {
	s.mu.Lock()
	delete(s.timers, t.seq)
	if s.closed {
		s.mu.Unlock()
		s.finish(OutcomeDropped)
		return
	}
	s.queue <- t
	s.mu.Unlock()
}

func (s *Scheduler) work() {
	defer s.workers.Done()
	for t := range s.queue {
		outcome := s.run(t)
		s.finish(outcome)
	}
}

func (s *Scheduler) finish(outcome string) {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActivationsPending.Dec()
		s.metrics.Activations.WithLabelValues(outcome).Inc()
	}
	s.pending.Done()
}

// run is the critical section: the deletion check and the activating write
// happen under the server's key lock and inside one store transaction.
func (s *Scheduler) run(t task) string {
	ctx, span := otel.Tracer("rackd/activation").Start(context.Background(), "activation.run")
	defer span.End()
	span.SetAttributes(attribute.Int64("server.id", t.serverID), attribute.Int("months", t.months))

	unlock := s.locks.Lock(keylock.ServerKey(t.serverID))
	defer unlock()

	now := s.now()
	m, err := s.store.UpdateServer(ctx, t.serverID, func(m *models.Server) error {
		if m.State == models.StateDeleted {
			return errDeleted
		}
		if m.State != models.StatePaid || m.ActivationID != t.ticket {
			return errStale
		}
		exp := s.cfg.Period(now, t.months)
		m.State = models.StateActive
		m.ExpiresAt = &exp
		m.UpdatedAt = now
		m.ActivationID = ""
		return nil
	})

	log := s.log.With(zap.Int64("server", t.serverID))
	var outcome string
	switch {
	case err == nil:
		outcome = OutcomeActivated
		log.Info("server activated", zap.Time("expires_at", *m.ExpiresAt))
		s.events.Server(ctx, events.ServerActivated, m)
	case errors.Is(err, errDeleted):
		outcome = OutcomeDeleted
		log.Info("activation skipped, server deleted")
	case errors.Is(err, errStale):
		outcome = OutcomeStale
		log.Debug("activation superseded")
	case errors.Is(err, storage.ErrNotFound):
		outcome = OutcomeNotFound
		log.Warn("activation skipped, server not found")
	default:
		// abandon this task; the server stays paid until a new request
		outcome = OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("activation failed", zap.Error(err))
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	return outcome
}

// Wait blocks until every accepted task has finished or been dropped.
func (s *Scheduler) Wait() {
	s.pending.Wait()
}

// Close stops accepting requests and drops timers that have not fired.
// Tasks already handed to workers run to completion; Close waits for them
// or for ctx.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var dropped int
	for seq, timer := range s.timers {
		// a timer that already fired is dropped by dispatch instead
		if timer.Stop() {
			delete(s.timers, seq)
			dropped++
		}
	}
	close(s.queue)
	s.mu.Unlock()

	for i := 0; i < dropped; i++ {
		s.finish(OutcomeDropped)
	}
	if dropped > 0 {
		s.log.Warn("dropped pending activations", zap.Int("count", dropped))
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for activation workers: %w", ctx.Err())
	}
}
