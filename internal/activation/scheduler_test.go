package activation

import (
	"context"
	"testing"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/events"
	"github.com/devghori1264/aerophoenix/rackd/internal/keylock"
	"github.com/devghori1264/aerophoenix/rackd/internal/metrics"
	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"github.com/devghori1264/aerophoenix/rackd/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

type harness struct {
	store   *storage.BadgerStore
	locks   *keylock.Locker
	metrics *metrics.Metrics
	events  *events.Recorder
	sched   *Scheduler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	h := &harness{
		store:   store,
		locks:   keylock.New(),
		metrics: metrics.New(),
		events:  &events.Recorder{},
	}
	h.sched = New(store, h.locks, cfg,
		WithMetrics(h.metrics),
		WithEvents(events.NewEmitter(h.events, nil, nil)),
		WithClock(func() time.Time { return fixedNow }),
	)
	t.Cleanup(func() {
		_ = h.sched.Close(context.Background())
		_ = store.Close()
	})
	return h
}

func (h *harness) paidServer(t *testing.T, id int64, ticket string) {
	t.Helper()
	require.NoError(t, h.store.SaveServer(context.Background(), &models.Server{
		ID:           id,
		RackID:       1,
		State:        models.StatePaid,
		ActivationID: ticket,
		CreatedAt:    fixedNow,
		UpdatedAt:    fixedNow,
	}))
}

func (h *harness) outcomes(outcome string) float64 {
	return testutil.ToFloat64(h.metrics.Activations.WithLabelValues(outcome))
}

func TestActivationSetsActiveAndExpiry(t *testing.T) {
	h := newHarness(t, Config{Delay: FixedDelay(0), Period: FixedUnit(time.Minute)})
	h.paidServer(t, 1, "t1")

	require.NoError(t, h.sched.RequestActivation(context.Background(), 1, "t1", 3))
	h.sched.Wait()

	got, err := h.store.GetServer(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, got.State)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, fixedNow.Add(3*time.Minute), *got.ExpiresAt)
	assert.Equal(t, fixedNow, got.UpdatedAt)
	assert.Empty(t, got.ActivationID)
	assert.Equal(t, 1.0, h.outcomes(OutcomeActivated))
	assert.Equal(t, []string{events.ServerActivated}, h.events.Types())
}

func TestDefaultPeriodIsOneCalendarMonth(t *testing.T) {
	h := newHarness(t, Config{Delay: FixedDelay(0)})
	h.paidServer(t, 1, "t1")

	require.NoError(t, h.sched.RequestActivation(context.Background(), 1, "t1", 0))
	h.sched.Wait()

	got, err := h.store.GetServer(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, fixedNow.AddDate(0, 1, 0), *got.ExpiresAt)
}

func TestDeletionWinsOverPendingActivation(t *testing.T) {
	h := newHarness(t, Config{Delay: FixedDelay(50 * time.Millisecond)})
	h.paidServer(t, 1, "t1")
	ctx := context.Background()

	require.NoError(t, h.sched.RequestActivation(ctx, 1, "t1", 1))
	_, err := h.store.UpdateServer(ctx, 1, func(m *models.Server) error {
		m.State = models.StateDeleted
		return nil
	})
	require.NoError(t, err)
	h.sched.Wait()

	got, err := h.store.GetServer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateDeleted, got.State)
	assert.Nil(t, got.ExpiresAt)
	assert.Equal(t, 1.0, h.outcomes(OutcomeDeleted))
	assert.Empty(t, h.events.Types())
}

func TestOnlyLatestTicketFinalizes(t *testing.T) {
	h := newHarness(t, Config{Delay: FixedDelay(0), Period: FixedUnit(time.Hour)})
	h.paidServer(t, 1, "second")
	ctx := context.Background()

	require.NoError(t, h.sched.RequestActivation(ctx, 1, "first", 5))
	require.NoError(t, h.sched.RequestActivation(ctx, 1, "second", 2))
	h.sched.Wait()

	got, err := h.store.GetServer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, got.State)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, fixedNow.Add(2*time.Hour), *got.ExpiresAt)
	assert.Equal(t, 1.0, h.outcomes(OutcomeActivated))
	assert.Equal(t, 1.0, h.outcomes(OutcomeStale))
}

func TestMissingServerIsSkipped(t *testing.T) {
	h := newHarness(t, Config{Delay: FixedDelay(0)})

	require.NoError(t, h.sched.RequestActivation(context.Background(), 404, "t", 1))
	h.sched.Wait()

	assert.Equal(t, 1.0, h.outcomes(OutcomeNotFound))
}

func TestQueueIsBounded(t *testing.T) {
	h := newHarness(t, Config{Delay: FixedDelay(time.Hour), QueueSize: 1})
	ctx := context.Background()

	require.NoError(t, h.sched.RequestActivation(ctx, 1, "a", 1))
	assert.ErrorIs(t, h.sched.RequestActivation(ctx, 2, "b", 1), ErrQueueFull)
}

func TestCloseDropsUnfiredTimers(t *testing.T) {
	h := newHarness(t, Config{Delay: FixedDelay(time.Hour)})
	h.paidServer(t, 1, "t1")
	ctx := context.Background()

	require.NoError(t, h.sched.RequestActivation(ctx, 1, "t1", 1))
	require.NoError(t, h.sched.Close(ctx))
	h.sched.Wait()

	assert.Equal(t, 1.0, h.outcomes(OutcomeDropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActivationsPending))
	assert.ErrorIs(t, h.sched.RequestActivation(ctx, 1, "t2", 1), ErrSchedulerClosed)

	got, err := h.store.GetServer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaid, got.State)
}

func TestRandomDelayStaysInRange(t *testing.T) {
	d := RandomDelay(3*time.Second, 20*time.Second)
	for i := 0; i < 200; i++ {
		v := d()
		assert.GreaterOrEqual(t, v, 3*time.Second)
		assert.LessOrEqual(t, v, 20*time.Second)
	}
	assert.Equal(t, time.Second, RandomDelay(time.Second, time.Second)())
}
