package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSequencesStartAtOne(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r1, err := s.NextRackID(ctx)
	require.NoError(t, err)
	r2, err := s.NextRackID(ctx)
	require.NoError(t, err)
	srv, err := s.NextServerID(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), r1)
	assert.Equal(t, int64(2), r2)
	assert.Equal(t, int64(1), srv)
}

func TestRackRoundTripAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveRack(ctx, &models.Rack{ID: 7, Capacity: 3, CreatedAt: now, UpdatedAt: now}))

	got, err := s.GetRack(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Capacity)

	require.NoError(t, s.DeleteRack(ctx, 7))
	_, err = s.GetRack(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteRack(ctx, 7), ErrNotFound)
}

func TestUpdateServerAbortsOnCallbackError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveServer(ctx, &models.Server{ID: 1, RackID: 1, State: models.StateNew}))

	boom := errors.New("boom")
	_, err := s.UpdateServer(ctx, 1, func(m *models.Server) error {
		m.State = models.StatePaid
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetServer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateNew, got.State)

	_, err = s.UpdateServer(ctx, 99, func(*models.Server) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentRackUpdatesDoNotLoseWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRack(ctx, &models.Rack{ID: 1, Capacity: 1000}))

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateRack(ctx, 1, func(r *models.Rack) error {
				r.ServerCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetRack(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.ServerCount)
}

func TestListReturnsHighestIDFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []int64{3, 1, 300, 2} {
		require.NoError(t, s.SaveServer(ctx, &models.Server{ID: id}))
	}
	require.NoError(t, s.SaveRack(ctx, &models.Rack{ID: 5}))

	servers, err := s.ListServers(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, m := range servers {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{300, 3, 2, 1}, ids)

	racks, err := s.ListRacks(ctx)
	require.NoError(t, err)
	require.Len(t, racks, 1)
	assert.Equal(t, int64(5), racks[0].ID)
}
