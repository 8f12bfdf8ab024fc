package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/activation"
	"github.com/devghori1264/aerophoenix/rackd/internal/allocator"
	"github.com/devghori1264/aerophoenix/rackd/internal/api"
	"github.com/devghori1264/aerophoenix/rackd/internal/events"
	"github.com/devghori1264/aerophoenix/rackd/internal/keylock"
	"github.com/devghori1264/aerophoenix/rackd/internal/lifecycle"
	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"github.com/devghori1264/aerophoenix/rackd/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRackd(t *testing.T) (*httptest.Server, *activation.Scheduler) {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	locks := keylock.New()
	sched := activation.New(store, locks, activation.Config{Delay: activation.FixedDelay(0)})
	svc := lifecycle.New(store, allocator.New(store, locks), sched, locks)
	ts := httptest.NewServer(api.NewHTTPHandler(svc, nil, nil))
	t.Cleanup(func() {
		ts.Close()
		_ = sched.Close(context.Background())
		_ = store.Close()
	})
	return ts, sched
}

func rackctl(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--url", url}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRackctlWorkflow(t *testing.T) {
	ts, sched := startRackd(t)

	out, err := rackctl(t, ts.URL, "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "pong")

	out, err = rackctl(t, ts.URL, "rack", "create", "--capacity", "1")
	require.NoError(t, err)
	var rack models.Rack
	require.NoError(t, json.Unmarshal([]byte(out), &rack))
	assert.Equal(t, int64(1), rack.Capacity)

	out, err = rackctl(t, ts.URL, "server", "create", "--rack", "1")
	require.NoError(t, err)
	var srv models.Server
	require.NoError(t, json.Unmarshal([]byte(out), &srv))
	assert.Equal(t, models.StateNew, srv.State)

	_, err = rackctl(t, ts.URL, "server", "create", "--rack", "1")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	_, err = rackctl(t, ts.URL, "rack", "resize", "1", "--capacity", "0")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	out, err = rackctl(t, ts.URL, "rack", "resize", "1", "--capacity", "3")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rack))
	assert.Equal(t, int64(3), rack.Capacity)

	out, err = rackctl(t, ts.URL, "server", "set-state", "1", "paid", "--months", "2")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &srv))
	assert.Equal(t, models.StatePaid, srv.State)
	sched.Wait()

	out, err = rackctl(t, ts.URL, "server", "list", "--sort-by", "change_date")
	require.NoError(t, err)
	var servers []models.Server
	require.NoError(t, json.Unmarshal([]byte(out), &servers))
	require.Len(t, servers, 1)
	assert.Equal(t, models.StateActive, servers[0].State)

	_, err = rackctl(t, ts.URL, "server", "delete", "1")
	require.NoError(t, err)
	_, err = rackctl(t, ts.URL, "rack", "delete", "1")
	require.NoError(t, err)

	_, err = rackctl(t, ts.URL, "rack", "get", "1")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestRackctlRejectsBadIDs(t *testing.T) {
	ts, _ := startRackd(t)
	_, err := rackctl(t, ts.URL, "server", "get", "abc")
	assert.ErrorContains(t, err, "invalid id")
	_, err = rackctl(t, ts.URL, "rack", "get")
	assert.Error(t, err)
}

func TestFormatEvent(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	exp := now.AddDate(0, 1, 0)

	line := formatEvent(events.Event{
		Type:   events.ServerActivated,
		Time:   now,
		Server: &models.Server{ID: 3, RackID: 1, State: models.StateActive, ExpiresAt: &exp},
	})
	assert.Contains(t, line, "server.activated")
	assert.Contains(t, line, "server=3")
	assert.Contains(t, line, "expires=2024-06-01T10:00:00Z")

	line = formatEvent(events.Event{Type: events.RackCreated, Time: now, Rack: &models.Rack{ID: 2, Capacity: 4}})
	assert.Contains(t, line, "rack=2 capacity=4 servers=0")
}
