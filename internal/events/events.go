// Package events publishes rack and server lifecycle events.
//
// Publishing is best effort: a failed publish is logged and counted but never
// fails the lifecycle operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/devghori1264/aerophoenix/rackd/internal/metrics"
	"github.com/devghori1264/aerophoenix/rackd/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types.
const (
	RackCreated        = "rack.created"
	RackResized        = "rack.resized"
	RackDeleted        = "rack.deleted"
	ServerCreated      = "server.created"
	ServerStateChanged = "server.state_changed"
	ServerActivated    = "server.activated"
	ServerExpired      = "server.expired"
	ServerDeleted      = "server.deleted"
)

// SubjectPrefix is prepended to the event type to form the NATS subject.
const SubjectPrefix = "rackd.events."

// Event is the JSON payload of every lifecycle message.
type Event struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Time   time.Time      `json:"time"`
	Rack   *models.Rack   `json:"rack,omitempty"`
	Server *models.Server `json:"server,omitempty"`
}

// Publisher delivers raw payloads to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close()
}

// Emitter turns lifecycle changes into published events.
type Emitter struct {
	pub     Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEmitter wraps pub. A nil pub publishes nothing.
func NewEmitter(pub Publisher, log *zap.Logger, m *metrics.Metrics) *Emitter {
	if pub == nil {
		pub = Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{
		pub:     pub,
		log:     log,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Rack emits a rack event.
func (e *Emitter) Rack(ctx context.Context, typ string, r *models.Rack) {
	e.emit(ctx, Event{Type: typ, Rack: r})
}

// Server emits a server event.
func (e *Emitter) Server(ctx context.Context, typ string, s *models.Server) {
	e.emit(ctx, Event{Type: typ, Server: s})
}

func (e *Emitter) emit(ctx context.Context, ev Event) {
	if e == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Time = e.now()
	payload, err := json.Marshal(ev)
	if err == nil {
		err = e.pub.Publish(ctx, SubjectPrefix+ev.Type, payload)
	}
	if e.metrics != nil {
		e.metrics.EventsPublished.WithLabelValues(ev.Type, metrics.Result(err)).Inc()
	}
	if err != nil {
		e.log.Warn("publish event failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

// Nop discards every payload.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }
func (Nop) Close()                                        {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, _ string, payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() {}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
