package health

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultHeartbeatInterval keeps a one-minute cron monitor fed with a 30s
// buffer.
const DefaultHeartbeatInterval = 30 * time.Second

// Heartbeater signals an external monitor that the process is alive.
type Heartbeater interface {
	Heartbeat(ctx context.Context)
}

// Snapshot is a read-only view of the tracker state.
type Snapshot struct {
	RequestsReceived  uint64    `json:"requests_received"`
	RequestsSucceeded uint64    `json:"requests_succeeded"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
}

// Tracker counts tunnel requests and coalesces health checks into at most
// one heartbeat per interval. All methods are safe for concurrent use.
type Tracker struct {
	received      atomic.Uint64
	succeeded     atomic.Uint64
	lastHeartbeat atomic.Int64 // unix nanos, 0 = never

	interval    time.Duration
	heartbeater Heartbeater
	now         func() time.Time
}

type Option func(*Tracker)

// WithHeartbeat enables heartbeats. A nil heartbeater leaves them disabled.
func WithHeartbeat(h Heartbeater, interval time.Duration) Option {
	return func(t *Tracker) {
		t.heartbeater = h
		if interval > 0 {
			t.interval = interval
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{interval: DefaultHeartbeatInterval, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) RecordReceived() { t.received.Add(1) }

func (t *Tracker) RecordSucceeded() { t.succeeded.Add(1) }

func (t *Tracker) HeartbeatEnabled() bool { return t.heartbeater != nil }

// Check is called on every health probe. When heartbeats are enabled and the
// interval has elapsed since the last one, exactly one concurrent caller wins
// the timestamp swap and sends the heartbeat. It reports whether this call
// sent it.
func (t *Tracker) Check(ctx context.Context) bool {
	if t.heartbeater == nil {
		return false
	}
	now := t.now().UnixNano()
	last := t.lastHeartbeat.Load()
	if time.Duration(now-last) <= t.interval {
		return false
	}
	if !t.lastHeartbeat.CompareAndSwap(last, now) {
		return false
	}
	t.heartbeater.Heartbeat(ctx)
	return true
}

func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{
		RequestsReceived:  t.received.Load(),
		RequestsSucceeded: t.succeeded.Load(),
	}
	if ns := t.lastHeartbeat.Load(); ns != 0 {
		s.LastHeartbeat = time.Unix(0, ns).UTC()
	}
	return s
}
