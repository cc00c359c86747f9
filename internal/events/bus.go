package events

import (
	"sync"
	"time"
)

// Topic enumerates bus channels shared across tunnel subsystems.
type Topic string

const (
	TopicTunnelFailed  Topic = "tunnel_failed"
	TopicHeartbeatSent Topic = "heartbeat_sent"
)

// Event represents a message broadcast on the event bus.
type Event struct {
	Topic   Topic
	Payload any
}

// TunnelFailed describes a submission that was not forwarded, or whose
// upstream call failed.
type TunnelFailed struct {
	RequestID string
	Reason    string
	Host      string
	ProjectID string
	ClientIP  string
	Err       error
}

type HeartbeatSent struct {
	At time.Time
}

// Bus is a simple pub/sub dispatcher for intra-process events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]chan Event
	closed  bool
	dropped uint64
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Event)}
}

// Subscribe registers a buffered channel for a topic.
func (b *Bus) Subscribe(topic Topic, buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish broadcasts an event to all subscribers without blocking. Events for
// a saturated subscriber are dropped.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var dropped uint64
	for _, ch := range b.subs[evt.Topic] {
		select {
		case ch <- evt:
		default:
			dropped++
		}
	}
	b.mu.RUnlock()
	if dropped > 0 {
		b.mu.Lock()
		b.dropped += dropped
		b.mu.Unlock()
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
