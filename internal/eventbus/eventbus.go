// Package eventbus is the Event Bus: per-topic pub/sub with a bounded
// replay ring and SSE framing. A topic is a chat session; every event
// published to it is both broadcast to live subscribers and retained
// in a ring for Last-Event-ID resumption.
//
// Grounded on the teacher's internal/session.EventBuffer (ring buffer
// with index-based resumption) merged with the original runtime's
// SSEBus (per-topic subscriber fanout, heartbeat, init/done framing).
package eventbus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/HyphaGroup/oubliette/internal/logger"
	"github.com/HyphaGroup/oubliette/internal/metrics"
	"github.com/google/uuid"
)

const (
	// DefaultRingSize matches the spec's "bounded ring of recent events
	// (≥100 entries)".
	DefaultRingSize = 200

	// HeartbeatInterval is how often an idle subscriber gets a bare
	// comment frame to keep the connection alive.
	HeartbeatInterval = 30 * time.Second

	// subscriberQueueSize bounds a single subscriber's backlog; a
	// queue at capacity means the subscriber is dropped rather than
	// blocking the publisher.
	subscriberQueueSize = 256

	// idleGracePeriod is how long a topic with no subscribers and no
	// publishes survives before ReapIdle reclaims it.
	idleGracePeriod = 10 * time.Minute
)

// Terminal event kinds; a subscriber's SSE stream ends once one of
// these has been delivered to it and its queue has drained.
const (
	KindDone      = "agent_done"
	KindError     = "agent_error"
	KindCancelled = "cancelled"
)

// Event is one published occurrence on a topic: a monotonic id, an
// SSE event kind, a JSON payload, and the wall-clock time it was
// published (Publish also records it as the topic's last activity,
// which ReapIdle reads).
type Event struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Frame renders the event in SSE wire format: "id: <id>\nevent:
// <kind>\ndata: <json>\n\n". The id line is what lets a reconnecting
// client send Last-Event-ID back to Subscribe's sinceID parameter;
// without it resumption has no wire-level anchor.
func (e *Event) Frame() []byte {
	idStr := strconv.FormatInt(e.ID, 10)
	out := make([]byte, 0, len(e.Payload)+len(e.Kind)+len(idStr)+24)
	out = append(out, "id: "...)
	out = append(out, idStr...)
	out = append(out, '\n')
	out = append(out, "event: "...)
	out = append(out, e.Kind...)
	out = append(out, '\n')
	out = append(out, "data: "...)
	out = append(out, e.Payload...)
	out = append(out, '\n', '\n')
	return out
}

// HeartbeatFrame is the bare SSE comment sent when a subscriber has
// been idle past HeartbeatInterval.
var HeartbeatFrame = []byte(": heartbeat\n\n")

// IsTerminalKind reports whether kind ends a run's event stream. The
// Trigger Surface's SSE handler uses this to stop streaming once it
// has written a terminal frame and the subscriber's queue is empty.
func IsTerminalKind(kind string) bool {
	return kind == KindDone || kind == KindError || kind == KindCancelled
}

// Subscription is a live subscriber's view of a topic: a channel of
// framed SSE bytes and an Unsubscribe to release it.
type Subscription struct {
	Frames <-chan []byte
	id     uuid.UUID
	topic  *topic
}

// Unsubscribe detaches this subscriber from its topic. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.topic.removeSubscriber(s.id)
}

type subscriber struct {
	id    uuid.UUID
	ch    chan []byte
	alive bool
}

type topic struct {
	name string

	mu          sync.Mutex
	ring        []Event
	ringStart   int64 // logical id of ring[0]
	nextID      int64
	subscribers map[uuid.UUID]*subscriber
	lastActive  time.Time
	closed      bool
}

func newTopic(name string, ringSize int) *topic {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &topic{
		name:        name,
		ring:        make([]Event, 0, ringSize),
		subscribers: make(map[uuid.UUID]*subscriber),
		lastActive:  time.Now(),
	}
}

// Bus is the Event Bus: a registry of topics keyed by chat session
// id. Publishers and subscribers never talk to a topic directly; they
// go through the Bus so topic creation/teardown stays centralized.
type Bus struct {
	ringSize int

	mu     sync.Mutex
	topics map[string]*topic
}

// New creates an Event Bus with the given per-topic ring size (0 uses
// DefaultRingSize).
func New(ringSize int) *Bus {
	return &Bus{
		ringSize: ringSize,
		topics:   make(map[string]*topic),
	}
}

func (b *Bus) getOrCreateTopic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = newTopic(name, b.ringSize)
		b.topics[name] = t
	}
	return t
}

// Publish appends an event to the topic's ring, stamping it with a
// monotonic id, and fans it out to every live subscriber. Ring
// overflow drops the oldest entry. Fanout is non-blocking: a
// subscriber whose queue is full is dropped rather than stalling the
// publisher.
func (b *Bus) Publish(topicName, kind string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("eventbus: marshal payload for %s: %w", kind, err)
	}

	t := b.getOrCreateTopic(topicName)

	t.mu.Lock()
	ev := Event{
		ID:        t.nextID,
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	t.nextID++
	t.lastActive = ev.Timestamp

	if len(t.ring) >= cap(t.ring) {
		t.ring = t.ring[1:]
		t.ringStart++
	}
	t.ring = append(t.ring, ev)

	frame := ev.Frame()
	var dropped []uuid.UUID
	for id, sub := range t.subscribers {
		select {
		case sub.ch <- frame:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		delete(t.subscribers, id)
	}
	t.mu.Unlock()

	for range dropped {
		metrics.RecordSubscriberDropped(topicName)
		logger.Info("eventbus: dropped slow subscriber on topic %s", topicName)
	}

	return ev, nil
}

// Subscribe attaches a new subscriber to a topic. If sinceID is
// non-nil, every event with id > *sinceID still present in the ring
// is delivered before the subscriber starts seeing live events. An
// `init` frame is always sent first.
func (b *Bus) Subscribe(topicName string, sinceID *int64) (*Subscription, error) {
	t := b.getOrCreateTopic(topicName)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("eventbus: topic %s is closed", topicName)
	}

	id := uuid.New()
	sub := &subscriber{id: id, ch: make(chan []byte, subscriberQueueSize), alive: true}
	t.subscribers[id] = sub
	t.lastActive = time.Now()

	replay, err := t.replayLocked(sinceID)
	t.mu.Unlock()
	if err != nil {
		t.removeSubscriber(id)
		return nil, err
	}

	init, _ := json.Marshal(map[string]any{"topic": topicName, "timestamp": time.Now().UTC()})
	initEvent := Event{Kind: "init", Payload: init, Timestamp: time.Now()}
	sub.ch <- initEvent.Frame()
	for _, ev := range replay {
		sub.ch <- ev.Frame()
	}

	return &Subscription{Frames: sub.ch, id: id, topic: t}, nil
}

// replayLocked must be called with t.mu held. It returns the events
// strictly after sinceID, or an error if sinceID has already been
// purged from the ring.
func (t *topic) replayLocked(sinceID *int64) ([]Event, error) {
	if sinceID == nil {
		out := make([]Event, len(t.ring))
		copy(out, t.ring)
		return out, nil
	}
	since := *sinceID
	if since < t.ringStart-1 {
		return nil, fmt.Errorf("eventbus: events before id %d have been purged (oldest available: %d)", since, t.ringStart)
	}
	offset := since - t.ringStart + 1
	if offset < 0 {
		offset = 0
	}
	if int(offset) >= len(t.ring) {
		return nil, nil
	}
	out := make([]Event, len(t.ring)-int(offset))
	copy(out, t.ring[offset:])
	return out, nil
}

func (t *topic) removeSubscriber(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subscribers[id]; ok {
		delete(t.subscribers, id)
		close(sub.ch)
	}
}

// CloseTopic publishes a `done` frame to every subscriber of a topic
// and marks it closed. Subscribe refuses a closed topic from then on;
// the topic itself stays on the bus until ReapIdle reclaims it.
func (b *Bus) CloseTopic(topicName string) {
	b.mu.Lock()
	t, ok := b.topics[topicName]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.closed = true
	frame := (&Event{Kind: "done", Payload: []byte(`{}`), Timestamp: time.Now()}).Frame()
	for _, sub := range t.subscribers {
		select {
		case sub.ch <- frame:
		default:
		}
	}
	t.mu.Unlock()
}

// ReapIdle removes topics that have had no subscribers and no
// publishes for longer than the idle grace period. Intended to be
// driven by a periodic ticker (cmd/server's idle sweep loop).
func (b *Bus) ReapIdle(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	reaped := 0
	for name, t := range b.topics {
		t.mu.Lock()
		idle := len(t.subscribers) == 0 && now.Sub(t.lastActive) > idleGracePeriod
		t.mu.Unlock()
		if idle {
			delete(b.topics, name)
			reaped++
		}
	}
	return reaped
}

// LastEventID returns the id of the newest event on a topic, or nil
// if the topic has no events yet.
func (b *Bus) LastEventID(topicName string) *int64 {
	b.mu.Lock()
	t, ok := b.topics[topicName]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ring) == 0 {
		return nil
	}
	last := t.ring[len(t.ring)-1].ID
	return &last
}
