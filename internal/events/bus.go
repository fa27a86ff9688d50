package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the runtime. Consumers subscribe by type; the
// catalog here is the stable vocabulary, not an exhaustive list.
const (
	TypeRunCreated   = "run.created"
	TypeRunStarted   = "run.started"
	TypeRunPaused    = "run.paused"
	TypeRunCompleted = "run.completed"
	TypeRunFailed    = "run.failed"
	TypeRunCancelled = "run.cancelled"

	TypeApprovalRequested = "approval.requested"
	TypeApprovalGranted   = "approval.granted"
	TypeApprovalDenied    = "approval.denied"

	TypePolicyDenied      = "policy.denied"
	TypeKillswitchTripped = "killswitch.triggered"
	TypeKillswitchReset   = "killswitch.reset"
	TypeWebhookReceived   = "webhook.received"
	TypeGateFailed        = "gate.failed"
	TypeIdempotencyReplay = "idempotency.replayed"
	TypeStateWritten      = "state.written"
	TypeStateDeleted      = "state.deleted"
)

// Emitter publishes runtime events. The in-memory EventBus and the
// Pub/Sub-backed bus both satisfy it.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// EventEmitter is kept as an alias for callers written against the older name.
type EventEmitter = Emitter

// Event is the envelope every runtime event travels in. It follows the
// CloudEvents 1.0 field set so downstream consumers can route on attributes
// without parsing the payload.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// CloudEvent is the historical name for Event.
type CloudEvent = Event

// NewEvent builds an envelope with a fresh id and timestamp.
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          "evt-" + uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the event as a Server-Sent Events frame for the
// /events/stream endpoint.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// EventBus is the in-process pub/sub fabric. Delivery is best effort: a
// subscriber whose buffer is full misses the event rather than blocking the
// publisher.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or every
// event when no types are named.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *Event, eb.bufferSize)
	if len(eventTypes) == 0 {
		eb.allSubs = append(eb.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		eb.subscribers[et] = append(eb.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe detaches and closes a subscription channel.
func (eb *EventBus) Unsubscribe(ch chan *Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for et, subs := range eb.subscribers {
		eb.subscribers[et] = without(subs, ch)
	}
	eb.allSubs = without(eb.allSubs, ch)
	close(ch)
}

func without(subs []chan *Event, drop chan *Event) []chan *Event {
	out := subs[:0]
	for _, s := range subs {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

// Publish fans an event out to all matching subscribers.
func (eb *EventBus) Publish(event *Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			eb.logger.Printf("subscriber buffer full, dropped %s %s", event.Type, event.ID)
		}
	}
	for _, ch := range eb.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event in one call.
func (eb *EventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	eb.Publish(NewEvent(eventType, source, subject, data))
}

// SubscriberCount reports the number of live subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	count := len(eb.allSubs)
	for _, subs := range eb.subscribers {
		count += len(subs)
	}
	return count
}
