// Package events provides a publish/subscribe diagnostics bus for the
// sync engine. Events flow from the dispatcher, sync units, and task
// executions to subscribers (such as statesyncd's /events NDJSON
// stream). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which engine component published an event.
const (
	// SourceSession identifies events from the session dispatcher.
	SourceSession = "session"
	// SourceSyncUnit identifies events from a sync unit's projection pipeline.
	SourceSyncUnit = "syncunit"
	// SourceTask identifies events from a task execution.
	SourceTask = "task"
	// SourceTransport identifies events from a transport adapter.
	SourceTransport = "transport"
)

// Kind constants describe the type of event within a source.
const (
	// KindAttach signals a transport was attached to a session.
	// Data: session_id, attach_id.
	KindAttach = "attach"
	// KindDetach signals a transport was released from a session.
	// Data: session_id, attach_id, reason.
	KindDetach = "detach"
	// KindDispatch signals an inbound envelope was handled.
	// Data: session_id, key, event_type, ok.
	KindDispatch = "dispatch"
	// KindDiscard signals an envelope with no bound handler was dropped.
	// Data: session_id, event_type.
	KindDiscard = "discard"
	// KindSync signals a sync unit emitted SET or PATCH.
	// Data: key, event_type, op_count.
	KindSync = "sync"
	// KindProjectionError signals a projection failure for a sync unit.
	// Data: key, error.
	KindProjectionError = "projection_error"
	// KindTaskStart signals a task execution was spawned.
	// Data: key, name, execution_id.
	KindTaskStart = "task_start"
	// KindTaskDone signals a task execution terminated.
	// Data: key, name, execution_id, outcome.
	KindTaskDone = "task_done"
	// KindTaskCancel signals a cancel request was delivered to a task.
	// Data: key, name.
	KindTaskCancel = "task_cancel"
)

// Event represents a single diagnostics event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
