// Package events implements the per-task append-only event stream and its
// subscriber fan-out. The stream is the single source of truth for external
// observers: every phase change, action, and terminal outcome lands here with
// a monotonic sequence number.
package events

import (
	"sync"
	"time"

	"argo/pkg/types"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 256

// Subscription is one consumer of a task's stream. Events arrive on C in
// append order until the stream closes or the subscriber lags and is dropped.
type Subscription struct {
	C      <-chan types.Event
	ch     chan types.Event
	stream *Stream
	// Lagged is closed when the subscriber was dropped for falling behind.
	Lagged <-chan struct{}
	lagged chan struct{}
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.stream.unsubscribe(s)
}

// SubscribeOptions controls where a new subscriber starts.
type SubscribeOptions struct {
	// FromStart replays the full history before tailing new events.
	FromStart bool
	// Buffer overrides the channel depth; 0 means DefaultBuffer.
	Buffer int
}

// Stream is a task's append-only event log with best-effort fan-out.
type Stream struct {
	taskID string

	mu     sync.Mutex
	events []types.Event
	seq    int64
	subs   map[*Subscription]struct{}
	closed bool
	buffer int
}

// NewStream creates the stream for one task.
func NewStream(taskID string, buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{
		taskID: taskID,
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Append stamps the event with the next sequence number and wall-clock time,
// stores it, and fans it out. Returns the assigned sequence number, or -1 if
// the stream is closed.
func (s *Stream) Append(kind types.EventKind, payload map[string]any) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1
	}
	s.seq++
	ev := types.Event{
		Kind:    kind,
		TaskID:  s.taskID,
		Seq:     s.seq,
		TS:      time.Now(),
		Payload: payload,
	}
	s.events = append(s.events, ev)
	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			// Lagged subscriber: drop it with a terminal marker rather than
			// blocking the loop.
			s.dropLocked(sub)
		}
	}
	return ev.Seq
}

func (s *Stream) dropLocked(sub *Subscription) {
	delete(s.subs, sub)
	lag := types.Event{
		Kind:    types.EventSubscriberLagged,
		TaskID:  s.taskID,
		Seq:     s.seq,
		TS:      time.Now(),
		Payload: map[string]any{"reason": "buffer overflow"},
	}
	// Best effort; the buffer is full by definition, so only signal.
	select {
	case sub.ch <- lag:
	default:
	}
	close(sub.lagged)
	close(sub.ch)
}

// Subscribe attaches a new consumer.
func (s *Stream) Subscribe(opts SubscribeOptions) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = s.buffer
	}
	if opts.FromStart && len(s.events) > buffer {
		buffer = len(s.events) + s.buffer
	}
	ch := make(chan types.Event, buffer)
	lagged := make(chan struct{})
	sub := &Subscription{C: ch, ch: ch, stream: s, Lagged: lagged, lagged: lagged}
	if opts.FromStart {
		for _, ev := range s.events {
			ch <- ev
		}
	}
	if s.closed {
		close(ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *Stream) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// Snapshot returns a copy of the full history.
func (s *Stream) Snapshot() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Event(nil), s.events...)
}

// Close seals the stream. Subsequent Appends are ignored; subscriber channels
// are closed after draining is the consumer's concern. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// Len returns the number of appended events.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// TaskID returns the owning task's identifier.
func (s *Stream) TaskID() string { return s.taskID }
