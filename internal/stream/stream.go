// Package stream fans completed verification events out to live subscribers
// such as SSE clients.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"suiverify.org/internal/attest"
)

const subscriberBuffer = 16

// VerificationEvent is the subscriber-facing view of a completed attempt.
type VerificationEvent struct {
	AttemptID  string         `json:"attempt_id"`
	RecordID   string         `json:"record_id,omitempty"`
	EnclaveID  string         `json:"enclave_id,omitempty"`
	Outcome    attest.Outcome `json:"outcome"`
	Code       attest.Code    `json:"code"`
	Reason     string         `json:"reason,omitempty"`
	Path       string         `json:"path,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	CheckedAt  time.Time      `json:"checked_at"`
}

// Stream fan-outs verification events to all active subscribers.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan VerificationEvent
	next    int
	dropped atomic.Uint64
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan VerificationEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan VerificationEvent {
	ch := make(chan VerificationEvent, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was slow.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Publish fan-outs the event to all subscribers without blocking.
func (s *Stream) Publish(evt VerificationEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}
}

// Emit publishes completed verification events.
func (s *Stream) Emit(_ context.Context, evt attest.Event) {
	if evt.Type != attest.EventCompleted || evt.Result == nil {
		return
	}
	s.Publish(FromEvent(evt))
}

// FromEvent flattens a completed attest.Event.
func FromEvent(evt attest.Event) VerificationEvent {
	out := VerificationEvent{
		AttemptID:  evt.AttemptID,
		RecordID:   evt.RecordID,
		EnclaveID:  string(evt.Enclave),
		DurationMs: evt.Duration.Milliseconds(),
	}
	if res := evt.Result; res != nil {
		out.Outcome = res.Outcome
		out.Code = res.Code
		out.Reason = res.Reason
		out.CheckedAt = res.CheckedAt
		if res.Diagnostic != nil {
			out.Path = res.Diagnostic.Path
		}
	}
	return out
}
