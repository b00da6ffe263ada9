package attest

import (
	"context"
	"time"
)

const (
	EventStarted   = "verification.started"
	EventCompleted = "verification.completed"
)

// Event describes a step of a verification attempt. Result is set on
// completion only.
type Event struct {
	Type      string
	AttemptID string
	RecordID  string
	Enclave   EnclaveRef
	Result    *Result
	Duration  time.Duration
}

// EventSink receives verification events. Implementations must not block.
type EventSink interface {
	Emit(ctx context.Context, evt Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, evt Event)

func (f EventSinkFunc) Emit(ctx context.Context, evt Event) { f(ctx, evt) }

// Sinks fans an event out to every non-nil sink in order.
func Sinks(sinks ...EventSink) EventSink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multiSink []EventSink

func (m multiSink) Emit(ctx context.Context, evt Event) {
	for _, s := range m {
		s.Emit(ctx, evt)
	}
}
