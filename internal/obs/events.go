package obs

import (
	"context"

	"suiverify.org/internal/attest"
)

// EventSink turns verification events into metrics and log lines.
type EventSink struct{}

func (EventSink) Emit(_ context.Context, evt attest.Event) {
	fields := map[string]any{
		"attempt_id": evt.AttemptID,
		"record_id":  evt.RecordID,
		"enclave_id": string(evt.Enclave),
	}
	if evt.Type != attest.EventCompleted || evt.Result == nil {
		LogEvent("debug", evt.Type, fields)
		return
	}

	res := evt.Result
	path := ""
	if res.Diagnostic != nil {
		path = res.Diagnostic.Path
	}
	ObserveVerification(string(res.Outcome), string(res.Code), path, evt.Duration)

	fields["outcome"] = res.Outcome
	fields["code"] = res.Code
	fields["path"] = path
	fields["duration_ms"] = evt.Duration.Milliseconds()
	level := "info"
	if res.Outcome == attest.OutcomeIndeterminate {
		level = "warn"
		fields["reason"] = res.Reason
	}
	LogEvent(level, evt.Type, fields)
}
