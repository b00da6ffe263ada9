// Package audit writes audit trail lines for security-relevant actions:
// token issuance and every completed verification attempt.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"suiverify.org/internal/attest"
	"suiverify.org/internal/auth"
	"suiverify.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// EventSink records completed verification attempts in the audit trail.
type EventSink struct{}

func (EventSink) Emit(ctx context.Context, evt attest.Event) {
	if evt.Type != attest.EventCompleted || evt.Result == nil {
		return
	}
	fields := map[string]any{
		"attempt_id": evt.AttemptID,
		"record_id":  evt.RecordID,
		"enclave_id": string(evt.Enclave),
		"outcome":    string(evt.Result.Outcome),
		"code":       string(evt.Result.Code),
	}
	if d := evt.Result.Diagnostic; d != nil {
		fields["path"] = d.Path
		if d.TxDigest != "" {
			fields["tx_digest"] = d.TxDigest
		}
	}
	_ = LogEvent(ctx, "verification.completed", fields)
}
