package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"suiverify.org/internal/attest"
)

const historyWriteTimeout = 5 * time.Second

// Attempt is a stored verification outcome. History is append-only and is
// never consulted when deciding a new verification.
type Attempt struct {
	AttemptID  string             `json:"attempt_id"`
	RecordID   string             `json:"record_id,omitempty"`
	EnclaveID  string             `json:"enclave_id"`
	Outcome    attest.Outcome     `json:"outcome"`
	Code       attest.Code        `json:"code"`
	Reason     string             `json:"reason"`
	Diagnostic *attest.Diagnostic `json:"diagnostic,omitempty"`
	DurationMs int64              `json:"duration_ms"`
	CheckedAt  time.Time          `json:"checked_at"`
}

// RecordAttempt appends one result to the verification history.
func (s *Store) RecordAttempt(ctx context.Context, res attest.Result, took time.Duration) error {
	diag := []byte("{}")
	if res.Diagnostic != nil {
		b, err := json.Marshal(res.Diagnostic)
		if err != nil {
			return fmt.Errorf("marshal diagnostic: %w", err)
		}
		diag = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into verification_attempts(attempt_id, record_id, enclave_id, outcome, code, reason, diagnostic, duration_ms, checked_at)
		values ($1, nullif($2,''), $3, $4, $5, $6, $7, $8, $9)
		on conflict (attempt_id) do nothing
	`, res.AttemptID, res.RecordID, string(res.EnclaveID), string(res.Outcome), string(res.Code), res.Reason, diag,
		took.Milliseconds(), res.CheckedAt)
	return err
}

// ListAttempts returns the most recent attempts for a record, newest first.
func (s *Store) ListAttempts(ctx context.Context, recordID string, limit int) ([]Attempt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select attempt_id, coalesce(record_id,''), enclave_id, outcome, code, reason, diagnostic, duration_ms, checked_at
		from verification_attempts
		where record_id=$1
		order by checked_at desc, attempt_id desc
		limit $2
	`, recordID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Attempt
	for rows.Next() {
		var (
			a       Attempt
			outcome string
			code    string
			rawDiag []byte
		)
		if err := rows.Scan(&a.AttemptID, &a.RecordID, &a.EnclaveID, &outcome, &code, &a.Reason, &rawDiag, &a.DurationMs, &a.CheckedAt); err != nil {
			return nil, err
		}
		a.Outcome = attest.Outcome(outcome)
		a.Code = attest.Code(code)
		if len(rawDiag) > 0 && string(rawDiag) != "{}" {
			var d attest.Diagnostic
			if err := json.Unmarshal(rawDiag, &d); err != nil {
				return nil, fmt.Errorf("decode diagnostic: %w", err)
			}
			a.Diagnostic = &d
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// HistorySink writes completed verifications to the store from a background
// goroutine so that Emit never waits on the database.
type HistorySink struct {
	store   *Store
	queue   chan attest.Event
	dropped atomic.Int64
	onError func(error)
}

// NewHistorySink creates a sink with the given queue depth. Run must be
// started for events to be written.
func NewHistorySink(store *Store, depth int, onError func(error)) *HistorySink {
	if depth <= 0 {
		depth = 256
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &HistorySink{store: store, queue: make(chan attest.Event, depth), onError: onError}
}

func (h *HistorySink) Emit(ctx context.Context, evt attest.Event) {
	if evt.Type != attest.EventCompleted || evt.Result == nil {
		return
	}
	select {
	case h.queue <- evt:
	default:
		h.dropped.Add(1)
	}
}

// Dropped reports events discarded because the queue was full.
func (h *HistorySink) Dropped() int64 { return h.dropped.Load() }

// Run drains the queue until ctx is done, then flushes what is buffered.
// Writes outlive ctx so that a shutdown does not lose queued attempts.
func (h *HistorySink) Run(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for {
		select {
		case evt := <-h.queue:
			h.write(base, evt)
		case <-ctx.Done():
			for {
				select {
				case evt := <-h.queue:
					h.write(base, evt)
				default:
					return
				}
			}
		}
	}
}

func (h *HistorySink) write(ctx context.Context, evt attest.Event) {
	ctx, cancel := context.WithTimeout(ctx, historyWriteTimeout)
	defer cancel()
	if err := h.store.RecordAttempt(ctx, *evt.Result, evt.Duration); err != nil {
		h.onError(fmt.Errorf("record attempt %s: %w", evt.AttemptID, err))
	}
}
