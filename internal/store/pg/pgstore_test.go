package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"suiverify.org/internal/attest"
)

var recordCols = []string{
	"id", "owner", "payload_owner", "subject_type", "evidence_hash", "signature_timestamp_ms", "signature",
	"version", "digest", "object_type", "name", "description", "image_url", "blob_id", "minted_at_ms", "expiry_epoch",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestFetchRecord(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("from did_records where id=$1")).
		WithArgs("0xab").
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow(
			"0xab", "0xabc", "0xabc", int64(1), []byte("QQC"), int64(1760210827488), []byte("sig"),
			int64(610197785), "6bN3vio", "0x6e::did_registry::DIDSoulBoundNFT", "18+", nil, nil, "blob", int64(1760211020541), int64(1249),
		))

	rec, err := s.FetchRecord(context.Background(), "0xAB")
	if err != nil {
		t.Fatalf("FetchRecord: %v", err)
	}
	if rec.ID != "0xab" || rec.Owner != "0xabc" || rec.SubjectType != attest.SubjectAge {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.SignatureTimestampMs != 1760210827488 || string(rec.EvidenceHash) != "QQC" || string(rec.Signature) != "sig" {
		t.Fatalf("unexpected signed fields: %+v", rec)
	}
	if rec.Version != 610197785 || rec.Description != "" || rec.BlobID != "blob" || rec.ExpiryEpoch != 1249 {
		t.Fatalf("unexpected metadata: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFetchRecordNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("from did_records where id=$1")).
		WithArgs("0xcd").
		WillReturnRows(sqlmock.NewRows(recordCols))

	if _, err := s.FetchRecord(context.Background(), "0xcd"); !errors.Is(err, attest.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchRecordQueryError(t *testing.T) {
	s, mock := newMock(t)
	boom := errors.New("connection reset")
	mock.ExpectQuery(regexp.QuoteMeta("from did_records")).WillReturnError(boom)

	_, err := s.FetchRecord(context.Background(), "0x1")
	if !errors.Is(err, boom) || errors.Is(err, attest.ErrNotFound) {
		t.Fatalf("expected the driver error, got %v", err)
	}
}

func TestListRecords(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("where lower(owner)=lower($1)")).
		WithArgs("0xABC").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("0x1", "0xabc", "0xabc", int64(1), []byte{1}, int64(1), []byte("a"), int64(1), nil, nil, nil, nil, nil, nil, int64(0), int64(0)).
			AddRow("0x2", "0xabc", "0xabc", int64(2), []byte{2}, int64(2), []byte("b"), int64(1), nil, nil, nil, nil, nil, nil, int64(0), int64(0)))

	recs, err := s.ListRecords(context.Background(), "0xABC")
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "0x1" || recs[1].SubjectType != attest.SubjectKYC {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestUpsertRecord(t *testing.T) {
	s, mock := newMock(t)
	rec := attest.Record{
		ID:                   "0xAB",
		Owner:                "0xabc",
		PayloadOwner:         "0xabc",
		SubjectType:          1,
		EvidenceHash:         []byte("QQC"),
		SignatureTimestampMs: 1760210827488,
		Signature:            []byte("sig"),
		Version:              3,
	}
	mock.ExpectExec(regexp.QuoteMeta("insert into did_records")).
		WithArgs("0xab", "0xabc", "0xabc", int64(1), []byte("QQC"), int64(1760210827488), []byte("sig"),
			int64(3), "", "", "", "", "", "", int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpsertRecord(context.Background(), rec); err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}

	if err := s.UpsertRecord(context.Background(), attest.Record{}); !errors.Is(err, attest.ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestUpsertRecordCheckViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("insert into did_records")).
		WillReturnError(&pgconn.PgError{Code: pgErrCheckViolation, Message: "did_records_subject_type_check"})

	err := s.UpsertRecord(context.Background(), attest.Record{ID: "0x1"})
	if !errors.Is(err, attest.ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestRecordAttemptAndList(t *testing.T) {
	s, mock := newMock(t)
	checked := time.Date(2025, 10, 11, 19, 27, 7, 0, time.UTC)
	res := attest.Result{
		RecordID:   "0x1",
		EnclaveID:  "0xe",
		AttemptID:  "01J",
		Outcome:    attest.OutcomeInvalid,
		Code:       attest.CodeRejected,
		Reason:     "on-chain verification failed",
		Diagnostic: &attest.Diagnostic{Check: "verifier", VerifierError: "MoveAbort"},
		CheckedAt:  checked,
	}
	mock.ExpectExec(regexp.QuoteMeta("insert into verification_attempts")).
		WithArgs("01J", "0x1", "0xe", "invalid", "rejected", res.Reason, sqlmock.AnyArg(), int64(12), checked).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.RecordAttempt(context.Background(), res, 12*time.Millisecond); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("from verification_attempts")).
		WithArgs("0x1", 100).
		WillReturnRows(sqlmock.NewRows([]string{"attempt_id", "record_id", "enclave_id", "outcome", "code", "reason", "diagnostic", "duration_ms", "checked_at"}).
			AddRow("01J", "0x1", "0xe", "invalid", "rejected", res.Reason, []byte(`{"check":"verifier","verifier_error":"MoveAbort"}`), int64(12), checked))
	attempts, err := s.ListAttempts(context.Background(), "0x1", 0)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Code != attest.CodeRejected || attempts[0].Diagnostic == nil || attempts[0].Diagnostic.VerifierError != "MoveAbort" {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestHistorySinkWritesCompletedEvents(t *testing.T) {
	s, mock := newMock(t)
	var failures []error
	sink := NewHistorySink(s, 4, func(err error) { failures = append(failures, err) })

	res := attest.Result{AttemptID: "01K", RecordID: "0x1", EnclaveID: "0xe", Outcome: attest.OutcomeValid, Code: attest.CodeOK}
	sink.Emit(context.Background(), attest.Event{Type: attest.EventStarted, AttemptID: "01K"})
	sink.Emit(context.Background(), attest.Event{Type: attest.EventCompleted, AttemptID: "01K", Result: &res})

	mock.ExpectExec(regexp.QuoteMeta("insert into verification_attempts")).
		WithArgs("01K", "0x1", "0xe", "valid", "ok", "", sqlmock.AnyArg(), int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Run(ctx)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
}

func TestHistorySinkDropsWhenFull(t *testing.T) {
	s, _ := newMock(t)
	sink := NewHistorySink(s, 1, nil)
	res := attest.Result{AttemptID: "a"}
	for i := 0; i < 3; i++ {
		sink.Emit(context.Background(), attest.Event{Type: attest.EventCompleted, Result: &res})
	}
	if sink.Dropped() != 2 {
		t.Fatalf("Dropped = %d, want 2", sink.Dropped())
	}
}
