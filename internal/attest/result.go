package attest

import (
	"encoding/json"
	"errors"
	"time"
)

// Outcome is the verdict of a verification attempt.
type Outcome string

const (
	OutcomeValid         Outcome = "valid"
	OutcomeInvalid       Outcome = "invalid"
	OutcomeIndeterminate Outcome = "indeterminate"
)

// Code names the check that decided the outcome.
type Code string

const (
	CodeOK                       Code = "ok"
	CodeMalformedRecord          Code = "malformed_record"
	CodeInvalidSignatureEncoding Code = "invalid_signature_encoding"
	CodeTimestampMismatch        Code = "timestamp_mismatch"
	CodeNoSigningCapability      Code = "no_signing_capability"
	CodeOwnerMismatch            Code = "owner_mismatch"
	CodeRecordNotFound           Code = "record_not_found"
	CodeRejected                 Code = "rejected"
	CodeTransportError           Code = "transport_error"
	CodeNoVerifier               Code = "no_verifier"
)

// Verification paths recorded in diagnostics.
const (
	PathChain         = "chain"
	PathLocal         = "local"
	PathLocalFallback = "local-fallback"
)

// Diagnostic carries the evidence behind a result.
type Diagnostic struct {
	Check          string          `json:"check,omitempty"`
	Path           string          `json:"path,omitempty"`
	Payload        string          `json:"payload,omitempty"`
	VerifierStatus string          `json:"verifier_status,omitempty"`
	VerifierError  string          `json:"verifier_error,omitempty"`
	TxDigest       string          `json:"tx_digest,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	Cause          string          `json:"cause,omitempty"`
}

// Result is the outcome of one verification call.
type Result struct {
	RecordID   string      `json:"record_id,omitempty"`
	EnclaveID  EnclaveRef  `json:"enclave_id,omitempty"`
	AttemptID  string      `json:"attempt_id"`
	Outcome    Outcome     `json:"outcome"`
	Code       Code        `json:"code"`
	Reason     string      `json:"reason"`
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Valid reports whether the verifier accepted the signature.
func (r Result) Valid() bool { return r.Outcome == OutcomeValid }

// Err returns the taxonomy error for the result, nil when valid.
func (r Result) Err() error {
	switch r.Code {
	case CodeOK:
		return nil
	case CodeMalformedRecord:
		return ErrMalformedRecord
	case CodeInvalidSignatureEncoding:
		return ErrInvalidSignatureEncoding
	case CodeTimestampMismatch:
		return ErrTimestampMismatch
	case CodeNoSigningCapability:
		return ErrNoSigningCapability
	case CodeOwnerMismatch:
		return ErrOwnerMismatch
	case CodeRecordNotFound:
		return ErrNotFound
	case CodeRejected:
		return ErrRejected
	case CodeNoVerifier:
		return ErrNoVerifier
	default:
		return ErrTransport
	}
}

// classify maps an error raised before or during submission to an outcome.
// Owner binding is the only pre-submission failure that is a definite "no".
func classify(err error) (Outcome, Code) {
	switch {
	case errors.Is(err, ErrOwnerMismatch):
		return OutcomeInvalid, CodeOwnerMismatch
	case errors.Is(err, ErrRejected):
		return OutcomeInvalid, CodeRejected
	case errors.Is(err, ErrNotFound):
		return OutcomeIndeterminate, CodeRecordNotFound
	case errors.Is(err, ErrMalformedRecord):
		return OutcomeIndeterminate, CodeMalformedRecord
	case errors.Is(err, ErrInvalidSignatureEncoding):
		return OutcomeIndeterminate, CodeInvalidSignatureEncoding
	case errors.Is(err, ErrTimestampMismatch):
		return OutcomeIndeterminate, CodeTimestampMismatch
	case errors.Is(err, ErrNoSigningCapability):
		return OutcomeIndeterminate, CodeNoSigningCapability
	case errors.Is(err, ErrNoVerifier):
		return OutcomeIndeterminate, CodeNoVerifier
	default:
		return OutcomeIndeterminate, CodeTransportError
	}
}

// checkName is the diagnostic label for the stage that produced code.
func checkName(code Code) string {
	switch code {
	case CodeMalformedRecord:
		return "payload"
	case CodeInvalidSignatureEncoding:
		return "signature"
	case CodeTimestampMismatch:
		return "envelope"
	case CodeNoSigningCapability:
		return "signer"
	case CodeOwnerMismatch:
		return "owner_binding"
	case CodeRecordNotFound:
		return "record_store"
	case CodeRejected:
		return "verifier"
	case CodeNoVerifier:
		return "config"
	default:
		return "transport"
	}
}
