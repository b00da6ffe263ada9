package attest

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	payloadResult    = "verified"
	payloadSeparator = ":"
	payloadFields    = 5

	// isoMillis matches JavaScript's Date.prototype.toISOString output.
	isoMillis = "2006-01-02T15:04:05.000Z"

	// maxTimestampMs is 9999-12-31T23:59:59.999Z; later instants need an
	// expanded year and no longer fit isoMillis.
	maxTimestampMs uint64 = 253402300799999
)

// SignedPayload is the parsed form of the string an enclave signs:
// owner:subjectType:result:evidenceHashHex:verifiedAtISO8601.
type SignedPayload struct {
	Owner        string
	SubjectType  SubjectType
	Result       string
	EvidenceHash []byte
	TimestampMs  uint64
}

// Canonical renders the payload in canonical form. It fails when the
// timestamp cannot be formatted.
func (p SignedPayload) Canonical() (string, error) {
	ts, err := FormatTimestamp(p.TimestampMs)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		p.Owner,
		strconv.FormatUint(uint64(p.SubjectType), 10),
		p.Result,
		hex.EncodeToString(p.EvidenceHash),
		ts,
	}, payloadSeparator), nil
}

// ReconstructPayload rebuilds the exact string the enclave signed for r.
func ReconstructPayload(r Record) (string, error) {
	if strings.TrimSpace(r.PayloadOwner) == "" {
		return "", fmt.Errorf("%w: owner is required", ErrMalformedRecord)
	}
	if strings.Contains(r.PayloadOwner, payloadSeparator) {
		return "", fmt.Errorf("%w: owner contains %q", ErrMalformedRecord, payloadSeparator)
	}
	if len(r.EvidenceHash) == 0 {
		return "", fmt.Errorf("%w: evidence hash is required", ErrMalformedRecord)
	}
	ts, err := FormatTimestamp(r.SignatureTimestampMs)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		r.PayloadOwner,
		strconv.FormatUint(uint64(r.SubjectType), 10),
		payloadResult,
		hex.EncodeToString(r.EvidenceHash),
		ts,
	}, payloadSeparator), nil
}

// FormatTimestamp renders ms since epoch as a millisecond-precision UTC
// ISO-8601 string.
func FormatTimestamp(ms uint64) (string, error) {
	if ms == 0 {
		return "", fmt.Errorf("%w: signature timestamp is required", ErrMalformedRecord)
	}
	if ms > maxTimestampMs {
		return "", fmt.Errorf("%w: signature timestamp %d out of range", ErrMalformedRecord, ms)
	}
	return time.UnixMilli(int64(ms)).UTC().Format(isoMillis), nil
}

// ParsePayload splits a signed payload into its fields. Only canonical input is
// accepted: lowercase hex and the exact timestamp layout ReconstructPayload emits.
func ParsePayload(s string) (SignedPayload, error) {
	parts := strings.SplitN(s, payloadSeparator, payloadFields)
	if len(parts) != payloadFields {
		return SignedPayload{}, fmt.Errorf("%w: payload has %d fields, want %d", ErrMalformedRecord, len(parts), payloadFields)
	}
	owner, subject, result, evidence, stamp := parts[0], parts[1], parts[2], parts[3], parts[4]
	if strings.TrimSpace(owner) == "" {
		return SignedPayload{}, fmt.Errorf("%w: payload owner is empty", ErrMalformedRecord)
	}
	st, err := strconv.ParseUint(subject, 10, 8)
	if err != nil {
		return SignedPayload{}, fmt.Errorf("%w: payload subject type %q", ErrMalformedRecord, subject)
	}
	if result == "" {
		return SignedPayload{}, fmt.Errorf("%w: payload result is empty", ErrMalformedRecord)
	}
	digest, err := hex.DecodeString(evidence)
	if err != nil || len(digest) == 0 || hex.EncodeToString(digest) != evidence {
		return SignedPayload{}, fmt.Errorf("%w: payload evidence hash %q is not lowercase hex", ErrMalformedRecord, evidence)
	}
	at, err := time.Parse(isoMillis, stamp)
	if err != nil || at.Format(isoMillis) != stamp {
		return SignedPayload{}, fmt.Errorf("%w: payload timestamp %q", ErrMalformedRecord, stamp)
	}
	ms := at.UnixMilli()
	if ms <= 0 {
		return SignedPayload{}, fmt.Errorf("%w: payload timestamp %q precedes epoch", ErrMalformedRecord, stamp)
	}
	return SignedPayload{
		Owner:        owner,
		SubjectType:  SubjectType(st),
		Result:       result,
		EvidenceHash: digest,
		TimestampMs:  uint64(ms),
	}, nil
}
