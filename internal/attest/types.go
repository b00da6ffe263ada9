package attest

import (
	"context"
	"errors"
	"strings"
)

// SubjectType is the category of identity check an enclave attested to.
type SubjectType uint8

const (
	SubjectAge SubjectType = 1
	SubjectKYC SubjectType = 2
)

// IntentScope tags the semantic category of a signed message. It is forwarded to
// the verifier as-is and never interpreted here.
type IntentScope uint8

// ScopeDIDVerification is the scope enclaves use when attesting DID records.
const ScopeDIDVerification IntentScope = 1

// EnclaveRef identifies a registered enclave object on the ledger.
type EnclaveRef string

// Record is an identity-verification artifact as held by the record store.
// Signature holds the stored bytes, which are the text of a base64 signature,
// not the raw signature itself.
type Record struct {
	ID                   string      `json:"id"`
	Owner                string      `json:"owner"`
	PayloadOwner         string      `json:"payload_owner"`
	SubjectType          SubjectType `json:"subject_type"`
	EvidenceHash         []byte      `json:"evidence_hash"`
	SignatureTimestampMs uint64      `json:"signature_timestamp_ms"`
	Signature            []byte      `json:"signature"`

	Version     uint64 `json:"version,omitempty"`
	Digest      string `json:"digest,omitempty"`
	ObjectType  string `json:"object_type,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	BlobID      string `json:"blob_id,omitempty"`
	MintedAtMs  uint64 `json:"minted_at_ms,omitempty"`
	ExpiryEpoch uint64 `json:"expiry_epoch,omitempty"`
}

// OwnerBound reports whether the record's owner matches the owner embedded in
// the signed payload. Addresses compare case-insensitively.
func (r Record) OwnerBound() bool {
	owner := strings.TrimSpace(r.Owner)
	if owner == "" {
		return false
	}
	return strings.EqualFold(owner, strings.TrimSpace(r.PayloadOwner))
}

// RecordStore returns stored records.
type RecordStore interface {
	FetchRecord(ctx context.Context, id string) (Record, error)
	ListRecords(ctx context.Context, owner string) ([]Record, error)
}

var (
	ErrNotFound                 = errors.New("record not found")
	ErrMalformedRecord          = errors.New("malformed record")
	ErrInvalidSignatureEncoding = errors.New("invalid signature encoding")
	ErrTimestampMismatch        = errors.New("timestamp mismatch")
	ErrNoSigningCapability      = errors.New("no signing capability configured")
	ErrOwnerMismatch            = errors.New("owner binding mismatch")
	ErrTransport                = errors.New("verifier unreachable")
	ErrRejected                 = errors.New("signature rejected by verifier")
	ErrNoVerifier               = errors.New("no verifier configured")
)
