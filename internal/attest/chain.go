package attest

import (
	"context"
	"encoding/json"
)

// ChainStatus is the execution status reported by the ledger.
type ChainStatus string

const (
	ChainSuccess ChainStatus = "success"
	ChainFailure ChainStatus = "failure"
)

// Signer is the credential that pays for and authorizes a verification
// transaction.
type Signer interface {
	Address() string
	Sign(message []byte) []byte
}

// Submission is everything the ledger-side verifier needs for one check.
type Submission struct {
	Enclave   EnclaveRef
	Envelope  IntentEnvelope
	Signature []byte
	Signer    Signer
}

// ChainResponse is the ledger's answer to a submission.
type ChainResponse struct {
	Status   ChainStatus     `json:"status"`
	Error    string          `json:"error,omitempty"`
	TxDigest string          `json:"tx_digest,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// ChainVerifier submits a signature check to the ledger. A returned error
// means the question could not be asked; a response with a non-success status
// means the answer was no.
type ChainVerifier interface {
	Submit(ctx context.Context, sub Submission) (ChainResponse, error)
}
