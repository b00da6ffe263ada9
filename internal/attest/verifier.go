package attest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"suiverify.org/internal/ids"
)

const defaultBatchConcurrency = 8

// Verifier dispatches verification attempts to the ledger (or the local
// verifier) and turns every outcome into a Result.
type Verifier struct {
	store       RecordStore
	chain       ChainVerifier
	local       *LocalVerifier
	signer      Signer
	enclave     EnclaveRef
	scope       IntentScope
	events      EventSink
	concurrency int
	fallback    bool
	now         func() time.Time
	newID       func() string
}

// Option configures Verifier.
type Option func(*Verifier)

// WithStore sets the record store used by VerifyRecord and BatchVerify.
func WithStore(s RecordStore) Option { return func(v *Verifier) { v.store = s } }

// WithChain sets the ledger-side verifier. When set, it is the primary path and
// a signer is required.
func WithChain(c ChainVerifier) Option { return func(v *Verifier) { v.chain = c } }

// WithLocal sets the offline verifier. Without a chain it is the only path.
func WithLocal(l *LocalVerifier) Option { return func(v *Verifier) { v.local = l } }

// WithSigner sets the credential used for chain submissions.
func WithSigner(s Signer) Option { return func(v *Verifier) { v.signer = s } }

// WithDefaultEnclave sets the enclave used when a call names none.
func WithDefaultEnclave(ref EnclaveRef) Option { return func(v *Verifier) { v.enclave = ref } }

// WithScope overrides the intent scope for record verification.
func WithScope(scope IntentScope) Option { return func(v *Verifier) { v.scope = scope } }

// WithEvents sets the event sink.
func WithEvents(sink EventSink) Option {
	return func(v *Verifier) {
		if sink != nil {
			v.events = sink
		}
	}
}

// WithBatchConcurrency bounds concurrent verifications in a batch.
func WithBatchConcurrency(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

// WithOfflineFallback answers from the local verifier when the chain cannot
// be reached. The chain is still called exactly once.
func WithOfflineFallback(enabled bool) Option { return func(v *Verifier) { v.fallback = enabled } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// New constructs a Verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		scope:       ScopeDIDVerification,
		events:      Sinks(),
		concurrency: defaultBatchConcurrency,
		now:         time.Now,
		newID:       ids.New,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// DefaultEnclave returns the enclave used when a call names none.
func (v *Verifier) DefaultEnclave() EnclaveRef { return v.enclave }

type attempt struct {
	id       string
	recordID string
	enclave  EnclaveRef
	started  time.Time
	payload  string
}

// VerifyRecord fetches a record and verifies its enclave attestation.
func (v *Verifier) VerifyRecord(ctx context.Context, recordID string, enclave EnclaveRef) Result {
	a := v.begin(ctx, recordID, enclave)
	if v.store == nil {
		return v.fail(ctx, a, fmt.Errorf("%w: no record store", ErrNoVerifier))
	}
	rec, err := v.store.FetchRecord(ctx, recordID)
	if err != nil {
		return v.fail(ctx, a, fmt.Errorf("fetch record %s: %w", recordID, err))
	}
	return v.verify(ctx, a, rec)
}

// BatchVerify verifies each record independently. Results follow the order of
// recordIDs; one failure never affects another entry.
func (v *Verifier) BatchVerify(ctx context.Context, recordIDs []string, enclave EnclaveRef) []Result {
	results := make([]Result, len(recordIDs))
	var g errgroup.Group
	g.SetLimit(v.concurrency)
	for i, id := range recordIDs {
		g.Go(func() error {
			results[i] = v.VerifyRecord(ctx, id, enclave)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// VerifyOwner verifies every record the store holds for owner, ordered by
// record id. The error is non-nil only when listing fails.
func (v *Verifier) VerifyOwner(ctx context.Context, owner string, enclave EnclaveRef) ([]Result, error) {
	if v.store == nil {
		return nil, fmt.Errorf("%w: no record store", ErrNoVerifier)
	}
	records, err := v.store.ListRecords(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list records for %s: %w", owner, err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	results := make([]Result, len(records))
	var g errgroup.Group
	g.SetLimit(v.concurrency)
	for i, rec := range records {
		g.Go(func() error {
			results[i] = v.verify(ctx, v.begin(ctx, rec.ID, enclave), rec)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// VerifyEnvelope verifies a caller-assembled envelope. signature is the raw
// 64-byte signature, not the stored form.
func (v *Verifier) VerifyEnvelope(ctx context.Context, scope IntentScope, timestampMs uint64, payload string, signature []byte, enclave EnclaveRef) Result {
	a := v.begin(ctx, "", enclave)
	a.payload = payload
	if err := v.ready(a.enclave); err != nil {
		return v.fail(ctx, a, err)
	}
	if len(signature) != SignatureSize {
		return v.fail(ctx, a, fmt.Errorf("%w: signature is %d bytes, want %d", ErrInvalidSignatureEncoding, len(signature), SignatureSize))
	}
	env, err := BuildEnvelope(scope, timestampMs, payload)
	if err != nil {
		return v.fail(ctx, a, err)
	}
	return v.dispatch(ctx, a, env, signature)
}

func (v *Verifier) verify(ctx context.Context, a *attempt, rec Record) Result {
	if err := v.ready(a.enclave); err != nil {
		return v.fail(ctx, a, err)
	}
	payload, err := ReconstructPayload(rec)
	if err != nil {
		return v.fail(ctx, a, err)
	}
	if !rec.OwnerBound() {
		return v.fail(ctx, a, fmt.Errorf("%w: record owner %q, payload owner %q", ErrOwnerMismatch, rec.Owner, rec.PayloadOwner))
	}
	a.payload = payload
	sig, err := DecodeSignature(rec.Signature)
	if err != nil {
		return v.fail(ctx, a, err)
	}
	env, err := BuildEnvelope(v.scope, rec.SignatureTimestampMs, payload)
	if err != nil {
		return v.fail(ctx, a, err)
	}
	return v.dispatch(ctx, a, env, sig)
}

// ready checks configuration before any work: an enclave to check against and,
// on the chain path, a signer. The chain call is a transaction, so there is no
// read-only probe to fall back to.
func (v *Verifier) ready(enclave EnclaveRef) error {
	if enclave == "" {
		return fmt.Errorf("%w: no enclave reference", ErrNoVerifier)
	}
	if v.chain != nil {
		if v.signer == nil {
			return ErrNoSigningCapability
		}
		return nil
	}
	if !v.local.Knows(enclave) {
		return fmt.Errorf("%w: no chain verifier and no local key for enclave %s", ErrNoVerifier, enclave)
	}
	return nil
}

func (v *Verifier) dispatch(ctx context.Context, a *attempt, env IntentEnvelope, sig []byte) Result {
	if v.chain == nil {
		return v.verifyLocal(ctx, a, env, sig, PathLocal, "")
	}
	if err := ctx.Err(); err != nil {
		return v.fail(ctx, a, fmt.Errorf("%w: %v", ErrTransport, err))
	}
	resp, err := v.chain.Submit(ctx, Submission{
		Enclave:   a.enclave,
		Envelope:  env,
		Signature: sig,
		Signer:    v.signer,
	})
	if err != nil {
		if errors.Is(err, ErrNoSigningCapability) {
			return v.fail(ctx, a, err)
		}
		if v.fallback && ctx.Err() == nil && v.local.Knows(a.enclave) {
			return v.verifyLocal(ctx, a, env, sig, PathLocalFallback, err.Error())
		}
		return v.fail(ctx, a, fmt.Errorf("%w: %v", ErrTransport, err))
	}

	diag := &Diagnostic{
		Check:          "verifier",
		Path:           PathChain,
		Payload:        a.payload,
		VerifierStatus: string(resp.Status),
		VerifierError:  resp.Error,
		TxDigest:       resp.TxDigest,
		Raw:            resp.Raw,
	}
	if resp.Status == ChainSuccess {
		return v.complete(ctx, a, Result{
			Outcome:    OutcomeValid,
			Code:       CodeOK,
			Reason:     "enclave signature verified on-chain",
			Diagnostic: diag,
		})
	}
	reason := "on-chain verification failed"
	if resp.Error != "" {
		reason += ": " + resp.Error
	}
	return v.complete(ctx, a, Result{
		Outcome:    OutcomeInvalid,
		Code:       CodeRejected,
		Reason:     reason,
		Diagnostic: diag,
	})
}

func (v *Verifier) verifyLocal(ctx context.Context, a *attempt, env IntentEnvelope, sig []byte, path, cause string) Result {
	ok, err := v.local.Verify(a.enclave, env, sig)
	if err != nil {
		return v.fail(ctx, a, err)
	}
	diag := &Diagnostic{Check: "signature", Path: path, Payload: a.payload, Cause: cause}
	if ok {
		return v.complete(ctx, a, Result{
			Outcome:    OutcomeValid,
			Code:       CodeOK,
			Reason:     "enclave signature verified locally",
			Diagnostic: diag,
		})
	}
	return v.complete(ctx, a, Result{
		Outcome:    OutcomeInvalid,
		Code:       CodeRejected,
		Reason:     "signature does not match enclave public key",
		Diagnostic: diag,
	})
}

func (v *Verifier) begin(ctx context.Context, recordID string, enclave EnclaveRef) *attempt {
	if enclave == "" {
		enclave = v.enclave
	}
	a := &attempt{
		id:       v.newID(),
		recordID: recordID,
		enclave:  enclave,
		started:  v.now(),
	}
	v.events.Emit(ctx, Event{
		Type:      EventStarted,
		AttemptID: a.id,
		RecordID:  recordID,
		Enclave:   enclave,
	})
	return a
}

func (v *Verifier) fail(ctx context.Context, a *attempt, err error) Result {
	outcome, code := classify(err)
	return v.complete(ctx, a, Result{
		Outcome: outcome,
		Code:    code,
		Reason:  err.Error(),
		Diagnostic: &Diagnostic{
			Check:   checkName(code),
			Payload: a.payload,
			Cause:   err.Error(),
		},
	})
}

func (v *Verifier) complete(ctx context.Context, a *attempt, res Result) Result {
	now := v.now()
	res.RecordID = a.recordID
	res.EnclaveID = a.enclave
	res.AttemptID = a.id
	res.CheckedAt = now.UTC()
	v.events.Emit(ctx, Event{
		Type:      EventCompleted,
		AttemptID: a.id,
		RecordID:  a.recordID,
		Enclave:   a.enclave,
		Result:    &res,
		Duration:  now.Sub(a.started),
	})
	return res
}
