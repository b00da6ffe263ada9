package attest

import (
	"crypto/ed25519"
	"fmt"
	"sync"
)

// LocalVerifier checks enclave signatures without the ledger, against public
// keys registered out of band.
type LocalVerifier struct {
	mu   sync.RWMutex
	keys map[EnclaveRef]ed25519.PublicKey
}

// NewLocalVerifier creates a verifier with no keys.
func NewLocalVerifier() *LocalVerifier {
	return &LocalVerifier{keys: make(map[EnclaveRef]ed25519.PublicKey)}
}

// Register stores the public key for an enclave.
func (l *LocalVerifier) Register(ref EnclaveRef, pub []byte) error {
	if ref == "" {
		return fmt.Errorf("enclave reference is required")
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: %d", len(pub))
	}
	key := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(key, pub)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[ref] = key
	return nil
}

// Knows reports whether a key is registered for ref.
func (l *LocalVerifier) Knows(ref EnclaveRef) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.keys[ref]
	return ok
}

// Verify reports whether sig was produced by the enclave's key over the
// canonical envelope bytes.
func (l *LocalVerifier) Verify(ref EnclaveRef, env IntentEnvelope, sig []byte) (bool, error) {
	l.mu.RLock()
	key, ok := l.keys[ref]
	l.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: no public key for enclave %s", ErrNoVerifier, ref)
	}
	if len(sig) != SignatureSize {
		return false, fmt.Errorf("%w: signature is %d bytes", ErrInvalidSignatureEncoding, len(sig))
	}
	return ed25519.Verify(key, env.Bytes(), sig), nil
}
