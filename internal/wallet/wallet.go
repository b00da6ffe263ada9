// Package wallet holds the signer credential that pays for verification
// transactions.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// FlagEd25519 is the signature-scheme flag for Ed25519 keys.
const FlagEd25519 byte = 0x00

var ErrInvalidKey = errors.New("invalid signer key")

// Key is an Ed25519 signer credential.
type Key struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address string
}

// Generate creates a fresh key.
func Generate() (*Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return fromSeed(priv.Seed()), nil
}

// ParseKey decodes a private key given as base64 or hex. The decoded bytes are
// either a 32-byte seed or the flag byte followed by the seed.
func ParseKey(encoded string) (*Key, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	raw, err := decodeKeyBytes(encoded)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return fromSeed(raw), nil
	case ed25519.SeedSize + 1:
		if raw[0] != FlagEd25519 {
			return nil, fmt.Errorf("%w: unsupported scheme flag 0x%02x", ErrInvalidKey, raw[0])
		}
		return fromSeed(raw[1:]), nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(raw))
	}
}

func decodeKeyBytes(encoded string) ([]byte, error) {
	hexPart := strings.TrimPrefix(strings.TrimPrefix(encoded, "0x"), "0X")
	if len(hexPart) == 2*ed25519.SeedSize || len(hexPart) == 2*(ed25519.SeedSize+1) {
		if raw, err := hex.DecodeString(hexPart); err == nil {
			return raw, nil
		}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64 or hex", ErrInvalidKey)
	}
	return raw, nil
}

func fromSeed(seed []byte) *Key {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Key{priv: priv, pub: pub, address: AddressOf(pub)}
}

// AddressOf derives the ledger address of an Ed25519 public key:
// blake2b-256(flag || pubkey), hex with a 0x prefix.
func AddressOf(pub ed25519.PublicKey) string {
	h := blake2b.Sum256(append([]byte{FlagEd25519}, pub...))
	return "0x" + hex.EncodeToString(h[:])
}

func (k *Key) Address() string { return k.address }

func (k *Key) PublicKey() ed25519.PublicKey { return append(ed25519.PublicKey(nil), k.pub...) }

// Sign signs the blake2b-256 digest of message.
func (k *Key) Sign(message []byte) []byte {
	digest := blake2b.Sum256(message)
	return ed25519.Sign(k.priv, digest[:])
}

// SerializedSignature renders flag || signature || pubkey as base64, the form
// the ledger accepts alongside a transaction.
func (k *Key) SerializedSignature(message []byte) string {
	sig := k.Sign(message)
	out := make([]byte, 0, 1+len(sig)+len(k.pub))
	out = append(out, FlagEd25519)
	out = append(out, sig...)
	out = append(out, k.pub...)
	return base64.StdEncoding.EncodeToString(out)
}

// Export returns the key as base64 of flag || seed.
func (k *Key) Export() string {
	return base64.StdEncoding.EncodeToString(append([]byte{FlagEd25519}, k.priv.Seed()...))
}

// Verify checks a signature produced by Sign.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	digest := blake2b.Sum256(message)
	return ed25519.Verify(pub, digest[:], sig)
}
