package attest

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// SignatureSize is the raw Ed25519 signature length.
const SignatureSize = ed25519.SignatureSize

// DecodeSignature turns the stored signature field into the raw signature.
// The enclave's signing library emits base64 text and the record keeps the
// bytes of that text, so decoding is two steps: bytes -> text -> base64 decode.
func DecodeSignature(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: signature is empty", ErrInvalidSignatureEncoding)
	}
	for i, b := range stored {
		if b >= 0x80 {
			return nil, fmt.Errorf("%w: byte %d (0x%02x) is not single-byte text", ErrInvalidSignatureEncoding, i, b)
		}
	}
	text := string(stored)

	enc := base64.StdEncoding
	if len(text)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	raw, err := enc.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignatureEncoding, err)
	}
	if len(raw) != SignatureSize {
		return nil, fmt.Errorf("%w: decoded %d bytes, want %d", ErrInvalidSignatureEncoding, len(raw), SignatureSize)
	}
	return raw, nil
}

// EncodeSignature produces the stored form of a raw signature.
func EncodeSignature(raw []byte) []byte {
	return []byte(base64.StdEncoding.EncodeToString(raw))
}
