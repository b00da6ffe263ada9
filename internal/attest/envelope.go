package attest

import (
	"encoding/binary"
	"fmt"
)

// IntentEnvelope is the intent message an enclave signs over.
type IntentEnvelope struct {
	Scope       IntentScope
	TimestampMs uint64
	Payload     string
}

// BuildEnvelope wraps a signed payload. The explicit timestamp must equal the
// one embedded in the payload; both come from the same record, so a mismatch
// means the caller mixed inputs.
func BuildEnvelope(scope IntentScope, timestampMs uint64, payload string) (IntentEnvelope, error) {
	parsed, err := ParsePayload(payload)
	if err != nil {
		return IntentEnvelope{}, err
	}
	if parsed.TimestampMs != timestampMs {
		return IntentEnvelope{}, fmt.Errorf("%w: envelope has %d, payload has %d", ErrTimestampMismatch, timestampMs, parsed.TimestampMs)
	}
	return IntentEnvelope{
		Scope:       scope,
		TimestampMs: timestampMs,
		Payload:     payload,
	}, nil
}

// Bytes returns the canonical serialization, identical to the BCS encoding of
// IntentMessage<vector<u8>>:
//
//	scope u8 | timestamp_ms u64 little-endian | uleb128(len(payload)) | payload
func (e IntentEnvelope) Bytes() []byte {
	out := make([]byte, 0, 1+8+binary.MaxVarintLen64+len(e.Payload))
	out = append(out, byte(e.Scope))
	out = binary.LittleEndian.AppendUint64(out, e.TimestampMs)
	out = binary.AppendUvarint(out, uint64(len(e.Payload)))
	return append(out, e.Payload...)
}
