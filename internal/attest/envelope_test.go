package attest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

const fixturePayload = "0xabc:1:verified:515143:2025-10-11T19:27:07.488Z"

func TestBuildEnvelope(t *testing.T) {
	env, err := BuildEnvelope(ScopeDIDVerification, 1760210827488, fixturePayload)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	if env.Scope != ScopeDIDVerification || env.TimestampMs != 1760210827488 || env.Payload != fixturePayload {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestBuildEnvelopeTimestampMismatch(t *testing.T) {
	for _, ts := range []uint64{0, 1760210827487, 1760210827489, 1760210827000} {
		if _, err := BuildEnvelope(ScopeDIDVerification, ts, fixturePayload); !errors.Is(err, ErrTimestampMismatch) {
			t.Fatalf("ts=%d: expected ErrTimestampMismatch, got %v", ts, err)
		}
	}
}

func TestBuildEnvelopeForwardsScope(t *testing.T) {
	env, err := BuildEnvelope(IntentScope(200), 1760210827488, fixturePayload)
	if err != nil {
		t.Fatalf("BuildEnvelope: %v", err)
	}
	if env.Scope != 200 {
		t.Fatalf("scope = %d", env.Scope)
	}
}

func TestBuildEnvelopeRejectsFreeformPayload(t *testing.T) {
	if _, err := BuildEnvelope(ScopeDIDVerification, 1, `{"message":"Hello"}`); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestEnvelopeBytesLayout(t *testing.T) {
	env := IntentEnvelope{Scope: 1, TimestampMs: 1760210827488, Payload: fixturePayload}
	got := env.Bytes()

	var want []byte
	want = append(want, 0x01)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, 1760210827488)
	want = append(want, ts...)
	want = append(want, byte(len(fixturePayload)))
	want = append(want, fixturePayload...)

	if !bytes.Equal(got, want) {
		t.Fatalf("Bytes() = %x, want %x", got, want)
	}
}

func TestEnvelopeBytesLongPayloadLength(t *testing.T) {
	payload := string(bytes.Repeat([]byte{'a'}, 200))
	got := IntentEnvelope{Payload: payload}.Bytes()
	// 200 = 0xc8 -> uleb128 0xc8 0x01
	if got[9] != 0xc8 || got[10] != 0x01 {
		t.Fatalf("unexpected length prefix %x", got[9:11])
	}
	if len(got) != 1+8+2+200 {
		t.Fatalf("unexpected length %d", len(got))
	}
}
