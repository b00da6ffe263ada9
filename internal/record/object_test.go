package record

import (
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"testing"

	"suiverify.org/internal/attest"
)

const sampleOwner = "0xee43c129736d88e4d64cd571447e5fd298131347c9dc28bee3eebfdb0e332caa"

func loadSample(t *testing.T) []byte {
	t.Helper()
	raw, err := os.ReadFile("testdata/did_object.json")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return raw
}

func TestParseObjectSample(t *testing.T) {
	rec, err := ParseObject(loadSample(t))
	if err != nil {
		t.Fatalf("ParseObject: %v", err)
	}
	if rec.ID != "0xb18a74a78b1b296e29d40d7215f79cde92f6c0ee79234dbd6a18b272ed760669" {
		t.Fatalf("id = %s", rec.ID)
	}
	if rec.Owner != sampleOwner || rec.PayloadOwner != sampleOwner || !rec.OwnerBound() {
		t.Fatalf("unexpected owners: %q / %q", rec.Owner, rec.PayloadOwner)
	}
	if rec.SubjectType != attest.SubjectAge || rec.SignatureTimestampMs != 1760210827488 {
		t.Fatalf("unexpected fields: %+v", rec)
	}
	if rec.Version != 610197785 || rec.MintedAtMs != 1760211020541 || rec.ExpiryEpoch != 1249 {
		t.Fatalf("unexpected descriptive fields: %+v", rec)
	}
	if rec.Name != "18+ Age Verification" || !strings.HasSuffix(rec.ObjectType, "::did_registry::DIDSoulBoundNFT") {
		t.Fatalf("unexpected metadata: %q %q", rec.Name, rec.ObjectType)
	}

	payload, err := attest.ReconstructPayload(rec)
	if err != nil {
		t.Fatalf("ReconstructPayload: %v", err)
	}
	const want = sampleOwner + ":1:verified:" +
		"515143715a6864337436426863495431636d64724572696f515252554e4a57787a57686d31794b344c38773d" +
		":2025-10-11T19:27:07.488Z"
	if payload != want {
		t.Fatalf("payload = %q\nwant      %q", payload, want)
	}

	sig, err := attest.DecodeSignature(rec.Signature)
	if err != nil {
		t.Fatalf("DecodeSignature: %v", err)
	}
	if got := hex.EncodeToString(sig[:8]); got != "43332caadc36e8eb" {
		t.Fatalf("signature prefix = %s", got)
	}
}

func TestParseObjectDataEnvelope(t *testing.T) {
	wrapped := append([]byte(`{"data":`), loadSample(t)...)
	wrapped = append(wrapped, '}')
	rec, err := ParseObject(wrapped)
	if err != nil {
		t.Fatalf("ParseObject: %v", err)
	}
	if rec.Owner != sampleOwner {
		t.Fatalf("owner = %q", rec.Owner)
	}
}

func TestParseObjectReadError(t *testing.T) {
	_, err := ParseObject([]byte(`{"error":{"code":"notExists","object_id":"0x1"}}`))
	if !errors.Is(err, attest.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseObjectNumericForms(t *testing.T) {
	raw := `{
		"objectId": "0x01",
		"version": 7,
		"owner": {"AddressOwner": "0xabc"},
		"content": {"fields": {
			"owner": "0xabc",
			"did_type": "2",
			"evidence_hash": [81, 81, 67],
			"signature_timestamp_ms": 1760210827488,
			"nautilus_signature": [65, 65, 61, 61]
		}}
	}`
	rec, err := ParseObject([]byte(raw))
	if err != nil {
		t.Fatalf("ParseObject: %v", err)
	}
	if rec.SubjectType != attest.SubjectKYC || rec.Version != 7 || rec.SignatureTimestampMs != 1760210827488 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if string(rec.Signature) != "AA==" {
		t.Fatalf("signature bytes = %q", rec.Signature)
	}
}

func TestParseObjectSharedOwnerHasNoAddress(t *testing.T) {
	raw := `{
		"objectId": "0x01",
		"owner": {"Shared": {"initial_shared_version": 3}},
		"content": {"fields": {
			"owner": "0xabc", "did_type": 1, "evidence_hash": [1],
			"signature_timestamp_ms": "1", "nautilus_signature": [65]
		}}
	}`
	rec, err := ParseObject([]byte(raw))
	if err != nil {
		t.Fatalf("ParseObject: %v", err)
	}
	if rec.Owner != "" || rec.OwnerBound() {
		t.Fatalf("shared object must not bind an owner: %+v", rec)
	}
}

func TestParseObjectRejects(t *testing.T) {
	base := map[string]string{
		"objectId":   `"0x01"`,
		"owner":      `{"AddressOwner":"0xabc"}`,
		"did_type":   `1`,
		"evidence":   `[1,2,3]`,
		"ts":         `"1760210827488"`,
		"signature":  `[65,65]`,
		"digest":     `"6bN3vioNVyTHNxjiYvz7n347xTFGhyxCiGWQbJJKj4Hc"`,
		"withFields": "true",
		"fieldOwner": `"0xabc"`,
	}
	build := func(over map[string]string) string {
		v := map[string]string{}
		for k, s := range base {
			v[k] = s
		}
		for k, s := range over {
			v[k] = s
		}
		if v["withFields"] != "true" {
			return `{"objectId":` + v["objectId"] + `,"owner":` + v["owner"] + `,"content":{}}`
		}
		var fields []string
		add := func(name, key string) {
			if v[key] != "" {
				fields = append(fields, `"`+name+`":`+v[key])
			}
		}
		add("owner", "fieldOwner")
		add("did_type", "did_type")
		add("evidence_hash", "evidence")
		add("signature_timestamp_ms", "ts")
		add("nautilus_signature", "signature")
		return `{"objectId":` + v["objectId"] + `,"digest":` + v["digest"] + `,"owner":` + v["owner"] +
			`,"content":{"fields":{` + strings.Join(fields, ",") + `}}}`
	}

	if _, err := ParseObject([]byte(build(nil))); err != nil {
		t.Fatalf("baseline object rejected: %v", err)
	}

	cases := map[string]map[string]string{
		"not json":              {"objectId": `{`},
		"missing object id":     {"objectId": `""`},
		"object id not hex":     {"objectId": `"0xzz"`},
		"no content fields":     {"withFields": "false"},
		"missing did_type":      {"did_type": ""},
		"did_type too large":    {"did_type": `256`},
		"did_type negative":     {"did_type": `-1`},
		"missing timestamp":     {"ts": ""},
		"timestamp not int":     {"ts": `"soon"`},
		"missing evidence":      {"evidence": ""},
		"evidence byte > 255":   {"evidence": `[1,256]`},
		"evidence as string":    {"evidence": `"QQC"`},
		"missing signature":     {"signature": ""},
		"digest wrong size":     {"digest": `"3mJr7AoUXx2Wqd"`},
		"digest not base58":     {"digest": `"0OIl"`},
		"owner address bad":     {"owner": `{"AddressOwner":"abc"}`},
		"missing payload owner": {"fieldOwner": ""},
		"blank payload owner":   {"fieldOwner": `"  "`},
	}
	for name, over := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseObject([]byte(build(over))); !errors.Is(err, attest.ErrMalformedRecord) {
				t.Fatalf("expected ErrMalformedRecord, got %v", err)
			}
		})
	}
}

func TestParseObjectsArray(t *testing.T) {
	sample := loadSample(t)
	raw := append([]byte("[\n"), sample...)
	raw = append(raw, ',')
	raw = append(raw, sample...)
	raw = append(raw, ']')
	recs, err := ParseObjects(raw)
	if err != nil {
		t.Fatalf("ParseObjects: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}

	single, err := ParseObjects(sample)
	if err != nil || len(single) != 1 {
		t.Fatalf("single object: %v (%d)", err, len(single))
	}

	if _, err := ParseObjects([]byte(`[{"objectId":"0x1"}]`)); !errors.Is(err, attest.ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
}
