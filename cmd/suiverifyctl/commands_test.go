package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"suiverify.org/internal/attest"
	"suiverify.org/internal/auth"
	"suiverify.org/internal/wallet"
)

const testOwner = "0xee43c129736d88e4d64cd571447e5fd298131347c9dc28bee3eebfdb0e332caa"

func byteArray(b []byte) []int {
	out := make([]int, len(b))
	for i, c := range b {
		out[i] = int(c)
	}
	return out
}

// writeObject renders a signed record the way the ledger returns it and
// returns the file path.
func writeObject(t *testing.T, priv ed25519.PrivateKey, tamper bool) string {
	t.Helper()
	const ts = uint64(1760210827488)
	rec := attest.Record{
		Owner:                testOwner,
		PayloadOwner:         testOwner,
		SubjectType:          attest.SubjectAge,
		EvidenceHash:         []byte{0x51, 0x51, 0x43},
		SignatureTimestampMs: ts,
	}
	payload, err := attest.ReconstructPayload(rec)
	if err != nil {
		t.Fatal(err)
	}
	env, err := attest.BuildEnvelope(attest.ScopeDIDVerification, ts, payload)
	if err != nil {
		t.Fatal(err)
	}
	sig := attest.EncodeSignature(ed25519.Sign(priv, env.Bytes()))
	evidence := rec.EvidenceHash
	if tamper {
		evidence = []byte{0x51, 0x51, 0x44}
	}

	obj := map[string]any{
		"objectId": "0xb18a",
		"version":  "610197785",
		"owner":    map[string]any{"AddressOwner": testOwner},
		"content": map[string]any{
			"dataType": "moveObject",
			"type":     "0x6ec4::did_registry::DIDSoulBoundNFT",
			"fields": map[string]any{
				"owner":                  testOwner,
				"did_type":               1,
				"evidence_hash":          byteArray(evidence),
				"signature_timestamp_ms": "1760210827488",
				"nautilus_signature":     byteArray(sig),
			},
		},
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "object.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("SUIVERIFY_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("SUIVERIFY_CONFIG", "")
}

func TestPayloadPrintsSignedMaterial(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	path := writeObject(t, priv, false)

	var out bytes.Buffer
	if err := run([]string{"payload", path}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("payload: %v", err)
	}
	text := out.String()
	want := "payload    " + testOwner + ":1:verified:515143:2025-10-11T19:27:07.488Z"
	if !strings.Contains(text, want) {
		t.Fatalf("missing payload line in:\n%s", text)
	}
	if !strings.Contains(text, "envelope   01") || !strings.Contains(text, "signature  ") {
		t.Fatalf("missing envelope or signature in:\n%s", text)
	}
}

func TestVerifyOffline(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	key := hex.EncodeToString(pub)

	var out bytes.Buffer
	err := run([]string{"verify", "-object", writeObject(t, priv, false), "-enclave-key", key}, &out, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out.String())
	}
	var res attest.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.Valid() || res.RecordID != "0xb18a" {
		t.Fatalf("unexpected result: %+v", res)
	}

	out.Reset()
	err = run([]string{"verify", "-object", writeObject(t, priv, true), "-enclave-key", key}, &out, &bytes.Buffer{})
	if !errors.Is(err, errNotValid) {
		t.Fatalf("expected errNotValid, got %v", err)
	}
	if !strings.Contains(out.String(), `"outcome": "invalid"`) {
		t.Fatalf("tampered record not reported invalid:\n%s", out.String())
	}
}

func TestVerifyUsageErrors(t *testing.T) {
	cases := [][]string{
		{"verify"},
		{"verify", "-object", "x.json"},
		{"nope"},
		{},
	}
	for _, args := range cases {
		if err := run(args, &bytes.Buffer{}, &bytes.Buffer{}); !errors.Is(err, errUsage) {
			t.Fatalf("run(%q) = %v, want usage error", args, err)
		}
	}
}

func TestTokenUsesConfiguredSecret(t *testing.T) {
	isolateConfig(t)
	t.Setenv(auth.SecretEnv, "cli-secret")

	var out bytes.Buffer
	if err := run([]string{"token", "-user", "ops", "-roles", "verifier, admin"}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("token: %v", err)
	}
	issuer, err := auth.NewIssuer("cli-secret")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := issuer.ParseAndValidate(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("minted token does not validate: %v", err)
	}
	if claims.Subject != "ops" || len(claims.Roles) != 2 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenWithoutSecret(t *testing.T) {
	isolateConfig(t)
	t.Setenv(auth.SecretEnv, "")
	err := run([]string{"token", "-user", "ops"}, &bytes.Buffer{}, &bytes.Buffer{})
	if !errors.Is(err, auth.ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestKeygen(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"keygen"}, &out, &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}
	lines := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		fields := strings.Fields(line)
		lines[fields[0]] = fields[len(fields)-1]
	}
	key, err := wallet.ParseKey(lines["secret"])
	if err != nil {
		t.Fatalf("exported key does not parse: %v", err)
	}
	if key.Address() != lines["address"] {
		t.Fatalf("address %s does not match key %s", lines["address"], key.Address())
	}
}
