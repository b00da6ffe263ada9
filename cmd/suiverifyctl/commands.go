package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"suiverify.org/internal/attest"
	"suiverify.org/internal/auth"
	"suiverify.org/internal/composition"
	"suiverify.org/internal/config"
	"suiverify.org/internal/record"
	"suiverify.org/internal/store/pg"
	"suiverify.org/internal/wallet"
)

// offlineEnclave names the enclave when verifying against a bare public key.
const offlineEnclave = "0x0"

func newFlags(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func readRecords(paths []string) ([]attest.Record, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no input files", errUsage)
	}
	var out []attest.Record
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		recs, err := record.ParseObjects(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

func runImport(args []string, stdout, stderr io.Writer) error {
	fs := newFlags("import", stderr)
	configPath := fs.String("config", "", "YAML config file")
	dsn := fs.String("dsn", "", "PostgreSQL DSN (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	recs, err := readRecords(fs.Args())
	if err != nil {
		return err
	}
	if *dsn == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		*dsn = cfg.PGDSN
	}
	if *dsn == "" {
		return fmt.Errorf("%w: missing DSN, provide -dsn or SUIVERIFY_PG_DSN", errUsage)
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, rec := range recs {
		if err := store.UpsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("upsert %s: %w", rec.ID, err)
		}
		fmt.Fprintln(stdout, "imported", rec.ID)
	}
	return nil
}

func runPayload(args []string, stdout, stderr io.Writer) error {
	fs := newFlags("payload", stderr)
	scope := fs.Uint("scope", uint(attest.ScopeDIDVerification), "intent scope")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *scope > 255 {
		return fmt.Errorf("%w: scope %d out of range", errUsage, *scope)
	}
	recs, err := readRecords(fs.Args())
	if err != nil {
		return err
	}
	for i, rec := range recs {
		if i > 0 {
			fmt.Fprintln(stdout)
		}
		fmt.Fprintf(stdout, "record     %s\n", rec.ID)
		fmt.Fprintf(stdout, "owner      %s\n", rec.Owner)
		payload, err := attest.ReconstructPayload(rec)
		if err != nil {
			fmt.Fprintf(stdout, "payload    error: %v\n", err)
			continue
		}
		fmt.Fprintf(stdout, "payload    %s\n", payload)
		if sig, err := attest.DecodeSignature(rec.Signature); err != nil {
			fmt.Fprintf(stdout, "signature  error: %v\n", err)
		} else {
			fmt.Fprintf(stdout, "signature  %s\n", hex.EncodeToString(sig))
		}
		env, err := attest.BuildEnvelope(attest.IntentScope(*scope), rec.SignatureTimestampMs, payload)
		if err != nil {
			fmt.Fprintf(stdout, "envelope   error: %v\n", err)
			continue
		}
		fmt.Fprintf(stdout, "envelope   %s\n", hex.EncodeToString(env.Bytes()))
	}
	return nil
}

func runVerify(args []string, stdout, stderr io.Writer) error {
	fs := newFlags("verify", stderr)
	configPath := fs.String("config", "", "YAML config file")
	objectPath := fs.String("object", "", "ledger object JSON to verify offline")
	enclaveKey := fs.String("enclave-key", "", "enclave Ed25519 public key, hex or base64 (offline)")
	enclave := fs.String("enclave", "", "enclave object id (default from config)")
	scope := fs.Uint("scope", uint(attest.ScopeDIDVerification), "intent scope (offline)")
	var ids stringList
	fs.Var(&ids, "id", "record id to verify through the configured service (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var results []attest.Result
	switch {
	case *objectPath != "":
		if *enclaveKey == "" {
			return fmt.Errorf("%w: -object requires -enclave-key", errUsage)
		}
		if *scope > 255 {
			return fmt.Errorf("%w: scope %d out of range", errUsage, *scope)
		}
		recs, err := readRecords([]string{*objectPath})
		if err != nil {
			return err
		}
		pub, err := config.DecodePublicKey(*enclaveKey)
		if err != nil {
			return err
		}
		ref := attest.EnclaveRef(*enclave)
		if ref == "" {
			ref = offlineEnclave
		}
		local := attest.NewLocalVerifier()
		if err := local.Register(ref, pub); err != nil {
			return err
		}
		v := attest.New(
			attest.WithStore(record.NewInMemory(recs...)),
			attest.WithLocal(local),
			attest.WithDefaultEnclave(ref),
			attest.WithScope(attest.IntentScope(*scope)),
		)
		for _, rec := range recs {
			results = append(results, v.VerifyRecord(ctx, rec.ID, ""))
		}
	case len(ids) > 0:
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		comp, err := composition.Build(cfg, composition.Options{Quiet: true})
		if err != nil {
			return err
		}
		defer comp.Close()
		results = comp.Verifier.BatchVerify(ctx, ids, attest.EnclaveRef(*enclave))
	default:
		return fmt.Errorf("%w: verify needs -object or -id", errUsage)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	allValid := true
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return err
		}
		allValid = allValid && res.Valid()
	}
	if !allValid {
		return errNotValid
	}
	return nil
}

func runToken(args []string, stdout, stderr io.Writer) error {
	fs := newFlags("token", stderr)
	configPath := fs.String("config", "", "YAML config file")
	user := fs.String("user", "", "token subject")
	roles := fs.String("roles", auth.RoleVerifier, "comma-separated roles")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" {
		return fmt.Errorf("%w: -user is required", errUsage)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	issuer, err := auth.NewIssuer(cfg.AuthSecret)
	if err != nil {
		return fmt.Errorf("%w (set %s)", err, auth.SecretEnv)
	}
	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}
	token, err := issuer.GenerateToken(*user, roleList, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

func runKeygen(args []string, stdout, stderr io.Writer) error {
	fs := newFlags("keygen", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := wallet.Generate()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "address    %s\n", key.Address())
	fmt.Fprintf(stdout, "public key %s\n", hex.EncodeToString(key.PublicKey()))
	fmt.Fprintf(stdout, "secret     %s\n", key.Export())
	return nil
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}
