// Package config loads service configuration from defaults, an optional .env
// file, an optional YAML file and SUIVERIFY_* environment variables, in that
// order of precedence (later wins).
package config

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SUIVERIFY_"

// Config holds all service configuration.
type Config struct {
	HTTPAddr    string          `yaml:"http_addr"`
	GRPCAddr    string          `yaml:"grpc_addr"`
	PGDSN       string          `yaml:"pg_dsn"`
	Network     string          `yaml:"network"`
	SignerKey   string          `yaml:"signer_key"`
	AuthSecret  string          `yaml:"auth_secret"`
	CORSOrigins []string        `yaml:"cors_origins"`
	History     bool            `yaml:"history"`
	Gateway     GatewayConfig   `yaml:"gateway"`
	Verifier    VerifierConfig  `yaml:"verifier"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// GatewayConfig describes the transport to the ledger-side verifier.
type GatewayConfig struct {
	Target    string        `yaml:"target"`
	PackageID string        `yaml:"package_id"`
	Timeout   time.Duration `yaml:"timeout"`
	TLS       bool          `yaml:"tls"`
}

// VerifierConfig tunes the verification dispatcher.
type VerifierConfig struct {
	DefaultEnclave   string            `yaml:"default_enclave"`
	IntentScope      uint8             `yaml:"intent_scope"`
	EnclaveKeys      map[string]string `yaml:"enclave_keys"`
	OfflineFallback  bool              `yaml:"offline_fallback"`
	BatchConcurrency int               `yaml:"batch_concurrency"`
	MaxBatch         int               `yaml:"max_batch"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Network:  "testnet",
		Gateway: GatewayConfig{
			Timeout: 30 * time.Second,
		},
		Verifier: VerifierConfig{
			IntentScope:      1,
			BatchConcurrency: 8,
			MaxBatch:         100,
		},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
	}
}

// Load builds the configuration. path names a YAML file; when empty,
// SUIVERIFY_CONFIG is consulted. A missing .env file is not an error.
func Load(path string) (Config, error) {
	envFile := os.Getenv(envPrefix + "ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decodeYAML(f); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ParseYAML overlays a YAML document onto the defaults without consulting the
// environment.
func ParseYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.decodeYAML(bytes.NewReader(data)); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(envPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("PG_DSN", &c.PGDSN)
	str("NETWORK", &c.Network)
	str("SIGNER_KEY", &c.SignerKey)
	str("AUTH_SECRET", &c.AuthSecret)
	boolean("HISTORY", &c.History)
	if v, ok := get("CORS_ORIGINS"); ok {
		c.CORSOrigins = splitList(v)
	}

	str("GATEWAY_TARGET", &c.Gateway.Target)
	str("PACKAGE_ID", &c.Gateway.PackageID)
	boolean("GATEWAY_TLS", &c.Gateway.TLS)
	if v, ok := get("GATEWAY_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sGATEWAY_TIMEOUT: %w", envPrefix, err))
		} else {
			c.Gateway.Timeout = d
		}
	}

	str("ENCLAVE_ID", &c.Verifier.DefaultEnclave)
	if v, ok := get("INTENT_SCOPE"); ok {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sINTENT_SCOPE: %w", envPrefix, err))
		} else {
			c.Verifier.IntentScope = uint8(n)
		}
	}
	if v, ok := get("ENCLAVE_KEYS"); ok {
		keys, err := parseKeyList(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sENCLAVE_KEYS: %w", envPrefix, err))
		} else {
			c.Verifier.EnclaveKeys = keys
		}
	}
	boolean("OFFLINE_FALLBACK", &c.Verifier.OfflineFallback)
	integer("BATCH_CONCURRENCY", &c.Verifier.BatchConcurrency)
	integer("MAX_BATCH", &c.Verifier.MaxBatch)

	if v, ok := get("RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT_RPS: %w", envPrefix, err))
		} else {
			c.RateLimit.RPS = f
		}
	}
	integer("RATE_LIMIT_BURST", &c.RateLimit.Burst)

	return errors.Join(errs...)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.Gateway.Target != "" && c.Gateway.PackageID == "" {
		errs = append(errs, errors.New("gateway.package_id is required when gateway.target is set"))
	}
	if c.Gateway.PackageID != "" && !isObjectID(c.Gateway.PackageID) {
		errs = append(errs, fmt.Errorf("gateway.package_id %q is not a 0x-prefixed hex id", c.Gateway.PackageID))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("gateway.timeout must be positive"))
	}
	if c.Verifier.DefaultEnclave != "" && !isObjectID(c.Verifier.DefaultEnclave) {
		errs = append(errs, fmt.Errorf("verifier.default_enclave %q is not a 0x-prefixed hex id", c.Verifier.DefaultEnclave))
	}
	if c.Verifier.BatchConcurrency < 1 {
		errs = append(errs, errors.New("verifier.batch_concurrency must be at least 1"))
	}
	if c.Verifier.MaxBatch < 1 {
		errs = append(errs, errors.New("verifier.max_batch must be at least 1"))
	}
	if _, err := c.EnclaveKeys(); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	return errors.Join(errs...)
}

// EnclaveKeys decodes the configured enclave public keys.
func (c Config) EnclaveKeys() (map[string]ed25519.PublicKey, error) {
	out := make(map[string]ed25519.PublicKey, len(c.Verifier.EnclaveKeys))
	for ref, encoded := range c.Verifier.EnclaveKeys {
		if !isObjectID(ref) {
			return nil, fmt.Errorf("enclave key reference %q is not a 0x-prefixed hex id", ref)
		}
		key, err := DecodePublicKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("enclave key for %s: %w", ref, err)
		}
		out[ref] = key
	}
	return out, nil
}

// DecodePublicKey accepts an Ed25519 public key as hex (optionally 0x
// prefixed) or base64.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if h := strings.TrimPrefix(encoded, "0x"); len(h) == 2*ed25519.PublicKeySize {
		if raw, err := hex.DecodeString(h); err == nil {
			return raw, nil
		}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.New("public key is neither hex nor base64")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return raw, nil
}

func parseKeyList(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(s) {
		ref, key, ok := strings.Cut(item, "=")
		if !ok || ref == "" || key == "" {
			return nil, fmt.Errorf("entry %q is not enclave=key", item)
		}
		out[strings.TrimSpace(ref)] = strings.TrimSpace(key)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isObjectID(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) < 3 || len(s) > 66 {
		return false
	}
	for _, c := range s[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
