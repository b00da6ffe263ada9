package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"suiverify.org/internal/attest"
	"suiverify.org/internal/auth"
	"suiverify.org/internal/obs"
	"suiverify.org/internal/store/pg"
	"suiverify.org/internal/stream"
)

const serviceName = "suiverify-api"

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HistoryReader lists stored verification attempts for a record.
type HistoryReader interface {
	ListAttempts(ctx context.Context, recordID string, limit int) ([]pg.Attempt, error)
}

// API is the HTTP layer over the verification dispatcher.
type API struct {
	mux       *http.ServeMux
	readiness readinessChecker
	version   string

	verifier *attest.Verifier
	records  attest.RecordStore
	history  HistoryReader
	stream   *stream.Stream
	tokens   *auth.Issuer

	scope       attest.IntentScope
	maxBatch    int
	corsOrigins []string
	rateBurst   int
	ratePerSec  float64
	maxBody     int64
}

// Option configures the API.
type Option func(*API)

// WithRecords exposes the record store for read endpoints.
func WithRecords(s attest.RecordStore) Option { return func(a *API) { a.records = s } }

// WithHistory enables the verification history endpoint.
func WithHistory(h HistoryReader) Option { return func(a *API) { a.history = h } }

// WithStream enables the SSE endpoint.
func WithStream(s *stream.Stream) Option { return func(a *API) { a.stream = s } }

// WithTokens turns on bearer authentication.
func WithTokens(i *auth.Issuer) Option { return func(a *API) { a.tokens = i } }

// WithIntentScope sets the scope used when an envelope request names none.
func WithIntentScope(s attest.IntentScope) Option { return func(a *API) { a.scope = s } }

// WithMaxBatch caps the number of ids accepted by the batch endpoint.
func WithMaxBatch(n int) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBatch = n
		}
	}
}

// WithCORSOrigins lists the browser origins allowed to call the API.
func WithCORSOrigins(origins []string) Option { return func(a *API) { a.corsOrigins = origins } }

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

func New(rp readinessChecker, version string, v *attest.Verifier, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readiness:  rp,
		version:    version,
		verifier:   v,
		scope:      attest.ScopeDIDVerification,
		maxBatch:   100,
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("POST /v1/auth/token", a.requireRole(http.HandlerFunc(a.handleAuthToken), auth.RoleAdmin))

	verify := func(h http.HandlerFunc) http.Handler { return a.requireRole(h, auth.RoleVerifier) }
	a.mux.Handle("POST /v1/records/{id}/verify", verify(a.verifyRecord))
	a.mux.Handle("POST /v1/verify/batch", verify(a.batchVerify))
	a.mux.Handle("POST /v1/verify/envelope", verify(a.verifyEnvelope))
	a.mux.Handle("POST /v1/owners/{address}/verify", verify(a.verifyOwner))

	a.mux.HandleFunc("GET /v1/records/{id}", a.getRecord)
	a.mux.HandleFunc("GET /v1/records/{id}/verifications", a.listVerifications)
	a.mux.HandleFunc("GET /v1/owners/{address}/records", a.listOwnerRecords)
	a.mux.HandleFunc("GET /v1/verifications/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            serviceName,
		"time":            time.Now().UTC().Format(time.RFC3339),
		"version":         a.version,
		"default_enclave": string(a.verifier.DefaultEnclave()),
		"intent_scope":    a.scope,
		"max_batch":       a.maxBatch,
		"auth":            a.tokens != nil,
		"history":         a.history != nil,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
