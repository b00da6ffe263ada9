package httpapi

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"suiverify.org/internal/attest"
	"suiverify.org/internal/audit"
)

type batchRequest struct {
	RecordIDs []string `json:"record_ids"`
	EnclaveID string   `json:"enclave_id"`
}

type resultsResponse struct {
	Results []attest.Result `json:"results"`
}

type envelopeRequest struct {
	IntentScope *uint8 `json:"intent_scope"`
	TimestampMs uint64 `json:"timestamp_ms"`
	Payload     string `json:"payload"`
	Signature   string `json:"signature"`
	EnclaveID   string `json:"enclave_id"`
}

// recordSummary is the read view of a stored record.
type recordSummary struct {
	ID                   string `json:"id"`
	Owner                string `json:"owner"`
	PayloadOwner         string `json:"payload_owner"`
	SubjectType          uint8  `json:"subject_type"`
	EvidenceHash         string `json:"evidence_hash"`
	SignatureTimestampMs uint64 `json:"signature_timestamp_ms"`
	Payload              string `json:"payload,omitempty"`
	PayloadError         string `json:"payload_error,omitempty"`
	Version              uint64 `json:"version,omitempty"`
	Digest               string `json:"digest,omitempty"`
	Name                 string `json:"name,omitempty"`
	ImageURL             string `json:"image_url,omitempty"`
	ExpiryEpoch          uint64 `json:"expiry_epoch,omitempty"`
}

func summarize(rec attest.Record) recordSummary {
	payload, err := attest.ReconstructPayload(rec)
	var payloadErr string
	if err != nil {
		payloadErr = err.Error()
	}
	return recordSummary{
		ID:                   rec.ID,
		Owner:                rec.Owner,
		PayloadOwner:         rec.PayloadOwner,
		SubjectType:          uint8(rec.SubjectType),
		EvidenceHash:         hex.EncodeToString(rec.EvidenceHash),
		SignatureTimestampMs: rec.SignatureTimestampMs,
		Payload:              payload,
		PayloadError:         payloadErr,
		Version:              rec.Version,
		Digest:               rec.Digest,
		Name:                 rec.Name,
		ImageURL:             rec.ImageURL,
		ExpiryEpoch:          rec.ExpiryEpoch,
	}
}

// Verification endpoints answer 200 with a Result whatever the outcome; only
// malformed requests are rejected.

func (a *API) verifyRecord(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !isHexID(id) {
		writeError(w, r, http.StatusBadRequest, "record id must be a 0x-prefixed hex object id")
		return
	}
	enclave := attest.EnclaveRef(strings.TrimSpace(r.URL.Query().Get("enclave")))
	if enclave != "" && !isHexID(string(enclave)) {
		writeError(w, r, http.StatusBadRequest, "enclave must be a 0x-prefixed hex object id")
		return
	}
	res := a.verifier.VerifyRecord(r.Context(), id, enclave)
	writeJSON(w, http.StatusOK, res)
}

func (a *API) batchVerify(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.RecordIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "record_ids is required")
		return
	}
	if len(req.RecordIDs) > a.maxBatch {
		writeError(w, r, http.StatusBadRequest, "too many record_ids (max "+strconv.Itoa(a.maxBatch)+")")
		return
	}
	enclave := strings.TrimSpace(req.EnclaveID)
	if enclave != "" && !isHexID(enclave) {
		writeError(w, r, http.StatusBadRequest, "enclave_id must be a 0x-prefixed hex object id")
		return
	}
	ids := make([]string, len(req.RecordIDs))
	for i, id := range req.RecordIDs {
		ids[i] = strings.TrimSpace(id)
	}

	results := a.verifier.BatchVerify(r.Context(), ids, attest.EnclaveRef(enclave))
	_ = audit.LogEvent(r.Context(), "verification.batch", map[string]any{
		"count":      len(ids),
		"enclave_id": enclave,
	})
	writeJSON(w, http.StatusOK, resultsResponse{Results: results})
}

func (a *API) verifyEnvelope(w http.ResponseWriter, r *http.Request) {
	var req envelopeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		writeError(w, r, http.StatusBadRequest, "payload is required")
		return
	}
	if req.TimestampMs == 0 {
		writeError(w, r, http.StatusBadRequest, "timestamp_ms is required")
		return
	}
	sig, err := decodeBase64(req.Signature)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "signature must be base64")
		return
	}
	enclave := strings.TrimSpace(req.EnclaveID)
	if enclave != "" && !isHexID(enclave) {
		writeError(w, r, http.StatusBadRequest, "enclave_id must be a 0x-prefixed hex object id")
		return
	}
	scope := a.scope
	if req.IntentScope != nil {
		scope = attest.IntentScope(*req.IntentScope)
	}

	res := a.verifier.VerifyEnvelope(r.Context(), scope, req.TimestampMs, req.Payload, sig, attest.EnclaveRef(enclave))
	writeJSON(w, http.StatusOK, res)
}

func (a *API) verifyOwner(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.PathValue("address"))
	if !isHexID(owner) {
		writeError(w, r, http.StatusBadRequest, "address must be a 0x-prefixed hex address")
		return
	}
	enclave := attest.EnclaveRef(strings.TrimSpace(r.URL.Query().Get("enclave")))
	if enclave != "" && !isHexID(string(enclave)) {
		writeError(w, r, http.StatusBadRequest, "enclave must be a 0x-prefixed hex object id")
		return
	}
	results, err := a.verifier.VerifyOwner(r.Context(), owner, enclave)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "record store unavailable: "+err.Error())
		return
	}
	if results == nil {
		results = []attest.Result{}
	}
	writeJSON(w, http.StatusOK, resultsResponse{Results: results})
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request) {
	if a.records == nil {
		writeError(w, r, http.StatusServiceUnavailable, "record store not configured")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	rec, err := a.records.FetchRecord(r.Context(), id)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(rec))
}

func (a *API) listOwnerRecords(w http.ResponseWriter, r *http.Request) {
	if a.records == nil {
		writeError(w, r, http.StatusServiceUnavailable, "record store not configured")
		return
	}
	owner := strings.TrimSpace(r.PathValue("address"))
	if !isHexID(owner) {
		writeError(w, r, http.StatusBadRequest, "address must be a 0x-prefixed hex address")
		return
	}
	records, err := a.records.ListRecords(r.Context(), owner)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	items := make([]recordSummary, 0, len(records))
	for _, rec := range records {
		items = append(items, summarize(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) listVerifications(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, r, http.StatusServiceUnavailable, "verification history disabled")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.history.ListAttempts(r.Context(), strings.TrimSpace(r.PathValue("id")), limit)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, attest.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "record not found")
	case errors.Is(err, attest.ErrMalformedRecord):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, r, http.StatusServiceUnavailable, "record store unavailable")
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty")
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// isHexID accepts 0x followed by 1 to 64 hex digits.
func isHexID(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) < 3 || len(s) > 66 {
		return false
	}
	_, err := hex.DecodeString(evenHex(s[2:]))
	return err == nil
}

func evenHex(h string) string {
	if len(h)%2 == 1 {
		return "0" + h
	}
	return h
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
