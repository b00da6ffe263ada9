package record

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mr-tron/base58/base58"

	"suiverify.org/internal/attest"
)

// digestSize is the length of a ledger object digest once base58-decoded.
const digestSize = 32

// object mirrors the ledger's JSON rendering of a DID record object with
// content enabled.
type object struct {
	ObjectID string          `json:"objectId"`
	Version  flexUint        `json:"version"`
	Digest   string          `json:"digest"`
	Type     string          `json:"type"`
	Owner    json.RawMessage `json:"owner"`
	Content  *struct {
		DataType string  `json:"dataType"`
		Type     string  `json:"type"`
		Fields   *fields `json:"fields"`
	} `json:"content"`
}

type fields struct {
	Owner                string     `json:"owner"`
	DIDType              *flexUint  `json:"did_type"`
	EvidenceHash         byteVector `json:"evidence_hash"`
	SignatureTimestampMs *flexUint  `json:"signature_timestamp_ms"`
	NautilusSignature    byteVector `json:"nautilus_signature"`
	Name                 string     `json:"name"`
	Description          string     `json:"description"`
	ImageURL             string     `json:"image_url"`
	BlobID               string     `json:"blob_id"`
	MintedAt             flexUint   `json:"minted_at"`
	ExpiryEpoch          flexUint   `json:"expiry_epoch"`
}

// ParseObject turns one ledger object into a Record. The input may be the bare
// object or the {"data": {...}} envelope returned by object reads. Every
// failure wraps attest.ErrMalformedRecord; missing fields are never defaulted.
func ParseObject(raw []byte) (attest.Record, error) {
	var wrapper struct {
		Data  json.RawMessage `json:"data"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return attest.Record{}, fmt.Errorf("%w: %v", attest.ErrMalformedRecord, err)
	}
	if len(wrapper.Error) > 0 && string(wrapper.Error) != "null" {
		return attest.Record{}, fmt.Errorf("%w: object read error %s", attest.ErrNotFound, wrapper.Error)
	}
	if len(wrapper.Data) > 0 && string(wrapper.Data) != "null" {
		raw = wrapper.Data
	}

	var obj object
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&obj); err != nil {
		return attest.Record{}, fmt.Errorf("%w: %v", attest.ErrMalformedRecord, err)
	}
	return obj.record()
}

// ParseObjects accepts either a single object or a JSON array of objects.
func ParseObjects(raw []byte) ([]attest.Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		rec, err := ParseObject(trimmed)
		if err != nil {
			return nil, err
		}
		return []attest.Record{rec}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", attest.ErrMalformedRecord, err)
	}
	out := make([]attest.Record, 0, len(items))
	for i, item := range items {
		rec, err := ParseObject(item)
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (o object) record() (attest.Record, error) {
	if !isHexID(o.ObjectID) {
		return attest.Record{}, fmt.Errorf("%w: object id %q", attest.ErrMalformedRecord, o.ObjectID)
	}
	if o.Content == nil || o.Content.Fields == nil {
		return attest.Record{}, fmt.Errorf("%w: object %s has no content fields", attest.ErrMalformedRecord, o.ObjectID)
	}
	f := o.Content.Fields

	if strings.TrimSpace(f.Owner) == "" {
		return attest.Record{}, fmt.Errorf("%w: owner is missing", attest.ErrMalformedRecord)
	}
	if f.DIDType == nil {
		return attest.Record{}, fmt.Errorf("%w: did_type is missing", attest.ErrMalformedRecord)
	}
	if *f.DIDType > math.MaxUint8 {
		return attest.Record{}, fmt.Errorf("%w: did_type %d out of range", attest.ErrMalformedRecord, *f.DIDType)
	}
	if f.SignatureTimestampMs == nil {
		return attest.Record{}, fmt.Errorf("%w: signature_timestamp_ms is missing", attest.ErrMalformedRecord)
	}
	if f.EvidenceHash == nil {
		return attest.Record{}, fmt.Errorf("%w: evidence_hash is missing", attest.ErrMalformedRecord)
	}
	if f.NautilusSignature == nil {
		return attest.Record{}, fmt.Errorf("%w: nautilus_signature is missing", attest.ErrMalformedRecord)
	}
	if o.Digest != "" {
		if err := checkDigest(o.Digest); err != nil {
			return attest.Record{}, err
		}
	}
	owner, err := addressOwner(o.Owner)
	if err != nil {
		return attest.Record{}, err
	}

	objectType := o.Type
	if objectType == "" {
		objectType = o.Content.Type
	}
	return attest.Record{
		ID:                   strings.ToLower(o.ObjectID),
		Owner:                owner,
		PayloadOwner:         f.Owner,
		SubjectType:          attest.SubjectType(*f.DIDType),
		EvidenceHash:         []byte(f.EvidenceHash),
		SignatureTimestampMs: uint64(*f.SignatureTimestampMs),
		Signature:            []byte(f.NautilusSignature),
		Version:              uint64(o.Version),
		Digest:               o.Digest,
		ObjectType:           objectType,
		Name:                 f.Name,
		Description:          f.Description,
		ImageURL:             f.ImageURL,
		BlobID:               f.BlobID,
		MintedAtMs:           uint64(f.MintedAt),
		ExpiryEpoch:          uint64(f.ExpiryEpoch),
	}, nil
}

// addressOwner extracts the owning address. Shared, immutable and
// object-owned records have no address owner and yield "", which fails owner
// binding later rather than here.
func addressOwner(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var owner struct {
		AddressOwner string `json:"AddressOwner"`
	}
	if err := json.Unmarshal(raw, &owner); err != nil {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return "", nil
		}
		return "", fmt.Errorf("%w: owner: %v", attest.ErrMalformedRecord, err)
	}
	if owner.AddressOwner != "" && !isHexID(owner.AddressOwner) {
		return "", fmt.Errorf("%w: owner address %q", attest.ErrMalformedRecord, owner.AddressOwner)
	}
	return owner.AddressOwner, nil
}

func checkDigest(digest string) error {
	b, err := base58.Decode(digest)
	if err != nil {
		return fmt.Errorf("%w: digest %q: %v", attest.ErrMalformedRecord, digest, err)
	}
	if len(b) != digestSize {
		return fmt.Errorf("%w: digest %q decodes to %d bytes", attest.ErrMalformedRecord, digest, len(b))
	}
	return nil
}

func isHexID(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	body := s[2:]
	if body == "" || len(body) > 64 {
		return false
	}
	if len(body)%2 == 1 {
		body = "0" + body
	}
	_, err := hex.DecodeString(body)
	return err == nil
}

// flexUint accepts an unsigned integer rendered as a JSON number or as a
// decimal string; the ledger renders u64 values as strings.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return fmt.Errorf("%w: null where an integer is required", attest.ErrMalformedRecord)
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: integer %s", attest.ErrMalformedRecord, b)
	}
	*f = flexUint(v)
	return nil
}

// byteVector decodes a vector<u8> rendered as an array of numbers 0..255.
type byteVector []byte

func (v *byteVector) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return fmt.Errorf("%w: null where a byte vector is required", attest.ErrMalformedRecord)
	}
	var nums []json.Number
	if err := json.Unmarshal(b, &nums); err != nil {
		return fmt.Errorf("%w: byte vector: %v", attest.ErrMalformedRecord, err)
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		x, err := strconv.ParseUint(n.String(), 10, 8)
		if err != nil {
			return fmt.Errorf("%w: byte vector element %d is %s", attest.ErrMalformedRecord, i, n)
		}
		out[i] = byte(x)
	}
	*v = out
	return nil
}
