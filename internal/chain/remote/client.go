package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"suiverify.org/internal/attest"
)

// MethodVerifySignature is the gateway method that executes
// enclave::verify_signature as a ledger transaction.
const MethodVerifySignature = "/suiverify.gateway.v1.EnclaveGateway/VerifySignature"

// Metadata keys identifying the paying signer.
const (
	MetadataSender          = "x-suiverify-sender"
	MetadataSenderSignature = "x-suiverify-sender-signature"
)

const defaultTimeout = 30 * time.Second

// Client wraps the gRPC connection to the verifier gateway.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Service adapts the gateway to attest.ChainVerifier.
type Service struct {
	conn    grpc.ClientConnInterface
	pkg     string
	network string
	timeout time.Duration
}

var _ attest.ChainVerifier = (*Service)(nil)

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithPackage sets the on-ledger package holding the enclave module.
func WithPackage(pkg string) ServiceOption { return func(s *Service) { s.pkg = pkg } }

// WithNetwork names the ledger network the gateway should use.
func WithNetwork(network string) ServiceOption { return func(s *Service) { s.network = network } }

// WithTimeout bounds every submission. Zero keeps the default.
func WithTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewService(conn grpc.ClientConnInterface, opts ...ServiceOption) *Service {
	s := &Service{conn: conn, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Target is the fully qualified Move function the gateway calls.
func (s *Service) Target() string { return s.pkg + "::enclave::verify_signature" }

func (s *Service) Submit(ctx context.Context, sub attest.Submission) (attest.ChainResponse, error) {
	if sub.Signer == nil {
		return attest.ChainResponse{}, attest.ErrNoSigningCapability
	}
	if s.pkg == "" {
		return attest.ChainResponse{}, errors.New("verifier package id is not configured")
	}
	req, err := s.request(sub)
	if err != nil {
		return attest.ChainResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx = outgoingWithSigner(ctx, sub)

	resp := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, MethodVerifySignature, req, resp); err != nil {
		return mapGatewayError(err)
	}
	return fromStruct(resp), nil
}

func (s *Service) request(sub attest.Submission) (*structpb.Struct, error) {
	fields := map[string]any{
		"target":         s.Target(),
		"type_arguments": []any{s.pkg + "::enclave::ENCLAVE", "vector<u8>"},
		"enclave_id":     string(sub.Enclave),
		"intent_scope":   float64(sub.Envelope.Scope),
		"timestamp_ms":   strconv.FormatUint(sub.Envelope.TimestampMs, 10),
		"payload":        base64.StdEncoding.EncodeToString([]byte(sub.Envelope.Payload)),
		"signature":      base64.StdEncoding.EncodeToString(sub.Signature),
		"sender":         sub.Signer.Address(),
	}
	if s.network != "" {
		fields["network"] = s.network
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	return req, nil
}

// Helpers -----------------------------------------------------------------

func outgoingWithSigner(ctx context.Context, sub attest.Submission) context.Context {
	pairs := []string{MetadataSender, sub.Signer.Address()}
	if sig := sub.Signer.Sign(sub.Envelope.Bytes()); len(sig) > 0 {
		pairs = append(pairs, MetadataSenderSignature, base64.StdEncoding.EncodeToString(sig))
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// mapGatewayError separates a ledger "no" from a failure to ask. Aborted and
// FailedPrecondition carry an executed-but-failed transaction.
func mapGatewayError(err error) (attest.ChainResponse, error) {
	st, ok := status.FromError(err)
	if !ok {
		return attest.ChainResponse{}, err
	}
	switch st.Code() {
	case codes.Aborted, codes.FailedPrecondition:
		return attest.ChainResponse{Status: attest.ChainFailure, Error: st.Message()}, nil
	case codes.Unauthenticated, codes.PermissionDenied:
		return attest.ChainResponse{}, fmt.Errorf("%w: gateway refused signer: %s", attest.ErrNoSigningCapability, st.Message())
	default:
		return attest.ChainResponse{}, fmt.Errorf("gateway %s: %s", st.Code(), st.Message())
	}
}

func fromStruct(resp *structpb.Struct) attest.ChainResponse {
	fields := resp.GetFields()
	out := attest.ChainResponse{
		Status:   attest.ChainFailure,
		Error:    fields["error"].GetStringValue(),
		TxDigest: fields["digest"].GetStringValue(),
	}
	if strings.EqualFold(fields["status"].GetStringValue(), string(attest.ChainSuccess)) {
		out.Status = attest.ChainSuccess
	}
	if raw, err := protojson.Marshal(resp); err == nil {
		out.Raw = raw
	}
	return out
}
