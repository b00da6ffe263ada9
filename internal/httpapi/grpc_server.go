package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"suiverify.org/internal/attest"
	"suiverify.org/internal/auth"
	"suiverify.org/internal/obs"
)

// Full gRPC method names. Messages are google.protobuf.Struct values.
const (
	MethodVerifyRecord   = "/suiverify.v1.VerificationService/VerifyRecord"
	MethodBatchVerify    = "/suiverify.v1.VerificationService/BatchVerify"
	MethodVerifyEnvelope = "/suiverify.v1.VerificationService/VerifyEnvelope"
	MethodHealthCheck    = "/suiverify.v1.HealthService/Check"
	MethodGetInfo        = "/suiverify.v1.InfoService/GetInfo"
)

// GRPCServer serves verification, health and info over gRPC.
type GRPCServer struct {
	readiness readinessChecker
	version   string
	verifier  *attest.Verifier
	tokens    *auth.Issuer
	scope     attest.IntentScope
	maxBatch  int
}

// NewGRPCServer creates the gRPC service wrapper. tokens may be nil to
// disable authentication.
func NewGRPCServer(r readinessChecker, version string, v *attest.Verifier, tokens *auth.Issuer) *GRPCServer {
	return &GRPCServer{
		readiness: r,
		version:   version,
		verifier:  v,
		tokens:    tokens,
		scope:     attest.ScopeDIDVerification,
		maxBatch:  100,
	}
}

// WithLimits sets the default intent scope and the batch cap.
func (s *GRPCServer) WithLimits(scope attest.IntentScope, maxBatch int) *GRPCServer {
	s.scope = scope
	if maxBatch > 0 {
		s.maxBatch = maxBatch
	}
	return s
}

// Register attaches all services to srv.
func (s *GRPCServer) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&verificationServiceDesc, s)
	srv.RegisterService(&healthServiceDesc, s)
	srv.RegisterService(&infoServiceDesc, s)
}

// GetInfo returns service metadata.
func (s *GRPCServer) GetInfo(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"name":         serviceName,
		"version":      s.version,
		"time_rfc3339": time.Now().UTC().Format(time.RFC3339),
	})
}

// Check evaluates readiness. On failure returns gRPC Unavailable error.
func (s *GRPCServer) Check(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return nil, status.Errorf(codes.Unavailable, "not ready: %v", err)
	}
	obs.SetReady(true)
	return structpb.NewStruct(map[string]any{
		"status":       "ok",
		"service":      serviceName,
		"version":      s.version,
		"time_rfc3339": time.Now().UTC().Format(time.RFC3339),
	})
}

// VerifyRecord expects {record_id, enclave_id?} and returns a Result.
func (s *GRPCServer) VerifyRecord(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	id := strings.TrimSpace(f["record_id"].GetStringValue())
	if !isHexID(id) {
		return nil, status.Error(codes.InvalidArgument, "record_id must be a 0x-prefixed hex object id")
	}
	enclave, err := enclaveArg(f)
	if err != nil {
		return nil, err
	}
	return toStruct(s.verifier.VerifyRecord(ctx, id, enclave))
}

// BatchVerify expects {record_ids: [...], enclave_id?} and returns
// {results: [...]} in input order.
func (s *GRPCServer) BatchVerify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	values := f["record_ids"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, status.Error(codes.InvalidArgument, "record_ids is required")
	}
	if len(values) > s.maxBatch {
		return nil, status.Errorf(codes.InvalidArgument, "too many record_ids (max %d)", s.maxBatch)
	}
	ids := make([]string, len(values))
	for i, v := range values {
		ids[i] = strings.TrimSpace(v.GetStringValue())
	}
	enclave, err := enclaveArg(f)
	if err != nil {
		return nil, err
	}
	return toStruct(resultsResponse{Results: s.verifier.BatchVerify(ctx, ids, enclave)})
}

// VerifyEnvelope expects {intent_scope?, timestamp_ms, payload, signature,
// enclave_id?}; timestamp_ms may be a number or a decimal string.
func (s *GRPCServer) VerifyEnvelope(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	payload := f["payload"].GetStringValue()
	if strings.TrimSpace(payload) == "" {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}
	ts, err := uintField(f["timestamp_ms"])
	if err != nil || ts == 0 {
		return nil, status.Error(codes.InvalidArgument, "timestamp_ms is required")
	}
	sig, err := base64.StdEncoding.DecodeString(f["signature"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "signature must be base64")
	}
	scope := s.scope
	if v, ok := f["intent_scope"]; ok {
		n := v.GetNumberValue()
		if n < 0 || n > 255 || n != float64(uint8(n)) {
			return nil, status.Error(codes.InvalidArgument, "intent_scope must be 0..255")
		}
		scope = attest.IntentScope(n)
	}
	enclave, err := enclaveArg(f)
	if err != nil {
		return nil, err
	}
	return toStruct(s.verifier.VerifyEnvelope(ctx, scope, ts, payload, sig, enclave))
}

// AuthInterceptor checks bearer tokens on verification methods. Health and
// info stay public.
func (s *GRPCServer) AuthInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if s.tokens == nil || !strings.HasPrefix(info.FullMethod, "/suiverify.v1.VerificationService/") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		token, err := extractBearerToken(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		claims, err := s.tokens.ParseAndValidate(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		ctx = auth.ContextWithClaims(ctx, claims)
		if err := auth.Authorize(ctx, auth.RoleVerifier); err != nil {
			return nil, status.Error(codes.PermissionDenied, "insufficient role")
		}
		return handler(ctx, req)
	}
}

func enclaveArg(f map[string]*structpb.Value) (attest.EnclaveRef, error) {
	enclave := strings.TrimSpace(f["enclave_id"].GetStringValue())
	if enclave != "" && !isHexID(enclave) {
		return "", status.Error(codes.InvalidArgument, "enclave_id must be a 0x-prefixed hex object id")
	}
	return attest.EnclaveRef(enclave), nil
}

func uintField(v *structpb.Value) (uint64, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if k.NumberValue < 0 || k.NumberValue != float64(uint64(k.NumberValue)) {
			return 0, fmt.Errorf("not an unsigned integer: %v", k.NumberValue)
		}
		return uint64(k.NumberValue), nil
	case *structpb.Value_StringValue:
		return strconv.ParseUint(strings.TrimSpace(k.StringValue), 10, 64)
	default:
		return 0, errors.New("missing")
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

type structMethod func(s *GRPCServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(fullMethod string, fn structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		s := srv.(*GRPCServer)
		if interceptor == nil {
			return fn(s, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*structpb.Struct))
		})
	}
}

var verificationServiceDesc = grpc.ServiceDesc{
	ServiceName: "suiverify.v1.VerificationService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "VerifyRecord", Handler: unary(MethodVerifyRecord, (*GRPCServer).VerifyRecord)},
		{MethodName: "BatchVerify", Handler: unary(MethodBatchVerify, (*GRPCServer).BatchVerify)},
		{MethodName: "VerifyEnvelope", Handler: unary(MethodVerifyEnvelope, (*GRPCServer).VerifyEnvelope)},
	},
}

var healthServiceDesc = grpc.ServiceDesc{
	ServiceName: "suiverify.v1.HealthService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: unary(MethodHealthCheck, (*GRPCServer).Check)},
	},
}

var infoServiceDesc = grpc.ServiceDesc{
	ServiceName: "suiverify.v1.InfoService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetInfo", Handler: unary(MethodGetInfo, (*GRPCServer).GetInfo)},
	},
}
