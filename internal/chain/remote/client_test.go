package remote

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"suiverify.org/internal/attest"
)

const bufSize = 1024 * 1024

const testPackage = "0x6ec40d30e636afb906e621748ee60a9b72bc59a39325adda43deadd28dc89e09"

// fakeGateway verifies the submitted signature against a known key, the way
// the on-ledger function does.
type fakeGateway struct {
	pub ed25519.PublicKey

	mu      sync.Mutex
	lastReq *structpb.Struct
	lastMD  metadata.MD
	errOut  error
	delay   time.Duration
}

type gatewayServer interface {
	VerifySignature(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func (g *fakeGateway) VerifySignature(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	g.mu.Lock()
	g.lastReq = req
	g.lastMD = md
	errOut, delay := g.errOut, g.delay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
	if errOut != nil {
		return nil, errOut
	}

	f := req.GetFields()
	payload, _ := base64.StdEncoding.DecodeString(f["payload"].GetStringValue())
	sig, _ := base64.StdEncoding.DecodeString(f["signature"].GetStringValue())
	var ts uint64
	for _, c := range f["timestamp_ms"].GetStringValue() {
		ts = ts*10 + uint64(c-'0')
	}
	env := attest.IntentEnvelope{
		Scope:       attest.IntentScope(f["intent_scope"].GetNumberValue()),
		TimestampMs: ts,
		Payload:     string(payload),
	}
	if len(sig) == ed25519.SignatureSize && ed25519.Verify(g.pub, env.Bytes(), sig) {
		return structpb.NewStruct(map[string]any{"status": "success", "digest": "6bN3vio"})
	}
	return structpb.NewStruct(map[string]any{"status": "failure", "error": "MoveAbort(enclave::verify_signature, 1)"})
}

var gatewayDesc = grpc.ServiceDesc{
	ServiceName: "suiverify.gateway.v1.EnclaveGateway",
	HandlerType: (*gatewayServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "VerifySignature",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			req := &structpb.Struct{}
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(gatewayServer).VerifySignature(ctx, req)
		},
	}},
}

func startGateway(t *testing.T, gw *fakeGateway) *grpc.ClientConn {
	t.Helper()
	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	server.RegisterService(&gatewayDesc, gw)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		server.Stop()
		_ = client.Close()
		_ = listener.Close()
	})
	return client.Conn()
}

type keySigner struct {
	priv ed25519.PrivateKey
}

func (k keySigner) Address() string            { return "0xfee" }
func (k keySigner) Sign(message []byte) []byte { return ed25519.Sign(k.priv, message) }

func submission(t *testing.T, priv ed25519.PrivateKey, signer attest.Signer) attest.Submission {
	t.Helper()
	const payload = "0xabc:1:verified:515143:2025-10-11T19:27:07.488Z"
	env, err := attest.BuildEnvelope(attest.ScopeDIDVerification, 1760210827488, payload)
	if err != nil {
		t.Fatal(err)
	}
	return attest.Submission{
		Enclave:   "0xb5c1",
		Envelope:  env,
		Signature: ed25519.Sign(priv, env.Bytes()),
		Signer:    signer,
	}
}

func TestSubmitSuccess(t *testing.T) {
	enclavePub, enclavePriv, _ := ed25519.GenerateKey(nil)
	_, walletPriv, _ := ed25519.GenerateKey(nil)
	gw := &fakeGateway{pub: enclavePub}
	svc := NewService(startGateway(t, gw), WithPackage(testPackage), WithNetwork("testnet"))

	resp, err := svc.Submit(context.Background(), submission(t, enclavePriv, keySigner{walletPriv}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Status != attest.ChainSuccess || resp.TxDigest != "6bN3vio" || len(resp.Raw) == 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	f := gw.lastReq.GetFields()
	if got := f["target"].GetStringValue(); got != testPackage+"::enclave::verify_signature" {
		t.Fatalf("target = %s", got)
	}
	typeArgs := f["type_arguments"].GetListValue().GetValues()
	if len(typeArgs) != 2 || typeArgs[0].GetStringValue() != testPackage+"::enclave::ENCLAVE" || typeArgs[1].GetStringValue() != "vector<u8>" {
		t.Fatalf("unexpected type arguments: %v", typeArgs)
	}
	if f["network"].GetStringValue() != "testnet" || f["sender"].GetStringValue() != "0xfee" || f["enclave_id"].GetStringValue() != "0xb5c1" {
		t.Fatalf("unexpected request: %v", f)
	}
	if got := gw.lastMD.Get(MetadataSender); len(got) != 1 || got[0] != "0xfee" {
		t.Fatalf("sender metadata = %v", got)
	}
	if got := gw.lastMD.Get(MetadataSenderSignature); len(got) != 1 || got[0] == "" {
		t.Fatalf("sender signature metadata = %v", got)
	}
}

func TestSubmitFailureStatus(t *testing.T) {
	enclavePub, _, _ := ed25519.GenerateKey(nil)
	_, otherPriv, _ := ed25519.GenerateKey(nil)
	svc := NewService(startGateway(t, &fakeGateway{pub: enclavePub}), WithPackage(testPackage))

	resp, err := svc.Submit(context.Background(), submission(t, otherPriv, keySigner{otherPriv}))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Status != attest.ChainFailure || !strings.Contains(resp.Error, "MoveAbort") {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSubmitTimeoutIsTransportError(t *testing.T) {
	enclavePub, enclavePriv, _ := ed25519.GenerateKey(nil)
	gw := &fakeGateway{pub: enclavePub, delay: time.Second}
	svc := NewService(startGateway(t, gw), WithPackage(testPackage), WithTimeout(20*time.Millisecond))

	_, err := svc.Submit(context.Background(), submission(t, enclavePriv, keySigner{enclavePriv}))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if errors.Is(err, attest.ErrNoSigningCapability) {
		t.Fatalf("timeout misreported as signer problem: %v", err)
	}
}

func TestSubmitRequiresSignerAndPackage(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	svc := NewService(nil, WithPackage(testPackage))
	if _, err := svc.Submit(context.Background(), submission(t, priv, nil)); !errors.Is(err, attest.ErrNoSigningCapability) {
		t.Fatalf("expected ErrNoSigningCapability, got %v", err)
	}
	if _, err := NewService(nil).Submit(context.Background(), submission(t, priv, keySigner{priv})); err == nil {
		t.Fatal("expected error without package id")
	}
}

func TestMapGatewayError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		wantStatus attest.ChainStatus
		wantErr    error
	}{
		{name: "aborted", err: status.Error(codes.Aborted, "MoveAbort"), wantStatus: attest.ChainFailure},
		{name: "failed precondition", err: status.Error(codes.FailedPrecondition, "insufficient gas"), wantStatus: attest.ChainFailure},
		{name: "unauthenticated", err: status.Error(codes.Unauthenticated, "bad sender signature"), wantErr: attest.ErrNoSigningCapability},
		{name: "unavailable", err: status.Error(codes.Unavailable, "connection refused")},
		{name: "deadline", err: status.Error(codes.DeadlineExceeded, "deadline exceeded")},
		{name: "non status", err: errors.New("boom")},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			resp, err := mapGatewayError(tc.err)
			if tc.wantStatus != "" {
				if err != nil || resp.Status != tc.wantStatus || resp.Error == "" {
					t.Fatalf("mapGatewayError() = %+v, %v", resp, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error, got %+v", resp)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("mapGatewayError() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestServiceDrivesVerifier(t *testing.T) {
	enclavePub, enclavePriv, _ := ed25519.GenerateKey(nil)
	_, walletPriv, _ := ed25519.GenerateKey(nil)
	svc := NewService(startGateway(t, &fakeGateway{pub: enclavePub}), WithPackage(testPackage))

	local := attest.NewLocalVerifier()
	if err := local.Register("0xb5c1", enclavePub); err != nil {
		t.Fatal(err)
	}
	sub := submission(t, enclavePriv, nil)

	onChain := attest.New(attest.WithChain(svc), attest.WithSigner(keySigner{walletPriv}))
	offline := attest.New(attest.WithLocal(local))
	for _, v := range []*attest.Verifier{onChain, offline} {
		res := v.VerifyEnvelope(context.Background(), sub.Envelope.Scope, sub.Envelope.TimestampMs, sub.Envelope.Payload, sub.Signature, "0xb5c1")
		if !res.Valid() {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
}
