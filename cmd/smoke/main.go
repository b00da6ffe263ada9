// Command smoke checks a running verification service over gRPC: health,
// info, and optionally the outcome of specific records.
//
//	smoke [0xRECORD=valid ...]
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"suiverify.org/internal/httpapi"
)

type expectation struct {
	recordID string
	outcome  string
}

func main() {
	addr := os.Getenv("SUIVERIFY_SMOKE_GRPC_ADDR")
	if addr == "" {
		addr = "localhost:9090"
	}
	checks, err := parseExpectations(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial suiverify at %s: %v", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if token := os.Getenv("SUIVERIFY_SMOKE_TOKEN"); token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}

	version, err := smoke(ctx, conn, checks)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("suiverify %s smoke test passed: %d record check(s)\n", version, len(checks))
}

// parseExpectations reads "id=outcome" arguments; a bare id expects valid.
func parseExpectations(args []string) ([]expectation, error) {
	out := make([]expectation, 0, len(args))
	for _, arg := range args {
		id, outcome, ok := strings.Cut(arg, "=")
		if !ok {
			outcome = "valid"
		}
		switch outcome {
		case "valid", "invalid", "indeterminate":
		default:
			return nil, fmt.Errorf("unknown outcome %q in %q", outcome, arg)
		}
		out = append(out, expectation{recordID: strings.TrimSpace(id), outcome: outcome})
	}
	return out, nil
}

func smoke(ctx context.Context, conn grpc.ClientConnInterface, checks []expectation) (string, error) {
	empty := &structpb.Struct{}

	health := &structpb.Struct{}
	if err := conn.Invoke(ctx, httpapi.MethodHealthCheck, empty, health); err != nil {
		return "", fmt.Errorf("health: %w", err)
	}
	if got := health.GetFields()["status"].GetStringValue(); got != "ok" {
		return "", fmt.Errorf("health status %q", got)
	}

	info := &structpb.Struct{}
	if err := conn.Invoke(ctx, httpapi.MethodGetInfo, empty, info); err != nil {
		return "", fmt.Errorf("info: %w", err)
	}
	version := info.GetFields()["version"].GetStringValue()

	for _, c := range checks {
		req, err := structpb.NewStruct(map[string]any{"record_id": c.recordID})
		if err != nil {
			return "", err
		}
		res := &structpb.Struct{}
		if err := conn.Invoke(ctx, httpapi.MethodVerifyRecord, req, res); err != nil {
			return "", fmt.Errorf("verify %s: %w", c.recordID, err)
		}
		f := res.GetFields()
		if got := f["outcome"].GetStringValue(); got != c.outcome {
			return "", fmt.Errorf("record %s: outcome %s (%s: %s), want %s",
				c.recordID, got, f["code"].GetStringValue(), f["reason"].GetStringValue(), c.outcome)
		}
	}
	return version, nil
}
