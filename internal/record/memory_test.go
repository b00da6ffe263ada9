package record

import (
	"context"
	"errors"
	"sync"
	"testing"

	"suiverify.org/internal/attest"
)

func TestInMemoryFetch(t *testing.T) {
	s := NewInMemory(attest.Record{ID: "0xAB", Owner: "0x1", Signature: []byte("sig")})
	ctx := context.Background()

	rec, err := s.FetchRecord(ctx, "0xab")
	if err != nil {
		t.Fatal(err)
	}
	rec.Signature[0] = 'X'
	again, _ := s.FetchRecord(ctx, "0xAB")
	if string(again.Signature) != "sig" {
		t.Fatalf("store handed out shared bytes: %q", again.Signature)
	}

	if _, err := s.FetchRecord(ctx, "0xcd"); !errors.Is(err, attest.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(attest.Record{}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestInMemoryListRecords(t *testing.T) {
	s := NewInMemory(
		attest.Record{ID: "0x3", Owner: "0xAbC"},
		attest.Record{ID: "0x1", Owner: "0xabc"},
		attest.Record{ID: "0x2", Owner: "0xdef"},
	)
	recs, err := s.ListRecords(context.Background(), "0xABC")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "0x1" || recs[1].ID != "0x3" {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if recs, _ := s.ListRecords(context.Background(), ""); len(recs) != 0 {
		t.Fatalf("empty owner matched %d records", len(recs))
	}
}

func TestInMemoryConcurrentAccess(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			_ = s.Put(attest.Record{ID: "0x" + id, Owner: "0x1"})
			_, _ = s.FetchRecord(ctx, "0x"+id)
			_, _ = s.ListRecords(ctx, "0x1")
		}(i)
	}
	wg.Wait()
	if s.Len() != 26 {
		t.Fatalf("Len = %d, want 26", s.Len())
	}
}

func TestInMemoryDrivesVerifier(t *testing.T) {
	s := NewInMemory()
	rec, err := ParseObject(loadSample(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(rec); err != nil {
		t.Fatal(err)
	}

	chain := attest.ChainVerifier(chainFunc(func(ctx context.Context, sub attest.Submission) (attest.ChainResponse, error) {
		if sub.Envelope.TimestampMs != rec.SignatureTimestampMs || len(sub.Signature) != attest.SignatureSize {
			return attest.ChainResponse{Status: attest.ChainFailure, Error: "bad submission"}, nil
		}
		return attest.ChainResponse{Status: attest.ChainSuccess}, nil
	}))
	v := attest.New(attest.WithStore(s), attest.WithChain(chain), attest.WithSigner(nopSigner{}), attest.WithDefaultEnclave("0xe"))

	res := v.VerifyRecord(context.Background(), rec.ID, "")
	if !res.Valid() {
		t.Fatalf("unexpected result: %+v", res)
	}
	owned, err := v.VerifyOwner(context.Background(), sampleOwner, "")
	if err != nil || len(owned) != 1 || !owned[0].Valid() {
		t.Fatalf("VerifyOwner: %v %+v", err, owned)
	}
}

type chainFunc func(ctx context.Context, sub attest.Submission) (attest.ChainResponse, error)

func (f chainFunc) Submit(ctx context.Context, sub attest.Submission) (attest.ChainResponse, error) {
	return f(ctx, sub)
}

type nopSigner struct{}

func (nopSigner) Address() string        { return "0xfee" }
func (nopSigner) Sign(msg []byte) []byte { return nil }
