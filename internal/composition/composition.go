// Package composition assembles the verification service from configuration.
// The API server and the operator CLI share it.
package composition

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"suiverify.org/internal/attest"
	"suiverify.org/internal/audit"
	"suiverify.org/internal/auth"
	"suiverify.org/internal/chain/remote"
	"suiverify.org/internal/config"
	"suiverify.org/internal/obs"
	"suiverify.org/internal/record"
	"suiverify.org/internal/store/pg"
	"suiverify.org/internal/stream"
	"suiverify.org/internal/wallet"
)

const historyQueueDepth = 1024

// Options adjust what Build wires beyond the configuration.
type Options struct {
	// Records seed the in-memory store when no Postgres DSN is configured.
	Records []attest.Record
	// Sinks receive verification events in addition to the built-in ones.
	Sinks []attest.EventSink
	// Quiet drops the log and audit sinks, for CLI use.
	Quiet bool
	// GatewayDialOptions replace the transport credentials derived from config.
	GatewayDialOptions []grpc.DialOption
}

// Components is the wired service graph.
type Components struct {
	Config   config.Config
	Store    attest.RecordStore
	PG       *pg.Store
	Memory   *record.InMemory
	Local    *attest.LocalVerifier
	Gateway  *remote.Client
	Chain    *remote.Service
	Signer   *wallet.Key
	Stream   *stream.Stream
	History  *pg.HistorySink
	Tokens   *auth.Issuer
	Verifier *attest.Verifier

	wg      sync.WaitGroup
	closers []func() error
}

// Build wires every component cfg enables. On error, whatever was opened is
// closed again.
func Build(cfg config.Config, opts Options) (*Components, error) {
	c := &Components{Config: cfg, Stream: stream.New()}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open record store: %w", err)
		}
		c.PG = store
		c.Store = store
		c.closers = append(c.closers, store.Close)
		for _, rec := range opts.Records {
			if err := store.UpsertRecord(context.Background(), rec); err != nil {
				return nil, fmt.Errorf("seed record %s: %w", rec.ID, err)
			}
		}
	} else {
		c.Memory = record.NewInMemory(opts.Records...)
		c.Store = c.Memory
	}

	keys, err := cfg.EnclaveKeys()
	if err != nil {
		return nil, err
	}
	c.Local = attest.NewLocalVerifier()
	for ref, key := range keys {
		if err := c.Local.Register(attest.EnclaveRef(ref), key); err != nil {
			return nil, fmt.Errorf("register enclave %s: %w", ref, err)
		}
	}

	if cfg.SignerKey != "" {
		if c.Signer, err = wallet.ParseKey(cfg.SignerKey); err != nil {
			return nil, fmt.Errorf("signer key: %w", err)
		}
	}

	if cfg.Gateway.Target != "" {
		dialOpts := opts.GatewayDialOptions
		if len(dialOpts) == 0 {
			dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(gatewayCredentials(cfg.Gateway.TLS))}
		}
		if c.Gateway, err = remote.Dial(cfg.Gateway.Target, dialOpts...); err != nil {
			return nil, fmt.Errorf("dial gateway: %w", err)
		}
		c.closers = append(c.closers, c.Gateway.Close)
		c.Chain = remote.NewService(c.Gateway.Conn(),
			remote.WithPackage(cfg.Gateway.PackageID),
			remote.WithNetwork(cfg.Network),
			remote.WithTimeout(cfg.Gateway.Timeout),
		)
	}

	if cfg.AuthSecret != "" {
		if c.Tokens, err = auth.NewIssuer(cfg.AuthSecret); err != nil {
			return nil, err
		}
	}

	sinks := []attest.EventSink{c.Stream}
	if !opts.Quiet {
		sinks = append(sinks, obs.EventSink{}, audit.EventSink{})
	}
	if cfg.History {
		if c.PG == nil {
			return nil, errors.New("verification history requires pg_dsn")
		}
		c.History = pg.NewHistorySink(c.PG, historyQueueDepth, func(err error) {
			obs.LogEvent("error", "history_write_failed", map[string]any{"error": err.Error()})
		})
		sinks = append(sinks, c.History)
	}
	sinks = append(sinks, opts.Sinks...)

	vopts := []attest.Option{
		attest.WithStore(c.Store),
		attest.WithLocal(c.Local),
		attest.WithDefaultEnclave(attest.EnclaveRef(cfg.Verifier.DefaultEnclave)),
		attest.WithScope(attest.IntentScope(cfg.Verifier.IntentScope)),
		attest.WithEvents(attest.Sinks(sinks...)),
		attest.WithBatchConcurrency(cfg.Verifier.BatchConcurrency),
		attest.WithOfflineFallback(cfg.Verifier.OfflineFallback),
	}
	if c.Chain != nil {
		vopts = append(vopts, attest.WithChain(c.Chain))
	}
	if c.Signer != nil {
		vopts = append(vopts, attest.WithSigner(c.Signer))
	}
	c.Verifier = attest.New(vopts...)
	ok = true
	return c, nil
}

// Start launches background workers. They stop when ctx ends; Close waits
// for them.
func (c *Components) Start(ctx context.Context) {
	if c.History == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.History.Run(ctx)
	}()
}

// Ready reports whether the record store is reachable.
func (c *Components) Ready(ctx context.Context) error {
	if c.PG == nil {
		return nil
	}
	return c.PG.Ping(ctx)
}

// Close waits for background workers and releases connections.
func (c *Components) Close() error {
	c.wg.Wait()
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func gatewayCredentials(useTLS bool) credentials.TransportCredentials {
	if useTLS {
		return credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return insecure.NewCredentials()
}
