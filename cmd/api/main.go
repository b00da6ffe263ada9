package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"suiverify.org/internal/attest"
	"suiverify.org/internal/composition"
	"suiverify.org/internal/config"
	"suiverify.org/internal/httpapi"
	"suiverify.org/internal/obs"
	"suiverify.org/internal/record"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $SUIVERIFY_CONFIG)")
	recordsPath := flag.String("records", "", "JSON file of record objects to preload")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var seed []attest.Record
	if *recordsPath != "" {
		raw, err := os.ReadFile(*recordsPath)
		if err != nil {
			log.Fatalf("read records: %v", err)
		}
		if seed, err = record.ParseObjects(raw); err != nil {
			log.Fatalf("parse records: %v", err)
		}
	}

	comp, err := composition.Build(cfg, composition.Options{Records: seed})
	if err != nil {
		log.Fatalf("build service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	comp.Start(ctx)

	var db *sql.DB
	if comp.PG != nil {
		db = comp.PG.DB()
	}
	probe := httpapi.ReadyProbe{DB: db}

	opts := []httpapi.Option{
		httpapi.WithRecords(comp.Store),
		httpapi.WithStream(comp.Stream),
		httpapi.WithIntentScope(attest.IntentScope(cfg.Verifier.IntentScope)),
		httpapi.WithMaxBatch(cfg.Verifier.MaxBatch),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	}
	if comp.Tokens != nil {
		opts = append(opts, httpapi.WithTokens(comp.Tokens))
	}
	if comp.History != nil {
		opts = append(opts, httpapi.WithHistory(comp.PG))
	}
	api := httpapi.New(probe, version, comp.Verifier, opts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// The verification stream holds responses open; it clears its own
		// write deadline.
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	rpc := httpapi.NewGRPCServer(probe, version, comp.Verifier, comp.Tokens).
		WithLimits(attest.IntentScope(cfg.Verifier.IntentScope), cfg.Verifier.MaxBatch)
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(rpc.AuthInterceptor()))
	rpc.Register(grpcSrv)

	log.Printf("Starting suiverify-api %s on %s (grpc %s)", version, srv.Addr, cfg.GRPCAddr)
	if comp.Chain == nil {
		log.Printf("no gateway configured; verifying locally against %d enclave key(s)", len(cfg.Verifier.EnclaveKeys))
	} else if comp.Signer == nil {
		log.Printf("gateway configured without a signer key; chain verifications will report no_signing_capability")
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	cancel()
	if err := comp.Close(); err != nil {
		log.Printf("close: %v", err)
	}
	log.Println("Stopped")
}
