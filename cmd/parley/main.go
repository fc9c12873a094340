package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/parleyhq/parley/internal/adapter/grpcgw"
	"github.com/parleyhq/parley/internal/adapter/hydra"
	"github.com/parleyhq/parley/internal/adapter/inproc"
	"github.com/parleyhq/parley/internal/adapter/jsonrpc"
	"github.com/parleyhq/parley/internal/adapter/memstore"
	"github.com/parleyhq/parley/internal/adapter/natsq"
	otelx "github.com/parleyhq/parley/internal/adapter/otel"
	"github.com/parleyhq/parley/internal/adapter/postgres"
	"github.com/parleyhq/parley/internal/adapter/ristretto"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/domain/agentcard"
	"github.com/parleyhq/parley/internal/event"
	"github.com/parleyhq/parley/internal/logger"
	"github.com/parleyhq/parley/internal/port/scheduler"
	"github.com/parleyhq/parley/internal/port/taskstore"
	"github.com/parleyhq/parley/internal/service"
)

const introspectionCacheBytes = 64 << 20

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)
	log.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"grpc_port", cfg.Server.GRPCPort,
		"storage", cfg.Storage.Driver,
		"scheduler", cfg.Scheduler.Driver,
		"auth", cfg.Auth.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	shutdownOtel, err := otelx.Init(ctx, cfg.Telemetry, cfg.Logging.Service, cfg.Agent.Version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			log.Error("otel shutdown failed", "error", err)
		}
	}()

	var metrics *otelx.Metrics
	if cfg.Telemetry.Enabled {
		metrics, err = otelx.NewMetrics()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	// --- Storage ---
	var store taskstore.Store
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = postgres.NewStore(pool)
		log.Info("postgres store ready")
	default:
		store = memstore.New()
		log.Info("in-memory store ready")
	}

	// --- Scheduler ---
	worker := service.EchoWorker()
	var sched scheduler.Scheduler
	queueDepth := func() int { return 0 }
	switch cfg.Scheduler.Driver {
	case "nats":
		s, err := natsq.Connect(ctx, cfg.NATS.URL, worker, log)
		if err != nil {
			return fmt.Errorf("nats scheduler: %w", err)
		}
		sched = s
		log.Info("nats scheduler connected", "url", cfg.NATS.URL)
	default:
		s := inproc.New(cfg.Scheduler.Workers, worker, log)
		queueDepth = s.QueueDepth
		sched = s
		log.Info("in-process scheduler started", "workers", cfg.Scheduler.Workers)
	}
	defer func() { _ = sched.Close() }()

	// --- Core services ---
	bus := event.NewBus()
	defer bus.Close()

	catalog := agentcard.Skills(cfg.Agent.Skills)
	neg := service.NewNegotiator(catalog, queueDepth, cfg.Negotiation.MinScore)
	lc := service.NewLifecycle(store, sched, bus, neg, metrics, log)
	dispatcher := service.NewDispatcher(cfg.Push, store, bus, metrics, log)

	var verifier *service.Verifier
	if cfg.Auth.Enabled {
		idp := hydra.New(cfg.Auth, cfg.Breaker)
		verdictCache, err := ristretto.New(introspectionCacheBytes)
		if err != nil {
			return fmt.Errorf("verdict cache: %w", err)
		}
		defer verdictCache.Close()
		verifier = service.NewVerifier(cfg.Auth, idp, idp, verdictCache, log)
		log.Info("hybrid auth enabled", "introspection_url", cfg.Auth.IntrospectionURL)
	} else {
		verifier = service.NewVerifier(cfg.Auth, nil, nil, nil, log)
	}

	// --- Transports ---
	grpcAddr := ":" + cfg.Server.GRPCPort
	card := agentcard.Build(cfg.Agent, grpcAddr)

	r := chi.NewRouter()
	r.Use(jsonrpc.CORS(cfg.Server.CORSOrigin))
	r.Use(jsonrpc.Logger(log))
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Telemetry.Enabled {
		r.Use(otelx.HTTPMiddleware(cfg.Logging.Service))
	}
	jsonrpc.NewHandler(lc, verifier, card, log).Mount(r)

	// WriteTimeout stays zero: SSE streams are long-lived.
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	grpcOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(grpcgw.Codec()),
		grpc.UnaryInterceptor(grpcgw.UnaryAuthInterceptor(verifier)),
		grpc.StreamInterceptor(grpcgw.StreamAuthInterceptor(verifier)),
	}
	useTLS := cfg.Server.TLSCert != "" && cfg.Server.TLSKey != ""
	if useTLS {
		creds, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return fmt.Errorf("tls credentials: %w", err)
		}
		grpcOpts = append(grpcOpts, grpc.Creds(creds))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	grpcgw.NewServer(lc, card, log).Register(grpcSrv)

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := lc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("lifecycle: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("push dispatcher: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info("http listener starting", "addr", httpSrv.Addr)
		var err error
		if useTLS {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		log.Info("grpc listener starting", "addr", grpcAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "error", err)
		}
		grpcSrv.GracefulStop()
		return nil
	})

	return g.Wait()
}
