package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jcmexdev/tenant-sagas/internal/coordinator"
	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog/memory"
	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog/postgres"
	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/tenant-sagas/internal/gateway/httpx"
	"github.com/jcmexdev/tenant-sagas/internal/identity/grpcx"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/cache"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/config"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/events"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/interceptors"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/metrics"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}
	logger := telemetry.InitLogger(telemetry.LoggerOptions{
		Service: cfg.Telemetry.ServiceName,
		Level:   cfg.App.LogLevel,
		JSON:    cfg.IsProduction(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerOptions{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.App.Environment,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := events.NewBus(sagalog.NewAuditHandler(store))
	if cfg.Kafka.Enabled {
		kafka := events.NewKafkaHandler(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafka.Close()
		bus.Subscribe(events.LogErrors(kafka, logger))
		logger.Info("forwarding saga events to kafka", "topic", cfg.Kafka.Topic)
	}

	conn, err := grpc.NewClient(cfg.GRPC.IdentityAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(interceptors.UnaryClientInterceptor()),
	)
	if err != nil {
		return fmt.Errorf("dial identity service at %s: %w", cfg.GRPC.IdentityAddr, err)
	}
	defer conn.Close()

	var idempotency cache.Cache
	if cfg.Redis.Addr != "" {
		idempotency = cache.NewRedisCache(cfg.Redis.Addr, cfg.App.Name)
		defer idempotency.Close()
	}

	m := metrics.New(cfg.Telemetry.ServiceName)
	orch := coordinator.NewOrchestrator(store, bus,
		coordinator.WithLogger(logger),
		coordinator.WithRecorder(m),
	)
	saga := coordinator.NewRegistrationSaga(orch, grpcx.NewClient(conn), logger)

	handler := httpx.NewHandler(saga, store, idempotency, cfg.Redis.IdempotencyTTL, logger)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpx.NewRouter(handler, m.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api gateway running", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down api gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (sagalog.Store, func(), error) {
	closer := func(c io.Closer) func() {
		return func() {
			if err := c.Close(); err != nil {
				slog.Error("close saga store", "error", err)
			}
		}
	}

	switch cfg.Driver {
	case "memory":
		return memory.New(), func() {}, nil
	case "sqlite":
		repo, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return repo, closer(repo), nil
	case "postgres":
		repo, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			_ = repo.Close()
			return nil, nil, err
		}
		return repo, closer(repo), nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
