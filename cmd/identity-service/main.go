package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/jcmexdev/tenant-sagas/internal/identity"
	"github.com/jcmexdev/tenant-sagas/internal/identity/grpcx"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/config"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/interceptors"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/telemetry"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
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
		logger.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.GRPC.Addr, "error", err)
		os.Exit(1)
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(interceptors.TraceServerInterceptor(logger)),
	)
	svc := identity.NewService(identity.WithLogger(logger))
	grpcx.RegisterIdentityServiceServer(grpcServer, grpcx.NewServer(svc, logger))

	go func() {
		<-ctx.Done()
		logger.Info("shutting down identity service")
		grpcServer.GracefulStop()
	}()

	logger.Info("identity service gRPC running", "addr", cfg.GRPC.Addr)
	if err := grpcServer.Serve(lis); err != nil {
		logger.Error("failed to serve", "error", err)
		os.Exit(1)
	}
}
