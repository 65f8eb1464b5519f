package interceptors

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/tenant-sagas/internal/pkg/interceptors/constants"
)

// TraceServerInterceptor lifts the ids out of incoming metadata into ctx and
// logs one line per call.
func TraceServerInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		var requestID, idempotencyKey string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(constants.HeaderXRequestId); len(ids) > 0 {
				requestID = ids[0]
			}
			if ids := md.Get(constants.HeaderXIdempotencyKey); len(ids) > 0 {
				idempotencyKey = ids[0]
			}
		}
		ctx = WithRequestMetadata(ctx, requestID, idempotencyKey)

		start := time.Now()
		resp, err := handler(ctx, req)

		logger.InfoContext(ctx, "grpc call",
			"method", info.FullMethod,
			"request_id", requestID,
			"idempotency_key", idempotencyKey,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}
