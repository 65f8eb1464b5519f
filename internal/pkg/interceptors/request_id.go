// Package interceptors carries the request id and idempotency key across the
// gateway -> identity-service hop.
package interceptors

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/tenant-sagas/internal/pkg/interceptors/constants"
)

// WithRequestMetadata stores the ids in ctx under the typed keys.
func WithRequestMetadata(ctx context.Context, requestID, idempotencyKey string) context.Context {
	ctx = context.WithValue(ctx, constants.ContextKeyRequestID, requestID)
	return context.WithValue(ctx, constants.ContextKeyIdempotencyKey, idempotencyKey)
}

// RequestID returns the request id carried by ctx, or "".
func RequestID(ctx context.Context) string {
	return valueOrMetadata(ctx, constants.ContextKeyRequestID, constants.HeaderXRequestId)
}

// IdempotencyKey returns the idempotency key carried by ctx, or "".
func IdempotencyKey(ctx context.Context) string {
	return valueOrMetadata(ctx, constants.ContextKeyIdempotencyKey, constants.HeaderXIdempotencyKey)
}

func valueOrMetadata(ctx context.Context, key any, header string) string {
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(header); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// UnaryClientInterceptor copies the ids from ctx into outgoing metadata.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return invoker(ContextWithPropagatedIDs(ctx), method, req, reply, cc, opts...)
	}
}

// ContextWithPropagatedIDs appends the ids found in ctx to its outgoing
// metadata. Empty ids are skipped.
func ContextWithPropagatedIDs(ctx context.Context) context.Context {
	var kv []string
	if id := RequestID(ctx); id != "" {
		kv = append(kv, constants.HeaderXRequestId, id)
	}
	if key := IdempotencyKey(ctx); key != "" {
		kv = append(kv, constants.HeaderXIdempotencyKey, key)
	}
	if len(kv) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}
