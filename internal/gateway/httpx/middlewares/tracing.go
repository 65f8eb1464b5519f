package middlewares

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/tenant-sagas/internal/pkg/interceptors"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/interceptors/constants"
)

// AttachTracingMetadata stores chi's request id and the caller's idempotency
// key in the request context and in outgoing gRPC metadata.
func AttachTracingMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		idempotencyKey := r.Header.Get(constants.HeaderXIdempotencyKey)

		ctx := interceptors.WithRequestMetadata(r.Context(), requestID, idempotencyKey)
		ctx = interceptors.ContextWithPropagatedIDs(ctx)

		if requestID != "" {
			w.Header().Set(constants.HeaderXRequestId, requestID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
