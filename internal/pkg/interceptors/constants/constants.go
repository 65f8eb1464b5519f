package constants

// contextKey keeps our context keys from colliding with other packages'.
type contextKey string

const (
	HeaderXRequestId      = "x-request-id"
	HeaderXIdempotencyKey = "x-idempotency-key"

	ContextKeyRequestID      contextKey = HeaderXRequestId
	ContextKeyIdempotencyKey contextKey = HeaderXIdempotencyKey
)
