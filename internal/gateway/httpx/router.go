package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/tenant-sagas/internal/gateway/httpx/middlewares"
)

// NewRouter wires the gateway routes. metrics may be nil.
func NewRouter(handler *Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachTracingMetadata)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/registrations", handler.Register)
	r.Get("/sagas", handler.ListSagas)
	r.Get("/sagas/{id}", handler.GetSaga)
	r.Get("/healthz", handler.Health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}
