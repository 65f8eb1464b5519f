package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/jcmexdev/tenant-sagas/internal/coordinator"
	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/tenant-sagas/internal/identity"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/cache"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/interceptors"
)

const (
	// HeaderIdempotentReplay marks a response served from the idempotency cache.
	HeaderIdempotentReplay = "Idempotent-Replayed"

	idempotencyOperation = "registration"
	inFlightMarker       = "in-flight"
)

// Registrar runs the registration saga.
type Registrar interface {
	Run(ctx context.Context, in coordinator.RegistrationInput) (*coordinator.RegistrationResult, error)
}

// SagaReader is the read side of the saga store.
type SagaReader interface {
	FindInstance(ctx context.Context, id string) (*sagalog.SagaInstance, error)
	ListSteps(ctx context.Context, instanceID string) ([]*sagalog.SagaStep, error)
	ListLogs(ctx context.Context, instanceID string) ([]*sagalog.SagaLog, error)
	ListInstancesByStatus(ctx context.Context, status sagalog.Status) ([]*sagalog.SagaInstance, error)
}

// Handler serves registrations and the saga audit trail.
type Handler struct {
	registrar      Registrar
	sagas          SagaReader
	cache          cache.Cache // nil disables idempotency keys
	idempotencyTTL time.Duration
	validate       *validator.Validate
	logger         *slog.Logger
}

func NewHandler(r Registrar, sagas SagaReader, c cache.Cache, idempotencyTTL time.Duration, logger *slog.Logger) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		registrar:      r,
		sagas:          sagas,
		cache:          c,
		idempotencyTTL: idempotencyTTL,
		validate:       v,
		logger:         logger,
	}
}

// Register runs the registration saga synchronously. With an idempotency key
// the first response is stored and replayed for retries of the same key.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return
	}

	ctx := r.Context()
	key := interceptors.IdempotencyKey(ctx)
	if key == "" || h.cache == nil {
		status, body := h.register(ctx, req)
		writeRaw(w, status, body)
		return
	}

	cacheKey := h.cache.GenerateKey(idempotencyOperation, key)
	won, err := h.cache.Claim(ctx, cacheKey, inFlightMarker, h.idempotencyTTL)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "idempotency_unavailable", err.Error())
		return
	}
	if !won {
		h.replay(w, r, cacheKey)
		return
	}

	status, body := h.register(ctx, req)
	if status == http.StatusServiceUnavailable {
		// Nothing ran; let the client retry with the same key.
		if err := h.cache.Delete(context.WithoutCancel(ctx), cacheKey); err != nil {
			h.logger.ErrorContext(ctx, "release idempotency key", "key", key, "error", err)
		}
	} else if err := h.store(ctx, cacheKey, status, body); err != nil {
		h.logger.ErrorContext(ctx, "store idempotent response", "key", key, "error", err)
	}
	writeRaw(w, status, body)
}

func (h *Handler) register(ctx context.Context, req RegisterRequest) (int, []byte) {
	h.logger.InfoContext(ctx, "registering account",
		"request_id", interceptors.RequestID(ctx),
		"tenant_name", req.TenantName,
		"tenant_id", req.TenantID,
	)

	res, err := h.registrar.Run(ctx, req.toInput())
	if err != nil {
		status, code := statusFor(err)
		sagaID := ""
		if res != nil {
			sagaID = res.SagaID
		} else if status == http.StatusBadGateway {
			status, code = http.StatusServiceUnavailable, "saga_not_started"
		}
		return status, mustJSON(ErrorResponse{Error: code, Message: err.Error(), SagaID: sagaID})
	}
	return http.StatusCreated, mustJSON(mapRegistrationToResponse(res))
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request, cacheKey string) {
	raw, err := h.cache.Get(r.Context(), cacheKey)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "idempotency_unavailable", err.Error())
		return
	}
	if raw == "" || raw == inFlightMarker {
		writeError(w, http.StatusConflict, "request_in_flight", "a request with this idempotency key is still running")
		return
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		writeError(w, http.StatusInternalServerError, "idempotency_corrupt", err.Error())
		return
	}
	w.Header().Set(HeaderIdempotentReplay, "true")
	writeRaw(w, stored.Status, stored.Body)
}

func (h *Handler) store(ctx context.Context, cacheKey string, status int, body []byte) error {
	raw, err := json.Marshal(storedResponse{Status: status, Body: body})
	if err != nil {
		return err
	}
	return h.cache.Set(context.WithoutCancel(ctx), cacheKey, raw, h.idempotencyTTL)
}

// GetSaga returns an instance with its ordered steps and audit log.
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	inst, err := h.sagas.FindInstance(ctx, id)
	if errors.Is(err, sagalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "saga_not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	steps, err := h.sagas.ListSteps(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	logs, err := h.sagas.ListLogs(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SagaResponse{Instance: inst, Steps: nonNil(steps), Logs: nonNil(logs)})
}

// ListSagas lists the instances currently in ?status=, e.g. runs left
// RUNNING by a crash.
func (h *Handler) ListSagas(w http.ResponseWriter, r *http.Request) {
	status := sagalog.Status(strings.ToUpper(r.URL.Query().Get("status")))
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_status", fmt.Sprintf("unknown status %q", status))
		return
	}
	insts, err := h.sagas.ListInstancesByStatus(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SagaListResponse{Status: string(status), Instances: nonNil(insts)})
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps a saga error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, identity.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, identity.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusBadGateway, "registration_failed"
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func mustJSON(v any) []byte {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	writeRaw(w, status, mustJSON(v))
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}
