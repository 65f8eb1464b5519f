package sagalog

import (
	"context"

	"github.com/google/uuid"

	"github.com/jcmexdev/tenant-sagas/internal/pkg/events"
)

// AuditHandler turns saga events into SagaLog entries. Subscribe it to the
// bus the orchestrator publishes to.
type AuditHandler struct {
	logs  LogRepository
	newID func() string
}

func NewAuditHandler(logs LogRepository) *AuditHandler {
	return &AuditHandler{logs: logs, newID: uuid.NewString}
}

// Handle appends one entry per saga event and ignores every other event.
func (h *AuditHandler) Handle(ctx context.Context, evt events.Event) error {
	entry, ok := h.entryFor(ctx, evt)
	if !ok {
		return nil
	}
	return h.logs.Save(ctx, entry)
}

func (h *AuditHandler) entryFor(ctx context.Context, evt events.Event) (*SagaLog, bool) {
	var (
		stepID  string
		logType LogType
		message string
	)

	switch e := evt.(type) {
	case InstanceStatusChanged:
		stepID, logType, message = e.InstanceID, InstanceSeverity(e.To), instanceMessage(e)
	case StepStatusChanged:
		stepID, logType, message = e.StepID, StepSeverity(e.To), stepMessage(e)
	case StepRetried:
		stepID, logType, message = e.StepID, LogWarning, retryMessage(e)
	case CompensationApplied:
		logType = LogWarning
		if e.Failed() {
			logType = LogError
		}
		stepID, message = e.InstanceID, compensationMessage(e)
	default:
		return nil, false
	}

	return NewEntry(ctx, h.newID(), evt, stepID, logType, message), true
}

// NewEntry builds a SagaLog for evt with trace ids taken from ctx.
func NewEntry(ctx context.Context, id string, evt events.Event, stepID string, logType LogType, message string) *SagaLog {
	ti := ExtractTraceInfo(ctx)
	at := evt.OccurredAt().UTC()
	return &SagaLog{
		ID:             id,
		SagaInstanceID: evt.AggregateID(),
		SagaStepID:     stepID,
		Type:           logType,
		Message:        message,
		TraceID:        ti.TraceID,
		SpanID:         ti.SpanID,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}
