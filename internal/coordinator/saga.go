package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/events"
)

const tracerName = "github.com/jcmexdev/tenant-sagas/internal/coordinator"

// Recorder receives saga outcomes for metrics.
type Recorder interface {
	StepFinished(saga, step string, status sagalog.StepStatus, elapsed time.Duration)
	StepRetried(saga, step string)
	SagaFinished(saga string, status sagalog.Status)
	CompensationFinished(saga, name string, err error)
}

type nopRecorder struct{}

func (nopRecorder) StepFinished(string, string, sagalog.StepStatus, time.Duration) {}
func (nopRecorder) StepRetried(string, string)                                      {}
func (nopRecorder) SagaFinished(string, sagalog.Status)                             {}
func (nopRecorder) CompensationFinished(string, string, error)                      {}

// StepSpec describes one step to execute.
type StepSpec struct {
	Name  string
	Order int

	// Payload is snapshotted as JSON on the step record. Keep secrets out.
	Payload any

	// MaxRetries is how many extra attempts a failing Action gets. Zero
	// means the first failure is final.
	MaxRetries int
	RetryDelay time.Duration

	Action func(ctx context.Context) (any, error)
}

// Orchestrator drives saga instances and steps through their lifecycle and
// persists every transition. It never runs compensations on its own during
// ExecuteStep; rollback is an explicit call.
type Orchestrator struct {
	store     sagalog.Store
	publisher events.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	recorder  Recorder
	now       func() time.Time
	newID     func() string
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces uuid.NewString, for tests.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

func NewOrchestrator(store sagalog.Store, publisher events.Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		publisher: publisher,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		recorder:  nopRecorder{},
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateSagaInstance persists a new instance, moves it to STARTED and
// returns its id.
func (o *Orchestrator) CreateSagaInstance(ctx context.Context, name string) (string, error) {
	inst, evts := sagalog.NewSagaInstance(o.newID(), name, o.now())
	if err := o.saveInstance(ctx, inst, evts); err != nil {
		return "", fmt.Errorf("coordinator: create saga %q: %w", name, err)
	}

	started, err := inst.Start(o.now())
	if err != nil {
		return "", err
	}
	if err := o.saveInstance(ctx, inst, started); err != nil {
		return "", fmt.Errorf("coordinator: start saga %q: %w", name, err)
	}

	o.logger.InfoContext(ctx, "saga started", "saga", name, "saga_id", inst.ID)
	return inst.ID, nil
}

// ExecuteStep records a step, runs its action and records the outcome. On
// failure the step is FAILED and the action's own error is returned.
func (o *Orchestrator) ExecuteStep(ctx context.Context, instanceID string, spec StepSpec) (any, error) {
	ctx, span := o.tracer.Start(ctx, "saga.step "+spec.Name, trace.WithAttributes(
		attribute.String("saga.instance_id", instanceID),
		attribute.String("saga.step", spec.Name),
		attribute.Int("saga.step_order", spec.Order),
	))
	defer span.End()

	inst, err := o.store.FindInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: execute step %q: %w", spec.Name, err)
	}
	if inst.Status != sagalog.StatusStarted && inst.Status != sagalog.StatusRunning {
		return nil, fmt.Errorf("%w: cannot execute step %q on %s saga %s",
			sagalog.ErrInvalidTransition, spec.Name, inst.Status, instanceID)
	}
	if err := o.checkOrder(ctx, instanceID, spec); err != nil {
		return nil, err
	}
	if inst.Status == sagalog.StatusStarted {
		running, err := inst.Run(o.now())
		if err != nil {
			return nil, err
		}
		if err := o.saveInstance(ctx, inst, running); err != nil {
			return nil, fmt.Errorf("coordinator: execute step %q: %w", spec.Name, err)
		}
	}

	payload, err := snapshot(spec.Payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator: snapshot payload of %q: %w", spec.Name, err)
	}

	step, evts := sagalog.NewSagaStep(o.newID(), instanceID, spec.Name, spec.Order, payload, spec.MaxRetries, o.now())
	started, err := step.Start(o.now())
	if err != nil {
		return nil, err
	}
	if err := o.saveStep(ctx, step, append(evts, started...)); err != nil {
		return nil, fmt.Errorf("coordinator: record step %q: %w", spec.Name, err)
	}

	begin := time.Now()
	for {
		result, actErr := invoke(ctx, spec.Action)
		if actErr == nil {
			if err := o.completeStep(ctx, inst.Name, step, result, time.Since(begin)); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return result, err
			}
			return result, nil
		}

		if step.CanRetry() && ctx.Err() == nil {
			retried, err := step.RecordRetry(actErr.Error(), o.now())
			if err != nil {
				return nil, err
			}
			if err := o.saveStep(ctx, step, retried); err != nil {
				return nil, fmt.Errorf("coordinator: record retry of %q: %w", spec.Name, err)
			}
			o.recorder.StepRetried(inst.Name, spec.Name)
			o.logger.WarnContext(ctx, "step failed, retrying",
				"saga_id", instanceID, "step", spec.Name,
				"attempt", step.RetryCount, "max_retries", step.MaxRetries, "error", actErr)

			if err := sleep(ctx, spec.RetryDelay); err == nil {
				continue
			}
		}

		o.failStep(ctx, inst.Name, step, actErr, time.Since(begin))
		span.RecordError(actErr)
		span.SetStatus(codes.Error, actErr.Error())
		return nil, actErr
	}
}

// checkOrder enforces that step orders start at 1 and strictly increase
// within an instance.
func (o *Orchestrator) checkOrder(ctx context.Context, instanceID string, spec StepSpec) error {
	if spec.Order < 1 {
		return fmt.Errorf("%w: step %q has order %d", sagalog.ErrInvalidTransition, spec.Name, spec.Order)
	}
	steps, err := o.store.ListSteps(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("coordinator: execute step %q: %w", spec.Name, err)
	}
	for _, st := range steps {
		if st.Order >= spec.Order {
			return fmt.Errorf("%w: step %q order %d after order %d",
				sagalog.ErrInvalidTransition, spec.Name, spec.Order, st.Order)
		}
	}
	return nil
}

func (o *Orchestrator) completeStep(ctx context.Context, saga string, step *sagalog.SagaStep, result any, elapsed time.Duration) error {
	raw, err := snapshot(result)
	if err != nil {
		o.logger.WarnContext(ctx, "step result not serialisable, storing null",
			"saga_id", step.SagaInstanceID, "step", step.Name, "error", err)
		raw = nil
	}
	completed, err := step.Complete(raw, o.now())
	if err != nil {
		return err
	}
	o.recorder.StepFinished(saga, step.Name, sagalog.StepCompleted, elapsed)
	if err := o.saveStep(ctx, step, completed); err != nil {
		return fmt.Errorf("coordinator: record completion of %q: %w", step.Name, err)
	}
	return nil
}

// failStep records the failure. Persistence problems are logged only: the
// caller must still see the action's error.
func (o *Orchestrator) failStep(ctx context.Context, saga string, step *sagalog.SagaStep, cause error, elapsed time.Duration) {
	o.recorder.StepFinished(saga, step.Name, sagalog.StepFailed, elapsed)
	o.logger.ErrorContext(ctx, "step failed",
		"saga_id", step.SagaInstanceID, "step", step.Name, "order", step.Order, "error", cause)

	failed, err := step.Fail(cause.Error(), o.now())
	if err != nil {
		o.logger.ErrorContext(ctx, "mark step failed", "step_id", step.ID, "error", err)
		return
	}
	// The failure is recorded even when the caller's context is done.
	if err := o.saveStep(context.WithoutCancel(ctx), step, failed); err != nil {
		o.logger.ErrorContext(ctx, "persist failed step", "step_id", step.ID, "error", err)
	}
}

// CompleteSagaInstance marks the instance COMPLETED.
func (o *Orchestrator) CompleteSagaInstance(ctx context.Context, instanceID string) error {
	inst, err := o.transitionInstance(ctx, instanceID, (*sagalog.SagaInstance).Complete)
	if err != nil {
		return fmt.Errorf("coordinator: complete saga %s: %w", instanceID, err)
	}
	o.recorder.SagaFinished(inst.Name, inst.Status)
	o.logger.InfoContext(ctx, "saga completed", "saga", inst.Name, "saga_id", instanceID)
	return nil
}

// FailSagaInstance marks the instance FAILED.
func (o *Orchestrator) FailSagaInstance(ctx context.Context, instanceID string) error {
	inst, err := o.transitionInstance(ctx, instanceID, (*sagalog.SagaInstance).Fail)
	if err != nil {
		return fmt.Errorf("coordinator: fail saga %s: %w", instanceID, err)
	}
	o.logger.WarnContext(ctx, "saga failed", "saga", inst.Name, "saga_id", instanceID)
	return nil
}

// RearmSagaInstance puts a finished or stuck instance back to PENDING.
func (o *Orchestrator) RearmSagaInstance(ctx context.Context, instanceID string) error {
	if _, err := o.transitionInstance(ctx, instanceID, (*sagalog.SagaInstance).Rearm); err != nil {
		return fmt.Errorf("coordinator: rearm saga %s: %w", instanceID, err)
	}
	return nil
}

type instanceTransition func(*sagalog.SagaInstance, time.Time) ([]events.Event, error)

func (o *Orchestrator) transitionInstance(ctx context.Context, instanceID string, apply instanceTransition) (*sagalog.SagaInstance, error) {
	inst, err := o.store.FindInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	evts, err := apply(inst, o.now())
	if err != nil {
		return nil, err
	}
	if err := o.saveInstance(ctx, inst, evts); err != nil {
		return nil, err
	}
	return inst, nil
}

func (o *Orchestrator) saveInstance(ctx context.Context, inst *sagalog.SagaInstance, evts []events.Event) error {
	if err := o.store.SaveInstance(ctx, inst); err != nil {
		return err
	}
	return o.publish(ctx, evts)
}

func (o *Orchestrator) saveStep(ctx context.Context, step *sagalog.SagaStep, evts []events.Event) error {
	if err := o.store.SaveStep(ctx, step); err != nil {
		return err
	}
	return o.publish(ctx, evts)
}

func (o *Orchestrator) publish(ctx context.Context, evts []events.Event) error {
	if len(evts) == 0 {
		return nil
	}
	if err := o.publisher.Publish(ctx, evts...); err != nil {
		return fmt.Errorf("publish events: %w", err)
	}
	return nil
}

// invoke runs action and turns a panic into an error.
func invoke(ctx context.Context, action func(context.Context) (any, error)) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coordinator: step panicked: %v", r)
		}
	}()
	return action(ctx)
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
