package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog/memory"
	"github.com/jcmexdev/tenant-sagas/internal/pkg/events"
)

type fixture struct {
	orch     *Orchestrator
	store    *memory.Repository
	recorded *events.Recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.New()
	rec := &events.Recorder{}
	bus := events.NewBus(sagalog.NewAuditHandler(store), rec)

	var seq atomic.Int64
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	defaults := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }),
		WithClock(func() time.Time { return base.Add(time.Duration(seq.Load()) * time.Millisecond) }),
	}
	return &fixture{
		orch:     NewOrchestrator(store, bus, append(defaults, opts...)...),
		store:    store,
		recorded: rec,
	}
}

func ok(v any) func(context.Context) (any, error) {
	return func(context.Context) (any, error) { return v, nil }
}

func fail(err error) func(context.Context) (any, error) {
	return func(context.Context) (any, error) { return nil, err }
}

func TestCreateSagaInstance_StartsAndStamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.CreateSagaInstance(ctx, "demo")
	require.NoError(t, err)

	inst, err := f.store.FindInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusStarted, inst.Status)
	assert.NotNil(t, inst.StartDate)
	assert.Nil(t, inst.EndDate)

	logs, err := f.store.ListLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, sagalog.LogInfo, logs[0].Type)
	assert.Equal(t, sagalog.LogDebug, logs[1].Type)
}

func TestExecuteStep_AllSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.CreateSagaInstance(ctx, "demo")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		res, err := f.orch.ExecuteStep(ctx, id, StepSpec{
			Name:    fmt.Sprintf("step-%d", i),
			Order:   i,
			Payload: map[string]int{"n": i},
			Action:  ok(map[string]int{"out": i * 10}),
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"out": i * 10}, res)
	}
	require.NoError(t, f.orch.CompleteSagaInstance(ctx, id))

	inst, err := f.store.FindInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusCompleted, inst.Status)
	assert.NotNil(t, inst.EndDate)

	steps, err := f.store.ListSteps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, st := range steps {
		assert.Equal(t, i+1, st.Order)
		assert.Equal(t, sagalog.StepCompleted, st.Status)
		assert.Empty(t, st.ErrorMessage)
		assert.JSONEq(t, fmt.Sprintf(`{"out":%d}`, (i+1)*10), string(st.Result))
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i+1), string(st.Payload))
	}
}

func TestExecuteStep_FailureReturnsOriginalError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("auth store unavailable")

	id, err := f.orch.CreateSagaInstance(ctx, "demo")
	require.NoError(t, err)

	_, err = f.orch.ExecuteStep(ctx, id, StepSpec{Name: "one", Order: 1, Action: ok("fine")})
	require.NoError(t, err)

	_, err = f.orch.ExecuteStep(ctx, id, StepSpec{Name: "two", Order: 2, Action: fail(boom)})
	assert.Same(t, boom, err)

	steps, err := f.store.ListSteps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, sagalog.StepCompleted, steps[0].Status)
	assert.Equal(t, sagalog.StepFailed, steps[1].Status)
	assert.Equal(t, "auth store unavailable", steps[1].ErrorMessage)
	assert.Nil(t, steps[1].Result)

	// ExecuteStep never touches the instance's outcome by itself
	inst, err := f.store.FindInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusRunning, inst.Status)
}

func TestExecuteStep_RetriesWithinBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.CreateSagaInstance(ctx, "demo")
	require.NoError(t, err)

	calls := 0
	res, err := f.orch.ExecuteStep(ctx, id, StepSpec{
		Name:       "flaky",
		Order:      1,
		MaxRetries: 2,
		Action: func(context.Context) (any, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("transient")
			}
			return "done", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res)
	assert.Equal(t, 3, calls)

	steps, err := f.store.ListSteps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, sagalog.StepCompleted, steps[0].Status)
	assert.Equal(t, 2, steps[0].RetryCount)

	var warnings int
	logs, _ := f.store.ListLogs(ctx, id)
	for _, l := range logs {
		if l.Type == sagalog.LogWarning {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestExecuteStep_RetryBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.orch.CreateSagaInstance(ctx, "demo")
	require.NoError(t, err)

	calls := 0
	_, err = f.orch.ExecuteStep(ctx, id, StepSpec{
		Name:       "broken",
		Order:      1,
		MaxRetries: 1,
		Action: func(context.Context) (any, error) {
			calls++
			return nil, fmt.Errorf("attempt %d", calls)
		},
	})
	require.EqualError(t, err, "attempt 2")
	assert.Equal(t, 2, calls)

	steps, _ := f.store.ListSteps(ctx, id)
	require.Len(t, steps, 1)
	assert.Equal(t, sagalog.StepFailed, steps[0].Status)
	assert.Equal(t, 1, steps[0].RetryCount)
}

func TestExecuteStep_DefaultIsSingleAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.orch.CreateSagaInstance(ctx, "demo")

	calls := 0
	_, err := f.orch.ExecuteStep(ctx, id, StepSpec{Name: "once", Order: 1, Action: func(context.Context) (any, error) {
		calls++
		return nil, errors.New("no")
	}})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteStep_PanicBecomesFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.orch.CreateSagaInstance(ctx, "demo")

	_, err := f.orch.ExecuteStep(ctx, id, StepSpec{Name: "wild", Order: 1, Action: func(context.Context) (any, error) {
		panic("nil map")
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")

	steps, _ := f.store.ListSteps(ctx, id)
	require.Len(t, steps, 1)
	assert.Equal(t, sagalog.StepFailed, steps[0].Status)
}

func TestExecuteStep_UnknownInstance(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.ExecuteStep(context.Background(), "missing", StepSpec{Name: "x", Order: 1, Action: ok(nil)})
	assert.ErrorIs(t, err, sagalog.ErrNotFound)

	assert.ErrorIs(t, f.orch.CompleteSagaInstance(context.Background(), "missing"), sagalog.ErrNotFound)
	assert.ErrorIs(t, f.orch.FailSagaInstance(context.Background(), "missing"), sagalog.ErrNotFound)
}

func TestExecuteStep_RefusedOnFinishedInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.orch.CreateSagaInstance(ctx, "demo")
	require.NoError(t, f.orch.CompleteSagaInstance(ctx, id))

	_, err := f.orch.ExecuteStep(ctx, id, StepSpec{Name: "late", Order: 1, Action: ok(nil)})
	assert.ErrorIs(t, err, sagalog.ErrInvalidTransition)
}

func TestFailSagaInstance_StampsEndDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.orch.CreateSagaInstance(ctx, "demo")

	require.NoError(t, f.orch.FailSagaInstance(ctx, id))
	inst, _ := f.store.FindInstance(ctx, id)
	assert.Equal(t, sagalog.StatusFailed, inst.Status)
	assert.NotNil(t, inst.EndDate)

	logs, _ := f.store.ListLogs(ctx, id)
	last := logs[len(logs)-1]
	assert.Equal(t, sagalog.LogError, last.Type)
	assert.True(t, last.InstanceLevel())
}

func TestRearmSagaInstance_ClearsDates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.orch.CreateSagaInstance(ctx, "demo")
	require.NoError(t, f.orch.FailSagaInstance(ctx, id))

	require.NoError(t, f.orch.RearmSagaInstance(ctx, id))
	inst, _ := f.store.FindInstance(ctx, id)
	assert.Equal(t, sagalog.StatusPending, inst.Status)
	assert.Nil(t, inst.StartDate)
	assert.Nil(t, inst.EndDate)
}

type failingStore struct {
	*memory.Repository
	failStepSaves      bool
	failCompletedSaves bool
}

func (s *failingStore) SaveStep(ctx context.Context, st *sagalog.SagaStep) error {
	if s.failStepSaves || (s.failCompletedSaves && st.Status == sagalog.StepCompleted) {
		return errors.New("disk full")
	}
	return s.Repository.SaveStep(ctx, st)
}

func TestExecuteStep_PersistenceErrorPropagates(t *testing.T) {
	store := &failingStore{Repository: memory.New()}
	orch := NewOrchestrator(store, events.NewBus(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx := context.Background()

	id, err := orch.CreateSagaInstance(ctx, "demo")
	require.NoError(t, err)

	store.failStepSaves = true
	called := false
	_, err = orch.ExecuteStep(ctx, id, StepSpec{Name: "x", Order: 1, Action: func(context.Context) (any, error) {
		called = true
		return nil, nil
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, called, "action must not run when the step could not be recorded")
}

func TestExecuteStep_CompletionPersistFailureMarksSpan(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := &failingStore{Repository: memory.New(), failCompletedSaves: true}
	orch := NewOrchestrator(store, events.NewBus(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTracer(tp.Tracer("test")))
	ctx := context.Background()

	id, err := orch.CreateSagaInstance(ctx, "demo")
	require.NoError(t, err)
	_, err = orch.ExecuteStep(ctx, id, StepSpec{Name: "x", Order: 1, Action: ok("done")})
	require.ErrorContains(t, err, "disk full")

	var found bool
	for _, s := range spans.Ended() {
		if s.Name() == "saga.step x" {
			found = true
			assert.Equal(t, codes.Error, s.Status().Code)
			assert.NotEmpty(t, s.Events(), "error event recorded")
		}
	}
	assert.True(t, found)
}

func TestExecuteStep_RejectsNonIncreasingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.orch.CreateSagaInstance(ctx, "demo")

	_, err := f.orch.ExecuteStep(ctx, id, StepSpec{Name: "a", Order: 2, Action: ok("a")})
	require.NoError(t, err)

	calls := 0
	for _, order := range []int{2, 1, 0} {
		_, err := f.orch.ExecuteStep(ctx, id, StepSpec{Name: "b", Order: order, Action: func(context.Context) (any, error) {
			calls++
			return nil, nil
		}})
		assert.ErrorIs(t, err, sagalog.ErrInvalidTransition, "order %d", order)
	}
	assert.Zero(t, calls)

	steps, _ := f.store.ListSteps(ctx, id)
	require.Len(t, steps, 1)
	assert.Equal(t, "a", steps[0].Name)
}
