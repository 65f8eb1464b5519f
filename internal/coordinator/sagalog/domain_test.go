package sagalog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func TestInstance_HappyPathDates(t *testing.T) {
	inst, evts := NewSagaInstance("saga-1", "registration", t0)
	require.Len(t, evts, 1)
	assert.Equal(t, StatusPending, inst.Status)
	assert.Nil(t, inst.StartDate)
	assert.Nil(t, inst.EndDate)

	_, err := inst.Start(at(1))
	require.NoError(t, err)
	require.NotNil(t, inst.StartDate)
	assert.True(t, at(1).Equal(*inst.StartDate))
	assert.Nil(t, inst.EndDate)

	_, err = inst.Run(at(2))
	require.NoError(t, err)
	assert.True(t, at(1).Equal(*inst.StartDate), "RUNNING keeps the start date")

	evts, err = inst.Complete(at(3))
	require.NoError(t, err)
	require.NotNil(t, inst.EndDate)
	assert.True(t, at(3).Equal(*inst.EndDate))
	assert.True(t, at(3).Equal(inst.UpdatedAt))
	assert.True(t, inst.Terminal())

	require.Len(t, evts, 1)
	changed := evts[0].(InstanceStatusChanged)
	assert.Equal(t, StatusRunning, changed.From)
	assert.Equal(t, StatusCompleted, changed.To)
}

func TestInstance_FailureAndCompensationPath(t *testing.T) {
	inst, _ := NewSagaInstance("saga-1", "registration", t0)
	_, err := inst.Start(at(1))
	require.NoError(t, err)

	_, err = inst.Fail(at(2))
	require.NoError(t, err)
	assert.True(t, at(2).Equal(*inst.EndDate))

	_, err = inst.BeginCompensation(at(3))
	require.NoError(t, err)
	assert.Equal(t, StatusCompensating, inst.Status)

	_, err = inst.MarkCompensated(at(4))
	require.NoError(t, err)
	assert.True(t, at(4).Equal(*inst.EndDate))
	assert.True(t, inst.Terminal())
}

func TestInstance_IllegalTransitions(t *testing.T) {
	inst, _ := NewSagaInstance("saga-1", "registration", t0)

	_, err := inst.Complete(at(1))
	assert.ErrorIs(t, err, ErrInvalidTransition, "PENDING cannot complete")

	_, err = inst.BeginCompensation(at(1))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = inst.Start(at(1))
	require.NoError(t, err)
	_, err = inst.Complete(at(2))
	require.NoError(t, err)

	_, err = inst.Fail(at(3))
	assert.ErrorIs(t, err, ErrInvalidTransition, "COMPLETED is terminal")
	assert.Equal(t, StatusCompleted, inst.Status)
}

func TestInstance_RearmClearsDates(t *testing.T) {
	inst, _ := NewSagaInstance("saga-1", "registration", t0)
	_, err := inst.Rearm(at(1))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _ = inst.Start(at(1))
	_, _ = inst.Fail(at(2))

	evts, err := inst.Rearm(at(3))
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, StatusPending, inst.Status)
	assert.Nil(t, inst.StartDate)
	assert.Nil(t, inst.EndDate)

	_, err = inst.Start(at(4))
	require.NoError(t, err)
}

func TestStep_CompleteRecordsResult(t *testing.T) {
	st, evts := NewSagaStep("step-1", "saga-1", "create_user", 1, json.RawMessage(`{"email":"a@b.c"}`), 0, t0)
	require.Len(t, evts, 1)
	assert.Equal(t, StepPending, st.Status)

	_, err := st.Start(at(1))
	require.NoError(t, err)
	_, err = st.Run(at(2))
	require.NoError(t, err)

	evts, err = st.Complete(json.RawMessage(`{"id":"u1"}`), at(3))
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, st.Status)
	assert.JSONEq(t, `{"id":"u1"}`, string(st.Result))
	assert.Empty(t, st.ErrorMessage)
	assert.True(t, at(3).Equal(*st.EndDate))

	changed := evts[0].(StepStatusChanged)
	assert.Equal(t, StepRunning, changed.From)
	assert.Equal(t, []string{"status", "result", "endDate", "updatedAt"}, changed.ChangedFields)
}

func TestStep_FailIsTerminal(t *testing.T) {
	st, _ := NewSagaStep("step-1", "saga-1", "create_auth", 2, nil, 0, t0)
	_, err := st.Start(at(1))
	require.NoError(t, err)

	_, err = st.Fail("auth store unavailable", at(2))
	require.NoError(t, err)
	assert.Equal(t, "auth store unavailable", st.ErrorMessage)
	assert.Nil(t, st.Result)

	_, err = st.Complete(json.RawMessage(`{}`), at(3))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = st.Start(at(3))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStep_RetryBudget(t *testing.T) {
	st, _ := NewSagaStep("step-1", "saga-1", "create_user", 1, nil, 2, t0)

	_, err := st.RecordRetry("boom", at(1))
	assert.ErrorIs(t, err, ErrInvalidTransition, "PENDING steps do not retry")

	_, _ = st.Start(at(1))
	for i := 1; i <= 2; i++ {
		require.True(t, st.CanRetry())
		evts, err := st.RecordRetry("boom", at(1+i))
		require.NoError(t, err)
		assert.Equal(t, i, evts[0].(StepRetried).Attempt)
	}
	assert.Equal(t, 2, st.RetryCount)
	assert.False(t, st.CanRetry())

	_, err = st.RecordRetry("boom", at(5))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StepStarted, st.Status)
}

func TestSeverityTables(t *testing.T) {
	instanceCases := map[Status]LogType{
		StatusPending:      LogInfo,
		StatusStarted:      LogDebug,
		StatusRunning:      LogDebug,
		StatusCompleted:    LogInfo,
		StatusFailed:       LogError,
		StatusCompensating: LogError,
		StatusCompensated:  LogInfo,
		Status("BOGUS"):    LogWarning,
	}
	for status, want := range instanceCases {
		assert.Equal(t, want, InstanceSeverity(status), "instance %s", status)
	}

	stepCases := map[StepStatus]LogType{
		StepPending:         LogInfo,
		StepStarted:         LogDebug,
		StepRunning:         LogDebug,
		StepCompleted:       LogInfo,
		StepFailed:          LogError,
		StepStatus("BOGUS"): LogWarning,
	}
	for status, want := range stepCases {
		assert.Equal(t, want, StepSeverity(status), "step %s", status)
	}
}

func TestStepMessage_ListsChangedFields(t *testing.T) {
	msg := stepMessage(StepStatusChanged{
		StepName:      "create_auth",
		Order:         2,
		To:            StepFailed,
		ChangedFields: []string{"status", "errorMessage"},
		ErrorMessage:  "duplicate email",
	})
	assert.Equal(t, `step "create_auth" (#2) is FAILED, changed: status,errorMessage: duplicate email`, msg)
}
