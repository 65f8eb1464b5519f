// Package sagalog defines the persisted records of a saga run.
//
// Three aggregates make up the durable trail:
//
//  1. SagaInstance is one run of a named saga and its lifecycle status.
//
//  2. SagaStep is one unit of work inside a run: its execution window,
//     outcome, and a JSON snapshot of what went in and what came out.
//
//  3. SagaLog is an append-only audit entry written for every transition of
//     the other two, tagged with a severity and the trace it happened under.
//
// Mutators never write anything themselves. They validate the transition,
// update the struct and return the domain events describing what changed.
package sagalog

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jcmexdev/tenant-sagas/internal/pkg/events"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusStarted      Status = "STARTED"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
)

// Valid reports whether s is one of the known instance statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStarted, StatusRunning, StatusCompleted,
		StatusFailed, StatusCompensating, StatusCompensated:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepStarted   StepStatus = "STARTED"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// LogType is the severity of a SagaLog entry.
type LogType string

const (
	LogDebug   LogType = "DEBUG"
	LogInfo    LogType = "INFO"
	LogWarning LogType = "WARNING"
	LogError   LogType = "ERROR"
)

var instanceTransitions = map[Status][]Status{
	StatusPending:      {StatusStarted},
	StatusStarted:      {StatusRunning, StatusCompleted, StatusFailed},
	StatusRunning:      {StatusCompleted, StatusFailed},
	StatusFailed:       {StatusCompensating},
	StatusCompensating: {StatusCompensated},
}

var stepTransitions = map[StepStatus][]StepStatus{
	StepPending: {StepStarted},
	StepStarted: {StepRunning, StepCompleted, StepFailed},
	StepRunning: {StepCompleted, StepFailed},
}

// SagaInstance is one execution of a named saga.
type SagaInstance struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewSagaInstance returns a PENDING instance.
func NewSagaInstance(id, name string, now time.Time) (*SagaInstance, []events.Event) {
	inst := &SagaInstance{
		ID:        id,
		Name:      name,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return inst, []events.Event{InstanceStatusChanged{
		InstanceID: id,
		Name:       name,
		To:         StatusPending,
		At:         now,
	}}
}

// Start moves PENDING to STARTED and stamps StartDate.
func (s *SagaInstance) Start(now time.Time) ([]events.Event, error) {
	return s.transition(StatusStarted, now)
}

// Run marks the instance as actively executing steps.
func (s *SagaInstance) Run(now time.Time) ([]events.Event, error) {
	return s.transition(StatusRunning, now)
}

// Complete stamps EndDate and ends the run successfully.
func (s *SagaInstance) Complete(now time.Time) ([]events.Event, error) {
	return s.transition(StatusCompleted, now)
}

// Fail stamps EndDate and marks the run as failed.
func (s *SagaInstance) Fail(now time.Time) ([]events.Event, error) {
	return s.transition(StatusFailed, now)
}

// BeginCompensation marks a failed run as rolling back.
func (s *SagaInstance) BeginCompensation(now time.Time) ([]events.Event, error) {
	return s.transition(StatusCompensating, now)
}

// MarkCompensated stamps EndDate once every compensation has been attempted.
func (s *SagaInstance) MarkCompensated(now time.Time) ([]events.Event, error) {
	return s.transition(StatusCompensated, now)
}

// Rearm puts the instance back to PENDING and clears both dates.
func (s *SagaInstance) Rearm(now time.Time) ([]events.Event, error) {
	if s.Status == StatusPending {
		return nil, fmt.Errorf("%w: instance %s is already %s", ErrInvalidTransition, s.ID, s.Status)
	}
	from := s.Status
	s.Status = StatusPending
	s.StartDate = nil
	s.EndDate = nil
	s.UpdatedAt = now
	return []events.Event{InstanceStatusChanged{InstanceID: s.ID, Name: s.Name, From: from, To: StatusPending, At: now}}, nil
}

// Terminal reports whether no further forward transition is possible.
func (s *SagaInstance) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusCompensated
}

func (s *SagaInstance) transition(to Status, now time.Time) ([]events.Event, error) {
	if !slices.Contains(instanceTransitions[s.Status], to) {
		return nil, fmt.Errorf("%w: instance %s %s -> %s", ErrInvalidTransition, s.ID, s.Status, to)
	}
	from := s.Status
	s.Status = to
	s.UpdatedAt = now
	switch to {
	case StatusStarted:
		s.StartDate = timePtr(now)
	case StatusCompleted, StatusFailed, StatusCompensated:
		s.EndDate = timePtr(now)
	}
	return []events.Event{InstanceStatusChanged{InstanceID: s.ID, Name: s.Name, From: from, To: to, At: now}}, nil
}

// Clone returns a deep copy.
func (s *SagaInstance) Clone() *SagaInstance {
	c := *s
	c.StartDate = copyTime(s.StartDate)
	c.EndDate = copyTime(s.EndDate)
	return &c
}

// SagaStep is one unit of work within a saga instance.
type SagaStep struct {
	ID             string          `json:"id"`
	SagaInstanceID string          `json:"saga_instance_id"`
	Name           string          `json:"name"`
	Order          int             `json:"order"`
	Status         StepStatus      `json:"status"`
	StartDate      *time.Time      `json:"start_date,omitempty"`
	EndDate        *time.Time      `json:"end_date,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewSagaStep returns a PENDING step.
func NewSagaStep(id, instanceID, name string, order int, payload json.RawMessage, maxRetries int, now time.Time) (*SagaStep, []events.Event) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	st := &SagaStep{
		ID:             id,
		SagaInstanceID: instanceID,
		Name:           name,
		Order:          order,
		Status:         StepPending,
		MaxRetries:     maxRetries,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return st, []events.Event{st.changed("", []string{"status", "payload"}, now)}
}

// Start moves PENDING to STARTED and stamps StartDate.
func (s *SagaStep) Start(now time.Time) ([]events.Event, error) {
	from, err := s.transition(StepStarted, now)
	if err != nil {
		return nil, err
	}
	s.StartDate = timePtr(now)
	return []events.Event{s.changed(from, []string{"status", "startDate", "updatedAt"}, now)}, nil
}

// Run marks the step's action as in flight.
func (s *SagaStep) Run(now time.Time) ([]events.Event, error) {
	from, err := s.transition(StepRunning, now)
	if err != nil {
		return nil, err
	}
	return []events.Event{s.changed(from, []string{"status", "updatedAt"}, now)}, nil
}

// Complete records the result snapshot and stamps EndDate.
func (s *SagaStep) Complete(result json.RawMessage, now time.Time) ([]events.Event, error) {
	from, err := s.transition(StepCompleted, now)
	if err != nil {
		return nil, err
	}
	s.Result = result
	s.EndDate = timePtr(now)
	return []events.Event{s.changed(from, []string{"status", "result", "endDate", "updatedAt"}, now)}, nil
}

// Fail records the failure reason and stamps EndDate.
func (s *SagaStep) Fail(reason string, now time.Time) ([]events.Event, error) {
	from, err := s.transition(StepFailed, now)
	if err != nil {
		return nil, err
	}
	s.ErrorMessage = reason
	s.EndDate = timePtr(now)
	return []events.Event{s.changed(from, []string{"status", "errorMessage", "endDate", "updatedAt"}, now)}, nil
}

// RecordRetry counts one more attempt of an in-flight step. It refuses once
// RetryCount has reached MaxRetries.
func (s *SagaStep) RecordRetry(cause string, now time.Time) ([]events.Event, error) {
	if s.Status != StepStarted && s.Status != StepRunning {
		return nil, fmt.Errorf("%w: step %s cannot retry from %s", ErrInvalidTransition, s.ID, s.Status)
	}
	if s.RetryCount >= s.MaxRetries {
		return nil, fmt.Errorf("%w: step %s used %d of %d", ErrRetriesExhausted, s.ID, s.RetryCount, s.MaxRetries)
	}
	s.RetryCount++
	s.UpdatedAt = now
	return []events.Event{StepRetried{
		InstanceID: s.SagaInstanceID,
		StepID:     s.ID,
		StepName:   s.Name,
		Order:      s.Order,
		Attempt:    s.RetryCount,
		MaxRetries: s.MaxRetries,
		Cause:      cause,
		At:         now,
	}}, nil
}

// CanRetry reports whether another attempt is within budget.
func (s *SagaStep) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}

func (s *SagaStep) transition(to StepStatus, now time.Time) (StepStatus, error) {
	if !slices.Contains(stepTransitions[s.Status], to) {
		return "", fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, s.ID, s.Status, to)
	}
	from := s.Status
	s.Status = to
	s.UpdatedAt = now
	return from, nil
}

func (s *SagaStep) changed(from StepStatus, fields []string, now time.Time) StepStatusChanged {
	return StepStatusChanged{
		InstanceID:    s.SagaInstanceID,
		StepID:        s.ID,
		StepName:      s.Name,
		Order:         s.Order,
		From:          from,
		To:            s.Status,
		ChangedFields: fields,
		ErrorMessage:  s.ErrorMessage,
		At:            now,
	}
}

// Clone returns a deep copy.
func (s *SagaStep) Clone() *SagaStep {
	c := *s
	c.StartDate = copyTime(s.StartDate)
	c.EndDate = copyTime(s.EndDate)
	c.Payload = append(json.RawMessage(nil), s.Payload...)
	c.Result = append(json.RawMessage(nil), s.Result...)
	return &c
}

// SagaLog is one immutable audit entry.
type SagaLog struct {
	ID             string `json:"id"`
	SagaInstanceID string `json:"saga_instance_id"`

	// SagaStepID equals SagaInstanceID for instance-level entries.
	SagaStepID string  `json:"saga_step_id"`
	Type       LogType `json:"type"`
	Message    string  `json:"message"`

	// TraceID and SpanID tie the entry to the distributed trace that was
	// active when it was written. Empty when no span was recording.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InstanceLevel reports whether the entry belongs to the instance itself
// rather than one of its steps.
func (l *SagaLog) InstanceLevel() bool {
	return l.SagaStepID == l.SagaInstanceID
}

func timePtr(t time.Time) *time.Time { return &t }

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
