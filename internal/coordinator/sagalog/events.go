package sagalog

import "time"

const (
	EventInstanceStatusChanged = "saga.instance.status_changed"
	EventStepStatusChanged     = "saga.step.status_changed"
	EventStepRetried           = "saga.step.retried"
	EventCompensationApplied   = "saga.compensation.applied"
)

// InstanceStatusChanged is emitted on every instance transition. From is
// empty for the initial PENDING.
type InstanceStatusChanged struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	From       Status    `json:"from,omitempty"`
	To         Status    `json:"to"`
	At         time.Time `json:"at"`
}

func (e InstanceStatusChanged) EventName() string     { return EventInstanceStatusChanged }
func (e InstanceStatusChanged) AggregateID() string   { return e.InstanceID }
func (e InstanceStatusChanged) OccurredAt() time.Time { return e.At }

// StepStatusChanged is emitted on every step transition, listing the fields
// the transition touched.
type StepStatusChanged struct {
	InstanceID    string     `json:"instance_id"`
	StepID        string     `json:"step_id"`
	StepName      string     `json:"step_name"`
	Order         int        `json:"order"`
	From          StepStatus `json:"from,omitempty"`
	To            StepStatus `json:"to"`
	ChangedFields []string   `json:"changed_fields"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	At            time.Time  `json:"at"`
}

func (e StepStatusChanged) EventName() string     { return EventStepStatusChanged }
func (e StepStatusChanged) AggregateID() string   { return e.InstanceID }
func (e StepStatusChanged) OccurredAt() time.Time { return e.At }

// StepRetried is emitted when a failed attempt is retried within budget.
type StepRetried struct {
	InstanceID string    `json:"instance_id"`
	StepID     string    `json:"step_id"`
	StepName   string    `json:"step_name"`
	Order      int       `json:"order"`
	Attempt    int       `json:"attempt"`
	MaxRetries int       `json:"max_retries"`
	Cause      string    `json:"cause"`
	At         time.Time `json:"at"`
}

func (e StepRetried) EventName() string     { return EventStepRetried }
func (e StepRetried) AggregateID() string   { return e.InstanceID }
func (e StepRetried) OccurredAt() time.Time { return e.At }

// CompensationApplied records one compensating action having run. Err is
// empty when it succeeded.
type CompensationApplied struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	Position   int       `json:"position"`
	Err        string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

func (e CompensationApplied) EventName() string     { return EventCompensationApplied }
func (e CompensationApplied) AggregateID() string   { return e.InstanceID }
func (e CompensationApplied) OccurredAt() time.Time { return e.At }

// Failed reports whether the compensation itself failed.
func (e CompensationApplied) Failed() bool { return e.Err != "" }
