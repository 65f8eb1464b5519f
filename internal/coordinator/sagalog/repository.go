package sagalog

import "context"

// InstanceRepository persists saga instances. SaveInstance is an upsert.
type InstanceRepository interface {
	SaveInstance(ctx context.Context, inst *SagaInstance) error
	FindInstance(ctx context.Context, id string) (*SagaInstance, error)
	DeleteInstance(ctx context.Context, id string) error

	// ListInstancesByStatus backs out-of-band inspection, e.g. finding runs
	// stuck in STARTED or RUNNING after a crash.
	ListInstancesByStatus(ctx context.Context, status Status) ([]*SagaInstance, error)
}

// StepRepository persists saga steps. SaveStep is an upsert.
type StepRepository interface {
	SaveStep(ctx context.Context, step *SagaStep) error
	FindStep(ctx context.Context, id string) (*SagaStep, error)
	DeleteStep(ctx context.Context, id string) error

	// ListSteps returns the steps of an instance ordered by Order.
	ListSteps(ctx context.Context, instanceID string) ([]*SagaStep, error)
}

// LogRepository is the append-only audit trail.
type LogRepository interface {
	// Save appends a new entry. Entries are never updated.
	Save(ctx context.Context, entry *SagaLog) error

	// ListLogs returns the entries of an instance in write order.
	ListLogs(ctx context.Context, instanceID string) ([]*SagaLog, error)
}

// Store is everything the orchestrator needs from persistence.
type Store interface {
	InstanceRepository
	StepRepository
	LogRepository
}
