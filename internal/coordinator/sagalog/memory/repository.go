// Package memory provides an in-process sagalog.Store backed by lock-free
// concurrent maps. It is the default store for tests and single-node demos.
package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog"
)

// Repository keeps copies of every record so callers can never mutate what
// is stored behind its back.
type Repository struct {
	instances *xsync.MapOf[string, *sagalog.SagaInstance]
	steps     *xsync.MapOf[string, *sagalog.SagaStep]
	orders    *xsync.MapOf[stepOrder, string]
	logs      *xsync.MapOf[string, []*sagalog.SagaLog]
}

var _ sagalog.Store = (*Repository)(nil)

// stepOrder indexes step ids by (instance, order), mirroring the UNIQUE
// constraint of the SQL stores.
type stepOrder struct {
	instanceID string
	order      int
}

func New() *Repository {
	return &Repository{
		instances: xsync.NewMapOf[string, *sagalog.SagaInstance](),
		steps:     xsync.NewMapOf[string, *sagalog.SagaStep](),
		orders:    xsync.NewMapOf[stepOrder, string](),
		logs:      xsync.NewMapOf[string, []*sagalog.SagaLog](),
	}
}

func (r *Repository) SaveInstance(_ context.Context, inst *sagalog.SagaInstance) error {
	r.instances.Store(inst.ID, inst.Clone())
	return nil
}

func (r *Repository) FindInstance(_ context.Context, id string) (*sagalog.SagaInstance, error) {
	inst, ok := r.instances.Load(id)
	if !ok {
		return nil, fmt.Errorf("memory: instance %q: %w", id, sagalog.ErrNotFound)
	}
	return inst.Clone(), nil
}

func (r *Repository) DeleteInstance(_ context.Context, id string) error {
	if _, ok := r.instances.LoadAndDelete(id); !ok {
		return fmt.Errorf("memory: instance %q: %w", id, sagalog.ErrNotFound)
	}
	return nil
}

func (r *Repository) ListInstancesByStatus(_ context.Context, status sagalog.Status) ([]*sagalog.SagaInstance, error) {
	var out []*sagalog.SagaInstance
	r.instances.Range(func(_ string, inst *sagalog.SagaInstance) bool {
		if inst.Status == status {
			out = append(out, inst.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) SaveStep(_ context.Context, step *sagalog.SagaStep) error {
	key := stepOrder{instanceID: step.SagaInstanceID, order: step.Order}
	if owner, loaded := r.orders.LoadOrStore(key, step.ID); loaded && owner != step.ID {
		return fmt.Errorf("memory: step %q order %d of instance %q taken by %q: %w",
			step.ID, step.Order, step.SagaInstanceID, owner, sagalog.ErrConflict)
	}
	r.steps.Store(step.ID, step.Clone())
	return nil
}

func (r *Repository) FindStep(_ context.Context, id string) (*sagalog.SagaStep, error) {
	st, ok := r.steps.Load(id)
	if !ok {
		return nil, fmt.Errorf("memory: step %q: %w", id, sagalog.ErrNotFound)
	}
	return st.Clone(), nil
}

func (r *Repository) DeleteStep(_ context.Context, id string) error {
	st, ok := r.steps.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("memory: step %q: %w", id, sagalog.ErrNotFound)
	}
	r.orders.Delete(stepOrder{instanceID: st.SagaInstanceID, order: st.Order})
	return nil
}

func (r *Repository) ListSteps(_ context.Context, instanceID string) ([]*sagalog.SagaStep, error) {
	var out []*sagalog.SagaStep
	r.steps.Range(func(_ string, st *sagalog.SagaStep) bool {
		if st.SagaInstanceID == instanceID {
			out = append(out, st.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (r *Repository) Save(_ context.Context, entry *sagalog.SagaLog) error {
	cp := *entry
	r.logs.Compute(entry.SagaInstanceID, func(old []*sagalog.SagaLog, _ bool) ([]*sagalog.SagaLog, bool) {
		next := make([]*sagalog.SagaLog, len(old), len(old)+1)
		copy(next, old)
		return append(next, &cp), false
	})
	return nil
}

func (r *Repository) ListLogs(_ context.Context, instanceID string) ([]*sagalog.SagaLog, error) {
	entries, _ := r.logs.Load(instanceID)
	out := make([]*sagalog.SagaLog, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}
