package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog"
)

// ErrLedgerClosed is returned when a finished saga's ledger is used again.
var ErrLedgerClosed = errors.New("coordinator: ledger closed")

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// Ledger is the compensation handle of one saga run. It is returned by Begin
// and threaded through every Step until Commit or Rollback closes it. It is
// not safe for concurrent use; a saga run is a single flow.
type Ledger struct {
	instanceID string
	sagaName   string
	entries    []compensation
	lastOrder  int
	closed     bool
}

func newLedger(instanceID, sagaName string) *Ledger {
	return &Ledger{instanceID: instanceID, sagaName: sagaName}
}

// InstanceID is the id of the saga instance this ledger belongs to.
func (l *Ledger) InstanceID() string { return l.instanceID }

// Len is the number of registered compensations.
func (l *Ledger) Len() int { return len(l.entries) }

// Closed reports whether Commit or Rollback has finished the ledger.
func (l *Ledger) Closed() bool { return l.closed }

// Register appends a compensating action. Compensations run in reverse
// registration order.
func (l *Ledger) Register(name string, fn func(ctx context.Context) error) error {
	if l.closed {
		return fmt.Errorf("%w: cannot register %q", ErrLedgerClosed, name)
	}
	l.entries = append(l.entries, compensation{name: name, fn: fn})
	return nil
}

func (l *Ledger) nextOrder() int {
	l.lastOrder++
	return l.lastOrder
}

// compensate runs every entry newest first. A failing or panicking entry is
// reported and the rest still run.
func (l *Ledger) compensate(ctx context.Context, report func(name string, position int, err error)) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		c := l.entries[i]
		report(c.name, len(l.entries)-i, runCompensation(ctx, c.fn))
	}
}

func (l *Ledger) close() {
	l.entries = nil
	l.closed = true
}

func runCompensation(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Begin creates a saga instance and returns its ledger.
func (o *Orchestrator) Begin(ctx context.Context, name string) (*Ledger, error) {
	id, err := o.CreateSagaInstance(ctx, name)
	if err != nil {
		return nil, err
	}
	return newLedger(id, name), nil
}

// Step executes spec within the ledger's saga. A zero spec.Order is filled
// from the ledger's running counter; an explicit one must exceed every order
// already used.
func (o *Orchestrator) Step(ctx context.Context, l *Ledger, spec StepSpec) (any, error) {
	if l.closed {
		return nil, fmt.Errorf("%w: cannot run step %q", ErrLedgerClosed, spec.Name)
	}
	switch {
	case spec.Order == 0:
		spec.Order = l.nextOrder()
	case spec.Order <= l.lastOrder:
		return nil, fmt.Errorf("%w: step %q order %d after order %d",
			sagalog.ErrInvalidTransition, spec.Name, spec.Order, l.lastOrder)
	default:
		l.lastOrder = spec.Order
	}
	return o.ExecuteStep(ctx, l.instanceID, spec)
}

// RunStep is Step with a typed result.
func RunStep[R any](ctx context.Context, o *Orchestrator, l *Ledger, name string, payload any, action func(context.Context) (R, error)) (R, error) {
	var zero R
	res, err := o.Step(ctx, l, StepSpec{
		Name:    name,
		Payload: payload,
		Action: func(ctx context.Context) (any, error) {
			return action(ctx)
		},
	})
	if err != nil {
		return zero, err
	}
	typed, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("coordinator: step %q returned %T", name, res)
	}
	return typed, nil
}

// Commit completes the saga and closes the ledger. On error the ledger stays
// open so the caller can still Rollback.
func (o *Orchestrator) Commit(ctx context.Context, l *Ledger) error {
	if l.closed {
		return ErrLedgerClosed
	}
	if err := o.CompleteSagaInstance(ctx, l.instanceID); err != nil {
		return err
	}
	l.close()
	return nil
}

// Rollback fails the saga, runs the ledger's compensations newest first and
// closes it. It always returns cause: problems met while rolling back are
// logged and written to the audit trail, never returned.
func (o *Orchestrator) Rollback(ctx context.Context, l *Ledger, cause error) error {
	if l.closed {
		return cause
	}
	defer l.close()

	// Compensations must run even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	ctx, span := o.tracer.Start(ctx, "saga.rollback "+l.sagaName)
	defer span.End()

	// Commit may have stored COMPLETED before its publish failed.
	if inst, err := o.store.FindInstance(ctx, l.instanceID); err == nil && inst.Terminal() {
		o.logger.ErrorContext(ctx, "saga already finished, compensation skipped",
			"saga_id", l.instanceID, "status", inst.Status, "cause", cause)
		return cause
	}

	final := sagalog.StatusFailed
	if err := o.FailSagaInstance(ctx, l.instanceID); err != nil {
		o.logger.ErrorContext(ctx, "mark saga failed", "saga_id", l.instanceID, "error", err)
	}

	if l.Len() > 0 {
		if _, err := o.transitionInstance(ctx, l.instanceID, (*sagalog.SagaInstance).BeginCompensation); err != nil {
			o.logger.ErrorContext(ctx, "mark saga compensating", "saga_id", l.instanceID, "error", err)
		}

		l.compensate(ctx, func(name string, position int, err error) {
			o.recorder.CompensationFinished(l.sagaName, name, err)
			evt := sagalog.CompensationApplied{InstanceID: l.instanceID, Name: name, Position: position, At: o.now()}
			if err != nil {
				evt.Err = err.Error()
				o.logger.ErrorContext(ctx, "CRITICAL: failed to compensate step",
					"saga_id", l.instanceID, "compensation", name, "error", err)
			} else {
				o.logger.InfoContext(ctx, "compensated step", "saga_id", l.instanceID, "compensation", name)
			}
			if perr := o.publisher.Publish(ctx, evt); perr != nil {
				o.logger.ErrorContext(ctx, "record compensation", "saga_id", l.instanceID, "error", perr)
			}
		})

		if _, err := o.transitionInstance(ctx, l.instanceID, (*sagalog.SagaInstance).MarkCompensated); err != nil {
			o.logger.ErrorContext(ctx, "mark saga compensated", "saga_id", l.instanceID, "error", err)
		} else {
			final = sagalog.StatusCompensated
		}
	}

	o.recorder.SagaFinished(l.sagaName, final)
	return cause
}
