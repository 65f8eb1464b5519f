package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jcmexdev/tenant-sagas/internal/identity"
)

// RegistrationSagaName is the instance name of every registration run.
const RegistrationSagaName = "tenant_registration"

// RegistrationInput is what a new account needs. At most one of TenantName
// (create a tenant and own it) and TenantID (join an existing tenant) is set.
type RegistrationInput struct {
	Email       string
	Password    string
	DisplayName string
	TenantName  string
	TenantID    string
}

func (in RegistrationInput) Validate() error {
	switch {
	case strings.TrimSpace(in.Email) == "":
		return fmt.Errorf("%w: email is required", identity.ErrInvalidArgument)
	case in.Password == "":
		return fmt.Errorf("%w: password is required", identity.ErrInvalidArgument)
	case strings.TrimSpace(in.DisplayName) == "":
		return fmt.Errorf("%w: display name is required", identity.ErrInvalidArgument)
	case in.TenantName != "" && in.TenantID != "":
		return fmt.Errorf("%w: tenant name and tenant id are mutually exclusive", identity.ErrInvalidArgument)
	}
	return nil
}

// RegistrationResult carries the ids created by a run. SagaID is set even
// when the run fails so the audit trail can be looked up.
type RegistrationResult struct {
	SagaID   string `json:"saga_id"`
	UserID   string `json:"user_id,omitempty"`
	AuthID   string `json:"auth_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	MemberID string `json:"member_id,omitempty"`
}

// RegistrationSaga creates a user, its auth record and optionally a tenant
// and membership, undoing everything it did if any step fails.
type RegistrationSaga struct {
	orchestrator *Orchestrator
	dispatcher   identity.Dispatcher
	logger       *slog.Logger
}

func NewRegistrationSaga(o *Orchestrator, d identity.Dispatcher, logger *slog.Logger) *RegistrationSaga {
	return &RegistrationSaga{orchestrator: o, dispatcher: d, logger: logger}
}

// Run executes the saga synchronously. On failure the returned error is the
// failing step's own error, after compensation has finished.
func (s *RegistrationSaga) Run(ctx context.Context, in RegistrationInput) (*RegistrationResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	ctx, span := s.orchestrator.tracer.Start(ctx, "saga "+RegistrationSagaName)
	defer span.End()

	ledger, err := s.orchestrator.Begin(ctx, RegistrationSagaName)
	if err != nil {
		return nil, err
	}
	res := &RegistrationResult{SagaID: ledger.InstanceID()}
	span.SetAttributes(attribute.String("saga.instance_id", res.SagaID))

	if err := s.run(ctx, ledger, in, res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WarnContext(ctx, "registration failed, rolled back", "saga_id", res.SagaID, "error", err)
		return res, s.orchestrator.Rollback(ctx, ledger, err)
	}

	if err := s.orchestrator.Commit(ctx, ledger); err != nil {
		return res, s.orchestrator.Rollback(ctx, ledger, err)
	}

	s.logger.InfoContext(ctx, "registration completed", "saga_id", res.SagaID, "user_id", res.UserID, "tenant_id", res.TenantID)
	return res, nil
}

func (s *RegistrationSaga) run(ctx context.Context, l *Ledger, in RegistrationInput, res *RegistrationResult) error {
	o, d := s.orchestrator, s.dispatcher

	user, err := RunStep(ctx, o, l, StepCreateUser,
		map[string]string{"email": in.Email, "display_name": in.DisplayName},
		createUserStep(d, in))
	if err != nil {
		return err
	}
	res.UserID = user.ID
	if err := l.Register(CompDeleteUser, undo(d, identity.DeleteUser{UserID: user.ID})); err != nil {
		return err
	}

	// The password never reaches the step payload.
	auth, err := RunStep(ctx, o, l, StepCreateAuth,
		map[string]string{"user_id": user.ID, "email": in.Email},
		createAuthStep(d, user.ID, in))
	if err != nil {
		return err
	}
	res.AuthID = auth.ID
	if err := l.Register(CompDeleteAuth, undo(d, identity.DeleteAuth{AuthID: auth.ID})); err != nil {
		return err
	}

	tenantID, role := in.TenantID, identity.RoleMember
	if in.TenantName != "" {
		tenant, err := RunStep(ctx, o, l, StepCreateTenant,
			map[string]string{"name": in.TenantName, "owner_id": user.ID},
			createTenantStep(d, user.ID, in.TenantName))
		if err != nil {
			return err
		}
		res.TenantID = tenant.ID
		if err := l.Register(CompDeleteTenant, undo(d, identity.DeleteTenant{TenantID: tenant.ID})); err != nil {
			return err
		}
		tenantID, role = tenant.ID, identity.RoleOwner
	}

	if tenantID == "" {
		return nil
	}

	cmd := identity.AddTenantMember{TenantID: tenantID, UserID: user.ID, Role: role}
	member, err := RunStep(ctx, o, l, StepAddTenantMember, cmd, addMemberStep(d, cmd))
	if err != nil {
		return err
	}
	res.TenantID = tenantID
	res.MemberID = member.ID
	return l.Register(CompRemoveTenantMember, undo(d, identity.RemoveTenantMember{MemberID: member.ID}))
}
