package coordinator

import (
	"context"
	"fmt"

	"github.com/jcmexdev/tenant-sagas/internal/identity"
)

// Step names of the registration saga. They double as the step records'
// names and the compensation names in the audit trail.
const (
	StepCreateUser         = "create_user"
	StepCreateAuth         = "create_auth"
	StepCreateTenant       = "create_tenant"
	StepAddTenantMember    = "add_tenant_member"
	CompDeleteUser         = "delete_user"
	CompDeleteAuth         = "delete_auth"
	CompDeleteTenant       = "delete_tenant"
	CompRemoveTenantMember = "remove_tenant_member"
)

// dispatch sends cmd and asserts the result type.
func dispatch[R any](ctx context.Context, d identity.Dispatcher, cmd identity.Command) (R, error) {
	var zero R
	res, err := d.Execute(ctx, cmd)
	if err != nil {
		return zero, err
	}
	typed, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("coordinator: %s returned %T", cmd.CommandName(), res)
	}
	return typed, nil
}

func createUserStep(d identity.Dispatcher, in RegistrationInput) func(context.Context) (*identity.User, error) {
	return func(ctx context.Context) (*identity.User, error) {
		return dispatch[*identity.User](ctx, d, identity.CreateUser{Email: in.Email, DisplayName: in.DisplayName})
	}
}

func createAuthStep(d identity.Dispatcher, userID string, in RegistrationInput) func(context.Context) (*identity.AuthRecord, error) {
	return func(ctx context.Context) (*identity.AuthRecord, error) {
		return dispatch[*identity.AuthRecord](ctx, d, identity.CreateAuth{UserID: userID, Email: in.Email, Password: in.Password})
	}
}

func createTenantStep(d identity.Dispatcher, ownerID, name string) func(context.Context) (*identity.Tenant, error) {
	return func(ctx context.Context) (*identity.Tenant, error) {
		return dispatch[*identity.Tenant](ctx, d, identity.CreateTenant{Name: name, OwnerID: ownerID})
	}
}

func addMemberStep(d identity.Dispatcher, cmd identity.AddTenantMember) func(context.Context) (*identity.TenantMember, error) {
	return func(ctx context.Context) (*identity.TenantMember, error) {
		return dispatch[*identity.TenantMember](ctx, d, cmd)
	}
}

// undo wraps the inverse command of a completed step.
func undo(d identity.Dispatcher, cmd identity.Command) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := d.Execute(ctx, cmd); err != nil {
			return fmt.Errorf("%s: %w", cmd.CommandName(), err)
		}
		return nil
	}
}
