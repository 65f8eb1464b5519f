// Package identity owns the aggregates a tenant registration touches: users,
// auth records, tenants and tenant memberships. Every mutation is a Command
// sent through a Dispatcher, so the saga does not care whether the service
// runs in-process or behind gRPC.
package identity

import (
	"context"
	"fmt"
	"time"
)

// Dispatcher executes a command and returns its typed result.
type Dispatcher interface {
	Execute(ctx context.Context, cmd Command) (any, error)
}

// Command is a mutation on one identity aggregate.
type Command interface {
	CommandName() string
}

const (
	CmdCreateUser         = "CreateUser"
	CmdDeleteUser         = "DeleteUser"
	CmdCreateAuth         = "CreateAuth"
	CmdDeleteAuth         = "DeleteAuth"
	CmdCreateTenant       = "CreateTenant"
	CmdDeleteTenant       = "DeleteTenant"
	CmdAddTenantMember    = "AddTenantMember"
	CmdRemoveTenantMember = "RemoveTenantMember"
)

type CreateUser struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type DeleteUser struct {
	UserID string `json:"user_id"`
}

type CreateAuth struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type DeleteAuth struct {
	AuthID string `json:"auth_id"`
}

type CreateTenant struct {
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

type DeleteTenant struct {
	TenantID string `json:"tenant_id"`
}

type AddTenantMember struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Role     Role   `json:"role"`
}

type RemoveTenantMember struct {
	MemberID string `json:"member_id"`
}

func (CreateUser) CommandName() string         { return CmdCreateUser }
func (DeleteUser) CommandName() string         { return CmdDeleteUser }
func (CreateAuth) CommandName() string         { return CmdCreateAuth }
func (DeleteAuth) CommandName() string         { return CmdDeleteAuth }
func (CreateTenant) CommandName() string       { return CmdCreateTenant }
func (DeleteTenant) CommandName() string       { return CmdDeleteTenant }
func (AddTenantMember) CommandName() string    { return CmdAddTenantMember }
func (RemoveTenantMember) CommandName() string { return CmdRemoveTenantMember }

// Role of a user within a tenant.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuthRecord never carries the plain password; only its bcrypt hash is kept
// and the hash itself is never serialised.
type AuthRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

type TenantMember struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Deleted is the result of every delete/remove command.
type Deleted struct {
	ID string `json:"id"`
}

// NewCommand returns a zero command for name, ready to be decoded into.
func NewCommand(name string) (Command, error) {
	switch name {
	case CmdCreateUser:
		return &CreateUser{}, nil
	case CmdDeleteUser:
		return &DeleteUser{}, nil
	case CmdCreateAuth:
		return &CreateAuth{}, nil
	case CmdDeleteAuth:
		return &DeleteAuth{}, nil
	case CmdCreateTenant:
		return &CreateTenant{}, nil
	case CmdDeleteTenant:
		return &DeleteTenant{}, nil
	case CmdAddTenantMember:
		return &AddTenantMember{}, nil
	case CmdRemoveTenantMember:
		return &RemoveTenantMember{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidArgument, name)
	}
}

// NewResult returns a pointer to the zero result type of the named command.
func NewResult(name string) (any, error) {
	switch name {
	case CmdCreateUser:
		return &User{}, nil
	case CmdCreateAuth:
		return &AuthRecord{}, nil
	case CmdCreateTenant:
		return &Tenant{}, nil
	case CmdAddTenantMember:
		return &TenantMember{}, nil
	case CmdDeleteUser, CmdDeleteAuth, CmdDeleteTenant, CmdRemoveTenantMember:
		return &Deleted{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidArgument, name)
	}
}
