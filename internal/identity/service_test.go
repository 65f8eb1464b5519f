package identity

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestService() *Service {
	return NewService(WithBcryptCost(bcrypt.MinCost))
}

func mustUser(t *testing.T, s *Service, email string) *User {
	t.Helper()
	res, err := s.Execute(context.Background(), CreateUser{Email: email, DisplayName: "Ada"})
	require.NoError(t, err)
	return res.(*User)
}

func TestCreateUser_NormalizesAndRejectsDuplicates(t *testing.T) {
	s := newTestService()
	u := mustUser(t, s, "  Ada@Example.com ")
	assert.Equal(t, "ada@example.com", u.Email)
	assert.NotEmpty(t, u.ID)

	_, err := s.Execute(context.Background(), &CreateUser{Email: "ada@example.com", DisplayName: "Other"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.Execute(context.Background(), CreateUser{Email: "not-an-email", DisplayName: "x"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Execute(context.Background(), CreateUser{Email: "b@example.com"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDeleteUser_FreesEmail(t *testing.T) {
	s := newTestService()
	u := mustUser(t, s, "ada@example.com")

	res, err := s.Execute(context.Background(), DeleteUser{UserID: u.ID})
	require.NoError(t, err)
	assert.Equal(t, u.ID, res.(*Deleted).ID)

	_, err = s.Execute(context.Background(), DeleteUser{UserID: u.ID})
	assert.ErrorIs(t, err, ErrNotFound)

	mustUser(t, s, "ada@example.com")
}

func TestCreateAuth_HashesPassword(t *testing.T) {
	s := newTestService()
	u := mustUser(t, s, "ada@example.com")

	res, err := s.Execute(context.Background(), CreateAuth{UserID: u.ID, Email: u.Email, Password: "correct-horse"})
	require.NoError(t, err)
	rec := res.(*AuthRecord)
	assert.NotEqual(t, []byte("correct-horse"), rec.PasswordHash)

	_, err = s.Authenticate("ADA@example.com", "correct-horse")
	require.NoError(t, err)
	_, err = s.Authenticate("ada@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Execute(context.Background(), CreateAuth{UserID: u.ID, Email: u.Email, Password: "short"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Execute(context.Background(), CreateAuth{UserID: "ghost", Email: "g@example.com", Password: "long-enough"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Execute(context.Background(), DeleteAuth{AuthID: rec.ID})
	require.NoError(t, err)
	_, err = s.Authenticate("ada@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTenantAndMembership(t *testing.T) {
	ctx := context.Background()
	s := newTestService()
	owner := mustUser(t, s, "owner@example.com")
	guest := mustUser(t, s, "guest@example.com")

	res, err := s.Execute(ctx, CreateTenant{Name: "Acme", OwnerID: owner.ID})
	require.NoError(t, err)
	tenant := res.(*Tenant)

	_, err = s.Execute(ctx, CreateTenant{Name: "acme", OwnerID: owner.ID})
	assert.ErrorIs(t, err, ErrAlreadyExists, "tenant names are case-insensitive")

	res, err = s.Execute(ctx, AddTenantMember{TenantID: tenant.ID, UserID: guest.ID})
	require.NoError(t, err)
	member := res.(*TenantMember)
	assert.Equal(t, RoleMember, member.Role)

	_, err = s.Execute(ctx, AddTenantMember{TenantID: tenant.ID, UserID: guest.ID})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.Execute(ctx, AddTenantMember{TenantID: "missing", UserID: guest.ID})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Execute(ctx, AddTenantMember{TenantID: tenant.ID, UserID: owner.ID, Role: "admin"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Execute(ctx, RemoveTenantMember{MemberID: member.ID})
	require.NoError(t, err)
	_, err = s.Execute(ctx, DeleteTenant{TenantID: tenant.ID})
	require.NoError(t, err)

	users, auths, tenants, members := s.Counts()
	assert.Equal(t, 2, users)
	assert.Zero(t, auths)
	assert.Zero(t, tenants)
	assert.Zero(t, members)
}

func TestCreateUser_ConcurrentSameEmailHasOneWinner(t *testing.T) {
	s := newTestService()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Execute(context.Background(), CreateUser{Email: "race@example.com", DisplayName: "r"}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestNewCommandAndResult_UnknownName(t *testing.T) {
	_, err := NewCommand("Nope")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewResult("Nope")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	cmd, err := NewCommand(CmdAddTenantMember)
	require.NoError(t, err)
	assert.Equal(t, CmdAddTenantMember, cmd.CommandName())
}
