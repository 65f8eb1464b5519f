package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 8

// Service is the in-memory identity store. Each aggregate lives in its own
// concurrent map; uniqueness indexes are claimed with LoadOrStore so two
// concurrent registrations cannot both win the same email or tenant name.
type Service struct {
	users   *xsync.MapOf[string, *User]
	auths   *xsync.MapOf[string, *AuthRecord]
	tenants *xsync.MapOf[string, *Tenant]
	members *xsync.MapOf[string, *TenantMember]

	emailIndex  *xsync.MapOf[string, string]
	authIndex   *xsync.MapOf[string, string]
	tenantIndex *xsync.MapOf[string, string]
	memberIndex *xsync.MapOf[string, string]

	bcryptCost int
	now        func() time.Time
	logger     *slog.Logger
}

var _ Dispatcher = (*Service)(nil)

type Option func(*Service)

// WithBcryptCost overrides bcrypt.DefaultCost; tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(opts ...Option) *Service {
	s := &Service{
		users:       xsync.NewMapOf[string, *User](),
		auths:       xsync.NewMapOf[string, *AuthRecord](),
		tenants:     xsync.NewMapOf[string, *Tenant](),
		members:     xsync.NewMapOf[string, *TenantMember](),
		emailIndex:  xsync.NewMapOf[string, string](),
		authIndex:   xsync.NewMapOf[string, string](),
		tenantIndex: xsync.NewMapOf[string, string](),
		memberIndex: xsync.NewMapOf[string, string](),
		bcryptCost:  bcrypt.DefaultCost,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute routes cmd to its handler. Both value and pointer commands are
// accepted.
func (s *Service) Execute(ctx context.Context, cmd Command) (any, error) {
	s.logger.DebugContext(ctx, "identity command", "command", cmd.CommandName())

	switch c := cmd.(type) {
	case CreateUser:
		return s.createUser(c)
	case *CreateUser:
		return s.createUser(*c)
	case DeleteUser:
		return s.deleteUser(c)
	case *DeleteUser:
		return s.deleteUser(*c)
	case CreateAuth:
		return s.createAuth(c)
	case *CreateAuth:
		return s.createAuth(*c)
	case DeleteAuth:
		return s.deleteAuth(c)
	case *DeleteAuth:
		return s.deleteAuth(*c)
	case CreateTenant:
		return s.createTenant(c)
	case *CreateTenant:
		return s.createTenant(*c)
	case DeleteTenant:
		return s.deleteTenant(c)
	case *DeleteTenant:
		return s.deleteTenant(*c)
	case AddTenantMember:
		return s.addMember(c)
	case *AddTenantMember:
		return s.addMember(*c)
	case RemoveTenantMember:
		return s.removeMember(c)
	case *RemoveTenantMember:
		return s.removeMember(*c)
	default:
		return nil, fmt.Errorf("%w: unsupported command %q", ErrInvalidArgument, cmd.CommandName())
	}
}

func (s *Service) createUser(c CreateUser) (*User, error) {
	email, err := normalizeEmail(c.Email)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return nil, fmt.Errorf("%w: display name is required", ErrInvalidArgument)
	}

	u := &User{ID: uuid.NewString(), Email: email, DisplayName: strings.TrimSpace(c.DisplayName), CreatedAt: s.now()}
	if _, loaded := s.emailIndex.LoadOrStore(email, u.ID); loaded {
		return nil, fmt.Errorf("%w: user with email %q", ErrAlreadyExists, email)
	}
	s.users.Store(u.ID, u)
	cp := *u
	return &cp, nil
}

func (s *Service) deleteUser(c DeleteUser) (*Deleted, error) {
	u, ok := s.users.LoadAndDelete(c.UserID)
	if !ok {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, c.UserID)
	}
	s.emailIndex.Delete(u.Email)
	return &Deleted{ID: u.ID}, nil
}

func (s *Service) createAuth(c CreateAuth) (*AuthRecord, error) {
	email, err := normalizeEmail(c.Email)
	if err != nil {
		return nil, err
	}
	if len(c.Password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidArgument, minPasswordLen)
	}
	if _, ok := s.users.Load(c.UserID); !ok {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, c.UserID)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(c.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("identity: hash password: %w", err)
	}

	rec := &AuthRecord{ID: uuid.NewString(), UserID: c.UserID, Email: email, PasswordHash: hash, CreatedAt: s.now()}
	if _, loaded := s.authIndex.LoadOrStore(email, rec.ID); loaded {
		return nil, fmt.Errorf("%w: auth for %q", ErrAlreadyExists, email)
	}
	s.auths.Store(rec.ID, rec)
	cp := *rec
	return &cp, nil
}

func (s *Service) deleteAuth(c DeleteAuth) (*Deleted, error) {
	rec, ok := s.auths.LoadAndDelete(c.AuthID)
	if !ok {
		return nil, fmt.Errorf("%w: auth %q", ErrNotFound, c.AuthID)
	}
	s.authIndex.Delete(rec.Email)
	return &Deleted{ID: rec.ID}, nil
}

func (s *Service) createTenant(c CreateTenant) (*Tenant, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: tenant name is required", ErrInvalidArgument)
	}
	if _, ok := s.users.Load(c.OwnerID); !ok {
		return nil, fmt.Errorf("%w: owner %q", ErrNotFound, c.OwnerID)
	}

	t := &Tenant{ID: uuid.NewString(), Name: name, OwnerID: c.OwnerID, CreatedAt: s.now()}
	if _, loaded := s.tenantIndex.LoadOrStore(strings.ToLower(name), t.ID); loaded {
		return nil, fmt.Errorf("%w: tenant %q", ErrAlreadyExists, name)
	}
	s.tenants.Store(t.ID, t)
	cp := *t
	return &cp, nil
}

func (s *Service) deleteTenant(c DeleteTenant) (*Deleted, error) {
	t, ok := s.tenants.LoadAndDelete(c.TenantID)
	if !ok {
		return nil, fmt.Errorf("%w: tenant %q", ErrNotFound, c.TenantID)
	}
	s.tenantIndex.Delete(strings.ToLower(t.Name))
	return &Deleted{ID: t.ID}, nil
}

func (s *Service) addMember(c AddTenantMember) (*TenantMember, error) {
	role := c.Role
	if role == "" {
		role = RoleMember
	}
	if role != RoleOwner && role != RoleMember {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, role)
	}
	if _, ok := s.tenants.Load(c.TenantID); !ok {
		return nil, fmt.Errorf("%w: tenant %q", ErrNotFound, c.TenantID)
	}
	if _, ok := s.users.Load(c.UserID); !ok {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, c.UserID)
	}

	m := &TenantMember{ID: uuid.NewString(), TenantID: c.TenantID, UserID: c.UserID, Role: role, CreatedAt: s.now()}
	if _, loaded := s.memberIndex.LoadOrStore(memberKey(c.TenantID, c.UserID), m.ID); loaded {
		return nil, fmt.Errorf("%w: user %q already in tenant %q", ErrAlreadyExists, c.UserID, c.TenantID)
	}
	s.members.Store(m.ID, m)
	cp := *m
	return &cp, nil
}

func (s *Service) removeMember(c RemoveTenantMember) (*Deleted, error) {
	m, ok := s.members.LoadAndDelete(c.MemberID)
	if !ok {
		return nil, fmt.Errorf("%w: member %q", ErrNotFound, c.MemberID)
	}
	s.memberIndex.Delete(memberKey(m.TenantID, m.UserID))
	return &Deleted{ID: m.ID}, nil
}

// User returns a copy of the user with id.
func (s *Service) User(id string) (*User, bool) {
	u, ok := s.users.Load(id)
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// Tenant returns a copy of the tenant with id.
func (s *Service) Tenant(id string) (*Tenant, bool) {
	t, ok := s.tenants.Load(id)
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// Authenticate checks a password against the stored hash.
func (s *Service) Authenticate(email, password string) (*AuthRecord, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	id, ok := s.authIndex.Load(email)
	if !ok {
		return nil, fmt.Errorf("%w: auth for %q", ErrNotFound, email)
	}
	rec, ok := s.auths.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: auth for %q", ErrNotFound, email)
	}
	if err := bcrypt.CompareHashAndPassword(rec.PasswordHash, []byte(password)); err != nil {
		return nil, fmt.Errorf("%w: wrong password", ErrInvalidArgument)
	}
	cp := *rec
	return &cp, nil
}

// Counts reports how many records of each aggregate exist.
func (s *Service) Counts() (users, auths, tenants, members int) {
	return s.users.Size(), s.auths.Size(), s.tenants.Size(), s.members.Size()
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: invalid email %q", ErrInvalidArgument, raw)
	}
	return strings.ToLower(addr.Address), nil
}

func memberKey(tenantID, userID string) string {
	return tenantID + "/" + userID
}
