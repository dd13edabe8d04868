package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ctflow/ctflow/internal/platform/auth"
)

const minPasswordLen = 8

var (
	// ErrInvalidCredentials is deliberately vague: it covers both an
	// unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountDisabled is returned when a deactivated account tries to
	// sign in or refresh.
	ErrAccountDisabled = errors.New("account is disabled")
	// ErrEmailTaken is returned when registration reuses an email.
	ErrEmailTaken = errors.New("email already registered")
)

// AuditSink records auth events. Failures are the implementation's to
// log; they never veto a login.
type AuditSink interface {
	RecordAuthEvent(ctx context.Context, action string, userID uuid.UUID, detail map[string]interface{})
}

// Service owns account lifecycle and token issuance.
type Service struct {
	repo   Repository
	tokens *auth.Manager
	audit  AuditSink
}

func NewService(repo Repository, tokens *auth.Manager) *Service {
	return &Service{repo: repo, tokens: tokens}
}

// SetAuditSink attaches the audit trail recorder.
func (s *Service) SetAuditSink(a AuditSink) { s.audit = a }

// Register creates an active account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, in *RegisterInput) (*User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("a valid email is required")
	}
	if len(in.Password) < minPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}
	if strings.TrimSpace(in.FullName) == "" {
		return nil, fmt.Errorf("full name is required")
	}
	if !auth.IsValidRole(in.Role) {
		return nil, fmt.Errorf("unknown role %q", in.Role)
	}

	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		Email:          email,
		HashedPassword: string(hash),
		FullName:       strings.TrimSpace(in.FullName),
		Role:           in.Role,
		Department:     in.Department,
		Phone:          in.Phone,
		IsActive:       true,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, err
	}

	if s.audit != nil {
		s.audit.RecordAuthEvent(ctx, "create", u.ID, map[string]interface{}{
			"email": u.Email,
			"role":  u.Role,
		})
	}
	return u, nil
}

// Authenticate verifies credentials and issues an access token.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrAccountDisabled
	}
	if bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	token, claims, err := s.tokens.Issue(u.ID, u.Email, u.Role)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := s.repo.RecordLogin(ctx, u.ID, now); err != nil {
		return nil, err
	}
	u.LastLoginAt = &now

	if s.audit != nil {
		s.audit.RecordAuthEvent(ctx, "login", u.ID, map[string]interface{}{"email": u.Email})
	}
	return &Session{Token: token, ExpiresAt: claims.ExpiresAt.Time, User: u}, nil
}

func (s *Service) Me(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

// Refresh issues a fresh token for the holder of a still-valid one and
// revokes the old token so only the newest survives.
func (s *Service) Refresh(ctx context.Context, claims *auth.Claims) (*Session, error) {
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("malformed subject claim: %w", err)
	}
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrAccountDisabled
	}

	token, fresh, err := s.tokens.Issue(u.ID, u.Email, u.Role)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Revoke(ctx, claims); err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: fresh.ExpiresAt.Time, User: u}, nil
}

// Logout puts the token on the denylist for the rest of its lifetime.
func (s *Service) Logout(ctx context.Context, claims *auth.Claims) error {
	if err := s.tokens.Revoke(ctx, claims); err != nil {
		return err
	}
	if s.audit != nil {
		if id, err := uuid.Parse(claims.Subject); err == nil {
			s.audit.RecordAuthEvent(ctx, "logout", id, nil)
		}
	}
	return nil
}

func (s *Service) List(ctx context.Context, role string, limit, offset int) ([]*User, int, error) {
	return s.repo.List(ctx, role, limit, offset)
}

// SetActive enables or disables an account. Tokens already issued stay
// valid until expiry; the gate applies at the next login or refresh.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) (*User, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.IsActive == active {
		return u, nil
	}
	u.IsActive = active
	if err := s.repo.Update(ctx, u); err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.RecordAuthEvent(ctx, "update", u.ID, map[string]interface{}{"is_active": active})
	}
	return u, nil
}
