package user

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence boundary for user accounts.
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// Update writes the mutable account fields guarded by the version
	// check. The password hash is part of the update.
	Update(ctx context.Context, u *User) error
	// RecordLogin stamps last_login_at without bumping the version; a
	// login is bookkeeping, not an edit.
	RecordLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	List(ctx context.Context, role string, limit, offset int) ([]*User, int, error)
}
