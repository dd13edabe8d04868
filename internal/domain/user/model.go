package user

import (
	"time"

	"github.com/google/uuid"
)

// User maps to the app_user table. The password hash never serializes.
type User struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Email          string     `db:"email" json:"email"`
	HashedPassword string     `db:"hashed_password" json:"-"`
	FullName       string     `db:"full_name" json:"full_name"`
	Role           string     `db:"role" json:"role"`
	Department     *string    `db:"department" json:"department,omitempty"`
	Phone          *string    `db:"phone" json:"phone,omitempty"`
	IsActive       bool       `db:"is_active" json:"is_active"`
	LastLoginAt    *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	VersionID      int        `db:"version_id" json:"version_id"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// RegisterInput is the signup payload.
type RegisterInput struct {
	Email      string  `json:"email"`
	Password   string  `json:"password"`
	FullName   string  `json:"full_name"`
	Role       string  `json:"role"`
	Department *string `json:"department,omitempty"`
	Phone      *string `json:"phone,omitempty"`
}

// Session is an issued access token and the identity behind it.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}
