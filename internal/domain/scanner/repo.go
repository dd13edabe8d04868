package scanner

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, s *Scanner) error
	GetByID(ctx context.Context, id uuid.UUID) (*Scanner, error)
	GetByCode(ctx context.Context, code string) (*Scanner, error)
	Update(ctx context.Context, s *Scanner) error
	List(ctx context.Context, status string, limit, offset int) ([]*Scanner, int, error)
	ListAll(ctx context.Context) ([]*Scanner, error)
	Reserve(ctx context.Context, id uuid.UUID, version int) error
	MarkInUse(ctx context.Context, id uuid.UUID) error
	Release(ctx context.Context, id uuid.UUID, completed bool) error
	DecrementScheduled(ctx context.Context, id uuid.UUID, n int) error
}
