package audit

import (
	"context"

	"github.com/google/uuid"
)

// Filter narrows a trail listing. Zero-value fields are ignored.
type Filter struct {
	Action       string
	ResourceType string
	ResourceID   string
	UserID       *uuid.UUID
}

// Repository persists the audit trail. Deliberately insert-and-read only.
type Repository interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
}
