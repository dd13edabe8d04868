package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Record appends one entry to the trail. The action must come from the
// known vocabulary so the trail stays queryable by action.
func (s *Service) Record(ctx context.Context, e *Entry) error {
	if !validAction(e.Action) {
		return fmt.Errorf("unknown audit action %q", e.Action)
	}
	if e.ResourceType == "" {
		return fmt.Errorf("audit entry needs a resource type")
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	return s.repo.Record(ctx, e)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// ListByResource returns the full story of one resource, newest first.
func (s *Service) ListByResource(ctx context.Context, resourceType, resourceID, action string, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, Filter{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}, limit, offset)
}

// ListByUser returns everything one account did, newest first.
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, action string, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, Filter{Action: action, UserID: &userID}, limit, offset)
}
