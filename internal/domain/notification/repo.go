package notification

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines persistence for the notification queue.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	// ListByUser returns a recipient's notifications, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error)
	// ListPending returns the oldest pending notifications up to limit.
	ListPending(ctx context.Context, limit int) ([]*Notification, error)
	// UpdateDelivery persists status, retry count and delivery stamps.
	UpdateDelivery(ctx context.Context, n *Notification) error
	// MarkRead stamps a single unread notification owned by userID.
	// Already-read rows are a no-op; rows owned by someone else are
	// indistinguishable from missing ones.
	MarkRead(ctx context.Context, id, userID uuid.UUID) error
	// MarkAllRead stamps every unread notification for userID and
	// reports how many were touched.
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error)
}
