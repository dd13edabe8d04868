package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContactDirectory resolves a recipient's delivery endpoints. The user
// service satisfies this via an adapter in main.
type ContactDirectory interface {
	ContactFor(ctx context.Context, userID uuid.UUID) (Contact, error)
}

// retryBackoff is the wait before each redelivery attempt, indexed by the
// retry count recorded at the previous failure.
var retryBackoff = []time.Duration{0, time.Minute, 5 * time.Minute}

type Service struct {
	repo     Repository
	senders  map[string]Sender
	contacts ContactDirectory
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:    repo,
		senders: make(map[string]Sender),
	}
}

// RegisterSender attaches the delivery gateway for a channel. Channels
// with no registered sender fail permanently instead of retrying.
func (s *Service) RegisterSender(channel string, sender Sender) {
	s.senders[channel] = sender
}

// SetContactDirectory attaches the recipient endpoint resolver used by
// the gateway channels.
func (s *Service) SetContactDirectory(d ContactDirectory) { s.contacts = d }

// CreateInput is a notification request before queuing.
type CreateInput struct {
	UserID    uuid.UUID  `json:"user_id"`
	PatientID *uuid.UUID `json:"patient_id"`
	ScanID    *uuid.UUID `json:"scan_id"`
	Channel   string     `json:"channel"`
	Category  string     `json:"category"`
	Subject   string     `json:"subject"`
	Message   string     `json:"message"`
}

// Create queues a notification and attempts delivery once in-line. A
// failed first attempt leaves the row pending for the dispatcher, so
// Create only errors on invalid input or a persistence failure.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Notification, error) {
	if in.UserID == uuid.Nil {
		return nil, fmt.Errorf("recipient is required")
	}
	if in.Channel == "" {
		in.Channel = ChannelInApp
	}
	if !validChannel(in.Channel) {
		return nil, fmt.Errorf("unknown channel %q", in.Channel)
	}
	if in.Category == "" {
		in.Category = CategoryGeneral
	}
	if !validCategory(in.Category) {
		return nil, fmt.Errorf("unknown category %q", in.Category)
	}
	if in.Message == "" {
		return nil, fmt.Errorf("message is required")
	}

	n := &Notification{
		UserID:    in.UserID,
		PatientID: in.PatientID,
		ScanID:    in.ScanID,
		Channel:   in.Channel,
		Category:  in.Category,
		Subject:   in.Subject,
		Message:   in.Message,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, err
	}
	_ = s.deliver(ctx, n)
	return n, nil
}

// deliver runs one delivery attempt and persists the outcome. The
// returned error reflects persistence only; a gateway failure is recorded
// on the row and the dispatcher retries it.
func (s *Service) deliver(ctx context.Context, n *Notification) error {
	sender, ok := s.senders[n.Channel]
	if !ok {
		// No gateway for this channel: retrying cannot help.
		n.Status = StatusFailed
		n.UpdatedAt = time.Now().UTC()
		return s.repo.UpdateDelivery(ctx, n)
	}

	var contact Contact
	if n.Channel != ChannelInApp {
		if s.contacts == nil {
			n.Status = StatusFailed
			n.UpdatedAt = time.Now().UTC()
			return s.repo.UpdateDelivery(ctx, n)
		}
		c, err := s.contacts.ContactFor(ctx, n.UserID)
		if err != nil {
			return s.recordFailure(ctx, n)
		}
		contact = c
	}

	if err := sender.Send(ctx, n, contact); err != nil {
		return s.recordFailure(ctx, n)
	}

	now := time.Now().UTC()
	n.SentAt = &now
	if n.Channel == ChannelInApp {
		// No external gateway to confirm, delivered the moment it is pushed.
		n.Status = StatusDelivered
		n.DeliveredAt = &now
	} else {
		n.Status = StatusSent
	}
	n.UpdatedAt = now
	return s.repo.UpdateDelivery(ctx, n)
}

func (s *Service) recordFailure(ctx context.Context, n *Notification) error {
	n.RetryCount++
	if n.RetryCount >= MaxRetries {
		n.Status = StatusFailed
	}
	n.UpdatedAt = time.Now().UTC()
	return s.repo.UpdateDelivery(ctx, n)
}

func dueAt(n *Notification) time.Time {
	idx := n.RetryCount
	if idx >= len(retryBackoff) {
		idx = len(retryBackoff) - 1
	}
	return n.UpdatedAt.Add(retryBackoff[idx])
}

// DeliverPending runs one dispatcher pass: pending rows whose backoff has
// elapsed get a delivery attempt. Returns how many reached the gateway.
func (s *Service) DeliverPending(ctx context.Context, batch int) (int, error) {
	pending, err := s.repo.ListPending(ctx, batch)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	delivered := 0
	for _, n := range pending {
		if now.Before(dueAt(n)) {
			continue
		}
		if err := s.deliver(ctx, n); err != nil {
			return delivered, err
		}
		if n.Status == StatusSent || n.Status == StatusDelivered {
			delivered++
		}
	}
	return delivered, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	return s.repo.ListByUser(ctx, userID, unreadOnly, limit, offset)
}

func (s *Service) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	return s.repo.MarkRead(ctx, id, userID)
}

func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.MarkAllRead(ctx, userID)
}

// ---------------------------------------------------------------------------
// Canned messages
// ---------------------------------------------------------------------------

// StatusUpdate builds the in-app notice for a scan lifecycle move, sent
// to the ordering physician.
func StatusUpdate(recipient, scanID uuid.UUID, scanNumber, from, to string) CreateInput {
	return CreateInput{
		UserID:   recipient,
		ScanID:   &scanID,
		Channel:  ChannelInApp,
		Category: CategoryStatusUpdate,
		Subject:  fmt.Sprintf("Scan %s update", scanNumber),
		Message:  fmt.Sprintf("Scan %s moved from %s to %s.", scanNumber, from, to),
	}
}

// CriticalResult builds the alert raised when a report flags a critical
// finding.
func CriticalResult(recipient, scanID uuid.UUID, scanNumber string) CreateInput {
	return CreateInput{
		UserID:   recipient,
		ScanID:   &scanID,
		Channel:  ChannelInApp,
		Category: CategoryResultReady,
		Subject:  fmt.Sprintf("Critical finding on scan %s", scanNumber),
		Message:  fmt.Sprintf("A critical finding was flagged on scan %s. Review the report immediately.", scanNumber),
	}
}

// QueueOutcome builds the notice sent when the queue places a scan on a
// scanner.
func QueueOutcome(recipient, scanID uuid.UUID, scanNumber, scannerName string, scheduledAt time.Time) CreateInput {
	return CreateInput{
		UserID:   recipient,
		ScanID:   &scanID,
		Channel:  ChannelInApp,
		Category: CategoryAppointment,
		Subject:  fmt.Sprintf("Scan %s scheduled", scanNumber),
		Message:  fmt.Sprintf("Scan %s was scheduled on %s at %s.", scanNumber, scannerName, scheduledAt.Format("15:04")),
	}
}

// EscalationAlert builds the notice raised when an urgent scan has waited
// past its target with no scanner able to take it.
func EscalationAlert(recipient, scanID uuid.UUID, scanNumber string, waitingMinutes int) CreateInput {
	return CreateInput{
		UserID:   recipient,
		ScanID:   &scanID,
		Channel:  ChannelInApp,
		Category: CategoryGeneral,
		Subject:  fmt.Sprintf("Escalation: scan %s unplaced", scanNumber),
		Message:  fmt.Sprintf("Scan %s has waited %d minutes past its target and no scanner can take it. Manual intervention required.", scanNumber, waitingMinutes),
	}
}
