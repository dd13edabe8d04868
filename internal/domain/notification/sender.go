package notification

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Contact carries a recipient's delivery endpoints for the gateway
// channels. In-app delivery does not need one.
type Contact struct {
	Email string
	Phone string
}

// Sender delivers one notification over one channel. Gateway channels
// (sms, whatsapp, email, push) are external collaborators behind this
// interface; the service retries transient failures.
type Sender interface {
	Send(ctx context.Context, n *Notification, to Contact) error
}

// Pusher fans a fresh in-app notification out to connected clients. The
// WebSocket hub satisfies this.
type Pusher interface {
	NotificationCreated(id uuid.UUID, payload interface{})
}

// inAppSender delivers by pushing over the WebSocket hub. There is no
// external gateway, so delivery is immediate and cannot fail.
type inAppSender struct {
	pusher Pusher
}

// NewInAppSender returns the sender for the in_app channel.
func NewInAppSender(p Pusher) Sender { return &inAppSender{pusher: p} }

func (s *inAppSender) Send(_ context.Context, n *Notification, _ Contact) error {
	if s.pusher != nil {
		s.pusher.NotificationCreated(n.ID, n)
	}
	return nil
}

// Call records a single gateway delivery.
type Call struct {
	Channel string
	To      Contact
	Subject string
	Message string
}

// MockSender is a recording gateway double for the external channels,
// used in tests and as the development stand-in when no real gateway is
// configured.
type MockSender struct {
	mu         sync.Mutex
	calls      []Call
	ShouldFail bool
	FailError  string
}

// Send records the call and optionally returns an error.
func (m *MockSender) Send(_ context.Context, n *Notification, to Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Channel: n.Channel, To: to, Subject: n.Subject, Message: n.Message})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded deliveries.
func (m *MockSender) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}
