// Package notification manages the in-app notification queue and the
// channel gateways that deliver copies outside the application. Rows are
// created pending, delivered synchronously when the channel allows it,
// and otherwise drained by the background dispatcher with retry backoff.
package notification

import (
	"time"

	"github.com/google/uuid"
)

// Delivery channels.
const (
	ChannelInApp    = "in_app"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
	ChannelPush     = "push"
)

// Notification categories.
const (
	CategoryAppointment  = "appointment"
	CategoryReminder     = "reminder"
	CategoryResultReady  = "result_ready"
	CategoryStatusUpdate = "status_update"
	CategoryFeedback     = "feedback"
	CategoryGeneral      = "general"
)

// Delivery statuses.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// MaxRetries is the number of delivery attempts before a notification is
// marked failed.
const MaxRetries = 3

// Notification is one message for one recipient over one channel.
type Notification struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	UserID      uuid.UUID  `db:"user_id" json:"user_id"`
	PatientID   *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	ScanID      *uuid.UUID `db:"scan_id" json:"scan_id,omitempty"`
	Channel     string     `db:"channel" json:"channel"`
	Category    string     `db:"category" json:"category"`
	Subject     string     `db:"subject" json:"subject"`
	Message     string     `db:"message" json:"message"`
	Status      string     `db:"status" json:"status"`
	RetryCount  int        `db:"retry_count" json:"retry_count"`
	SentAt      *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt      *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

func validChannel(c string) bool {
	switch c {
	case ChannelInApp, ChannelSMS, ChannelWhatsApp, ChannelEmail, ChannelPush:
		return true
	}
	return false
}

func validCategory(c string) bool {
	switch c {
	case CategoryAppointment, CategoryReminder, CategoryResultReady,
		CategoryStatusUpdate, CategoryFeedback, CategoryGeneral:
		return true
	}
	return false
}
