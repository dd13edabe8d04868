package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entry is one row in the clinical audit trail. The trail is append-only:
// entries are never updated or deleted, and a correction is just another
// entry. UserID is the acting account when one could be resolved; system
// actors (the queue scheduler, background jobs) are carried in NewValues
// under "actor" instead.
type Entry struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	UserID       *uuid.UUID      `db:"user_id" json:"user_id,omitempty"`
	Action       string          `db:"action" json:"action"`
	ResourceType string          `db:"resource_type" json:"resource_type"`
	ResourceID   *string         `db:"resource_id" json:"resource_id,omitempty"`
	OldValues    json.RawMessage `db:"old_values" json:"old_values,omitempty"`
	NewValues    json.RawMessage `db:"new_values" json:"new_values,omitempty"`
	IPAddress    *string         `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent    *string         `db:"user_agent" json:"user_agent,omitempty"`
	RecordedAt   time.Time       `db:"recorded_at" json:"recorded_at"`
}

// validAction is the single source of truth for the action vocabulary.
// Generic actions come from the HTTP layer and the identity service, the
// scan_* and clinical actions from the domain services.
func validAction(a string) bool {
	switch a {
	case "create", "update", "delete", "view", "login", "logout",
		"scan_ordered", "scan_validated", "scan_scheduled", "scan_started",
		"scan_completed", "report_generated", "scan_cancelled",
		"escalation", "consent_given", "status_change":
		return true
	}
	return false
}
