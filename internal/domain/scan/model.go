package scan

import (
	"time"

	"github.com/google/uuid"
)

// Scan statuses, in lifecycle order.
const (
	StatusOrdered    = "ordered"
	StatusValidated  = "validated"
	StatusScheduled  = "scheduled"
	StatusInPrep     = "in_prep"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusReported   = "reported"
	StatusCancelled  = "cancelled"
)

// Contrast modes.
const (
	ContrastNone    = "none"
	ContrastWith    = "with_contrast"
	ContrastWithout = "without_contrast"
)

var validContrastModes = map[string]bool{
	ContrastNone:    true,
	ContrastWith:    true,
	ContrastWithout: true,
}

// Scan maps to the ct_scan table.
type Scan struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	ScanNumber         string     `db:"scan_number" json:"scan_number"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	OrderedBy          uuid.UUID  `db:"ordered_by" json:"ordered_by"`
	RadiologistID      *uuid.UUID `db:"radiologist_id" json:"radiologist_id,omitempty"`
	ScannerID          *uuid.UUID `db:"scanner_id" json:"scanner_id,omitempty"`
	Status             string     `db:"status" json:"status"`
	Urgency            string     `db:"urgency" json:"urgency"`
	Appropriateness    *string    `db:"appropriateness" json:"appropriateness,omitempty"`
	ContrastMode       string     `db:"contrast_mode" json:"contrast_mode"`
	Indication         string     `db:"indication" json:"indication"`
	ClinicalHistory    *string    `db:"clinical_history" json:"clinical_history,omitempty"`
	Symptoms           *string    `db:"symptoms" json:"symptoms,omitempty"`
	GCSScore           *int       `db:"gcs_score" json:"gcs_score,omitempty"`
	NeuroFindings      *string    `db:"neuro_findings" json:"neuro_findings,omitempty"`
	SymptomOnset       *time.Time `db:"symptom_onset" json:"symptom_onset,omitempty"`
	OrderedAt          time.Time  `db:"ordered_at" json:"ordered_at"`
	ScheduledTime      *time.Time `db:"scheduled_time" json:"scheduled_time,omitempty"`
	StartedTime        *time.Time `db:"started_time" json:"started_time,omitempty"`
	CompletedTime      *time.Time `db:"completed_time" json:"completed_time,omitempty"`
	ReportedTime       *time.Time `db:"reported_time" json:"reported_time,omitempty"`
	CancelledTime      *time.Time `db:"cancelled_time" json:"cancelled_time,omitempty"`
	PreliminaryReport  *string    `db:"preliminary_report" json:"preliminary_report,omitempty"`
	FinalReport        *string    `db:"final_report" json:"final_report,omitempty"`
	CriticalFindings   bool       `db:"critical_findings" json:"critical_findings"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	VersionID          int        `db:"version_id" json:"version_id"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the scan has reached a terminal status.
func (s *Scan) IsTerminal() bool {
	return s.Status == StatusReported || s.Status == StatusCancelled
}

// StatusChange maps to the scan_status_history table. The ordered→validated
// transition stamps no column on the scan itself; its instant lives only
// here, and the queue ranker reads validated-at from the latest
// to_status='validated' row.
type StatusChange struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ScanID     uuid.UUID `db:"scan_id" json:"scan_id"`
	FromStatus string    `db:"from_status" json:"from_status"`
	ToStatus   string    `db:"to_status" json:"to_status"`
	ChangedBy  string    `db:"changed_by" json:"changed_by"`
	ChangedAt  time.Time `db:"changed_at" json:"changed_at"`
	Reason     *string   `db:"reason" json:"reason,omitempty"`
}

// TransitionEvent is the payload produced on every status transition for
// the presentation layer to broadcast.
type TransitionEvent struct {
	ScanID         uuid.UUID `json:"scan_id"`
	ScanNumber     string    `json:"scan_number"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Timestamp      time.Time `json:"timestamp"`
	Actor          string    `json:"actor"`
}

// TransitionPayload carries the optional inputs a transition may require:
// scheduling details for validated→scheduled, report text for
// completed→reported, a reason for cancellation.
type TransitionPayload struct {
	ScannerID     *uuid.UUID `json:"scanner_id,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	RadiologistID *uuid.UUID `json:"radiologist_id,omitempty"`
	FinalReport   *string    `json:"final_report,omitempty"`
	Reason        *string    `json:"reason,omitempty"`
}
