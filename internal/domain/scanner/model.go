package scanner

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ledger states for a scanner.
const (
	StatusAvailable    = "available"
	StatusInUse        = "in_use"
	StatusMaintenance  = "maintenance"
	StatusOutOfService = "out_of_service"
)

// Defaults applied when a scanner is registered without explicit values.
const (
	DefaultModality        = "CT"
	DefaultAvgScanDuration = 30
	DefaultDailyCapacity   = 40
)

// statusTransitions is the ledger's legal-move table. in_use only ever
// hands back to available; servicing states can move between each other
// so a machine can go straight from maintenance to decommissioned.
var statusTransitions = map[string][]string{
	StatusAvailable:    {StatusInUse, StatusMaintenance, StatusOutOfService},
	StatusInUse:        {StatusAvailable},
	StatusMaintenance:  {StatusAvailable, StatusOutOfService},
	StatusOutOfService: {StatusAvailable, StatusMaintenance},
}

// InvalidStatusChangeError reports an illegal ledger move along with the
// moves that would have been legal.
type InvalidStatusChangeError struct {
	From    string
	To      string
	Allowed []string
}

func (e *InvalidStatusChangeError) Error() string {
	return fmt.Sprintf("cannot change scanner status from %s to %s (allowed: %s)",
		e.From, e.To, strings.Join(e.Allowed, ", "))
}

// ValidateStatusChange checks one ledger move.
func ValidateStatusChange(from, to string) error {
	allowed, ok := statusTransitions[from]
	if !ok {
		return fmt.Errorf("unknown scanner status: %s", from)
	}
	for _, a := range allowed {
		if a == to {
			return nil
		}
	}
	return &InvalidStatusChangeError{From: from, To: to, Allowed: allowed}
}

// Scanner maps to the scanner table. The daily counters live on the row
// itself and only move inside the transaction of the state change that
// touches them; CountersDate records which day they belong to.
type Scanner struct {
	ID                     uuid.UUID  `db:"id" json:"id"`
	Code                   string     `db:"code" json:"code"`
	Name                   string     `db:"name" json:"name"`
	Location               *string    `db:"location" json:"location,omitempty"`
	Modality               string     `db:"modality" json:"modality"`
	Status                 string     `db:"status" json:"status"`
	OperationalStart       string     `db:"operational_start" json:"operational_start"`
	OperationalEnd         string     `db:"operational_end" json:"operational_end"`
	AvgScanDurationMinutes int        `db:"avg_scan_duration_minutes" json:"avg_scan_duration_minutes"`
	DailyCapacity          int        `db:"daily_capacity" json:"daily_capacity"`
	TodayScansScheduled    int        `db:"today_scans_scheduled" json:"today_scans_scheduled"`
	TodayScansCompleted    int        `db:"today_scans_completed" json:"today_scans_completed"`
	CountersDate           time.Time  `db:"counters_date" json:"counters_date"`
	LastMaintenance        *time.Time `db:"last_maintenance" json:"last_maintenance,omitempty"`
	NextMaintenance        *time.Time `db:"next_maintenance" json:"next_maintenance,omitempty"`
	MaintenanceNote        *string    `db:"maintenance_note" json:"maintenance_note,omitempty"`
	VersionID              int        `db:"version_id" json:"version_id"`
	CreatedAt              time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at" json:"updated_at"`
}

// CountersCurrent reports whether the daily counters belong to the given
// day. Stale counters read as zero until the next write rolls them.
func (s *Scanner) CountersCurrent(now time.Time) bool {
	y1, m1, d1 := s.CountersDate.Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Utilization returns today's scheduled load as a percentage of daily
// capacity, clamped at 100 for display.
func (s *Scanner) Utilization() float64 {
	if s.DailyCapacity <= 0 {
		return 0
	}
	u := float64(s.TodayScansScheduled) / float64(s.DailyCapacity) * 100
	if u > 100 {
		return 100
	}
	return u
}

// RemainingCapacity returns how many more scans fit today.
func (s *Scanner) RemainingCapacity() int {
	r := s.DailyCapacity - s.TodayScansScheduled
	if r < 0 {
		return 0
	}
	return r
}

// Schedulable reports whether the ranker may place new scans on this
// scanner: it must be in service and have capacity left today.
func (s *Scanner) Schedulable(now time.Time) bool {
	if s.Status != StatusAvailable {
		return false
	}
	if !s.CountersCurrent(now) {
		return s.DailyCapacity > 0
	}
	return s.RemainingCapacity() > 0
}

// UtilizationEntry is one scanner's line in the utilization report.
type UtilizationEntry struct {
	ScannerID      uuid.UUID `json:"scanner_id"`
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	ScansScheduled int       `json:"scans_scheduled"`
	ScansCompleted int       `json:"scans_completed"`
	DailyCapacity  int       `json:"daily_capacity"`
	Utilization    float64   `json:"utilization"`
}
