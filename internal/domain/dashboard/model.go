package dashboard

import (
	"time"

	"github.com/google/uuid"
)

// Metrics is the headline view of the department: today's volumes, the
// live queue depth, and the rolling turnaround average the charge nurse
// watches.
type Metrics struct {
	PatientsToday         int       `json:"patients_today"`
	ScansToday            int       `json:"scans_today"`
	InProgressNow         int       `json:"in_progress_now"`
	CompletedToday        int       `json:"completed_today"`
	PendingScans          int       `json:"pending_scans"`
	AvgTurnaroundMinutes  float64   `json:"avg_turnaround_minutes"`
	AvgUtilizationPercent float64   `json:"avg_utilization_percent"`
	CriticalFindingsToday int       `json:"critical_findings_today"`
	GeneratedAt           time.Time `json:"generated_at"`
}

// StatusCount is one slice of the scan-status distribution chart.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// UrgencyCount is one slice of the active-scan urgency distribution.
type UrgencyCount struct {
	Urgency string `json:"urgency"`
	Count   int    `json:"count"`
}

// ScannerLoad is the per-scanner utilization row on the fleet panel.
type ScannerLoad struct {
	ScannerID           uuid.UUID `json:"scanner_id"`
	Code                string    `json:"code"`
	Name                string    `json:"name"`
	Status              string    `json:"status"`
	DailyCapacity       int       `json:"daily_capacity"`
	TodayScansScheduled int       `json:"today_scans_scheduled"`
	TodayScansCompleted int       `json:"today_scans_completed"`
	UtilizationPercent  float64   `json:"utilization_percent"`
}

// RecentScan is one row of the latest-orders feed, joined with the
// patient's display name.
type RecentScan struct {
	ScanID      uuid.UUID `json:"scan_id"`
	ScanNumber  string    `json:"scan_number"`
	PatientName string    `json:"patient_name"`
	Urgency     string    `json:"urgency"`
	Status      string    `json:"status"`
	OrderedAt   time.Time `json:"ordered_at"`
}
