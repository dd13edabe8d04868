package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Urgency tiers understood by the ranker, highest priority first.
const (
	UrgencyImmediate = "immediate"
	UrgencyUrgent    = "urgent"
	UrgencyRoutine   = "routine"
)

// Status vocabulary shared over the wire with the scan lifecycle, the
// scanner fleet, and the patient journey.
const (
	scannerAvailable = "available"

	scanOrdered   = "ordered"
	scanValidated = "validated"
	scanScheduled = "scheduled"

	journeyWaiting = "waiting"
)

// urgencyRank orders tiers for sorting; unknown tiers sort last.
func urgencyRank(u string) int {
	switch u {
	case UrgencyImmediate:
		return 0
	case UrgencyUrgent:
		return 1
	case UrgencyRoutine:
		return 2
	default:
		return 3
	}
}

// QueueScan is one validated scan awaiting a scanner slot. ValidatedAt
// comes from the latest status-history row; SLA deadlines for urgent and
// routine scans count from it.
type QueueScan struct {
	ScanID      uuid.UUID `json:"scan_id"`
	ScanNumber  string    `json:"scan_number"`
	PatientID   uuid.UUID `json:"patient_id"`
	Urgency     string    `json:"urgency"`
	OrderedAt   time.Time `json:"ordered_at"`
	ValidatedAt time.Time `json:"validated_at"`
}

// ScannerState is the scheduling-relevant view of one scanner.
// ScheduledToday reflects today's counter; LastScheduledSlot is the latest
// booked slot among scans still occupying the scanner.
type ScannerState struct {
	ScannerID          uuid.UUID  `json:"scanner_id"`
	Code               string     `json:"code"`
	Status             string     `json:"status"`
	DailyCapacity      int        `json:"daily_capacity"`
	ScheduledToday     int        `json:"scheduled_today"`
	AvgScanDurationMin int        `json:"avg_scan_duration_minutes"`
	OperationalStart   string     `json:"operational_start"`
	OperationalEnd     string     `json:"operational_end"`
	LastScheduledSlot  *time.Time `json:"last_scheduled_slot,omitempty"`
}

// Snapshot is the point-in-time input to the ranker. The ranker never
// mutates it, so one snapshot can be ranked repeatedly with the same
// result.
type Snapshot struct {
	Now      time.Time
	Scans    []QueueScan
	Scanners []ScannerState
}

// Assignment pairs a scan with a scanner and a concrete slot time.
type Assignment struct {
	ScanID    uuid.UUID `json:"scan_id"`
	ScannerID uuid.UUID `json:"scanner_id"`
	SlotTime  time.Time `json:"slot_time"`
}

// Plan is the ranker's proposal: assignments for every scan that fits and
// the scans no scanner can take this pass. A scan lands in exactly one of
// the two lists, never neither.
type Plan struct {
	Assignments []Assignment `json:"assignments"`
	Unscheduled []uuid.UUID  `json:"unscheduled"`
}

// Rules are the tunable scheduling constraints applied by the ranker.
type Rules struct {
	// UrgentSLA is how long after validation an urgent scan must start.
	UrgentSLA time.Duration
	// RoutineSLA is how long after validation a routine scan must start.
	RoutineSLA time.Duration
	// FirstSlotLead is the lead time proposed for a scanner with an empty
	// queue, covering patient transport and prep.
	FirstSlotLead time.Duration
	// UrgentSlotCeiling is the latest offset from now an urgent slot may
	// take; a busier proposal is squeezed forward to it.
	UrgentSlotCeiling time.Duration
}

// DefaultRules returns the stock emergency-department constraints:
// urgent scans start within the hour, routine within the day.
func DefaultRules() Rules {
	return Rules{
		UrgentSLA:         time.Hour,
		RoutineSLA:        24 * time.Hour,
		FirstSlotLead:     15 * time.Minute,
		UrgentSlotCeiling: 30 * time.Minute,
	}
}

func (r Rules) withDefaults() Rules {
	d := DefaultRules()
	if r.UrgentSLA <= 0 {
		r.UrgentSLA = d.UrgentSLA
	}
	if r.RoutineSLA <= 0 {
		r.RoutineSLA = d.RoutineSLA
	}
	if r.FirstSlotLead <= 0 {
		r.FirstSlotLead = d.FirstSlotLead
	}
	if r.UrgentSlotCeiling <= 0 {
		r.UrgentSlotCeiling = d.UrgentSlotCeiling
	}
	return r
}

// QueueEntry is one row of the live queue view: the scan, its rank
// position, and the slot the ranker would hand it right now.
type QueueEntry struct {
	QueueScan
	Position        int        `json:"position"`
	ProposedScanner *uuid.UUID `json:"proposed_scanner,omitempty"`
	ProposedSlot    *time.Time `json:"proposed_slot,omitempty"`
}

// QueueView is the ranked queue as reported to clients. Entries without a
// proposal are waiting for capacity.
type QueueView struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Entries     []QueueEntry `json:"entries"`
}

// Load classification levels for the capacity forecast.
const (
	LoadHigh   = "high"
	LoadNormal = "normal"
	LoadLow    = "low"
)

// classifyLoad maps a load percentage to a level: high above 80, normal
// above 50, low otherwise.
func classifyLoad(pct float64) string {
	switch {
	case pct > 80:
		return LoadHigh
	case pct > 50:
		return LoadNormal
	default:
		return LoadLow
	}
}

// ForecastEntry is the expected load for a single hour.
type ForecastEntry struct {
	Hour     time.Time `json:"hour"`
	Capacity int       `json:"capacity"`
	Demand   int       `json:"demand"`
	LoadPct  float64   `json:"load_pct"`
	Level    string    `json:"level"`
}

// Forecast projects scanner load over the coming hours. Hourly capacity
// assumes a sustained throughput of two scans per active scanner.
type Forecast struct {
	GeneratedAt    time.Time       `json:"generated_at"`
	Hours          int             `json:"hours"`
	ActiveScanners int             `json:"active_scanners"`
	Entries        []ForecastEntry `json:"entries"`
}
