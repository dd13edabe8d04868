package patient

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Journey stages a patient moves through during an ED CT visit.
const (
	StatusRegistered = "registered"
	StatusWaiting    = "waiting"
	StatusInPrep     = "in_prep"
	StatusInScan     = "in_scan"
	StatusPostScan   = "post_scan"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// journeyOrder ranks the forward path. cancelled sits outside the
// ordering as the escape hatch.
var journeyOrder = map[string]int{
	StatusRegistered: 0,
	StatusWaiting:    1,
	StatusInPrep:     2,
	StatusInScan:     3,
	StatusPostScan:   4,
	StatusCompleted:  5,
}

// Anxiety levels recorded by nursing staff before the scan.
const (
	AnxietyNone     = "none"
	AnxietyMild     = "mild"
	AnxietyModerate = "moderate"
	AnxietySevere   = "severe"
)

var validAnxietyLevels = map[string]bool{
	AnxietyNone:     true,
	AnxietyMild:     true,
	AnxietyModerate: true,
	AnxietySevere:   true,
}

// IsValidAnxietyLevel reports whether level is a recognized anxiety grade.
func IsValidAnxietyLevel(level string) bool {
	return validAnxietyLevels[level]
}

// IsTerminalStatus reports whether the journey can no longer move.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// InvalidJourneyMoveError reports an illegal journey move along with the
// stages that would have been legal.
type InvalidJourneyMoveError struct {
	From    string
	To      string
	Allowed []string
}

func (e *InvalidJourneyMoveError) Error() string {
	return fmt.Sprintf("cannot move patient journey from %s to %s (allowed: %s)",
		e.From, e.To, strings.Join(e.Allowed, ", "))
}

// AllowedJourneyMoves lists the stages reachable from the given one:
// every later stage plus the cancelled escape. Terminal stages reach
// nothing.
func AllowedJourneyMoves(from string) []string {
	if IsTerminalStatus(from) {
		return nil
	}
	rank, ok := journeyOrder[from]
	if !ok {
		return nil
	}
	var allowed []string
	for _, stage := range []string{StatusWaiting, StatusInPrep, StatusInScan, StatusPostScan, StatusCompleted} {
		if journeyOrder[stage] > rank {
			allowed = append(allowed, stage)
		}
	}
	return append(allowed, StatusCancelled)
}

// ValidateJourneyMove checks one journey move: forward jumps are fine
// (a stat scan can take a registered patient straight to prep), going
// back or standing still is not, and terminal stages are frozen.
func ValidateJourneyMove(from, to string) error {
	if IsTerminalStatus(from) {
		return &InvalidJourneyMoveError{From: from, To: to}
	}
	fromRank, ok := journeyOrder[from]
	if !ok {
		return fmt.Errorf("unknown journey stage: %s", from)
	}
	if to == StatusCancelled {
		return nil
	}
	toRank, ok := journeyOrder[to]
	if !ok {
		return fmt.Errorf("unknown journey stage: %s", to)
	}
	if toRank <= fromRank {
		return &InvalidJourneyMoveError{From: from, To: to, Allowed: AllowedJourneyMoves(from)}
	}
	return nil
}

// JourneyMovesBackward reports whether target sits at or before current,
// which the scan-driven advance treats as a no-op rather than an error.
func JourneyMovesBackward(current, target string) bool {
	if target == StatusCancelled {
		return false
	}
	curRank, ok1 := journeyOrder[current]
	tgtRank, ok2 := journeyOrder[target]
	if !ok1 || !ok2 {
		return false
	}
	return tgtRank <= curRank
}

// Patient maps to the patient table.
type Patient struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	MRN            string     `db:"mrn" json:"mrn"`
	ICNumber       *string    `db:"ic_number" json:"ic_number,omitempty"`
	FirstName      string     `db:"first_name" json:"first_name"`
	LastName       string     `db:"last_name" json:"last_name"`
	DateOfBirth    time.Time  `db:"date_of_birth" json:"date_of_birth"`
	Gender         string     `db:"gender" json:"gender,omitempty"`
	ContactPhone   *string    `db:"contact_phone" json:"contact_phone,omitempty"`
	ContactEmail   *string    `db:"contact_email" json:"contact_email,omitempty"`
	EDVisitID      *string    `db:"ed_visit_id" json:"ed_visit_id,omitempty"`
	Ward           *string    `db:"ward" json:"ward,omitempty"`
	BedNumber      *string    `db:"bed_number" json:"bed_number,omitempty"`
	ChiefComplaint *string    `db:"chief_complaint" json:"chief_complaint,omitempty"`
	Allergies      *string    `db:"allergies" json:"allergies,omitempty"`
	Status         string     `db:"status" json:"status"`
	AnxietyLevel   *string    `db:"anxiety_level" json:"anxiety_level,omitempty"`
	ConsentGiven   bool       `db:"consent_given" json:"consent_given"`
	ConsentTime    *time.Time `db:"consent_time" json:"consent_time,omitempty"`
	VersionID      int        `db:"version_id" json:"version_id"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// FullName returns the display name.
func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Age returns completed years at the given instant.
func (p *Patient) Age(now time.Time) int {
	years := now.Year() - p.DateOfBirth.Year()
	anniversary := p.DateOfBirth.AddDate(years, 0, 0)
	if anniversary.After(now) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}
