package scan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctflow/ctflow/internal/platform/auth"
	"github.com/ctflow/ctflow/internal/platform/db"
)

// ErrNoCapacity is returned when no scanner can accept the scan right now.
// The scan stays in its queue position and is retried on the next ranking
// pass.
var ErrNoCapacity = errors.New("no scanner capacity available")

// ErrSchedulingConflict is returned when a scanner reservation loses its
// version check to a concurrent writer.
var ErrSchedulingConflict = errors.New("concurrent scheduling conflict")

// ErrReportRoleRequired is returned when a non-radiologist attempts the
// completed→reported transition.
var ErrReportRoleRequired = errors.New("radiologist role required to file a report")

// ScannerLedger is the slice of the scanner resource ledger the scan
// lifecycle drives. Reserve must return ErrNoCapacity when the scanner's
// daily capacity is exhausted and ErrSchedulingConflict when it loses a
// concurrent version check; both leave the ledger untouched.
type ScannerLedger interface {
	Reserve(ctx context.Context, scannerID uuid.UUID) error
	MarkInUse(ctx context.Context, scannerID uuid.UUID) error
	Release(ctx context.Context, scannerID uuid.UUID, completed bool) error
}

// PatientJourney advances the patient's journey as scans progress.
// Implementations treat a move to an earlier or identical journey stage as
// a no-op rather than an error, so parallel scans for one patient do not
// fight each other.
type PatientJourney interface {
	Exists(ctx context.Context, patientID uuid.UUID) (bool, error)
	Advance(ctx context.Context, patientID uuid.UUID, status, actor string) error
}

// TransitionSink receives lifecycle events after they commit. The
// WebSocket hub and the notification dispatcher subscribe in main.
type TransitionSink interface {
	ScanTransitioned(ctx context.Context, ev TransitionEvent)
	CriticalFinding(ctx context.Context, ev TransitionEvent)
}

// AuditSink records durable audit entries for lifecycle actions. Failures
// are the implementation's to log; they never veto a transition.
type AuditSink interface {
	RecordScanEvent(ctx context.Context, action string, scanID uuid.UUID, actor string, detail map[string]interface{})
}

type Service struct {
	repo     Repository
	pool     *pgxpool.Pool
	scanners ScannerLedger
	patients PatientJourney
	sinks    []TransitionSink
	audit    AuditSink
}

func NewService(repo Repository, pool *pgxpool.Pool) *Service {
	return &Service{repo: repo, pool: pool}
}

// SetScannerLedger attaches the scanner ledger used by scheduling,
// start, completion and cancellation transitions.
func (s *Service) SetScannerLedger(l ScannerLedger) { s.scanners = l }

// SetPatientJourney attaches the patient journey the lifecycle advances.
func (s *Service) SetPatientJourney(p PatientJourney) { s.patients = p }

// AddTransitionSink subscribes a sink to committed lifecycle events.
func (s *Service) AddTransitionSink(sink TransitionSink) { s.sinks = append(s.sinks, sink) }

// SetAuditSink attaches the audit trail recorder.
func (s *Service) SetAuditSink(a AuditSink) { s.audit = a }

// inTx runs fn inside a database transaction when a pool is configured.
// Tests wire the service with in-memory repositories and no pool.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.pool == nil {
		return fn(ctx)
	}
	return db.WithTx(ctx, s.pool, fn)
}

// generateScanNumber builds a human-readable order number:
// CT-YYYYMMDDHHMMSS-XXXX with a random 4-hex-digit suffix.
func generateScanNumber(now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("CT-%s-%04X", now.UTC().Format("20060102150405"), binary.BigEndian.Uint16(u[0:2]))
}

// Create registers a new scan order. The order is classified before it is
// stored: urgency and appropriateness are derived from the clinical inputs,
// the scan number is generated and the lifecycle starts at ordered.
func (s *Service) Create(ctx context.Context, sc *Scan) error {
	if sc.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if sc.OrderedBy == uuid.Nil {
		return fmt.Errorf("ordered_by is required")
	}
	if strings.TrimSpace(sc.Indication) == "" {
		return fmt.Errorf("indication is required")
	}
	if sc.ContrastMode == "" {
		sc.ContrastMode = ContrastNone
	}
	if !validContrastModes[sc.ContrastMode] {
		return fmt.Errorf("invalid contrast_mode: %s", sc.ContrastMode)
	}

	if s.patients != nil {
		ok, err := s.patients.Exists(ctx, sc.PatientID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("patient %s not found", sc.PatientID)
		}
	}

	cls, err := Classify(classifyInputFromScan(sc))
	if err != nil {
		return err
	}
	sc.Urgency = cls.Urgency
	sc.Appropriateness = cls.Appropriateness

	sc.Status = StatusOrdered
	if sc.OrderedAt.IsZero() {
		sc.OrderedAt = time.Now().UTC()
	}
	sc.ScanNumber = generateScanNumber(sc.OrderedAt)

	if err := s.repo.Create(ctx, sc); err != nil {
		return err
	}
	s.recordAudit(ctx, "scan_ordered", sc.ID, sc.OrderedBy.String(), map[string]interface{}{
		"scan_number": sc.ScanNumber,
		"urgency":     sc.Urgency,
	})
	s.emit(ctx, TransitionEvent{
		ScanID:         sc.ID,
		ScanNumber:     sc.ScanNumber,
		PreviousStatus: "",
		NewStatus:      StatusOrdered,
		Timestamp:      sc.OrderedAt,
		Actor:          sc.OrderedBy.String(),
	})
	return nil
}

func classifyInputFromScan(sc *Scan) ClassifyInput {
	in := ClassifyInput{
		Indication:   sc.Indication,
		GCSScore:     sc.GCSScore,
		SymptomOnset: sc.SymptomOnset,
	}
	if sc.ClinicalHistory != nil {
		in.ClinicalHistory = *sc.ClinicalHistory
	}
	if sc.Symptoms != nil {
		in.Symptoms = *sc.Symptoms
	}
	return in
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Scan, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByNumber(ctx context.Context, scanNumber string) (*Scan, error) {
	return s.repo.GetByNumber(ctx, scanNumber)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Scan, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Scan, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*Scan, int, error) {
	return s.repo.ListByStatus(ctx, status, limit, offset)
}

func (s *Service) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Scan, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

func (s *Service) StatusHistory(ctx context.Context, scanID uuid.UUID) ([]*StatusChange, error) {
	return s.repo.GetStatusHistory(ctx, scanID)
}

// Update rewrites the clinical fields of an order and re-runs the
// classification. Terminal scans reject updates, except that a reported
// scan still accepts report-text corrections.
func (s *Service) Update(ctx context.Context, in *Scan) error {
	existing, err := s.repo.GetByID(ctx, in.ID)
	if err != nil {
		return err
	}

	if existing.Status == StatusCancelled {
		return fmt.Errorf("cannot update a cancelled scan")
	}
	if existing.Status == StatusReported {
		// Only report text may change after reporting.
		existing.PreliminaryReport = in.PreliminaryReport
		existing.FinalReport = in.FinalReport
		existing.CriticalFindings = in.CriticalFindings
		return s.repo.Update(ctx, existing)
	}

	if strings.TrimSpace(in.Indication) == "" {
		return fmt.Errorf("indication is required")
	}
	if in.ContrastMode != "" && !validContrastModes[in.ContrastMode] {
		return fmt.Errorf("invalid contrast_mode: %s", in.ContrastMode)
	}

	existing.Indication = in.Indication
	existing.ClinicalHistory = in.ClinicalHistory
	existing.Symptoms = in.Symptoms
	existing.GCSScore = in.GCSScore
	existing.NeuroFindings = in.NeuroFindings
	existing.SymptomOnset = in.SymptomOnset
	if in.ContrastMode != "" {
		existing.ContrastMode = in.ContrastMode
	}
	existing.PreliminaryReport = in.PreliminaryReport
	existing.CriticalFindings = in.CriticalFindings

	cls, err := Classify(classifyInputFromScan(existing))
	if err != nil {
		return err
	}
	existing.Urgency = cls.Urgency
	existing.Appropriateness = cls.Appropriateness

	if err := s.repo.Update(ctx, existing); err != nil {
		return err
	}
	*in = *existing
	return nil
}

// Transition moves a scan along one lifecycle edge. All validation runs
// before anything is written; the status update, the history row, ledger
// side effects and the audit entry share one transaction. Sinks fire only
// after the transaction commits.
func (s *Service) Transition(ctx context.Context, scanID uuid.UUID, target, actor, role string, payload TransitionPayload) error {
	if target == "" {
		return fmt.Errorf("target status is required")
	}

	var ev TransitionEvent
	var critical bool
	err := s.inTx(ctx, func(ctx context.Context) error {
		sc, err := s.repo.GetByID(ctx, scanID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(sc.Status, target); err != nil {
			return err
		}

		from := sc.Status
		now := time.Now().UTC()

		switch target {
		case StatusValidated:
			if sc.Urgency == "" {
				return fmt.Errorf("scan has no urgency classification")
			}

		case StatusScheduled:
			if payload.ScannerID == nil || *payload.ScannerID == uuid.Nil {
				return fmt.Errorf("scanner_id is required to schedule")
			}
			if payload.ScheduledTime == nil {
				return fmt.Errorf("scheduled_time is required to schedule")
			}
			if s.scanners != nil {
				if err := s.scanners.Reserve(ctx, *payload.ScannerID); err != nil {
					return err
				}
			}
			sc.ScannerID = payload.ScannerID
			sc.ScheduledTime = payload.ScheduledTime

		case StatusInPrep:
			// History row only; the patient journey advances below.

		case StatusInProgress:
			sc.StartedTime = &now
			// A scan taken early collapses its booked slot to the actual
			// start, keeping scheduled_time <= started_time.
			if sc.ScheduledTime != nil && sc.ScheduledTime.After(now) {
				sc.ScheduledTime = &now
			}
			if sc.ScannerID != nil && s.scanners != nil {
				if err := s.scanners.MarkInUse(ctx, *sc.ScannerID); err != nil {
					return err
				}
			}

		case StatusCompleted:
			sc.CompletedTime = &now
			if sc.ScannerID != nil && s.scanners != nil {
				if err := s.scanners.Release(ctx, *sc.ScannerID, true); err != nil {
					return err
				}
			}

		case StatusReported:
			if !auth.HasRole(role, auth.RoleRadiologist) {
				return ErrReportRoleRequired
			}
			if payload.FinalReport != nil && strings.TrimSpace(*payload.FinalReport) != "" {
				sc.FinalReport = payload.FinalReport
			}
			if sc.FinalReport == nil || strings.TrimSpace(*sc.FinalReport) == "" {
				return fmt.Errorf("final report is required before reporting")
			}
			sc.ReportedTime = &now
			if payload.RadiologistID != nil {
				sc.RadiologistID = payload.RadiologistID
			} else if id, err := uuid.Parse(actor); err == nil {
				sc.RadiologistID = &id
			}

		case StatusCancelled:
			if payload.Reason == nil || strings.TrimSpace(*payload.Reason) == "" {
				return fmt.Errorf("cancellation reason is required")
			}
			sc.CancelledTime = &now
			sc.CancellationReason = payload.Reason
			// Capacity never leaks: an unfinished reservation is handed
			// back in the same transaction.
			if reservationHeld(from) && sc.ScannerID != nil && s.scanners != nil {
				if err := s.scanners.Release(ctx, *sc.ScannerID, false); err != nil {
					return err
				}
			}
		}

		sc.Status = target
		if err := s.repo.Update(ctx, sc); err != nil {
			return err
		}
		if err := s.repo.AddStatusChange(ctx, &StatusChange{
			ScanID:     sc.ID,
			FromStatus: from,
			ToStatus:   target,
			ChangedBy:  actor,
			ChangedAt:  now,
			Reason:     payload.Reason,
		}); err != nil {
			return err
		}

		if err := s.advanceJourney(ctx, sc, target, actor); err != nil {
			return err
		}

		s.recordAudit(ctx, auditActionFor(target), sc.ID, actor, map[string]interface{}{
			"from": from,
			"to":   target,
		})

		critical = sc.CriticalFindings && target == StatusReported
		ev = TransitionEvent{
			ScanID:         sc.ID,
			ScanNumber:     sc.ScanNumber,
			PreviousStatus: from,
			NewStatus:      target,
			Timestamp:      now,
			Actor:          actor,
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.emit(ctx, ev)
	if critical {
		s.emitCritical(ctx, ev)
	}
	return nil
}

// reservationHeld reports whether a scan in the given status holds scanner
// capacity that cancellation must hand back.
func reservationHeld(status string) bool {
	switch status {
	case StatusScheduled, StatusInPrep, StatusInProgress:
		return true
	}
	return false
}

func (s *Service) advanceJourney(ctx context.Context, sc *Scan, target, actor string) error {
	if s.patients == nil {
		return nil
	}
	switch target {
	case StatusInPrep:
		return s.patients.Advance(ctx, sc.PatientID, "in_prep", actor)
	case StatusInProgress:
		return s.patients.Advance(ctx, sc.PatientID, "in_scan", actor)
	case StatusCompleted:
		return s.patients.Advance(ctx, sc.PatientID, "post_scan", actor)
	case StatusReported:
		return s.patients.Advance(ctx, sc.PatientID, "completed", actor)
	case StatusCancelled:
		n, err := s.repo.CountActiveByPatient(ctx, sc.PatientID)
		if err != nil {
			return err
		}
		if n == 0 {
			return s.patients.Advance(ctx, sc.PatientID, "cancelled", actor)
		}
	}
	return nil
}

func auditActionFor(target string) string {
	switch target {
	case StatusValidated:
		return "scan_validated"
	case StatusScheduled:
		return "scan_scheduled"
	case StatusInProgress:
		return "scan_started"
	case StatusCompleted:
		return "scan_completed"
	case StatusReported:
		return "report_generated"
	case StatusCancelled:
		return "scan_cancelled"
	}
	return "status_change"
}

// Cancel is a convenience wrapper over Transition to cancelled.
func (s *Service) Cancel(ctx context.Context, scanID uuid.UUID, actor, role, reason string) error {
	r := strings.TrimSpace(reason)
	if r == "" {
		return fmt.Errorf("cancellation reason is required")
	}
	return s.Transition(ctx, scanID, StatusCancelled, actor, role, TransitionPayload{Reason: &r})
}

// AttachReport records preliminary or final report text and the critical
// findings flag. A newly raised critical finding is broadcast and routed
// to the ordering physician.
func (s *Service) AttachReport(ctx context.Context, scanID uuid.UUID, actor string, preliminary, final *string, criticalFindings bool) error {
	var ev TransitionEvent
	var raised bool
	err := s.inTx(ctx, func(ctx context.Context) error {
		sc, err := s.repo.GetByID(ctx, scanID)
		if err != nil {
			return err
		}
		if sc.Status == StatusCancelled {
			return fmt.Errorf("cannot attach a report to a cancelled scan")
		}
		if preliminary != nil {
			sc.PreliminaryReport = preliminary
		}
		if final != nil {
			sc.FinalReport = final
		}
		raised = criticalFindings && !sc.CriticalFindings
		sc.CriticalFindings = sc.CriticalFindings || criticalFindings

		if err := s.repo.Update(ctx, sc); err != nil {
			return err
		}
		if raised {
			s.recordAudit(ctx, "escalation", sc.ID, actor, map[string]interface{}{
				"critical_findings": true,
			})
		}
		ev = TransitionEvent{
			ScanID:     sc.ID,
			ScanNumber: sc.ScanNumber,
			NewStatus:  sc.Status,
			Timestamp:  time.Now().UTC(),
			Actor:      actor,
		}
		return nil
	})
	if err != nil {
		return err
	}
	if raised {
		s.emitCritical(ctx, ev)
	}
	return nil
}

// RequeueScheduledByScanner flips every scheduled scan on the given
// scanner back to validated so the next ranking pass can re-place it.
// This is the one sanctioned backward edge; it exists only for scanners
// leaving service and always leaves a history row. It runs inside the
// caller's transaction, so instead of emitting the per-scan events
// itself it returns them as a closure the caller invokes once that
// transaction has committed; nil when nothing moved.
func (s *Service) RequeueScheduledByScanner(ctx context.Context, scannerID uuid.UUID, actor, reason string) (int, func(), error) {
	scans, err := s.repo.ListByScannerAndStatus(ctx, scannerID, StatusScheduled)
	if err != nil {
		return 0, nil, err
	}
	now := time.Now().UTC()
	r := reason
	events := make([]TransitionEvent, 0, len(scans))
	for _, sc := range scans {
		sc.Status = StatusValidated
		sc.ScannerID = nil
		sc.ScheduledTime = nil
		if err := s.repo.Update(ctx, sc); err != nil {
			return 0, nil, err
		}
		if err := s.repo.AddStatusChange(ctx, &StatusChange{
			ScanID:     sc.ID,
			FromStatus: StatusScheduled,
			ToStatus:   StatusValidated,
			ChangedBy:  actor,
			ChangedAt:  now,
			Reason:     &r,
		}); err != nil {
			return 0, nil, err
		}
		events = append(events, TransitionEvent{
			ScanID:         sc.ID,
			ScanNumber:     sc.ScanNumber,
			PreviousStatus: StatusScheduled,
			NewStatus:      StatusValidated,
			Timestamp:      now,
			Actor:          actor,
		})
	}
	if len(events) == 0 {
		return 0, nil, nil
	}
	emit := func() {
		for _, ev := range events {
			s.emit(ctx, ev)
		}
	}
	return len(events), emit, nil
}

func (s *Service) emit(ctx context.Context, ev TransitionEvent) {
	for _, sink := range s.sinks {
		sink.ScanTransitioned(ctx, ev)
	}
}

func (s *Service) emitCritical(ctx context.Context, ev TransitionEvent) {
	for _, sink := range s.sinks {
		sink.CriticalFinding(ctx, ev)
	}
}

func (s *Service) recordAudit(ctx context.Context, action string, scanID uuid.UUID, actor string, detail map[string]interface{}) {
	if s.audit != nil {
		s.audit.RecordScanEvent(ctx, action, scanID, actor, detail)
	}
}
