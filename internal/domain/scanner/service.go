package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctflow/ctflow/internal/platform/db"
)

// ScanRequeuer flips a departing scanner's scheduled scans back into the
// queue. The scan lifecycle service satisfies this directly. It runs
// inside the ledger transaction; the returned closure publishes the
// per-scan events and must only be called after that transaction
// commits (nil when nothing moved).
type ScanRequeuer interface {
	RequeueScheduledByScanner(ctx context.Context, scannerID uuid.UUID, actor, reason string) (int, func(), error)
}

// AuditSink records ledger changes on the audit trail. Failures are the
// implementation's to log.
type AuditSink interface {
	RecordScannerEvent(ctx context.Context, action string, scannerID uuid.UUID, actor string, detail map[string]interface{})
}

// StatusSink receives committed ledger status changes, feeding the
// scanners dashboard room.
type StatusSink interface {
	ScannerStatusChanged(ctx context.Context, sc *Scanner, previous string)
}

// Fallback operational window when neither the request nor configuration
// supplies one.
const (
	defaultOperationalStart = "08:00"
	defaultOperationalEnd   = "20:00"
)

type Service struct {
	repo         Repository
	pool         *pgxpool.Pool
	requeuer     ScanRequeuer
	audit        AuditSink
	sink         StatusSink
	defaultStart string
	defaultEnd   string
}

func NewService(repo Repository, pool *pgxpool.Pool) *Service {
	return &Service{
		repo:         repo,
		pool:         pool,
		defaultStart: defaultOperationalStart,
		defaultEnd:   defaultOperationalEnd,
	}
}

// SetScanRequeuer attaches the requeue hook used when a scanner leaves
// service with scans still scheduled on it.
func (s *Service) SetScanRequeuer(r ScanRequeuer) { s.requeuer = r }

// SetAuditSink attaches the audit trail recorder.
func (s *Service) SetAuditSink(a AuditSink) { s.audit = a }

// SetStatusSink subscribes a sink to committed status changes.
func (s *Service) SetStatusSink(sink StatusSink) { s.sink = sink }

// SetOperationalDefaults overrides the configured operational window
// applied to scanners registered without one.
func (s *Service) SetOperationalDefaults(start, end string) {
	if start != "" {
		s.defaultStart = start
	}
	if end != "" {
		s.defaultEnd = end
	}
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.pool == nil {
		return fn(ctx)
	}
	return db.WithTx(ctx, s.pool, fn)
}

func validWindowTime(v string) bool {
	_, err := time.Parse("15:04", v)
	return err == nil
}

// Create registers a new scanner in the ledger. Missing operational
// values fall back to the configured defaults and the scanner starts
// available with zeroed counters.
func (s *Service) Create(ctx context.Context, sc *Scanner) error {
	if strings.TrimSpace(sc.Code) == "" {
		return fmt.Errorf("code is required")
	}
	if strings.TrimSpace(sc.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if sc.Modality == "" {
		sc.Modality = DefaultModality
	}
	if sc.OperationalStart == "" {
		sc.OperationalStart = s.defaultStart
	}
	if sc.OperationalEnd == "" {
		sc.OperationalEnd = s.defaultEnd
	}
	if !validWindowTime(sc.OperationalStart) || !validWindowTime(sc.OperationalEnd) {
		return fmt.Errorf("operational window must be HH:MM")
	}
	if sc.AvgScanDurationMinutes <= 0 {
		sc.AvgScanDurationMinutes = DefaultAvgScanDuration
	}
	if sc.DailyCapacity <= 0 {
		sc.DailyCapacity = DefaultDailyCapacity
	}

	if existing, err := s.repo.GetByCode(ctx, sc.Code); err == nil && existing != nil {
		return fmt.Errorf("scanner code %s already exists", sc.Code)
	}

	sc.Status = StatusAvailable
	sc.TodayScansScheduled = 0
	sc.TodayScansCompleted = 0
	sc.CountersDate = time.Now()
	return s.repo.Create(ctx, sc)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Scanner, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByCode(ctx context.Context, code string) (*Scanner, error) {
	return s.repo.GetByCode(ctx, code)
}

func (s *Service) List(ctx context.Context, status string, limit, offset int) ([]*Scanner, int, error) {
	return s.repo.List(ctx, status, limit, offset)
}

// Update rewrites the administrative fields. Status changes go through
// SetStatus so the ledger rules and requeue side effects always apply;
// the counters never move here.
func (s *Service) Update(ctx context.Context, in *Scanner) error {
	existing, err := s.repo.GetByID(ctx, in.ID)
	if err != nil {
		return err
	}
	if in.Status != "" && in.Status != existing.Status {
		return fmt.Errorf("status changes must go through the status endpoint")
	}
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if in.OperationalStart != "" {
		if !validWindowTime(in.OperationalStart) {
			return fmt.Errorf("operational window must be HH:MM")
		}
		existing.OperationalStart = in.OperationalStart
	}
	if in.OperationalEnd != "" {
		if !validWindowTime(in.OperationalEnd) {
			return fmt.Errorf("operational window must be HH:MM")
		}
		existing.OperationalEnd = in.OperationalEnd
	}
	existing.Name = in.Name
	existing.Location = in.Location
	if in.Modality != "" {
		existing.Modality = in.Modality
	}
	if in.AvgScanDurationMinutes > 0 {
		existing.AvgScanDurationMinutes = in.AvgScanDurationMinutes
	}
	if in.DailyCapacity > 0 {
		existing.DailyCapacity = in.DailyCapacity
	}
	existing.NextMaintenance = in.NextMaintenance
	existing.MaintenanceNote = in.MaintenanceNote

	if err := s.repo.Update(ctx, existing); err != nil {
		return err
	}
	*in = *existing
	return nil
}

// SetStatus moves the scanner along one ledger edge. Leaving service
// requeues every scheduled scan and hands the reservations back inside
// the same transaction, so capacity never leaks and the next ranking
// pass can re-place the work.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, target, actor string, note *string) (*Scanner, error) {
	var out *Scanner
	var prev string
	var emitRequeued func()
	err := s.inTx(ctx, func(ctx context.Context) error {
		sc, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := ValidateStatusChange(sc.Status, target); err != nil {
			return err
		}
		prev = sc.Status
		now := time.Now().UTC()

		requeued := 0
		if (target == StatusMaintenance || target == StatusOutOfService) && s.requeuer != nil {
			n, emit, err := s.requeuer.RequeueScheduledByScanner(ctx, sc.ID, actor, "scanner "+target)
			if err != nil {
				return err
			}
			requeued = n
			emitRequeued = emit
		}

		switch target {
		case StatusMaintenance:
			if note != nil {
				sc.MaintenanceNote = note
			}
		case StatusAvailable:
			if prev == StatusMaintenance {
				sc.LastMaintenance = &now
			}
		}

		sc.Status = target
		if err := s.repo.Update(ctx, sc); err != nil {
			return err
		}
		if requeued > 0 {
			if err := s.repo.DecrementScheduled(ctx, sc.ID, requeued); err != nil {
				return err
			}
		}

		if s.audit != nil {
			s.audit.RecordScannerEvent(ctx, "status_change", sc.ID, actor, map[string]interface{}{
				"from":     prev,
				"to":       target,
				"requeued": requeued,
			})
		}

		// Re-read so the caller sees the post-decrement counters.
		out, err = s.repo.GetByID(ctx, sc.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	// Requeue events only leave the process once the transaction has
	// committed; a rollback must not broadcast phantom requeues.
	if emitRequeued != nil {
		emitRequeued()
	}
	if s.sink != nil {
		s.sink.ScannerStatusChanged(ctx, out, prev)
	}
	return out, nil
}

// Reserve claims a scheduling slot on behalf of the scan lifecycle. The
// version read here feeds the guarded update; losing the check means a
// concurrent scheduler touched the row first.
func (s *Service) Reserve(ctx context.Context, id uuid.UUID) error {
	sc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sc.Status != StatusAvailable {
		return fmt.Errorf("scanner %s is %s", sc.Code, sc.Status)
	}
	return s.repo.Reserve(ctx, id, sc.VersionID)
}

// MarkInUse flags the scanner as actively scanning.
func (s *Service) MarkInUse(ctx context.Context, id uuid.UUID) error {
	return s.repo.MarkInUse(ctx, id)
}

// Release hands a reservation back; completed releases also advance the
// completed counter.
func (s *Service) Release(ctx context.Context, id uuid.UUID, completed bool) error {
	return s.repo.Release(ctx, id, completed)
}

// UtilizationReport returns every scanner's load for the dashboard.
// Counters belonging to a previous day read as zero.
func (s *Service) UtilizationReport(ctx context.Context) ([]UtilizationEntry, error) {
	scanners, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	entries := make([]UtilizationEntry, 0, len(scanners))
	for _, sc := range scanners {
		scheduled, completed := sc.TodayScansScheduled, sc.TodayScansCompleted
		if !sc.CountersCurrent(now) {
			scheduled, completed = 0, 0
		}
		utilization := 0.0
		if sc.DailyCapacity > 0 {
			utilization = float64(scheduled) / float64(sc.DailyCapacity) * 100
			if utilization > 100 {
				utilization = 100
			}
		}
		entries = append(entries, UtilizationEntry{
			ScannerID:      sc.ID,
			Code:           sc.Code,
			Name:           sc.Name,
			Status:         sc.Status,
			ScansScheduled: scheduled,
			ScansCompleted: completed,
			DailyCapacity:  sc.DailyCapacity,
			Utilization:    utilization,
		})
	}
	return entries, nil
}
