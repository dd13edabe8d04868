package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ctflow/ctflow/internal/platform/cache"
)

// Queue-runner lock shared across replicas. The TTL bounds how long a
// crashed runner can block the next pass.
const (
	queueLockKey = "workflow:queue:lock"
	queueLockTTL = 30 * time.Second

	// actorScheduler is the principal recorded on transitions the queue
	// runner performs on its own.
	actorScheduler = "queue-scheduler"

	// ScansPerScannerHour is the sustained throughput assumed by the
	// capacity forecast.
	ScansPerScannerHour = 2

	// DefaultForecastHours is the horizon used when the caller does not
	// ask for one. MaxForecastHours caps runaway requests.
	DefaultForecastHours = 8
	MaxForecastHours     = 48
)

var (
	// ErrNoCapacity reports that no scanner could take the scan this pass.
	ErrNoCapacity = errors.New("no scanner capacity available")
	// ErrAssignmentConflict reports a reservation lost to a concurrent
	// writer; the scheduler retries the scan once against fresh state.
	ErrAssignmentConflict = errors.New("concurrent assignment conflict")
	// ErrQueueBusy is returned when another replica holds the queue lock.
	ErrQueueBusy = errors.New("queue run already in progress")
	// ErrNotProcessable is returned when intake is asked to process a
	// scan that already moved past the validated pool.
	ErrNotProcessable = errors.New("scan cannot be processed")
)

// ScanInfo is the slice of a scan the workflow engine needs to drive it.
type ScanInfo struct {
	ScanID     uuid.UUID `json:"scan_id"`
	ScanNumber string    `json:"scan_number"`
	PatientID  uuid.UUID `json:"patient_id"`
	OrderedBy  uuid.UUID `json:"ordered_by"`
	Status     string    `json:"status"`
	Urgency    string    `json:"urgency"`
}

// ScanGateway is the slice of the scan lifecycle the scheduler drives.
// Schedule must return ErrNoCapacity when the scanner's daily capacity is
// gone and ErrAssignmentConflict when the reservation loses a concurrent
// version check.
type ScanGateway interface {
	Info(ctx context.Context, scanID uuid.UUID) (*ScanInfo, error)
	Validate(ctx context.Context, scanID uuid.UUID, actor string) error
	Schedule(ctx context.Context, scanID, scannerID uuid.UUID, slot time.Time, actor string) error
}

// PatientGateway moves the patient journey forward as intake progresses.
// Moves to an earlier or identical stage are no-ops for implementations.
type PatientGateway interface {
	Advance(ctx context.Context, patientID uuid.UUID, status, actor string) error
}

// Notifier delivers workflow outcomes to clinicians. Calls are advisory;
// failures are the implementation's to absorb.
type Notifier interface {
	OrderProcessed(ctx context.Context, scan *ScanInfo, scheduled bool)
	EscalateUnplaced(ctx context.Context, scan *ScanInfo)
}

// AuditSink records durable workflow audit events.
type AuditSink interface {
	RecordWorkflowEvent(ctx context.Context, action string, scanID uuid.UUID, actor string, detail map[string]interface{})
}

// QueueSink receives the outcome of each completed queue pass. The
// WebSocket hub subscribes in main to feed live dashboards.
type QueueSink interface {
	QueueCompleted(ctx context.Context, result *QueueResult)
}

// QueueResult summarizes one queue pass. Skipped counts scans that left
// the validated pool between snapshot and assignment.
type QueueResult struct {
	Scheduled   int         `json:"scheduled"`
	Retried     int         `json:"retried"`
	Skipped     int         `json:"skipped"`
	Unscheduled []uuid.UUID `json:"unscheduled"`
	RanAt       time.Time   `json:"ran_at"`
}

// ProcessResult reports what intake did with one order.
type ProcessResult struct {
	ScanID    uuid.UUID    `json:"scan_id"`
	Status    string       `json:"status"`
	Scheduled bool         `json:"scheduled"`
	Escalated bool         `json:"escalated"`
	Queue     *QueueResult `json:"queue,omitempty"`
}

// Service orchestrates order intake and scanner scheduling. It owns no
// tables of its own: every write goes through the scan and patient
// domains, each of which is transactional on its own.
type Service struct {
	repo     Repository
	scans    ScanGateway
	patients PatientGateway
	locks    cache.Store
	rules    Rules
	notifier Notifier
	audit    AuditSink
	sink     QueueSink
	logger   zerolog.Logger
}

func NewService(repo Repository, scans ScanGateway, locks cache.Store) *Service {
	return &Service{repo: repo, scans: scans, locks: locks, rules: DefaultRules(), logger: zerolog.Nop()}
}

// SetLogger attaches the logger used for per-scan scheduling outcomes.
func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// SetRules overrides the stock scheduling constraints.
func (s *Service) SetRules(r Rules) { s.rules = r.withDefaults() }

// SetPatientGateway attaches the patient journey intake advances.
func (s *Service) SetPatientGateway(p PatientGateway) { s.patients = p }

// SetNotifier attaches the clinician notification channel.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetAuditSink attaches the audit trail recorder.
func (s *Service) SetAuditSink(a AuditSink) { s.audit = a }

// SetQueueSink subscribes a sink to completed queue passes.
func (s *Service) SetQueueSink(q QueueSink) { s.sink = q }

func (s *Service) loadSnapshot(ctx context.Context) (*Snapshot, error) {
	scans, err := s.repo.ValidatedScans(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scan queue: %w", err)
	}
	scanners, err := s.repo.ScannerStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scanner states: %w", err)
	}
	return &Snapshot{Now: time.Now(), Scans: scans, Scanners: scanners}, nil
}

// RunQueue executes one scheduling pass: snapshot, rank, then commit each
// assignment through the scan lifecycle. A Redis lock keeps passes from
// overlapping across replicas; a lost reservation race is retried once
// against fresh state before the scan is declared unscheduled.
func (s *Service) RunQueue(ctx context.Context) (*QueueResult, error) {
	if s.locks != nil {
		ok, err := s.locks.SetNX(ctx, queueLockKey, actorScheduler, queueLockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire queue lock: %w", err)
		}
		if !ok {
			return nil, ErrQueueBusy
		}
		defer func() { _ = s.locks.Delete(ctx, queueLockKey) }()
	}

	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	plan := RankQueue(*snap, s.rules)

	result := &QueueResult{RanAt: snap.Now, Unscheduled: []uuid.UUID{}}
	for _, a := range plan.Assignments {
		err := s.scans.Schedule(ctx, a.ScanID, a.ScannerID, a.SlotTime, actorScheduler)
		switch {
		case err == nil:
			result.Scheduled++
		case errors.Is(err, ErrAssignmentConflict):
			result.Retried++
			if s.retryAssignment(ctx, a.ScanID) {
				result.Scheduled++
			} else {
				result.Unscheduled = append(result.Unscheduled, a.ScanID)
			}
		case errors.Is(err, ErrNoCapacity):
			result.Unscheduled = append(result.Unscheduled, a.ScanID)
		default:
			// Usually the scan moved on between snapshot and assignment
			// (a cancellation, a manual booking). Logged so a persistent
			// failure, a broken gateway say, does not hide here.
			s.logger.Warn().
				Err(err).
				Str("scan_id", a.ScanID.String()).
				Str("scanner_id", a.ScannerID.String()).
				Msg("queue assignment skipped")
			result.Skipped++
		}
	}
	result.Unscheduled = append(result.Unscheduled, plan.Unscheduled...)

	if s.sink != nil {
		s.sink.QueueCompleted(ctx, result)
	}
	return result, nil
}

// retryAssignment re-ranks a single contested scan against a fresh
// snapshot and tries to commit the new proposal. One retry only; a second
// loss counts as no capacity.
func (s *Service) retryAssignment(ctx context.Context, scanID uuid.UUID) bool {
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return false
	}
	var target *QueueScan
	for i := range snap.Scans {
		if snap.Scans[i].ScanID == scanID {
			target = &snap.Scans[i]
			break
		}
	}
	if target == nil {
		// The contested scan left the validated pool meanwhile.
		return false
	}
	snap.Scans = []QueueScan{*target}
	plan := RankQueue(*snap, s.rules)
	if len(plan.Assignments) == 0 {
		return false
	}
	a := plan.Assignments[0]
	return s.scans.Schedule(ctx, a.ScanID, a.ScannerID, a.SlotTime, actorScheduler) == nil
}

// ProcessOrder runs the intake pipeline for one order: validate it,
// advance the patient to the waiting stage, run a scheduling pass, and
// escalate an immediate scan that no scanner could take. Every step is
// transactional on its own, so a failure leaves the last consistent
// state rather than a partial write.
func (s *Service) ProcessOrder(ctx context.Context, scanID uuid.UUID, actor string) (*ProcessResult, error) {
	info, err := s.scans.Info(ctx, scanID)
	if err != nil {
		return nil, err
	}

	switch info.Status {
	case scanOrdered:
		if err := s.scans.Validate(ctx, scanID, actor); err != nil {
			return nil, fmt.Errorf("validate scan %s: %w", info.ScanNumber, err)
		}
	case scanValidated:
		// Already validated; go straight to scheduling.
	default:
		return nil, fmt.Errorf("%w: scan %s is %s", ErrNotProcessable, info.ScanNumber, info.Status)
	}

	if s.patients != nil {
		if err := s.patients.Advance(ctx, info.PatientID, journeyWaiting, actor); err != nil {
			return nil, fmt.Errorf("advance patient journey: %w", err)
		}
	}

	queue, err := s.RunQueue(ctx)
	if err != nil {
		if !errors.Is(err, ErrQueueBusy) {
			return nil, fmt.Errorf("queue pass: %w", err)
		}
		// Another replica is draining the queue; this scan rides along
		// with that pass.
		queue = nil
	}

	refreshed, err := s.scans.Info(ctx, scanID)
	if err != nil {
		return nil, err
	}

	res := &ProcessResult{
		ScanID:    scanID,
		Status:    refreshed.Status,
		Scheduled: refreshed.Status == scanScheduled,
		Queue:     queue,
	}
	if !res.Scheduled && refreshed.Urgency == UrgencyImmediate {
		res.Escalated = true
		if s.audit != nil {
			s.audit.RecordWorkflowEvent(ctx, "escalation", scanID, actor, map[string]interface{}{
				"scan_number": refreshed.ScanNumber,
				"urgency":     refreshed.Urgency,
				"reason":      "no scanner capacity for immediate scan",
			})
		}
		if s.notifier != nil {
			s.notifier.EscalateUnplaced(ctx, refreshed)
		}
	}
	if s.notifier != nil {
		s.notifier.OrderProcessed(ctx, refreshed, res.Scheduled)
	}
	return res, nil
}

// Queue returns the ranked queue with the slots a pass would hand out
// right now. Purely advisory: nothing is reserved.
func (s *Service) Queue(ctx context.Context) (*QueueView, error) {
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	plan := RankQueue(*snap, s.rules)

	proposals := make(map[uuid.UUID]Assignment, len(plan.Assignments))
	for _, a := range plan.Assignments {
		proposals[a.ScanID] = a
	}

	ordered := OrderScans(snap.Scans)
	entries := make([]QueueEntry, 0, len(ordered))
	for i, sc := range ordered {
		e := QueueEntry{QueueScan: sc, Position: i + 1}
		if a, ok := proposals[sc.ScanID]; ok {
			scannerID, slot := a.ScannerID, a.SlotTime
			e.ProposedScanner = &scannerID
			e.ProposedSlot = &slot
		}
		entries = append(entries, e)
	}
	return &QueueView{GeneratedAt: snap.Now, Entries: entries}, nil
}

// ForecastLoad projects hourly demand against fleet capacity. Orders not
// yet on a scanner land in the first hour, since a queue pass would place
// them as soon as possible.
func (s *Service) ForecastLoad(ctx context.Context, hours int) (*Forecast, error) {
	if hours <= 0 {
		hours = DefaultForecastHours
	}
	if hours > MaxForecastHours {
		hours = MaxForecastHours
	}

	start := time.Now().UTC().Truncate(time.Hour)
	end := start.Add(time.Duration(hours) * time.Hour)

	active, err := s.repo.CountActiveScanners(ctx)
	if err != nil {
		return nil, err
	}
	demand, err := s.repo.ScheduledPerHour(ctx, start, end)
	if err != nil {
		return nil, err
	}
	pending, err := s.repo.CountPendingScans(ctx)
	if err != nil {
		return nil, err
	}

	capacity := active * ScansPerScannerHour
	entries := make([]ForecastEntry, 0, hours)
	for i := 0; i < hours; i++ {
		hour := start.Add(time.Duration(i) * time.Hour)
		d := demand[hour.Unix()]
		if i == 0 {
			d += pending
		}
		entries = append(entries, forecastEntry(hour, capacity, d))
	}

	return &Forecast{
		GeneratedAt:    time.Now(),
		Hours:          hours,
		ActiveScanners: active,
		Entries:        entries,
	}, nil
}

func forecastEntry(hour time.Time, capacity, demand int) ForecastEntry {
	e := ForecastEntry{Hour: hour, Capacity: capacity, Demand: demand}
	switch {
	case capacity > 0:
		e.LoadPct = math.Round(float64(demand)/float64(capacity)*1000) / 10
	case demand > 0:
		// No scanners in service but work queued: saturated by definition.
		e.LoadPct = 100
	}
	e.Level = classifyLoad(e.LoadPct)
	return e
}
