package patient

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctflow/ctflow/internal/platform/db"
)

// AuditSink records registration, consent and journey changes on the
// audit trail. Failures are the implementation's to log.
type AuditSink interface {
	RecordPatientEvent(ctx context.Context, action string, patientID uuid.UUID, actor string, detail map[string]interface{})
}

// EventSink receives committed patient changes, feeding the patients
// dashboard room.
type EventSink interface {
	PatientChanged(ctx context.Context, p *Patient, action string)
}

type Service struct {
	repo  Repository
	pool  *pgxpool.Pool
	audit AuditSink
	sink  EventSink
}

func NewService(repo Repository, pool *pgxpool.Pool) *Service {
	return &Service{repo: repo, pool: pool}
}

// SetAuditSink attaches the audit trail recorder.
func (s *Service) SetAuditSink(a AuditSink) { s.audit = a }

// SetEventSink subscribes a sink to committed patient changes.
func (s *Service) SetEventSink(sink EventSink) { s.sink = sink }

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.pool == nil {
		return fn(ctx)
	}
	return db.WithTx(ctx, s.pool, fn)
}

// generateMRN builds a medical record number: MRN- followed by eight hex
// digits.
func generateMRN() string {
	u := uuid.New()
	return fmt.Sprintf("MRN-%08X", binary.BigEndian.Uint32(u[0:4]))
}

// Register admits a patient into the CT workflow. A missing MRN is
// generated; the journey starts at registered.
func (s *Service) Register(ctx context.Context, p *Patient) error {
	if strings.TrimSpace(p.FirstName) == "" {
		return fmt.Errorf("first_name is required")
	}
	if strings.TrimSpace(p.LastName) == "" {
		return fmt.Errorf("last_name is required")
	}
	if p.DateOfBirth.IsZero() {
		return fmt.Errorf("date_of_birth is required")
	}
	if p.DateOfBirth.After(time.Now()) {
		return fmt.Errorf("date_of_birth cannot be in the future")
	}
	if p.AnxietyLevel != nil && !IsValidAnxietyLevel(*p.AnxietyLevel) {
		return fmt.Errorf("invalid anxiety_level: %s", *p.AnxietyLevel)
	}

	if p.MRN == "" {
		p.MRN = generateMRN()
	} else if existing, err := s.repo.GetByMRN(ctx, p.MRN); err == nil && existing != nil {
		return fmt.Errorf("mrn %s already exists", p.MRN)
	}

	p.Status = StatusRegistered
	p.ConsentGiven = false
	p.ConsentTime = nil

	if err := s.repo.Create(ctx, p); err != nil {
		return err
	}
	s.recordAudit(ctx, "create", p.ID, "", map[string]interface{}{"mrn": p.MRN})
	s.notify(ctx, p, "registered")
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return s.repo.GetByMRN(ctx, mrn)
}

// Exists reports whether the patient is known. The scan service checks
// this before accepting an order.
func (s *Service) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.repo.Exists(ctx, id)
}

func (s *Service) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Patient, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

// Update rewrites demographic and visit fields. The journey stage and
// consent are deliberately untouched here; they have their own
// operations. Cancelled patients reject updates.
func (s *Service) Update(ctx context.Context, in *Patient) error {
	existing, err := s.repo.GetByID(ctx, in.ID)
	if err != nil {
		return err
	}
	if existing.Status == StatusCancelled {
		return fmt.Errorf("cannot update a cancelled patient")
	}
	if strings.TrimSpace(in.FirstName) == "" || strings.TrimSpace(in.LastName) == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	if in.AnxietyLevel != nil && !IsValidAnxietyLevel(*in.AnxietyLevel) {
		return fmt.Errorf("invalid anxiety_level: %s", *in.AnxietyLevel)
	}

	existing.ICNumber = in.ICNumber
	existing.FirstName = in.FirstName
	existing.LastName = in.LastName
	if !in.DateOfBirth.IsZero() {
		existing.DateOfBirth = in.DateOfBirth
	}
	if in.Gender != "" {
		existing.Gender = in.Gender
	}
	existing.ContactPhone = in.ContactPhone
	existing.ContactEmail = in.ContactEmail
	existing.EDVisitID = in.EDVisitID
	existing.Ward = in.Ward
	existing.BedNumber = in.BedNumber
	existing.ChiefComplaint = in.ChiefComplaint
	existing.Allergies = in.Allergies
	if in.AnxietyLevel != nil {
		existing.AnxietyLevel = in.AnxietyLevel
	}

	if err := s.repo.Update(ctx, existing); err != nil {
		return err
	}
	*in = *existing
	s.recordAudit(ctx, "update", in.ID, "", nil)
	s.notify(ctx, in, "updated")
	return nil
}

// UpdateStatus moves the journey via the HTTP surface: strictly forward
// or out to cancelled, never standing still.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, target, actor string) (*Patient, error) {
	var out *Patient
	err := s.inTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := ValidateJourneyMove(p.Status, target); err != nil {
			return err
		}
		from := p.Status
		p.Status = target
		if err := s.repo.Update(ctx, p); err != nil {
			return err
		}
		s.recordAudit(ctx, "status_change", p.ID, actor, map[string]interface{}{
			"from": from,
			"to":   target,
		})
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, out, "status_change")
	return out, nil
}

// Advance is the scan-driven journey move. Unlike UpdateStatus it
// tolerates the target sitting at or before the current stage: parallel
// scans for one patient race each other, and the loser's move is simply
// a no-op.
func (s *Service) Advance(ctx context.Context, id uuid.UUID, target, actor string) error {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if IsTerminalStatus(p.Status) {
		return nil
	}
	if JourneyMovesBackward(p.Status, target) {
		return nil
	}
	if err := ValidateJourneyMove(p.Status, target); err != nil {
		return err
	}
	from := p.Status
	p.Status = target
	if err := s.repo.Update(ctx, p); err != nil {
		return err
	}
	s.recordAudit(ctx, "status_change", p.ID, actor, map[string]interface{}{
		"from": from,
		"to":   target,
	})
	s.notify(ctx, p, "status_change")
	return nil
}

// RecordConsent marks the scan consent as given.
func (s *Service) RecordConsent(ctx context.Context, id uuid.UUID, actor string) (*Patient, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusCancelled {
		return nil, fmt.Errorf("cannot record consent for a cancelled patient")
	}
	if p.ConsentGiven {
		return p, nil
	}
	now := time.Now().UTC()
	p.ConsentGiven = true
	p.ConsentTime = &now
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, "consent_given", p.ID, actor, nil)
	s.notify(ctx, p, "consent")
	return p, nil
}

// RecordAnxiety stores the pre-scan anxiety grade used by nursing staff
// to decide on preparation support.
func (s *Service) RecordAnxiety(ctx context.Context, id uuid.UUID, level, actor string) (*Patient, error) {
	if !IsValidAnxietyLevel(level) {
		return nil, fmt.Errorf("invalid anxiety_level: %s", level)
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.AnxietyLevel = &level
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, "update", p.ID, actor, map[string]interface{}{"anxiety_level": level})
	s.notify(ctx, p, "anxiety")
	return p, nil
}

// Delete soft-cancels the journey. Patient rows are never removed.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor string) error {
	_, err := s.UpdateStatus(ctx, id, StatusCancelled, actor)
	return err
}

func (s *Service) notify(ctx context.Context, p *Patient, action string) {
	if s.sink != nil {
		s.sink.PatientChanged(ctx, p, action)
	}
}

func (s *Service) recordAudit(ctx context.Context, action string, patientID uuid.UUID, actor string, detail map[string]interface{}) {
	if s.audit != nil {
		s.audit.RecordPatientEvent(ctx, action, patientID, actor, detail)
	}
}
