package scan

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repository --

type mockRepo struct {
	scans   map[uuid.UUID]*Scan
	history []*StatusChange
}

func newMockRepo() *mockRepo {
	return &mockRepo{scans: make(map[uuid.UUID]*Scan)}
}

func (m *mockRepo) Create(_ context.Context, s *Scan) error {
	s.ID = uuid.New()
	s.VersionID = 1
	s.CreatedAt = time.Now()
	s.UpdatedAt = time.Now()
	cp := *s
	m.scans[s.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Scan, error) {
	s, ok := m.scans[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *s
	return &cp, nil
}

func (m *mockRepo) GetByNumber(_ context.Context, scanNumber string) (*Scan, error) {
	for _, s := range m.scans {
		if s.ScanNumber == scanNumber {
			cp := *s
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockRepo) Update(_ context.Context, s *Scan) error {
	if _, ok := m.scans[s.ID]; !ok {
		return fmt.Errorf("not found")
	}
	s.VersionID++
	cp := *s
	m.scans[s.ID] = &cp
	return nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Scan, int, error) {
	var result []*Scan
	for _, s := range m.scans {
		result = append(result, s)
	}
	return result, len(result), nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Scan, int, error) {
	var result []*Scan
	for _, s := range m.scans {
		if s.PatientID == patientID {
			result = append(result, s)
		}
	}
	return result, len(result), nil
}

func (m *mockRepo) ListByStatus(_ context.Context, status string, limit, offset int) ([]*Scan, int, error) {
	var result []*Scan
	for _, s := range m.scans {
		if s.Status == status {
			result = append(result, s)
		}
	}
	return result, len(result), nil
}

func (m *mockRepo) ListByScannerAndStatus(_ context.Context, scannerID uuid.UUID, status string) ([]*Scan, error) {
	var result []*Scan
	for _, s := range m.scans {
		if s.ScannerID != nil && *s.ScannerID == scannerID && s.Status == status {
			cp := *s
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockRepo) CountActiveByPatient(_ context.Context, patientID uuid.UUID) (int, error) {
	n := 0
	for _, s := range m.scans {
		if s.PatientID == patientID && s.Status != StatusReported && s.Status != StatusCancelled {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) Search(_ context.Context, _ map[string]string, limit, offset int) ([]*Scan, int, error) {
	return m.List(context.Background(), limit, offset)
}

func (m *mockRepo) AddStatusChange(_ context.Context, h *StatusChange) error {
	h.ID = uuid.New()
	m.history = append(m.history, h)
	return nil
}

func (m *mockRepo) GetStatusHistory(_ context.Context, scanID uuid.UUID) ([]*StatusChange, error) {
	var result []*StatusChange
	for _, h := range m.history {
		if h.ScanID == scanID {
			result = append(result, h)
		}
	}
	return result, nil
}

// -- Mock collaborators --

type mockLedger struct {
	reserved    map[uuid.UUID]int
	inUse       map[uuid.UUID]bool
	releases    int
	completions int
	reserveErr  error
}

func newMockLedger() *mockLedger {
	return &mockLedger{reserved: make(map[uuid.UUID]int), inUse: make(map[uuid.UUID]bool)}
}

func (m *mockLedger) Reserve(_ context.Context, id uuid.UUID) error {
	if m.reserveErr != nil {
		return m.reserveErr
	}
	m.reserved[id]++
	return nil
}

func (m *mockLedger) MarkInUse(_ context.Context, id uuid.UUID) error {
	m.inUse[id] = true
	return nil
}

func (m *mockLedger) Release(_ context.Context, id uuid.UUID, completed bool) error {
	m.reserved[id]--
	m.inUse[id] = false
	m.releases++
	if completed {
		m.completions++
	}
	return nil
}

type mockJourney struct {
	known    map[uuid.UUID]bool
	advances []string
}

func newMockJourney() *mockJourney { return &mockJourney{known: make(map[uuid.UUID]bool)} }

func (m *mockJourney) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	return m.known[id], nil
}

func (m *mockJourney) Advance(_ context.Context, _ uuid.UUID, status, _ string) error {
	m.advances = append(m.advances, status)
	return nil
}

type mockSink struct {
	events   []TransitionEvent
	critical []TransitionEvent
}

func (m *mockSink) ScanTransitioned(_ context.Context, ev TransitionEvent) {
	m.events = append(m.events, ev)
}

func (m *mockSink) CriticalFinding(_ context.Context, ev TransitionEvent) {
	m.critical = append(m.critical, ev)
}

type mockAudit struct {
	actions []string
}

func (m *mockAudit) RecordScanEvent(_ context.Context, action string, _ uuid.UUID, _ string, _ map[string]interface{}) {
	m.actions = append(m.actions, action)
}

// -- Fixture --

type fixture struct {
	svc     *Service
	repo    *mockRepo
	ledger  *mockLedger
	journey *mockJourney
	sink    *mockSink
	audit   *mockAudit
}

func newFixture() *fixture {
	f := &fixture{
		repo:    newMockRepo(),
		ledger:  newMockLedger(),
		journey: newMockJourney(),
		sink:    &mockSink{},
		audit:   &mockAudit{},
	}
	f.svc = NewService(f.repo, nil)
	f.svc.SetScannerLedger(f.ledger)
	f.svc.SetPatientJourney(f.journey)
	f.svc.AddTransitionSink(f.sink)
	f.svc.SetAuditSink(f.audit)
	return f
}

func (f *fixture) newOrder(t *testing.T, indication string) *Scan {
	t.Helper()
	patientID := uuid.New()
	f.journey.known[patientID] = true
	sc := &Scan{
		PatientID:  patientID,
		OrderedBy:  uuid.New(),
		Indication: indication,
	}
	if err := f.svc.Create(context.Background(), sc); err != nil {
		t.Fatalf("create scan: %v", err)
	}
	return sc
}

// advanceTo walks the scan through the lifecycle up to (and including)
// the target status.
func (f *fixture) advanceTo(t *testing.T, sc *Scan, target string) *Scan {
	t.Helper()
	ctx := context.Background()
	scannerID := uuid.New()
	slot := time.Now().Add(30 * time.Minute)
	report := "no acute findings"

	steps := []struct {
		status  string
		payload TransitionPayload
		role    string
	}{
		{StatusValidated, TransitionPayload{}, "nurse"},
		{StatusScheduled, TransitionPayload{ScannerID: &scannerID, ScheduledTime: &slot}, "nurse"},
		{StatusInPrep, TransitionPayload{}, "technician"},
		{StatusInProgress, TransitionPayload{}, "technician"},
		{StatusCompleted, TransitionPayload{}, "technician"},
		{StatusReported, TransitionPayload{FinalReport: &report}, "radiologist"},
	}
	for _, step := range steps {
		if err := f.svc.Transition(ctx, sc.ID, step.status, "tester", step.role, step.payload); err != nil {
			t.Fatalf("transition to %s: %v", step.status, err)
		}
		if step.status == target {
			break
		}
	}
	got, err := f.svc.Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("reload scan: %v", err)
	}
	return got
}

// -- Create --

func TestCreateScan(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "recurrent headache without associated symptoms")

	if sc.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if sc.Status != StatusOrdered {
		t.Errorf("expected status ordered, got %s", sc.Status)
	}
	if sc.Urgency != UrgencyRoutine {
		t.Errorf("expected routine urgency from classification, got %s", sc.Urgency)
	}
	if sc.ContrastMode != ContrastNone {
		t.Errorf("expected contrast_mode to default to none, got %s", sc.ContrastMode)
	}
	if sc.OrderedAt.IsZero() {
		t.Error("expected ordered_at to be stamped")
	}

	pattern := regexp.MustCompile(`^CT-\d{14}-[0-9A-F]{4}$`)
	if !pattern.MatchString(sc.ScanNumber) {
		t.Errorf("scan number %q does not match CT-YYYYMMDDHHMMSS-XXXX", sc.ScanNumber)
	}

	if len(f.sink.events) != 1 || f.sink.events[0].NewStatus != StatusOrdered {
		t.Errorf("expected one ordered event, got %v", f.sink.events)
	}
	if len(f.audit.actions) != 1 || f.audit.actions[0] != "scan_ordered" {
		t.Errorf("expected scan_ordered audit entry, got %v", f.audit.actions)
	}
}

func TestCreateScan_ClassifiesImmediate(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "suspected intracranial hemorrhage")
	if sc.Urgency != UrgencyImmediate {
		t.Errorf("expected immediate urgency, got %s", sc.Urgency)
	}
}

func TestCreateScan_PatientRequired(t *testing.T) {
	f := newFixture()
	sc := &Scan{OrderedBy: uuid.New(), Indication: "headache"}
	if err := f.svc.Create(context.Background(), sc); err == nil {
		t.Error("expected error for missing patient_id")
	}
}

func TestCreateScan_OrderedByRequired(t *testing.T) {
	f := newFixture()
	sc := &Scan{PatientID: uuid.New(), Indication: "headache"}
	if err := f.svc.Create(context.Background(), sc); err == nil {
		t.Error("expected error for missing ordered_by")
	}
}

func TestCreateScan_IndicationRequired(t *testing.T) {
	f := newFixture()
	sc := &Scan{PatientID: uuid.New(), OrderedBy: uuid.New(), Indication: "   "}
	if err := f.svc.Create(context.Background(), sc); err == nil {
		t.Error("expected error for blank indication")
	}
}

func TestCreateScan_UnknownPatient(t *testing.T) {
	f := newFixture()
	sc := &Scan{PatientID: uuid.New(), OrderedBy: uuid.New(), Indication: "headache"}
	if err := f.svc.Create(context.Background(), sc); err == nil {
		t.Error("expected error for unknown patient")
	}
}

func TestCreateScan_InvalidContrastMode(t *testing.T) {
	f := newFixture()
	patientID := uuid.New()
	f.journey.known[patientID] = true
	sc := &Scan{PatientID: patientID, OrderedBy: uuid.New(), Indication: "headache", ContrastMode: "double"}
	if err := f.svc.Create(context.Background(), sc); err == nil {
		t.Error("expected error for invalid contrast mode")
	}
}

func TestCreateScan_InvalidGCSRejected(t *testing.T) {
	f := newFixture()
	patientID := uuid.New()
	f.journey.known[patientID] = true
	gcs := 21
	sc := &Scan{PatientID: patientID, OrderedBy: uuid.New(), Indication: "head trauma", GCSScore: &gcs}
	if err := f.svc.Create(context.Background(), sc); err == nil {
		t.Error("expected error for out-of-range GCS")
	}
	if len(f.repo.scans) != 0 {
		t.Error("expected nothing persisted after validation failure")
	}
}

// -- Transition --

func TestTransition_FullLifecycle(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "head trauma")
	got := f.advanceTo(t, sc, StatusReported)

	if got.Status != StatusReported {
		t.Fatalf("expected reported, got %s", got.Status)
	}
	if got.StartedTime == nil || got.CompletedTime == nil || got.ReportedTime == nil {
		t.Fatal("expected started/completed/reported timestamps to be stamped")
	}
	if got.ScheduledTime == nil {
		t.Fatal("expected scheduled_time from scheduling payload")
	}
	if got.CompletedTime.Before(*got.StartedTime) {
		t.Error("completed_time precedes started_time")
	}
	if got.ReportedTime.Before(*got.CompletedTime) {
		t.Error("reported_time precedes completed_time")
	}
	if got.FinalReport == nil {
		t.Error("expected final report to be stored")
	}

	history, _ := f.svc.StatusHistory(context.Background(), sc.ID)
	if len(history) != 6 {
		t.Fatalf("expected 6 history rows, got %d", len(history))
	}
	if history[0].FromStatus != StatusOrdered || history[0].ToStatus != StatusValidated {
		t.Errorf("unexpected first history row: %+v", history[0])
	}

	// Ledger: one reservation, marked in use, released once as completed.
	if got.ScannerID == nil {
		t.Fatal("expected scanner assignment")
	}
	if f.ledger.completions != 1 {
		t.Errorf("expected 1 completed release, got %d", f.ledger.completions)
	}
	if f.ledger.reserved[*got.ScannerID] != 0 {
		t.Errorf("expected reservation handed back, got %d", f.ledger.reserved[*got.ScannerID])
	}

	// Patient journey followed the scan.
	want := []string{"in_prep", "in_scan", "post_scan", "completed"}
	if len(f.journey.advances) != len(want) {
		t.Fatalf("expected journey %v, got %v", want, f.journey.advances)
	}
	for i := range want {
		if f.journey.advances[i] != want[i] {
			t.Errorf("journey step %d: expected %s, got %s", i, want[i], f.journey.advances[i])
		}
	}
}

func TestTransition_EarlyStartKeepsTimestampOrder(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "head trauma")
	ctx := context.Background()

	// Book a slot an hour out, then start the scan right away.
	scannerID := uuid.New()
	slot := time.Now().UTC().Add(time.Hour)
	if err := f.svc.Transition(ctx, sc.ID, StatusValidated, "tester", "nurse", TransitionPayload{}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := f.svc.Transition(ctx, sc.ID, StatusScheduled, "tester", "nurse", TransitionPayload{ScannerID: &scannerID, ScheduledTime: &slot}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := f.svc.Transition(ctx, sc.ID, StatusInPrep, "tester", "technician", TransitionPayload{}); err != nil {
		t.Fatalf("in_prep: %v", err)
	}
	if err := f.svc.Transition(ctx, sc.ID, StatusInProgress, "tester", "technician", TransitionPayload{}); err != nil {
		t.Fatalf("in_progress: %v", err)
	}

	got, err := f.svc.Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("reload scan: %v", err)
	}
	if got.StartedTime == nil || got.ScheduledTime == nil {
		t.Fatal("expected scheduled and started timestamps")
	}
	if got.ScheduledTime.After(*got.StartedTime) {
		t.Errorf("scheduled_time %v trails started_time %v", got.ScheduledTime, got.StartedTime)
	}
}

func TestTransition_OnTimeStartKeepsBookedSlot(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "head trauma")
	ctx := context.Background()

	scannerID := uuid.New()
	slot := time.Now().UTC().Add(-10 * time.Minute)
	if err := f.svc.Transition(ctx, sc.ID, StatusValidated, "tester", "nurse", TransitionPayload{}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := f.svc.Transition(ctx, sc.ID, StatusScheduled, "tester", "nurse", TransitionPayload{ScannerID: &scannerID, ScheduledTime: &slot}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := f.svc.Transition(ctx, sc.ID, StatusInPrep, "tester", "technician", TransitionPayload{}); err != nil {
		t.Fatalf("in_prep: %v", err)
	}
	if err := f.svc.Transition(ctx, sc.ID, StatusInProgress, "tester", "technician", TransitionPayload{}); err != nil {
		t.Fatalf("in_progress: %v", err)
	}

	got, err := f.svc.Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("reload scan: %v", err)
	}
	if got.ScheduledTime == nil || !got.ScheduledTime.Equal(slot) {
		t.Errorf("expected booked slot %v preserved, got %v", slot, got.ScheduledTime)
	}
}

func TestTransition_InvalidEdgeLeavesStateIntact(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "headache")

	err := f.svc.Transition(context.Background(), sc.ID, StatusCompleted, "tester", "nurse", TransitionPayload{})
	if err == nil {
		t.Fatal("expected error for ordered -> completed")
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %T: %v", err, err)
	}
	if len(ite.Allowed) != 2 {
		t.Errorf("expected allowed [validated cancelled], got %v", ite.Allowed)
	}

	got, _ := f.svc.Get(context.Background(), sc.ID)
	if got.Status != StatusOrdered {
		t.Errorf("expected status unchanged, got %s", got.Status)
	}
	if len(f.repo.history) != 0 {
		t.Error("expected no history row for a failed transition")
	}
}

func TestTransition_ValidatedRequiresClassification(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "headache")
	// Simulate a legacy row that never went through classification.
	stored := f.repo.scans[sc.ID]
	stored.Urgency = ""

	err := f.svc.Transition(context.Background(), sc.ID, StatusValidated, "tester", "nurse", TransitionPayload{})
	if err == nil {
		t.Error("expected error for missing urgency classification")
	}
}

func TestTransition_ScheduleRequiresPayload(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "headache")
	if err := f.svc.Transition(context.Background(), sc.ID, StatusValidated, "tester", "nurse", TransitionPayload{}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	err := f.svc.Transition(context.Background(), sc.ID, StatusScheduled, "tester", "nurse", TransitionPayload{})
	if err == nil {
		t.Fatal("expected error for missing scanner assignment")
	}
	got, _ := f.svc.Get(context.Background(), sc.ID)
	if got.Status != StatusValidated {
		t.Errorf("expected status to stay validated, got %s", got.Status)
	}
}

func TestTransition_ScheduleReservationFailure(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "headache")
	ctx := context.Background()
	if err := f.svc.Transition(ctx, sc.ID, StatusValidated, "tester", "nurse", TransitionPayload{}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	f.ledger.reserveErr = ErrNoCapacity
	scannerID := uuid.New()
	slot := time.Now().Add(time.Hour)
	err := f.svc.Transition(ctx, sc.ID, StatusScheduled, "tester", "nurse", TransitionPayload{ScannerID: &scannerID, ScheduledTime: &slot})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}

	got, _ := f.svc.Get(ctx, sc.ID)
	if got.Status != StatusValidated {
		t.Errorf("expected scan to stay validated after capacity failure, got %s", got.Status)
	}
	if got.ScannerID != nil {
		t.Error("expected no scanner assignment after capacity failure")
	}
}

func TestTransition_ReportRequiresRadiologist(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "head trauma")
	f.advanceTo(t, sc, StatusCompleted)

	report := "findings"
	err := f.svc.Transition(context.Background(), sc.ID, StatusReported, "tester", "nurse", TransitionPayload{FinalReport: &report})
	if !errors.Is(err, ErrReportRoleRequired) {
		t.Fatalf("expected ErrReportRoleRequired, got %v", err)
	}

	// Admin passes the role gate.
	err = f.svc.Transition(context.Background(), sc.ID, StatusReported, "tester", "admin", TransitionPayload{FinalReport: &report})
	if err != nil {
		t.Fatalf("expected admin to pass the report gate: %v", err)
	}
}

func TestTransition_ReportRequiresFinalText(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "head trauma")
	f.advanceTo(t, sc, StatusCompleted)

	err := f.svc.Transition(context.Background(), sc.ID, StatusReported, "tester", "radiologist", TransitionPayload{})
	if err == nil {
		t.Fatal("expected error for missing final report")
	}
	got, _ := f.svc.Get(context.Background(), sc.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected status to stay completed, got %s", got.Status)
	}
}

func TestTransition_ReportSetsRadiologist(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "head trauma")
	f.advanceTo(t, sc, StatusCompleted)

	radiologist := uuid.New()
	report := "small subdural hematoma"
	err := f.svc.Transition(context.Background(), sc.ID, StatusReported, radiologist.String(), "radiologist", TransitionPayload{FinalReport: &report})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	got, _ := f.svc.Get(context.Background(), sc.ID)
	if got.RadiologistID == nil || *got.RadiologistID != radiologist {
		t.Error("expected radiologist_id recorded from actor")
	}
}

// -- Cancellation --

func TestCancel_RequiresReason(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "headache")
	if err := f.svc.Cancel(context.Background(), sc.ID, "tester", "nurse", "  "); err == nil {
		t.Error("expected error for blank cancellation reason")
	}
}

func TestCancel_ReleasesReservation(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "head trauma")
	got := f.advanceTo(t, sc, StatusScheduled)
	scannerID := *got.ScannerID
	if f.ledger.reserved[scannerID] != 1 {
		t.Fatalf("expected one reservation, got %d", f.ledger.reserved[scannerID])
	}

	if err := f.svc.Cancel(context.Background(), sc.ID, "tester", "nurse", "patient refused"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, _ = f.svc.Get(context.Background(), sc.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.CancelledTime == nil || got.CancellationReason == nil {
		t.Error("expected cancellation time and reason to be recorded")
	}
	if f.ledger.reserved[scannerID] != 0 {
		t.Errorf("expected reservation released, got %d", f.ledger.reserved[scannerID])
	}
	if f.ledger.completions != 0 {
		t.Error("cancellation must not count as a completion")
	}
	// Last remaining active scan: journey moves to cancelled.
	if len(f.journey.advances) == 0 || f.journey.advances[len(f.journey.advances)-1] != "cancelled" {
		t.Errorf("expected journey cancelled, got %v", f.journey.advances)
	}
}

func TestCancel_KeepsJourneyWhenOtherScansActive(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "headache")
	second := &Scan{PatientID: sc.PatientID, OrderedBy: uuid.New(), Indication: "follow up"}
	if err := f.svc.Create(context.Background(), second); err != nil {
		t.Fatalf("create second: %v", err)
	}

	if err := f.svc.Cancel(context.Background(), sc.ID, "tester", "nurse", "duplicate order"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, status := range f.journey.advances {
		if status == "cancelled" {
			t.Error("journey must not cancel while another scan is active")
		}
	}
}

func TestCancel_TerminalRejected(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "headache")
	if err := f.svc.Cancel(context.Background(), sc.ID, "tester", "nurse", "first"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	err := f.svc.Cancel(context.Background(), sc.ID, "tester", "nurse", "again")
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError for double cancel, got %v", err)
	}
}

// -- Update --

func TestUpdate_Reclassifies(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "recurrent headache without associated symptoms")
	if sc.Urgency != UrgencyRoutine {
		t.Fatalf("precondition: expected routine, got %s", sc.Urgency)
	}

	upd := &Scan{ID: sc.ID, Indication: "suspected intracranial hemorrhage"}
	if err := f.svc.Update(context.Background(), upd); err != nil {
		t.Fatalf("update: %v", err)
	}
	if upd.Urgency != UrgencyImmediate {
		t.Errorf("expected reclassification to immediate, got %s", upd.Urgency)
	}
}

func TestUpdate_CancelledRejected(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "headache")
	if err := f.svc.Cancel(context.Background(), sc.ID, "tester", "nurse", "withdrawn"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	upd := &Scan{ID: sc.ID, Indication: "new indication"}
	if err := f.svc.Update(context.Background(), upd); err == nil {
		t.Error("expected update of cancelled scan to fail")
	}
}

func TestUpdate_ReportedAcceptsReportTextOnly(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "head trauma")
	f.advanceTo(t, sc, StatusReported)

	final := "amended: small epidural hematoma"
	upd := &Scan{ID: sc.ID, Indication: "attempt to rewrite indication", FinalReport: &final, CriticalFindings: true}
	if err := f.svc.Update(context.Background(), upd); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := f.svc.Get(context.Background(), sc.ID)
	if got.FinalReport == nil || *got.FinalReport != final {
		t.Error("expected amended final report")
	}
	if got.Indication != "head trauma" {
		t.Errorf("indication must not change after reporting, got %q", got.Indication)
	}
	if !got.CriticalFindings {
		t.Error("expected critical findings flag to stick")
	}
}

// -- Reports --

func TestAttachReport_CriticalFindingBroadcast(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "head trauma")
	f.advanceTo(t, sc, StatusCompleted)

	prelim := "possible acute bleed"
	if err := f.svc.AttachReport(context.Background(), sc.ID, "tester", &prelim, nil, true); err != nil {
		t.Fatalf("attach report: %v", err)
	}

	if len(f.sink.critical) != 1 {
		t.Fatalf("expected one critical finding broadcast, got %d", len(f.sink.critical))
	}
	got, _ := f.svc.Get(context.Background(), sc.ID)
	if !got.CriticalFindings {
		t.Error("expected critical findings flag set")
	}
	if got.PreliminaryReport == nil || *got.PreliminaryReport != prelim {
		t.Error("expected preliminary report stored")
	}

	// A second identical attach does not re-raise the alarm.
	if err := f.svc.AttachReport(context.Background(), sc.ID, "tester", &prelim, nil, true); err != nil {
		t.Fatalf("attach report: %v", err)
	}
	if len(f.sink.critical) != 1 {
		t.Errorf("expected critical broadcast to fire once, got %d", len(f.sink.critical))
	}
}

func TestAttachReport_CancelledRejected(t *testing.T) {
	f := newFixture()
	sc := f.newOrder(t, "headache")
	if err := f.svc.Cancel(context.Background(), sc.ID, "tester", "nurse", "withdrawn"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	report := "text"
	if err := f.svc.AttachReport(context.Background(), sc.ID, "tester", &report, nil, false); err == nil {
		t.Error("expected attach to cancelled scan to fail")
	}
}

// -- Requeue --

func TestRequeueScheduledByScanner(t *testing.T) {
	f := newFixture()
	scannerID := uuid.New()
	slot := time.Now().Add(time.Hour)

	var scheduled []*Scan
	for i := 0; i < 2; i++ {
		sc := f.newOrder(t, "head trauma")
		ctx := context.Background()
		if err := f.svc.Transition(ctx, sc.ID, StatusValidated, "tester", "nurse", TransitionPayload{}); err != nil {
			t.Fatalf("validate: %v", err)
		}
		if err := f.svc.Transition(ctx, sc.ID, StatusScheduled, "tester", "nurse", TransitionPayload{ScannerID: &scannerID, ScheduledTime: &slot}); err != nil {
			t.Fatalf("schedule: %v", err)
		}
		scheduled = append(scheduled, sc)
	}
	// One scan on a different scanner stays put.
	otherScanner := uuid.New()
	other := f.newOrder(t, "head trauma")
	ctx := context.Background()
	if err := f.svc.Transition(ctx, other.ID, StatusValidated, "tester", "nurse", TransitionPayload{}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := f.svc.Transition(ctx, other.ID, StatusScheduled, "tester", "nurse", TransitionPayload{ScannerID: &otherScanner, ScheduledTime: &slot}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	sinkBefore := len(f.sink.events)
	n, emit, err := f.svc.RequeueScheduledByScanner(ctx, scannerID, "system", "scanner entering maintenance")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 scans requeued, got %d", n)
	}

	// Events wait for the caller's commit; nothing reaches the sinks
	// until the returned closure runs.
	if len(f.sink.events) != sinkBefore {
		t.Fatalf("expected no events before emit, got %d extra", len(f.sink.events)-sinkBefore)
	}
	if emit == nil {
		t.Fatal("expected an emit closure for the requeued scans")
	}
	emit()
	if len(f.sink.events) != sinkBefore+2 {
		t.Fatalf("expected 2 requeue events after emit, got %d", len(f.sink.events)-sinkBefore)
	}
	for _, ev := range f.sink.events[sinkBefore:] {
		if ev.PreviousStatus != StatusScheduled || ev.NewStatus != StatusValidated {
			t.Errorf("unexpected requeue event: %+v", ev)
		}
	}

	for _, sc := range scheduled {
		got, _ := f.svc.Get(ctx, sc.ID)
		if got.Status != StatusValidated {
			t.Errorf("expected requeued scan back to validated, got %s", got.Status)
		}
		if got.ScannerID != nil || got.ScheduledTime != nil {
			t.Error("expected scanner assignment cleared on requeue")
		}
	}

	got, _ := f.svc.Get(ctx, other.ID)
	if got.Status != StatusScheduled {
		t.Errorf("scan on another scanner must stay scheduled, got %s", got.Status)
	}
}

func TestGenerateScanNumber_Format(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	n := generateScanNumber(now)
	if !strings.HasPrefix(n, "CT-20250314092653-") {
		t.Errorf("unexpected prefix: %s", n)
	}
	if len(n) != len("CT-20250314092653-ABCD") {
		t.Errorf("unexpected length: %s", n)
	}
}
