package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctflow/ctflow/internal/platform/db"
)

// ErrVersionConflict is returned when an update loses the optimistic
// version check, meaning another writer changed the row first.
var ErrVersionConflict = errors.New("scan version conflict")

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const scanCols = `id, scan_number, patient_id, ordered_by, radiologist_id, scanner_id,
	status, urgency, appropriateness, contrast_mode, indication, clinical_history,
	symptoms, gcs_score, neuro_findings, symptom_onset, ordered_at,
	scheduled_time, started_time, completed_time, reported_time, cancelled_time,
	preliminary_report, final_report, critical_findings, cancellation_reason,
	version_id, created_at, updated_at`

func (r *repoPG) scanRow(row pgx.Row) (*Scan, error) {
	var s Scan
	err := row.Scan(&s.ID, &s.ScanNumber, &s.PatientID, &s.OrderedBy, &s.RadiologistID, &s.ScannerID,
		&s.Status, &s.Urgency, &s.Appropriateness, &s.ContrastMode, &s.Indication, &s.ClinicalHistory,
		&s.Symptoms, &s.GCSScore, &s.NeuroFindings, &s.SymptomOnset, &s.OrderedAt,
		&s.ScheduledTime, &s.StartedTime, &s.CompletedTime, &s.ReportedTime, &s.CancelledTime,
		&s.PreliminaryReport, &s.FinalReport, &s.CriticalFindings, &s.CancellationReason,
		&s.VersionID, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *repoPG) Create(ctx context.Context, s *Scan) error {
	s.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ct_scan (id, scan_number, patient_id, ordered_by, radiologist_id, scanner_id,
			status, urgency, appropriateness, contrast_mode, indication, clinical_history,
			symptoms, gcs_score, neuro_findings, symptom_onset, ordered_at, critical_findings, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,1)`,
		s.ID, s.ScanNumber, s.PatientID, s.OrderedBy, s.RadiologistID, s.ScannerID,
		s.Status, s.Urgency, s.Appropriateness, s.ContrastMode, s.Indication, s.ClinicalHistory,
		s.Symptoms, s.GCSScore, s.NeuroFindings, s.SymptomOnset, s.OrderedAt, s.CriticalFindings)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Scan, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+scanCols+` FROM ct_scan WHERE id = $1`, id))
}

func (r *repoPG) GetByNumber(ctx context.Context, scanNumber string) (*Scan, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+scanCols+` FROM ct_scan WHERE scan_number = $1`, scanNumber))
}

// Update writes every mutable column guarded by the optimistic version
// check. The row's version_id advances by one on success; a lost check
// returns ErrVersionConflict and changes nothing.
func (r *repoPG) Update(ctx context.Context, s *Scan) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ct_scan SET radiologist_id=$2, scanner_id=$3, status=$4, urgency=$5,
			appropriateness=$6, contrast_mode=$7, indication=$8, clinical_history=$9,
			symptoms=$10, gcs_score=$11, neuro_findings=$12, symptom_onset=$13,
			scheduled_time=$14, started_time=$15, completed_time=$16, reported_time=$17,
			cancelled_time=$18, preliminary_report=$19, final_report=$20,
			critical_findings=$21, cancellation_reason=$22,
			version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $23`,
		s.ID, s.RadiologistID, s.ScannerID, s.Status, s.Urgency,
		s.Appropriateness, s.ContrastMode, s.Indication, s.ClinicalHistory,
		s.Symptoms, s.GCSScore, s.NeuroFindings, s.SymptomOnset,
		s.ScheduledTime, s.StartedTime, s.CompletedTime, s.ReportedTime,
		s.CancelledTime, s.PreliminaryReport, s.FinalReport,
		s.CriticalFindings, s.CancellationReason,
		s.VersionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	s.VersionID++
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Scan, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ct_scan`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+scanCols+` FROM ct_scan ORDER BY ordered_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Scan, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ct_scan WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+scanCols+` FROM ct_scan WHERE patient_id = $1 ORDER BY ordered_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *repoPG) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*Scan, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ct_scan WHERE status = $1`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+scanCols+` FROM ct_scan WHERE status = $1 ORDER BY ordered_at LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *repoPG) ListByScannerAndStatus(ctx context.Context, scannerID uuid.UUID, status string) ([]*Scan, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+scanCols+` FROM ct_scan WHERE scanner_id = $1 AND status = $2 ORDER BY ordered_at`, scannerID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, _, err := r.collect(rows, 0)
	return items, err
}

func (r *repoPG) CountActiveByPatient(ctx context.Context, patientID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM ct_scan
		WHERE patient_id = $1 AND status NOT IN ($2, $3)`,
		patientID, StatusReported, StatusCancelled).Scan(&n)
	return n, err
}

func (r *repoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Scan, int, error) {
	query := `SELECT ` + scanCols + ` FROM ct_scan WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM ct_scan WHERE 1=1`
	var args []interface{}
	idx := 1

	if p, ok := params["patient_id"]; ok {
		query += fmt.Sprintf(` AND patient_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["status"]; ok {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		countQuery += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["urgency"]; ok {
		query += fmt.Sprintf(` AND urgency = $%d`, idx)
		countQuery += fmt.Sprintf(` AND urgency = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["scanner_id"]; ok {
		query += fmt.Sprintf(` AND scanner_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND scanner_id = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["critical_findings"]; ok {
		query += fmt.Sprintf(` AND critical_findings = $%d`, idx)
		countQuery += fmt.Sprintf(` AND critical_findings = $%d`, idx)
		args = append(args, p == "true")
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY ordered_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *repoPG) collect(rows pgx.Rows, total int) ([]*Scan, int, error) {
	var items []*Scan
	for rows.Next() {
		s, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// -- Status History --

func (r *repoPG) AddStatusChange(ctx context.Context, h *StatusChange) error {
	h.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO scan_status_history (id, scan_id, from_status, to_status, changed_by, changed_at, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		h.ID, h.ScanID, h.FromStatus, h.ToStatus, h.ChangedBy, h.ChangedAt, h.Reason)
	return err
}

func (r *repoPG) GetStatusHistory(ctx context.Context, scanID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, scan_id, from_status, to_status, changed_by, changed_at, reason
		FROM scan_status_history WHERE scan_id = $1 ORDER BY changed_at`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusChange
	for rows.Next() {
		var h StatusChange
		if err := rows.Scan(&h.ID, &h.ScanID, &h.FromStatus, &h.ToStatus, &h.ChangedBy, &h.ChangedAt, &h.Reason); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}

