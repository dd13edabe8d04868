package scanner

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

// ErrCapacityExhausted is returned by Reserve when the scanner has no
// scheduling slots left today.
var ErrCapacityExhausted = errors.New("scanner daily capacity exhausted")

// ErrVersionConflict is returned when a guarded write loses the
// optimistic version check to a concurrent writer.
var ErrVersionConflict = errors.New("scanner version conflict")

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

const scannerCols = `id, code, name, location, modality, status,
	operational_start, operational_end, avg_scan_duration_minutes, daily_capacity,
	today_scans_scheduled, today_scans_completed, counters_date,
	last_maintenance, next_maintenance, maintenance_note,
	version_id, created_at, updated_at`

func (r *repoPG) scanRow(row pgx.Row) (*Scanner, error) {
	var s Scanner
	err := row.Scan(&s.ID, &s.Code, &s.Name, &s.Location, &s.Modality, &s.Status,
		&s.OperationalStart, &s.OperationalEnd, &s.AvgScanDurationMinutes, &s.DailyCapacity,
		&s.TodayScansScheduled, &s.TodayScansCompleted, &s.CountersDate,
		&s.LastMaintenance, &s.NextMaintenance, &s.MaintenanceNote,
		&s.VersionID, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *repoPG) Create(ctx context.Context, s *Scanner) error {
	s.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO scanner (id, code, name, location, modality, status,
			operational_start, operational_end, avg_scan_duration_minutes, daily_capacity,
			today_scans_scheduled, today_scans_completed, counters_date,
			last_maintenance, next_maintenance, maintenance_note, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0,0,CURRENT_DATE,$11,$12,$13,1)`,
		s.ID, s.Code, s.Name, s.Location, s.Modality, s.Status,
		s.OperationalStart, s.OperationalEnd, s.AvgScanDurationMinutes, s.DailyCapacity,
		s.LastMaintenance, s.NextMaintenance, s.MaintenanceNote)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Scanner, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+scannerCols+` FROM scanner WHERE id = $1`, id))
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*Scanner, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+scannerCols+` FROM scanner WHERE code = $1`, code))
}

// Update writes the administrative columns guarded by the optimistic
// version check. The daily counters are deliberately excluded: they move
// only through Reserve, Release and DecrementScheduled.
func (r *repoPG) Update(ctx context.Context, s *Scanner) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE scanner SET
			code = $2, name = $3, location = $4, modality = $5, status = $6,
			operational_start = $7, operational_end = $8,
			avg_scan_duration_minutes = $9, daily_capacity = $10,
			last_maintenance = $11, next_maintenance = $12, maintenance_note = $13,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $14`,
		s.ID, s.Code, s.Name, s.Location, s.Modality, s.Status,
		s.OperationalStart, s.OperationalEnd,
		s.AvgScanDurationMinutes, s.DailyCapacity,
		s.LastMaintenance, s.NextMaintenance, s.MaintenanceNote,
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

func (r *repoPG) List(ctx context.Context, status string, limit, offset int) ([]*Scanner, int, error) {
	query := `SELECT ` + scannerCols + ` FROM scanner WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM scanner WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		countQuery += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, status)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(" ORDER BY code LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) ListAll(ctx context.Context) ([]*Scanner, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+scannerCols+` FROM scanner ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

// Reserve claims one scheduling slot for today. The counter increment,
// the capacity guard and the version check all live in one UPDATE so two
// concurrent schedulers can never both take the last slot. A stale
// counters_date rolls to today inside the same statement.
func (r *repoPG) Reserve(ctx context.Context, id uuid.UUID, version int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE scanner SET
			today_scans_scheduled = CASE WHEN counters_date = CURRENT_DATE THEN today_scans_scheduled + 1 ELSE 1 END,
			today_scans_completed = CASE WHEN counters_date = CURRENT_DATE THEN today_scans_completed ELSE 0 END,
			counters_date = CURRENT_DATE,
			version_id = version_id + 1,
			updated_at = NOW()
		WHERE id = $1 AND version_id = $2
		  AND (CASE WHEN counters_date = CURRENT_DATE THEN today_scans_scheduled ELSE 0 END) < daily_capacity`,
		id, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: either the version moved or capacity ran out. Re-read
	// to tell the two apart.
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.VersionID != version {
		return ErrVersionConflict
	}
	return ErrCapacityExhausted
}

// MarkInUse flips an available scanner to in_use when a scan starts.
// Idempotent: a scanner already marked stays marked.
func (r *repoPG) MarkInUse(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE scanner SET status = $2, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, StatusInUse, StatusAvailable)
	return err
}

// Release hands a reservation back: the scheduled counter drops, the
// completed counter rises when the scan finished, and an in_use scanner
// returns to available.
func (r *repoPG) Release(ctx context.Context, id uuid.UUID, completed bool) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE scanner SET
			today_scans_scheduled = GREATEST((CASE WHEN counters_date = CURRENT_DATE THEN today_scans_scheduled ELSE 0 END) - 1, 0),
			today_scans_completed = (CASE WHEN counters_date = CURRENT_DATE THEN today_scans_completed ELSE 0 END)
				+ (CASE WHEN $2 THEN 1 ELSE 0 END),
			counters_date = CURRENT_DATE,
			status = CASE WHEN status = $3 THEN $4 ELSE status END,
			version_id = version_id + 1,
			updated_at = NOW()
		WHERE id = $1`,
		id, completed, StatusInUse, StatusAvailable)
	return err
}

// DecrementScheduled hands back n reservations at once, used when a
// scanner leaves service and its scheduled scans are requeued.
func (r *repoPG) DecrementScheduled(ctx context.Context, id uuid.UUID, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE scanner SET
			today_scans_scheduled = GREATEST((CASE WHEN counters_date = CURRENT_DATE THEN today_scans_scheduled ELSE 0 END) - $2, 0),
			today_scans_completed = CASE WHEN counters_date = CURRENT_DATE THEN today_scans_completed ELSE 0 END,
			counters_date = CURRENT_DATE,
			version_id = version_id + 1,
			updated_at = NOW()
		WHERE id = $1`,
		id, n)
	return err
}

func (r *repoPG) collect(rows pgx.Rows) ([]*Scanner, error) {
	var items []*Scanner
	for rows.Next() {
		var s Scanner
		if err := rows.Scan(&s.ID, &s.Code, &s.Name, &s.Location, &s.Modality, &s.Status,
			&s.OperationalStart, &s.OperationalEnd, &s.AvgScanDurationMinutes, &s.DailyCapacity,
			&s.TodayScansScheduled, &s.TodayScansCompleted, &s.CountersDate,
			&s.LastMaintenance, &s.NextMaintenance, &s.MaintenanceNote,
			&s.VersionID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &s)
	}
	return items, rows.Err()
}
