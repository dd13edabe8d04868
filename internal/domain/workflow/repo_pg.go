package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctflow/ctflow/internal/platform/db"
)

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

// Validation time comes from the newest history row recording the move to
// validated; scans validated before history recording began fall back to
// their order time.
const validatedScansQuery = `
	SELECT s.id, s.scan_number, s.patient_id, s.urgency, s.ordered_at,
	       COALESCE(h.changed_at, s.ordered_at)
	FROM ct_scan s
	LEFT JOIN LATERAL (
		SELECT changed_at
		FROM scan_status_history
		WHERE scan_id = s.id AND to_status = 'validated'
		ORDER BY changed_at DESC
		LIMIT 1
	) h ON TRUE
	WHERE s.status = 'validated'
	ORDER BY s.ordered_at`

func (r *repoPG) ValidatedScans(ctx context.Context) ([]QueueScan, error) {
	rows, err := r.conn(ctx).Query(ctx, validatedScansQuery)
	if err != nil {
		return nil, fmt.Errorf("query validated scans: %w", err)
	}
	defer rows.Close()

	scans := make([]QueueScan, 0)
	for rows.Next() {
		var q QueueScan
		if err := rows.Scan(&q.ScanID, &q.ScanNumber, &q.PatientID, &q.Urgency, &q.OrderedAt, &q.ValidatedAt); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		scans = append(scans, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue rows: %w", err)
	}
	return scans, nil
}

// Counters from a previous day read as zero; rolling them forward is the
// fleet repository's job on the next write.
const scannerStatesQuery = `
	SELECT sc.id, sc.code, sc.status, sc.daily_capacity,
	       CASE WHEN sc.counters_date = CURRENT_DATE THEN sc.today_scans_scheduled ELSE 0 END,
	       sc.avg_scan_duration_minutes, sc.operational_start, sc.operational_end,
	       b.last_slot
	FROM scanner sc
	LEFT JOIN LATERAL (
		SELECT MAX(scheduled_time) AS last_slot
		FROM ct_scan
		WHERE scanner_id = sc.id AND status IN ('scheduled', 'in_prep', 'in_progress')
	) b ON TRUE
	WHERE sc.status = 'available'
	ORDER BY sc.code`

func (r *repoPG) ScannerStates(ctx context.Context) ([]ScannerState, error) {
	rows, err := r.conn(ctx).Query(ctx, scannerStatesQuery)
	if err != nil {
		return nil, fmt.Errorf("query scanner states: %w", err)
	}
	defer rows.Close()

	states := make([]ScannerState, 0)
	for rows.Next() {
		var st ScannerState
		if err := rows.Scan(&st.ScannerID, &st.Code, &st.Status, &st.DailyCapacity,
			&st.ScheduledToday, &st.AvgScanDurationMin, &st.OperationalStart,
			&st.OperationalEnd, &st.LastScheduledSlot); err != nil {
			return nil, fmt.Errorf("scan scanner state row: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scanner state rows: %w", err)
	}
	return states, nil
}

func (r *repoPG) CountActiveScanners(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM scanner WHERE status IN ('available', 'in_use')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active scanners: %w", err)
	}
	return n, nil
}

func (r *repoPG) ScheduledPerHour(ctx context.Context, from, to time.Time) (map[int64]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT date_trunc('hour', scheduled_time), COUNT(*)
		FROM ct_scan
		WHERE scheduled_time >= $1 AND scheduled_time < $2
		  AND status IN ('scheduled', 'in_prep')
		GROUP BY 1`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query scheduled per hour: %w", err)
	}
	defer rows.Close()

	buckets := make(map[int64]int)
	for rows.Next() {
		var hour time.Time
		var n int
		if err := rows.Scan(&hour, &n); err != nil {
			return nil, fmt.Errorf("scan hour bucket: %w", err)
		}
		buckets[hour.UTC().Truncate(time.Hour).Unix()] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hour buckets: %w", err)
	}
	return buckets, nil
}

func (r *repoPG) CountPendingScans(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM ct_scan WHERE status IN ('ordered', 'validated')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending scans: %w", err)
	}
	return n, nil
}
