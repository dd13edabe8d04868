package dashboard

import (
	"context"
	"fmt"

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

// Metrics runs the headline aggregates in a single round trip. Turnaround
// is the ordered-to-completed interval averaged over the last seven days,
// so one slow outlier day does not whipsaw the figure.
func (r *repoPG) Metrics(ctx context.Context) (*Metrics, error) {
	var m Metrics
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM patient WHERE created_at >= CURRENT_DATE),
			(SELECT COUNT(*) FROM ct_scan WHERE ordered_at >= CURRENT_DATE),
			(SELECT COUNT(*) FROM ct_scan WHERE status = 'in_progress'),
			(SELECT COUNT(*) FROM ct_scan WHERE status = 'completed' AND completed_time >= CURRENT_DATE),
			(SELECT COUNT(*) FROM ct_scan WHERE status IN ('ordered','validated','scheduled')),
			(SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_time - ordered_at)) / 60), 0)
				FROM ct_scan
				WHERE completed_time IS NOT NULL
				  AND completed_time >= NOW() - INTERVAL '7 days'),
			(SELECT COALESCE(AVG(LEAST(today_scans_scheduled::float / NULLIF(daily_capacity, 0) * 100, 100)), 0)
				FROM scanner
				WHERE status <> 'out_of_service'),
			(SELECT COUNT(*) FROM ct_scan WHERE critical_findings AND ordered_at >= CURRENT_DATE),
			NOW()`).
		Scan(&m.PatientsToday, &m.ScansToday, &m.InProgressNow, &m.CompletedToday,
			&m.PendingScans, &m.AvgTurnaroundMinutes, &m.AvgUtilizationPercent,
			&m.CriticalFindingsToday, &m.GeneratedAt)
	if err != nil {
		return nil, fmt.Errorf("dashboard metrics: %w", err)
	}
	return &m, nil
}

func (r *repoPG) StatusDistribution(ctx context.Context) ([]StatusCount, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, COUNT(*) FROM ct_scan GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, fmt.Errorf("status distribution: %w", err)
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (r *repoPG) UrgencyDistribution(ctx context.Context) ([]UrgencyCount, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT urgency, COUNT(*) FROM ct_scan
		WHERE status NOT IN ('reported', 'cancelled')
		GROUP BY urgency ORDER BY urgency`)
	if err != nil {
		return nil, fmt.Errorf("urgency distribution: %w", err)
	}
	defer rows.Close()

	var out []UrgencyCount
	for rows.Next() {
		var uc UrgencyCount
		if err := rows.Scan(&uc.Urgency, &uc.Count); err != nil {
			return nil, err
		}
		out = append(out, uc)
	}
	return out, rows.Err()
}

func (r *repoPG) ScannerLoads(ctx context.Context) ([]ScannerLoad, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, code, name, status, daily_capacity,
			today_scans_scheduled, today_scans_completed,
			LEAST(today_scans_scheduled::float / NULLIF(daily_capacity, 0) * 100, 100)
		FROM scanner ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("scanner loads: %w", err)
	}
	defer rows.Close()

	var out []ScannerLoad
	for rows.Next() {
		var sl ScannerLoad
		var util *float64
		if err := rows.Scan(&sl.ScannerID, &sl.Code, &sl.Name, &sl.Status,
			&sl.DailyCapacity, &sl.TodayScansScheduled, &sl.TodayScansCompleted, &util); err != nil {
			return nil, err
		}
		if util != nil {
			sl.UtilizationPercent = *util
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (r *repoPG) RecentScans(ctx context.Context, limit int) ([]RecentScan, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT s.id, s.scan_number, p.first_name || ' ' || p.last_name,
			s.urgency, s.status, s.ordered_at
		FROM ct_scan s
		JOIN patient p ON p.id = s.patient_id
		ORDER BY s.ordered_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent scans: %w", err)
	}
	defer rows.Close()

	var out []RecentScan
	for rows.Next() {
		var rs RecentScan
		if err := rows.Scan(&rs.ScanID, &rs.ScanNumber, &rs.PatientName,
			&rs.Urgency, &rs.Status, &rs.OrderedAt); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}
