package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
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

const entryCols = `id, user_id, action, resource_type, resource_id,
	old_values, new_values, ip_address, user_agent, recorded_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID,
		&e.OldValues, &e.NewValues, &e.IPAddress, &e.UserAgent, &e.RecordedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) Record(ctx context.Context, e *Entry) error {
	e.ID = uuid.New()
	q := fmt.Sprintf(`INSERT INTO audit_log (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, entryCols)
	_, err := r.conn(ctx).Exec(ctx, q,
		e.ID, e.UserID, e.Action, e.ResourceType, e.ResourceID,
		e.OldValues, e.NewValues, e.IPAddress, e.UserAgent, e.RecordedAt)
	return err
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	idx := 1

	if f.Action != "" {
		where += fmt.Sprintf(" AND action = $%d", idx)
		args = append(args, f.Action)
		idx++
	}
	if f.ResourceType != "" {
		where += fmt.Sprintf(" AND resource_type = $%d", idx)
		args = append(args, f.ResourceType)
		idx++
	}
	if f.ResourceID != "" {
		where += fmt.Sprintf(" AND resource_id = $%d", idx)
		args = append(args, f.ResourceID)
		idx++
	}
	if f.UserID != nil {
		where += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, *f.UserID)
		idx++
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM audit_log %s", where)
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`SELECT %s FROM audit_log %s
		ORDER BY recorded_at DESC LIMIT $%d OFFSET $%d`, entryCols, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}
