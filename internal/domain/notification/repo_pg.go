package notification

import (
	"context"

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

const notificationCols = `id, user_id, patient_id, scan_id, channel, category,
	subject, message, status, retry_count,
	sent_at, delivered_at, read_at, created_at, updated_at`

func (r *repoPG) scanRow(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.UserID, &n.PatientID, &n.ScanID, &n.Channel, &n.Category,
		&n.Subject, &n.Message, &n.Status, &n.RetryCount,
		&n.SentAt, &n.DeliveredAt, &n.ReadAt, &n.CreatedAt, &n.UpdatedAt)
	return &n, err
}

func (r *repoPG) Create(ctx context.Context, n *Notification) error {
	n.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO notification (id, user_id, patient_id, scan_id, channel, category,
			subject, message, status, retry_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0)`,
		n.ID, n.UserID, n.PatientID, n.ScanID, n.Channel, n.Category,
		n.Subject, n.Message, n.Status)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+notificationCols+` FROM notification WHERE id = $1`, id))
}

func (r *repoPG) ListByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	query := `SELECT ` + notificationCols + ` FROM notification WHERE user_id = $1`
	countQuery := `SELECT COUNT(*) FROM notification WHERE user_id = $1`
	if unreadOnly {
		query += ` AND read_at IS NULL`
		countQuery += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Notification
	for rows.Next() {
		n, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) ListPending(ctx context.Context, limit int) ([]*Notification, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+notificationCols+` FROM notification
		WHERE status = $1 ORDER BY created_at LIMIT $2`, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Notification
	for rows.Next() {
		n, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repoPG) UpdateDelivery(ctx context.Context, n *Notification) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification
		SET status = $2, retry_count = $3, sent_at = $4, delivered_at = $5,
			updated_at = NOW()
		WHERE id = $1`,
		n.ID, n.Status, n.RetryCount, n.SentAt, n.DeliveredAt)
	return err
}

func (r *repoPG) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification
		SET status = $3, read_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND read_at IS NULL`,
		id, userID, StatusRead)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish an already-read row from one the caller does not own.
		var exists bool
		err := r.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM notification WHERE id = $1 AND user_id = $2)`,
			id, userID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return pgx.ErrNoRows
		}
	}
	return nil
}

func (r *repoPG) MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification
		SET status = $2, read_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND read_at IS NULL`,
		userID, StatusRead)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
