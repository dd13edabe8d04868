package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctflow/ctflow/internal/platform/db"
)

// ErrVersionConflict is returned when a guarded write loses the
// optimistic version check to a concurrent writer.
var ErrVersionConflict = errors.New("user version conflict")

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

const userCols = `id, email, hashed_password, full_name, role, department, phone,
	is_active, last_login_at, version_id, created_at, updated_at`

func (r *repoPG) scanRow(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.HashedPassword, &u.FullName, &u.Role,
		&u.Department, &u.Phone, &u.IsActive, &u.LastLoginAt,
		&u.VersionID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *repoPG) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO app_user (id, email, hashed_password, full_name, role,
			department, phone, is_active, version_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW(), NOW())`,
		u.ID, u.Email, u.HashedPassword, u.FullName, u.Role,
		u.Department, u.Phone, u.IsActive)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	u.VersionID = 1
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+userCols+` FROM app_user WHERE id = $1`, id)
	return r.scanRow(row)
}

func (r *repoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+userCols+` FROM app_user WHERE email = $1`, email)
	return r.scanRow(row)
}

func (r *repoPG) Update(ctx context.Context, u *User) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE app_user SET
			email = $2, hashed_password = $3, full_name = $4, role = $5,
			department = $6, phone = $7, is_active = $8,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $9`,
		u.ID, u.Email, u.HashedPassword, u.FullName, u.Role,
		u.Department, u.Phone, u.IsActive, u.VersionID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	u.VersionID++
	return nil
}

func (r *repoPG) RecordLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE app_user SET last_login_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, role string, limit, offset int) ([]*User, int, error) {
	query := `SELECT ` + userCols + ` FROM app_user WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM app_user WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if role != "" {
		query += fmt.Sprintf(" AND role = $%d", idx)
		countQuery += fmt.Sprintf(" AND role = $%d", idx)
		args = append(args, role)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	query += fmt.Sprintf(" ORDER BY full_name LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]*User, 0)
	for rows.Next() {
		u, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate user rows: %w", err)
	}
	return users, total, nil
}
