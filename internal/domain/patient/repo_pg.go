package patient

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
// version check to a concurrent writer.
var ErrVersionConflict = errors.New("patient version conflict")

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

const patientCols = `id, mrn, ic_number, first_name, last_name, date_of_birth, gender,
	contact_phone, contact_email, ed_visit_id, ward, bed_number,
	chief_complaint, allergies, status, anxiety_level,
	consent_given, consent_time, version_id, created_at, updated_at`

func (r *repoPG) scanRow(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.MRN, &p.ICNumber, &p.FirstName, &p.LastName, &p.DateOfBirth, &p.Gender,
		&p.ContactPhone, &p.ContactEmail, &p.EDVisitID, &p.Ward, &p.BedNumber,
		&p.ChiefComplaint, &p.Allergies, &p.Status, &p.AnxietyLevel,
		&p.ConsentGiven, &p.ConsentTime, &p.VersionID, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, mrn, ic_number, first_name, last_name, date_of_birth, gender,
			contact_phone, contact_email, ed_visit_id, ward, bed_number,
			chief_complaint, allergies, status, anxiety_level, consent_given, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,1)`,
		p.ID, p.MRN, p.ICNumber, p.FirstName, p.LastName, p.DateOfBirth, p.Gender,
		p.ContactPhone, p.ContactEmail, p.EDVisitID, p.Ward, p.BedNumber,
		p.ChiefComplaint, p.Allergies, p.Status, p.AnxietyLevel, p.ConsentGiven)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (r *repoPG) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE mrn = $1`, mrn))
}

func (r *repoPG) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM patient WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET
			ic_number = $2, first_name = $3, last_name = $4, date_of_birth = $5, gender = $6,
			contact_phone = $7, contact_email = $8, ed_visit_id = $9, ward = $10, bed_number = $11,
			chief_complaint = $12, allergies = $13, status = $14, anxiety_level = $15,
			consent_given = $16, consent_time = $17,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $18`,
		p.ID, p.ICNumber, p.FirstName, p.LastName, p.DateOfBirth, p.Gender,
		p.ContactPhone, p.ContactEmail, p.EDVisitID, p.Ward, p.BedNumber,
		p.ChiefComplaint, p.Allergies, p.Status, p.AnxietyLevel,
		p.ConsentGiven, p.ConsentTime,
		p.VersionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	p.VersionID++
	return nil
}

func (r *repoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Patient, int, error) {
	query := `SELECT ` + patientCols + ` FROM patient WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM patient WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if name, ok := params["name"]; ok {
		cond := fmt.Sprintf(" AND (first_name ILIKE $%d OR last_name ILIKE $%d)", idx, idx)
		query += cond
		countQuery += cond
		args = append(args, "%"+name+"%")
		idx++
	}
	if mrn, ok := params["mrn"]; ok {
		query += fmt.Sprintf(" AND mrn = $%d", idx)
		countQuery += fmt.Sprintf(" AND mrn = $%d", idx)
		args = append(args, mrn)
		idx++
	}
	if status, ok := params["status"]; ok {
		query += fmt.Sprintf(" AND status = $%d", idx)
		countQuery += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, status)
		idx++
	}
	if ward, ok := params["ward"]; ok {
		query += fmt.Sprintf(" AND ward = $%d", idx)
		countQuery += fmt.Sprintf(" AND ward = $%d", idx)
		args = append(args, ward)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.MRN, &p.ICNumber, &p.FirstName, &p.LastName, &p.DateOfBirth, &p.Gender,
			&p.ContactPhone, &p.ContactEmail, &p.EDVisitID, &p.Ward, &p.BedNumber,
			&p.ChiefComplaint, &p.Allergies, &p.Status, &p.AnxietyLevel,
			&p.ConsentGiven, &p.ConsentTime, &p.VersionID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
