package scan

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, s *Scan) error
	GetByID(ctx context.Context, id uuid.UUID) (*Scan, error)
	GetByNumber(ctx context.Context, scanNumber string) (*Scan, error)
	Update(ctx context.Context, s *Scan) error
	List(ctx context.Context, limit, offset int) ([]*Scan, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Scan, int, error)
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]*Scan, int, error)
	ListByScannerAndStatus(ctx context.Context, scannerID uuid.UUID, status string) ([]*Scan, error)
	CountActiveByPatient(ctx context.Context, patientID uuid.UUID) (int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Scan, int, error)
	// Status history
	AddStatusChange(ctx context.Context, h *StatusChange) error
	GetStatusHistory(ctx context.Context, scanID uuid.UUID) ([]*StatusChange, error)
}
