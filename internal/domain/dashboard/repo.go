package dashboard

import "context"

// Repository computes the dashboard aggregates. Counters are always
// derived from the underlying rows at read time, never accumulated in
// process memory.
type Repository interface {
	Metrics(ctx context.Context) (*Metrics, error)
	StatusDistribution(ctx context.Context) ([]StatusCount, error)
	UrgencyDistribution(ctx context.Context) ([]UrgencyCount, error)
	ScannerLoads(ctx context.Context) ([]ScannerLoad, error)
	RecentScans(ctx context.Context, limit int) ([]RecentScan, error)
}
