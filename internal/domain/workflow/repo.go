package workflow

import (
	"context"
	"time"
)

// Repository loads the scheduling snapshot and the aggregates behind the
// capacity forecast. All reads are point-in-time; the scheduler re-reads
// rather than caching between passes.
type Repository interface {
	// ValidatedScans returns every scan waiting in the validated pool,
	// oldest order first, with its validation time resolved from the
	// status history.
	ValidatedScans(ctx context.Context) ([]QueueScan, error)
	// ScannerStates returns the schedulable view of every available
	// scanner, including today's counters and the latest booked slot.
	ScannerStates(ctx context.Context) ([]ScannerState, error)
	// CountActiveScanners counts scanners currently in service
	// (available or mid-scan).
	CountActiveScanners(ctx context.Context) (int, error)
	// ScheduledPerHour buckets booked scans by the hour of their slot in
	// [from, to). Keys are Unix timestamps of the hour start in UTC.
	ScheduledPerHour(ctx context.Context, from, to time.Time) (map[int64]int, error)
	// CountPendingScans counts orders that have not reached a scanner yet
	// (ordered or validated).
	CountPendingScans(ctx context.Context) (int, error)
}
