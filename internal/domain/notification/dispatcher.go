package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	dispatchInterval = 15 * time.Second
	dispatchBatch    = 50
)

// Dispatcher periodically drains pending notifications whose retry
// backoff has elapsed. Run it once per process; delivery itself is safe
// to repeat if two passes ever overlap.
type Dispatcher struct {
	svc      *Service
	interval time.Duration
	batch    int
	logger   zerolog.Logger
}

func NewDispatcher(svc *Service, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		svc:      svc,
		interval: dispatchInterval,
		batch:    dispatchBatch,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info().Dur("interval", d.interval).Msg("notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("notification dispatcher stopped")
			return
		case <-ticker.C:
			delivered, err := d.svc.DeliverPending(ctx, d.batch)
			if err != nil {
				d.logger.Error().Err(err).Msg("notification delivery pass failed")
				continue
			}
			if delivered > 0 {
				d.logger.Debug().Int("delivered", delivered).Msg("notification delivery pass complete")
			}
		}
	}
}
