package worker

import (
	"context"
	"time"

	"argent/internal/authorization/domain"
	"argent/internal/common/logging"
)

// Janitor periodically deletes expired lock rows so that aggregates whose
// holder crashed become processable again after the TTL.
type Janitor struct {
	locks    domain.LockRepository
	interval time.Duration
}

// NewJanitor builds a janitor sweeping at the given interval.
func NewJanitor(locks domain.LockRepository, interval time.Duration) *Janitor {
	return &Janitor{locks: locks, interval: interval}
}

// Run sweeps until the context is canceled.
func (j *Janitor) Run(ctx context.Context) error {
	logging.Info("Lock janitor started", "sweep_interval", j.interval.String())
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info("Lock janitor stopping")
			return ctx.Err()
		case <-ticker.C:
			removed, err := j.locks.DeleteExpired(ctx)
			if err != nil {
				logging.Error("Sweeping expired locks failed", "error", err)
				continue
			}
			if removed > 0 {
				logging.Info("Swept expired locks", "removed", removed)
			}
		}
	}
}
