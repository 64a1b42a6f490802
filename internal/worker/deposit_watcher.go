package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vaultbridge/internal/models"
)

// DepositLister lists deposit jobs still in flight
type DepositLister interface {
	ListBridgeJobsByStatus(ctx context.Context, statuses []models.DepositStatus, limit int) ([]models.BridgeJob, error)
}

// DepositMachine advances one deposit job by one step
type DepositMachine interface {
	Advance(ctx context.Context, job *models.BridgeJob) error
}

// DepositWatcher drives every active deposit job one step per tick
type DepositWatcher struct {
	*poller
	store   DepositLister
	machine DepositMachine
	batch   int
}

// NewDepositWatcher creates a new deposit watcher
func NewDepositWatcher(store DepositLister, machine DepositMachine, interval time.Duration, batch int, logger *zap.Logger) *DepositWatcher {
	w := &DepositWatcher{
		store:   store,
		machine: machine,
		batch:   batchSize(batch),
	}
	w.poller = newPoller("deposit_watcher", interval, w.Tick, logger.Named("deposit_watcher"))
	return w
}

// Tick advances each active deposit once
func (w *DepositWatcher) Tick(ctx context.Context) {
	jobs, err := w.store.ListBridgeJobsByStatus(ctx, models.ActiveDepositStatuses, w.batch)
	if err != nil {
		w.logger.Error("Failed to list active deposits", zap.Error(err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	w.logger.Debug("Advancing deposits", zap.Int("count", len(jobs)))

	for i := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job := &jobs[i]
		if err := w.machine.Advance(ctx, job); err != nil {
			w.logger.Error("Failed to advance deposit",
				zap.String("job_id", job.JobID),
				zap.String("status", string(job.Status)),
				zap.Error(err))
		}
	}
}
