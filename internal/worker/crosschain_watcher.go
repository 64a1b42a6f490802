package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vaultbridge/internal/models"
)

// crossChainWork are the job statuses that still need a step
var crossChainWork = []models.CrossChainStatus{
	models.CrossChainStatusInProgress,
	models.CrossChainStatusPartiallyFailed,
	models.CrossChainStatusRefunding,
}

// CrossChainLister lists multi-leg jobs by status
type CrossChainLister interface {
	ListCrossChainJobsByStatus(ctx context.Context, statuses []models.CrossChainStatus, limit int) ([]string, error)
}

// CrossChainMachine advances one multi-leg job by one step
type CrossChainMachine interface {
	AdvanceJob(ctx context.Context, jobID string) error
}

// CrossChainWatcher drives multi-leg jobs through their legs and refunds
type CrossChainWatcher struct {
	*poller
	store   CrossChainLister
	machine CrossChainMachine
	batch   int
}

// NewCrossChainWatcher creates a new cross-chain watcher
func NewCrossChainWatcher(store CrossChainLister, machine CrossChainMachine, interval time.Duration, batch int, logger *zap.Logger) *CrossChainWatcher {
	w := &CrossChainWatcher{
		store:   store,
		machine: machine,
		batch:   batchSize(batch),
	}
	w.poller = newPoller("crosschain_watcher", interval, w.Tick, logger.Named("crosschain_watcher"))
	return w
}

// Tick advances each open job once
func (w *CrossChainWatcher) Tick(ctx context.Context) {
	ids, err := w.store.ListCrossChainJobsByStatus(ctx, crossChainWork, w.batch)
	if err != nil {
		w.logger.Error("Failed to list cross-chain jobs", zap.Error(err))
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := w.machine.AdvanceJob(ctx, id); err != nil {
			w.logger.Warn("Failed to advance cross-chain job", zap.String("job_id", id), zap.Error(err))
		}
	}
}
