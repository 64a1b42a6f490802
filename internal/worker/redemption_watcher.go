package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vaultbridge/internal/models"
)

// RedemptionLister lists redemption jobs for both loops
type RedemptionLister interface {
	ListRedemptionJobsByStatus(ctx context.Context, statuses []models.RedemptionStatus, limit int) ([]models.RedemptionJob, error)
	ListRedemptionJobsByBackendStatus(ctx context.Context, statuses []models.BackendStatus, limit int) ([]models.RedemptionJob, error)
}

// RedemptionMachine advances the forward and backend halves of a redemption
type RedemptionMachine interface {
	Advance(ctx context.Context, job *models.RedemptionJob) error
	AdvanceBackend(ctx context.Context, job *models.RedemptionJob) error
}

// RedemptionWatcher drives forward redemption steps and then the backend
// confirmation of jobs the user already considers paid.
type RedemptionWatcher struct {
	*poller
	store   RedemptionLister
	machine RedemptionMachine
	batch   int
}

// NewRedemptionWatcher creates a new redemption watcher
func NewRedemptionWatcher(store RedemptionLister, machine RedemptionMachine, interval time.Duration, batch int, logger *zap.Logger) *RedemptionWatcher {
	w := &RedemptionWatcher{
		store:   store,
		machine: machine,
		batch:   batchSize(batch),
	}
	w.poller = newPoller("redemption_watcher", interval, w.Tick, logger.Named("redemption_watcher"))
	return w
}

// Tick runs one forward pass and one backend pass
func (w *RedemptionWatcher) Tick(ctx context.Context) {
	w.forward(ctx)
	w.backend(ctx)
}

func (w *RedemptionWatcher) forward(ctx context.Context) {
	jobs, err := w.store.ListRedemptionJobsByStatus(ctx, models.ActiveRedemptionStatuses, w.batch)
	if err != nil {
		w.logger.Error("Failed to list active redemptions", zap.Error(err))
		return
	}
	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		job := &jobs[i]
		if err := w.machine.Advance(ctx, job); err != nil {
			w.logger.Error("Failed to advance redemption",
				zap.String("job_id", job.JobID),
				zap.String("status", string(job.Status)),
				zap.Error(err))
		}
	}
}

func (w *RedemptionWatcher) backend(ctx context.Context) {
	jobs, err := w.store.ListRedemptionJobsByBackendStatus(ctx, models.PendingBackendStatuses, w.batch)
	if err != nil {
		w.logger.Error("Failed to list pending backend confirmations", zap.Error(err))
		return
	}
	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		job := &jobs[i]
		if job.UserStatus != models.UserStatusCompleted {
			continue
		}
		if err := w.machine.AdvanceBackend(ctx, job); err != nil {
			w.logger.Error("Failed to advance backend confirmation",
				zap.String("job_id", job.JobID),
				zap.String("backend_status", string(job.BackendStatus)),
				zap.Error(err))
		}
	}
}
