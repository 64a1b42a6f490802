package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EscrowSyncer closes escrow records that were settled outside the service
type EscrowSyncer interface {
	Sync(ctx context.Context) (int, error)
}

// EscrowWatcher periodically syncs pending escrows with the ledger
type EscrowWatcher struct {
	*poller
	syncer EscrowSyncer
}

// NewEscrowWatcher creates a new escrow watcher
func NewEscrowWatcher(syncer EscrowSyncer, interval time.Duration, logger *zap.Logger) *EscrowWatcher {
	w := &EscrowWatcher{syncer: syncer}
	w.poller = newPoller("escrow_sync", interval, w.Tick, logger.Named("escrow_sync"))
	return w
}

// Tick syncs once
func (w *EscrowWatcher) Tick(ctx context.Context) {
	closed, err := w.syncer.Sync(ctx)
	if err != nil {
		w.logger.Error("Escrow sync failed", zap.Error(err))
		return
	}
	if closed > 0 {
		w.logger.Info("Escrow records closed", zap.Int("count", closed))
	}
}
