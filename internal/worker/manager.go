package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Constants for worker configuration
const (
	DefaultBatchSize = 50
	TickTimeout      = 2 * time.Minute
)

// Runner is one background loop. Run blocks until ctx is done.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// WorkerManager runs the background loops of the bridge and stops them together
type WorkerManager struct {
	runners []Runner
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewWorkerManager creates a new worker manager
func NewWorkerManager(logger *zap.Logger, runners ...Runner) *WorkerManager {
	return &WorkerManager{
		runners: runners,
		logger:  logger.Named("worker"),
	}
}

// Add registers another runner. It must be called before Start.
func (wm *WorkerManager) Add(r Runner) {
	wm.runners = append(wm.runners, r)
}

// Start starts all worker goroutines. A runner returning an error stops the others.
func (wm *WorkerManager) Start(ctx context.Context) {
	ctx, wm.cancel = context.WithCancel(ctx)
	wm.done = make(chan struct{})

	names := make([]string, 0, len(wm.runners))
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range wm.runners {
		r := r
		names = append(names, r.Name())
		g.Go(func() error {
			err := r.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				wm.logger.Error("Worker exited", zap.String("worker", r.Name()), zap.Error(err))
				return err
			}
			return nil
		})
	}
	go func() {
		wm.err = g.Wait()
		close(wm.done)
	}()

	wm.logger.Info("Worker manager started", zap.Strings("workers", names))
}

// Done is closed once every runner has returned
func (wm *WorkerManager) Done() <-chan struct{} {
	return wm.done
}

// Err returns the first runner error after Done is closed
func (wm *WorkerManager) Err() error {
	return wm.err
}

// Shutdown gracefully stops all workers
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager")
	if wm.cancel == nil {
		return nil
	}

	// Signal workers to stop
	wm.cancel()

	select {
	case <-wm.done:
		wm.logger.Info("Workers stopped gracefully")
		return wm.err
	case <-time.After(timeout):
		wm.logger.Warn("Worker shutdown timed out")
		return errors.New("worker shutdown timed out")
	}
}
