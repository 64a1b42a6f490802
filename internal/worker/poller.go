package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vaultbridge/internal/metrics"
)

// poller calls tick once on start and then on every interval. Each tick gets its
// own timeout so one stuck RPC call cannot hold the loop.
type poller struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	tick     func(ctx context.Context)
	logger   *zap.Logger
}

func newPoller(name string, interval time.Duration, tick func(ctx context.Context), logger *zap.Logger) *poller {
	timeout := TickTimeout
	if interval > 0 {
		timeout = min(TickTimeout, interval*4)
	}
	return &poller{
		name:     name,
		interval: interval,
		timeout:  timeout,
		tick:     tick,
		logger:   logger,
	}
}

// Name implements Runner
func (p *poller) Name() string {
	return p.name
}

// Run implements Runner
func (p *poller) Run(ctx context.Context) error {
	p.logger.Info("Poller started", zap.Duration("poll_interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial poll
	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Poller stopping")
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *poller) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	p.tick(pollCtx)
	metrics.Bridge().Tick(p.name, time.Since(start))
}

func batchSize(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	return n
}
