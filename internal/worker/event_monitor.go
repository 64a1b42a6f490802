package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vaultbridge/internal/service"
)

// EventScanner ingests new contract logs up to the confirmed head
type EventScanner interface {
	Scan(ctx context.Context) ([]service.IngestResult, error)
}

// EventMonitor polls monitored contracts for new events
type EventMonitor struct {
	*poller
	scanner EventScanner
}

// NewEventMonitor creates a new event monitor
func NewEventMonitor(scanner EventScanner, interval time.Duration, logger *zap.Logger) *EventMonitor {
	m := &EventMonitor{scanner: scanner}
	m.poller = newPoller("event_monitor", interval, m.Tick, logger.Named("monitor"))
	return m
}

// Tick scans once
func (m *EventMonitor) Tick(ctx context.Context) {
	results, err := m.scanner.Scan(ctx)
	if err != nil {
		m.logger.Error("Event scan failed", zap.Error(err))
	}
	for _, r := range results {
		if r.Inserted == 0 {
			continue
		}
		m.logger.Info("Events ingested",
			zap.String("contract", r.Contract),
			zap.Uint64("from_block", r.FromBlock),
			zap.Uint64("to_block", r.ToBlock),
			zap.Int("inserted", r.Inserted),
			zap.Int("alerted", r.Alerted))
	}
}
