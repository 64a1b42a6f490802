package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"vaultbridge/internal/app"
	"vaultbridge/internal/config"
)

func main() {
	cmd := NewRootCommand(connectApp)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// connectApp builds the same services the server runs, logging warnings only
func connectApp(ctx context.Context) (*Backend, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logger, err := logCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	bridge, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	return &Backend{
		Proofs:     bridge.Deposits,
		Backends:   bridge.Redemptions,
		Reconciler: bridge.Reconcile,
		Escrows:    bridge.Escrows,
		Events:     bridge.Events,
		Close: func() {
			bridge.Close()
			logger.Sync()
		},
	}, nil
}
