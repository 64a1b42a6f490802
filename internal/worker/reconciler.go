package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"vaultbridge/internal/service"
)

// PositionReconciler runs one reconciliation pass
type PositionReconciler interface {
	Run(ctx context.Context) (*service.ReconcileReport, error)
}

// Reconciler runs the position reconciler on a cron schedule. A pass still running
// when the next one is due makes that one skip.
type Reconciler struct {
	schedule   string
	reconciler PositionReconciler
	logger     *zap.Logger
}

// NewReconciler creates a new scheduled reconciler. schedule is a standard cron
// expression or a descriptor such as "@every 10m".
func NewReconciler(reconciler PositionReconciler, schedule string, logger *zap.Logger) (*Reconciler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return &Reconciler{
		schedule:   schedule,
		reconciler: reconciler,
		logger:     logger.Named("reconciler"),
	}, nil
}

// Name implements Runner
func (r *Reconciler) Name() string {
	return "reconciler"
}

// Run implements Runner
func (r *Reconciler) Run(ctx context.Context) error {
	log := cronLogger{r.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	if _, err := c.AddFunc(r.schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}

	r.logger.Info("Reconciler scheduled", zap.String("schedule", r.schedule))
	c.Start()

	<-ctx.Done()
	r.logger.Info("Reconciler stopping")
	<-c.Stop().Done()
	return nil
}

// RunOnce performs a single pass and logs its report
func (r *Reconciler) RunOnce(ctx context.Context) *service.ReconcileReport {
	if ctx.Err() != nil {
		return nil
	}
	report, err := r.reconciler.Run(ctx)
	if err != nil {
		r.logger.Error("Reconciliation failed", zap.Error(err))
		return nil
	}
	r.logger.Info("Reconciliation finished",
		zap.Int("checked", report.Checked),
		zap.Int("matched", report.Matched),
		zap.Int("corrected", len(report.Corrections)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("errors", report.Errors))
	return report
}

// cronLogger routes cron's own logging through zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
