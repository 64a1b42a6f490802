package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vaultbridge/internal/config"
	"vaultbridge/internal/lock"
	"vaultbridge/internal/metrics"
	"vaultbridge/internal/models"
)

// reconcileParallelism bounds concurrent wallet checks; every check costs one RPC call
const reconcileParallelism = 4

// ReconcileReport summarises one reconciliation pass
type ReconcileReport struct {
	Checked     int
	Matched     int
	Corrections []models.PositionCorrection
	Skipped     []string // wallets locked or with in-flight jobs
	Errors      int
}

// ReconcileService aligns stored positions with on-chain vault share balances.
// On-chain balances are authoritative.
type ReconcileService struct {
	store       ReconcileStore
	vault       VaultContract
	locker      lock.Locker
	cfg         config.ReconcileConfig
	vaultEvents string // monitor name whose Transfer events list share holders
	logger      *zap.Logger
}

// NewReconcileService creates a new reconcile service. vaultEvents is the monitored
// contract name the vault's events are stored under.
func NewReconcileService(store ReconcileStore, vault VaultContract, locker lock.Locker, cfg config.ReconcileConfig, vaultEvents string, logger *zap.Logger) *ReconcileService {
	return &ReconcileService{
		store:       store,
		vault:       vault,
		locker:      locker,
		cfg:         cfg,
		vaultEvents: vaultEvents,
		logger:      logger.Named("reconcile"),
	}
}

// Run checks every known wallet once
func (s *ReconcileService) Run(ctx context.Context) (*ReconcileReport, error) {
	vault := lowerHex(s.vault.Address())
	wallets, err := s.wallets(ctx, vault)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		report = &ReconcileReport{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileParallelism)
	for _, wallet := range wallets {
		wallet := wallet
		g.Go(func() error {
			corr, outcome, err := s.ReconcileWallet(gctx, wallet, vault)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				report.Errors++
				s.logger.Warn("Failed to reconcile wallet", zap.String("wallet", wallet), zap.Error(err))
				return nil
			}
			switch outcome {
			case OutcomeSkipped:
				report.Skipped = append(report.Skipped, wallet)
				return nil
			case OutcomeCorrected:
				report.Corrections = append(report.Corrections, *corr)
			case OutcomeMatched:
				report.Matched++
			}
			report.Checked++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	sort.Strings(report.Skipped)
	sort.Slice(report.Corrections, func(i, j int) bool { return report.Corrections[i].Wallet < report.Corrections[j].Wallet })

	s.logger.Info("Reconciliation pass finished",
		zap.Int("wallets", len(wallets)),
		zap.Int("checked", report.Checked),
		zap.Int("matched", report.Matched),
		zap.Int("corrections", len(report.Corrections)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("errors", report.Errors))
	return report, nil
}

// ReconcileOutcome is the result of checking one wallet
type ReconcileOutcome int

const (
	OutcomeMatched ReconcileOutcome = iota
	OutcomeCorrected
	OutcomeSkipped
)

// ReconcileWallet compares one wallet's on-chain shares with its stored position
func (s *ReconcileService) ReconcileWallet(ctx context.Context, wallet, vault string) (*models.PositionCorrection, ReconcileOutcome, error) {
	unlock, ok, err := s.locker.TryLock(ctx, lock.WalletKey(wallet))
	if err != nil {
		return nil, 0, fmt.Errorf("lock wallet: %w", err)
	}
	if !ok {
		s.logger.Debug("Wallet locked, skipping", zap.String("wallet", wallet))
		return nil, OutcomeSkipped, nil
	}
	defer unlock()

	inFlight, err := s.store.HasInFlightJobs(ctx, wallet)
	if err != nil {
		return nil, 0, fmt.Errorf("check in-flight jobs: %w", err)
	}
	if inFlight {
		s.logger.Debug("Wallet has in-flight jobs, skipping", zap.String("wallet", wallet))
		return nil, OutcomeSkipped, nil
	}

	raw, err := s.vault.BalanceOf(ctx, common.HexToAddress(wallet))
	if err != nil {
		return nil, 0, fmt.Errorf("vault balance: %w", err)
	}
	onChain := models.FromBaseUnits(raw, models.AssetDecimals)

	stored, err := s.store.SumActivePositions(ctx, wallet, vault)
	if err != nil {
		return nil, 0, fmt.Errorf("sum positions: %w", err)
	}

	diff := onChain.Sub(stored).Abs()
	if diff.LessThanOrEqual(s.cfg.Epsilon) {
		if err := s.store.TouchReconciled(ctx, wallet, vault); err != nil {
			return nil, 0, fmt.Errorf("touch position: %w", err)
		}
		return nil, OutcomeMatched, nil
	}

	corr := &models.PositionCorrection{
		Wallet:        wallet,
		Vault:         vault,
		DBAmount:      stored,
		OnChainAmount: onChain,
		Action:        correctionAction(stored, onChain),
	}
	if err := s.store.ApplyCorrection(ctx, corr); err != nil {
		return nil, 0, fmt.Errorf("apply correction: %w", err)
	}
	metrics.Bridge().Correction(string(corr.Action))

	s.logger.Warn("Position corrected from chain",
		zap.String("wallet", wallet),
		zap.String("vault", vault),
		zap.String("db_amount", stored.String()),
		zap.String("onchain_amount", onChain.String()),
		zap.String("action", string(corr.Action)))
	return corr, OutcomeCorrected, nil
}

func correctionAction(stored, onChain decimal.Decimal) models.CorrectionAction {
	switch {
	case onChain.IsZero():
		return models.CorrectionClosed
	case stored.IsZero():
		return models.CorrectionDiscovered
	default:
		return models.CorrectionCorrected
	}
}

// wallets merges position holders with addresses that received vault shares
func (s *ReconcileService) wallets(ctx context.Context, vault string) ([]string, error) {
	holders, err := s.store.ListReconcileWallets(ctx, vault)
	if err != nil {
		return nil, fmt.Errorf("list position wallets: %w", err)
	}
	seen := make(map[string]struct{}, len(holders))
	out := make([]string, 0, len(holders))
	add := func(w string) {
		n, err := normalizeWallet(w)
		if err != nil || n == lowerHex(common.Address{}) {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	for _, w := range holders {
		add(w)
	}

	if s.vaultEvents != "" {
		recipients, err := s.store.ListTransferRecipients(ctx, s.vaultEvents)
		if err != nil {
			return nil, fmt.Errorf("list transfer recipients: %w", err)
		}
		for _, w := range recipients {
			add(w)
		}
	}
	sort.Strings(out)
	return out, nil
}
