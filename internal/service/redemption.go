package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultbridge/internal/blockchain/evm"
	"vaultbridge/internal/blockchain/xrpl"
	"vaultbridge/internal/config"
	"vaultbridge/internal/database"
	"vaultbridge/internal/fdc"
	"vaultbridge/internal/lock"
	"vaultbridge/internal/metrics"
	"vaultbridge/internal/models"
)

// RedemptionService drives redemption jobs: vault shares -> FXRP -> XRP payout, and
// the backend confirmation of each paid redemption.
type RedemptionService struct {
	store     RedemptionStore
	contracts Contracts
	oracle    Oracle
	ledger    Ledger
	locker    lock.Locker
	fees      *FeeService
	cfg       *config.BridgeConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewRedemptionService creates a new redemption service
func NewRedemptionService(
	store RedemptionStore,
	contracts Contracts,
	oracle Oracle,
	ledger Ledger,
	locker lock.Locker,
	cfg *config.BridgeConfig,
	logger *zap.Logger,
) *RedemptionService {
	return &RedemptionService{
		store:     store,
		contracts: contracts,
		oracle:    oracle,
		ledger:    ledger,
		locker:    locker,
		fees:      NewFeeService(cfg, logger),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("redemption"),
	}
}

// WithClock overrides the time source
func (s *RedemptionService) WithClock(now func() time.Time) *RedemptionService {
	s.now = now
	return s
}

// CreateRedemptionJob queues the redemption of shares from a wallet's position. The
// amount may not exceed the position less shares already queued for redemption.
func (s *RedemptionService) CreateRedemptionJob(ctx context.Context, wallet string, positionID int64, shares decimal.Decimal, xrplAddress string) (*models.RedemptionJob, error) {
	wallet, err := normalizeWallet(wallet)
	if err != nil {
		return nil, err
	}
	if err := xrpl.ValidateAddress(xrplAddress); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !shares.IsPositive() || !shares.Equal(shares.Truncate(models.AssetDecimals)) {
		return nil, fmt.Errorf("%w: share amount %s", ErrInvalidAmount, shares)
	}

	pos, err := s.store.GetPositionByID(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	if pos == nil || pos.Wallet != wallet {
		return nil, ErrPositionNotFound
	}
	if pos.Status != models.PositionStatusActive {
		return nil, fmt.Errorf("%w: position is %s", ErrInsufficientPosition, pos.Status)
	}
	queued, err := s.store.SumPendingRedemptionShares(ctx, pos.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum queued redemptions: %w", err)
	}
	if available := pos.Amount.Sub(queued); shares.GreaterThan(available) {
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientPosition, shares, available)
	}

	job := &models.RedemptionJob{
		JobID:         uuid.New().String(),
		Wallet:        wallet,
		Vault:         pos.Vault,
		PositionID:    pos.ID,
		XRPLAddress:   xrplAddress,
		ShareAmount:   shares,
		Status:        models.RedemptionStatusPending,
		UserStatus:    models.UserStatusProcessing,
		BackendStatus: models.BackendStatusNotStarted,
	}
	if err := s.store.CreateRedemptionJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create redemption job: %w", err)
	}
	metrics.Bridge().Transition("redemption", string(job.Status))

	s.logger.Info("Redemption job created",
		zap.String("job_id", job.JobID),
		zap.String("wallet", wallet),
		zap.Int64("position_id", pos.ID),
		zap.String("shares", shares.String()))

	return job, nil
}

// GetRedemptionJob returns a redemption job or ErrJobNotFound
func (s *RedemptionService) GetRedemptionJob(ctx context.Context, jobID string) (*models.RedemptionJob, error) {
	job, err := s.store.GetRedemptionJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get redemption job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Advance performs at most one forward step of a redemption job
func (s *RedemptionService) Advance(ctx context.Context, job *models.RedemptionJob) error {
	if job.Status.IsTerminal() || job.Status == models.RedemptionStatusXRPLReceived {
		return nil
	}
	if job.NextAttemptAt != nil && s.now().Before(*job.NextAttemptAt) {
		return nil
	}

	var err error
	switch job.Status {
	case models.RedemptionStatusPending, models.RedemptionStatusAwaitingLiquidity:
		err = s.redeemShares(ctx, job)
	case models.RedemptionStatusRedeemingShares:
		err = s.checkShareRedemption(ctx, job)
	case models.RedemptionStatusRedeemedFXRP:
		err = s.redeemFXRP(ctx, job, models.RedemptionStatusRedeemingFXRP)
	case models.RedemptionStatusRedeemingFXRP:
		err = s.checkRedemptionRequest(ctx, job)
	case models.RedemptionStatusAwaitingProof:
		err = s.checkPayout(ctx, job)
	case models.RedemptionStatusXRPLPayout:
		err = s.confirmPayout(ctx, job)
	default:
		return fmt.Errorf("unknown redemption status %q", job.Status)
	}
	if err != nil {
		return s.handleError(ctx, job, err)
	}
	return nil
}

// pending/awaiting_liquidity -> redeeming_shares, or awaiting_liquidity when the vault
// holds too little FXRP to pay out the shares
func (s *RedemptionService) redeemShares(ctx context.Context, job *models.RedemptionJob) error {
	owner := common.HexToAddress(job.Wallet)
	shares := models.ToBaseUnits(job.ShareAmount, models.AssetDecimals)

	assets, err := s.contracts.Vault.ConvertToAssets(ctx, shares)
	if err != nil {
		return err
	}
	liquidity, err := s.contracts.FXRP.BalanceOf(ctx, s.contracts.Vault.Address())
	if err != nil {
		return err
	}
	if liquidity.Cmp(assets) < 0 {
		if job.Status == models.RedemptionStatusAwaitingLiquidity {
			return nil
		}
		s.logger.Info("Vault liquidity insufficient, queueing redemption",
			zap.String("job_id", job.JobID),
			zap.String("liquidity", liquidity.String()),
			zap.String("required", assets.String()))
		return s.transition(ctx, job, models.RedemptionStatusAwaitingLiquidity)
	}

	maxRedeem, err := s.contracts.Vault.MaxRedeem(ctx, owner)
	if err != nil {
		return err
	}
	if maxRedeem.Cmp(shares) < 0 {
		return fmt.Errorf("%w: vault allows redeeming %s of %s shares", ErrInsufficientPosition, maxRedeem, shares)
	}

	return s.sendShareRedemption(ctx, job, models.RedemptionStatusRedeemingShares)
}

func (s *RedemptionService) sendShareRedemption(ctx context.Context, job *models.RedemptionJob, next models.RedemptionStatus) error {
	shares := models.ToBaseUnits(job.ShareAmount, models.AssetDecimals)
	txHash, err := s.contracts.Vault.Redeem(ctx, shares, common.HexToAddress(job.Wallet))
	if err != nil {
		return fmt.Errorf("vault redeem: %w", err)
	}
	job.RedeemSharesTxHash = strPtr(txHash.Hex())
	return s.transition(ctx, job, next)
}

// redeeming_shares -> redeemed_fxrp, debiting the position in the same update
func (s *RedemptionService) checkShareRedemption(ctx context.Context, job *models.RedemptionJob) error {
	if job.RedeemSharesTxHash == nil {
		return s.sendShareRedemption(ctx, job, job.Status)
	}
	receipt, err := s.contracts.Chain.Receipt(ctx, common.HexToHash(*job.RedeemSharesTxHash))
	if errors.Is(err, evm.ErrTxPending) {
		return nil
	}
	if errors.Is(err, evm.ErrTxReverted) {
		job.RedeemSharesTxHash = nil
		return err
	}
	if err != nil {
		return err
	}
	withdraw, err := s.contracts.Vault.ParseWithdraw(receipt)
	if err != nil {
		return err
	}

	unlock, ok, err := s.locker.TryLock(ctx, lock.WalletKey(job.Wallet))
	if err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}
	if !ok {
		s.logger.Debug("Wallet locked, deferring position debit", zap.String("job_id", job.JobID))
		return nil
	}
	defer unlock()

	from := job.Status
	job.FXRPAmount = decimal.NewNullDecimal(models.FromBaseUnits(withdraw.Assets, models.AssetDecimals))
	job.Status = models.RedemptionStatusRedeemedFXRP
	job.RetryCount = 0
	job.NextAttemptAt = nil
	job.LastError = nil
	if err := s.store.RedeemShares(ctx, job, from); err != nil {
		job.Status = from
		return err
	}
	metrics.Bridge().Transition("redemption", string(job.Status))
	s.logger.Info("Vault shares redeemed",
		zap.String("job_id", job.JobID),
		zap.String("shares", job.ShareAmount.String()),
		zap.String("fxrp", job.FXRPAmount.Decimal.String()))
	return nil
}

// redeemed_fxrp -> redeeming_fxrp: burn whole lots of FXRP against an agent payout
func (s *RedemptionService) redeemFXRP(ctx context.Context, job *models.RedemptionJob, next models.RedemptionStatus) error {
	lots, _, dust := s.fees.SplitRedemption(job.FXRPAmount.Decimal)
	if lots == 0 {
		job.FailureCode = models.FailureCodeBelowLot
		job.UserStatus = models.UserStatusFailed
		job.DustAmount = decimal.NewNullDecimal(dust)
		job.ErrorMessage = strPtr(fmt.Sprintf("%s FXRP is below one lot of %s", job.FXRPAmount.Decimal, s.cfg.LotSizeXRP))
		return s.transition(ctx, job, models.RedemptionStatusFailed)
	}

	txHash, err := s.contracts.Minter.Redeem(ctx, uint64(lots), job.XRPLAddress)
	if err != nil {
		return fmt.Errorf("redeem fxrp: %w", err)
	}
	job.Lots = lots
	job.DustAmount = decimal.NewNullDecimal(dust)
	job.RedeemFXRPTxHash = strPtr(txHash.Hex())
	return s.transition(ctx, job, next)
}

// redeeming_fxrp -> awaiting_proof once RedemptionRequested is mined
func (s *RedemptionService) checkRedemptionRequest(ctx context.Context, job *models.RedemptionJob) error {
	if job.RedeemFXRPTxHash == nil {
		return s.redeemFXRP(ctx, job, job.Status)
	}
	receipt, err := s.contracts.Chain.Receipt(ctx, common.HexToHash(*job.RedeemFXRPTxHash))
	if errors.Is(err, evm.ErrTxPending) {
		return nil
	}
	if errors.Is(err, evm.ErrTxReverted) {
		job.RedeemFXRPTxHash = nil
		return err
	}
	if err != nil {
		return err
	}
	req, err := s.contracts.Minter.ParseRedemptionRequest(receipt)
	if err != nil {
		return err
	}

	payout := new(big.Int).Sub(req.ValueUBA, req.FeeUBA)
	if !payout.IsInt64() {
		return fmt.Errorf("payout %s overflows drops", payout)
	}
	drops := payout.Int64()
	job.RedemptionRequestID = strPtr(req.RequestID.String())
	job.PaymentReference = strPtr(hex.EncodeToString(req.PaymentReference[:]))
	job.ExpectedPayoutDrops = &drops
	job.PayoutDeadline = timePtr(s.now().Add(s.cfg.PayoutTimeout))
	return s.transition(ctx, job, models.RedemptionStatusAwaitingProof)
}

// awaiting_proof -> xrpl_payout when the agent's payment to the user is validated
func (s *RedemptionService) checkPayout(ctx context.Context, job *models.RedemptionJob) error {
	if job.PaymentReference == nil {
		return fmt.Errorf("job %s has no payment reference", job.JobID)
	}
	tx, err := s.ledger.FindPayment(ctx, job.XRPLAddress, *job.PaymentReference, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("find payout: %w", err)
	}
	if tx == nil {
		if job.PayoutDeadline != nil && !s.now().Before(*job.PayoutDeadline) {
			job.FailureCode = models.FailureCodePayoutTimeout
			job.UserStatus = models.UserStatusFailed
			job.ErrorMessage = strPtr(fmt.Sprintf("no payout observed within %s", s.cfg.PayoutTimeout))
			s.logger.Error("Redemption payout timed out",
				zap.String("job_id", job.JobID),
				zap.Stringp("request_id", job.RedemptionRequestID))
			return s.transition(ctx, job, models.RedemptionStatusFailed)
		}
		return nil
	}

	received := tx.DeliveredDrops
	if received == 0 {
		received = tx.AmountDrops
	}
	job.XRPLPayoutTxHash = strPtr(tx.Hash)
	job.XRPSent = decimal.NewNullDecimal(models.DropsToXRP(received))
	return s.transition(ctx, job, models.RedemptionStatusXRPLPayout)
}

// xrpl_payout -> xrpl_received, or straight to completed when the redemption is
// already confirmed on chain. userStatus turns completed here.
func (s *RedemptionService) confirmPayout(ctx context.Context, job *models.RedemptionJob) error {
	if job.XRPLPayoutTxHash == nil {
		return fmt.Errorf("job %s has no payout hash", job.JobID)
	}
	tx, err := s.ledger.Tx(ctx, *job.XRPLPayoutTxHash)
	if errors.Is(err, xrpl.ErrTxNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !tx.Validated {
		return nil
	}
	if !tx.Succeeded() {
		return fmt.Errorf("payout %s applied with %s", tx.Hash, tx.Result)
	}

	now := s.now()
	job.UserStatus = models.UserStatusCompleted
	job.UserCompletedAt = timePtr(now)

	next := models.RedemptionStatusXRPLReceived
	if performed, err := s.redemptionPerformed(ctx, job); err != nil {
		s.logger.Warn("Failed to check redemption confirmation",
			zap.String("job_id", job.JobID), zap.Error(err))
	} else if performed {
		next = models.RedemptionStatusCompleted
		job.BackendStatus = models.BackendStatusConfirmed
		job.ConfirmedAt = timePtr(now)
	}

	if err := s.transition(ctx, job, next); err != nil {
		return err
	}
	s.logger.Info("Redemption paid out",
		zap.String("job_id", job.JobID),
		zap.String("xrpl_payout_tx_hash", tx.Hash),
		zap.String("xrp_sent", job.XRPSent.Decimal.String()),
		zap.String("backend_status", string(job.BackendStatus)))
	return nil
}

func (s *RedemptionService) redemptionPerformed(ctx context.Context, job *models.RedemptionJob) (bool, error) {
	if job.RedemptionRequestID == nil || job.RedeemFXRPTxHash == nil {
		return false, nil
	}
	requestID, ok := new(big.Int).SetString(*job.RedemptionRequestID, 10)
	if !ok {
		return false, fmt.Errorf("invalid redemption request id %q", *job.RedemptionRequestID)
	}
	receipt, err := s.contracts.Chain.Receipt(ctx, common.HexToHash(*job.RedeemFXRPTxHash))
	if err != nil {
		return false, err
	}
	return s.contracts.Minter.RedemptionPerformed(ctx, requestID, receipt.BlockNumber.Uint64())
}

// transition persists the forward status change, guarded on the loaded status
func (s *RedemptionService) transition(ctx context.Context, job *models.RedemptionJob, to models.RedemptionStatus) error {
	from := job.Status
	if err := from.ValidateTransition(to); err != nil {
		return err
	}
	if from != to {
		job.RetryCount = 0
		job.NextAttemptAt = nil
		job.LastError = nil
	}
	job.Status = to
	if err := s.store.UpdateRedemptionJob(ctx, job, from); err != nil {
		job.Status = from
		return err
	}
	if from != to {
		metrics.Bridge().Transition("redemption", string(to))
		s.logger.Info("Redemption advanced",
			zap.String("job_id", job.JobID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("user_status", string(job.UserStatus)))
	}
	return nil
}

func (s *RedemptionService) handleError(ctx context.Context, job *models.RedemptionJob, stepErr error) error {
	class := Classify(stepErr)
	metrics.Bridge().JobError("redemption", string(class))

	if class == ClassConflict {
		s.logger.Debug("Redemption advanced elsewhere", zap.String("job_id", job.JobID))
		return nil
	}

	job.LastError = errString(stepErr)
	if class != ClassPrecondition {
		job.RetryCount++
	}
	job.NextAttemptAt = timePtr(s.now().Add(Backoff(s.cfg.BaseRetryDelay, s.cfg.MaxRetryDelay, job.RetryCount)))

	s.logger.Warn("Redemption step failed",
		zap.String("job_id", job.JobID),
		zap.String("status", string(job.Status)),
		zap.String("class", string(class)),
		zap.Int("retry_count", job.RetryCount),
		zap.Error(stepErr))

	if class == ClassRevert && job.RetryCount >= s.cfg.MaxRetries && job.Status.CanTransitionTo(models.RedemptionStatusFailed) {
		from := job.Status
		job.Status = models.RedemptionStatusFailed
		job.UserStatus = models.UserStatusFailed
		job.FailureCode = models.FailureCodeReverted
		job.ErrorMessage = errString(stepErr)
		if err := s.store.UpdateRedemptionJob(ctx, job, from); err != nil {
			job.Status = from
			return ignoreConflict(err)
		}
		metrics.Bridge().Transition("redemption", string(job.Status))
		s.logger.Error("Redemption failed after max retries",
			zap.String("job_id", job.JobID),
			zap.String("failed_at", string(from)),
			zap.Error(stepErr))
		return nil
	}

	return ignoreConflict(s.store.UpdateRedemptionJob(ctx, job, job.Status))
}

// ==================== Backend confirmation ====================

// AdvanceBackend performs one step of on-chain confirmation for a paid redemption.
// It only touches backend fields and the final xrpl_received -> completed edge;
// userStatus is never changed here.
func (s *RedemptionService) AdvanceBackend(ctx context.Context, job *models.RedemptionJob) error {
	if job.UserStatus != models.UserStatusCompleted || job.BackendStatus.IsTerminal() {
		return nil
	}
	// manual_review keeps retrying on backoff until an operator requeues the job
	// or the abandon ceiling is reached
	now := s.now()
	if job.BackendNextRetryAt != nil && now.Before(*job.BackendNextRetryAt) {
		return nil
	}

	if job.BackendStatus == models.BackendStatusRetryPending {
		if err := s.setBackend(ctx, job, models.BackendStatusRetrying); err != nil {
			return ignoreConflict(err)
		}
	}

	if err := s.backendStep(ctx, job); err != nil {
		if errors.Is(err, database.ErrStatusConflict) {
			return nil
		}
		return s.backendFailure(ctx, job, err)
	}
	return nil
}

func (s *RedemptionService) backendStep(ctx context.Context, job *models.RedemptionJob) error {
	if job.ConfirmTxHash != nil {
		_, err := s.contracts.Chain.Receipt(ctx, common.HexToHash(*job.ConfirmTxHash))
		if errors.Is(err, evm.ErrTxPending) {
			return nil
		}
		if errors.Is(err, evm.ErrTxReverted) {
			job.ConfirmTxHash = nil
			return err
		}
		if err != nil {
			return err
		}
		return s.backendConfirmed(ctx, job)
	}

	performed, err := s.redemptionPerformed(ctx, job)
	if err != nil {
		return err
	}
	if performed {
		return s.backendConfirmed(ctx, job)
	}

	if job.BackendProofRequestHex == nil {
		request, err := s.oracle.PreparePayment(ctx, *job.XRPLPayoutTxHash)
		if err != nil {
			return fmt.Errorf("prepare attestation: %w", err)
		}
		if _, err := s.contracts.Hub.RequestAttestation(ctx, request); err != nil {
			return fmt.Errorf("request attestation: %w", err)
		}
		round := s.oracle.RoundForTime(s.now())
		job.BackendProofRequestHex = strPtr(hex.EncodeToString(request))
		job.BackendProofRoundID = &round
		return s.setBackend(ctx, job, inProgress(job.BackendStatus))
	}

	request, err := hex.DecodeString(*job.BackendProofRequestHex)
	if err != nil {
		return fmt.Errorf("invalid stored proof request: %w", err)
	}
	proof, err := s.oracle.FetchProof(ctx, *job.BackendProofRoundID, request)
	if errors.Is(err, fdc.ErrProofNotReady) {
		elapsed := time.Duration(s.oracle.RoundForTime(s.now())-*job.BackendProofRoundID) * s.oracle.RoundDuration()
		if elapsed < s.cfg.ProofTimeout {
			return nil
		}
		// start over with a fresh request
		job.BackendProofRequestHex = nil
		job.BackendProofRoundID = nil
		return fmt.Errorf("confirmation proof not available after %s", s.cfg.ProofTimeout)
	}
	if err != nil {
		return fmt.Errorf("fetch proof: %w", err)
	}

	requestID, ok := new(big.Int).SetString(*job.RedemptionRequestID, 10)
	if !ok {
		return fmt.Errorf("invalid redemption request id %q", *job.RedemptionRequestID)
	}
	txHash, err := s.contracts.Minter.ConfirmRedemptionPayment(ctx, toContractProof(proof), requestID)
	if err != nil {
		return fmt.Errorf("confirm redemption payment: %w", err)
	}
	job.ConfirmTxHash = strPtr(txHash.Hex())
	return s.setBackend(ctx, job, inProgress(job.BackendStatus))
}

// inProgress is the status an attempt in flight is recorded under. A job in
// manual_review stays there so operators keep seeing it.
func inProgress(current models.BackendStatus) models.BackendStatus {
	if current == models.BackendStatusManualReview {
		return current
	}
	return models.BackendStatusConfirming
}

func (s *RedemptionService) backendConfirmed(ctx context.Context, job *models.RedemptionJob) error {
	job.BackendStatus = models.BackendStatusConfirmed
	job.BackendLastError = nil
	job.BackendNextRetryAt = nil
	job.ConfirmedAt = timePtr(s.now())

	from := job.Status
	to := from
	if from.CanTransitionTo(models.RedemptionStatusCompleted) {
		to = models.RedemptionStatusCompleted
	}
	if err := s.transition(ctx, job, to); err != nil {
		return err
	}
	s.logger.Info("Redemption confirmed on chain",
		zap.String("job_id", job.JobID),
		zap.Stringp("confirm_tx_hash", job.ConfirmTxHash))
	return nil
}

// backendFailure counts a failed confirmation attempt and escalates to manual_review,
// then abandoned
func (s *RedemptionService) backendFailure(ctx context.Context, job *models.RedemptionJob, stepErr error) error {
	job.BackendRetryCount++
	job.BackendLastError = errString(stepErr)
	job.BackendNextRetryAt = timePtr(s.now().Add(Backoff(s.cfg.BaseRetryDelay, s.cfg.MaxRetryDelay, job.BackendRetryCount)))

	next := models.BackendStatusRetryPending
	switch {
	case job.BackendRetryCount >= s.cfg.BackendAbandonAfter:
		next = models.BackendStatusAbandoned
	case job.BackendRetryCount >= s.cfg.BackendManualReviewAfter:
		next = models.BackendStatusManualReview
	}
	metrics.Bridge().JobError("redemption_backend", string(Classify(stepErr)))

	logFn := s.logger.Warn
	if next != models.BackendStatusRetryPending {
		logFn = s.logger.Error
	}
	logFn("Backend confirmation failed",
		zap.String("job_id", job.JobID),
		zap.String("backend_status", string(next)),
		zap.Int("backend_retry_count", job.BackendRetryCount),
		zap.Error(stepErr))

	return ignoreConflict(s.setBackend(ctx, job, next))
}

func (s *RedemptionService) setBackend(ctx context.Context, job *models.RedemptionJob, to models.BackendStatus) error {
	from := job.BackendStatus
	if !from.CanTransitionTo(to) {
		return &models.TransitionError{Machine: "backend", From: string(from), To: string(to)}
	}
	job.BackendStatus = to
	if err := s.store.UpdateRedemptionJob(ctx, job, job.Status); err != nil {
		job.BackendStatus = from
		return err
	}
	if from != to {
		metrics.Bridge().Transition("redemption_backend", string(to))
	}
	return nil
}

// ListBackendAttention returns paid redemptions whose confirmation needs an operator
func (s *RedemptionService) ListBackendAttention(ctx context.Context) ([]models.RedemptionJob, error) {
	return s.store.ListRedemptionJobsByBackendStatus(ctx,
		[]models.BackendStatus{models.BackendStatusManualReview, models.BackendStatusAbandoned}, 500)
}

// RequeueBackend moves a manual_review job back to retry_pending and clears its
// backoff so the next tick retries it
func (s *RedemptionService) RequeueBackend(ctx context.Context, jobID string) error {
	job, err := s.GetRedemptionJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.BackendStatus != models.BackendStatusManualReview {
		return fmt.Errorf("%w: backend status %s", ErrBackendNotRequeueable, job.BackendStatus)
	}
	job.BackendNextRetryAt = nil
	if err := s.setBackend(ctx, job, models.BackendStatusRetryPending); err != nil {
		return err
	}
	s.logger.Info("Backend confirmation requeued",
		zap.String("job_id", job.JobID),
		zap.Int("backend_retry_count", job.BackendRetryCount))
	return nil
}
