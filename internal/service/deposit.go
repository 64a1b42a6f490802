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

// DepositService drives deposit jobs: XRP payment -> FXRP mint -> vault shares
type DepositService struct {
	store     DepositStore
	contracts Contracts
	oracle    Oracle
	ledger    Ledger
	locker    lock.Locker
	fees      *FeeService
	cfg       *config.BridgeConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewDepositService creates a new deposit service
func NewDepositService(
	store DepositStore,
	contracts Contracts,
	oracle Oracle,
	ledger Ledger,
	locker lock.Locker,
	cfg *config.BridgeConfig,
	logger *zap.Logger,
) *DepositService {
	return &DepositService{
		store:     store,
		contracts: contracts,
		oracle:    oracle,
		ledger:    ledger,
		locker:    locker,
		fees:      NewFeeService(cfg, logger),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("deposit"),
	}
}

// WithClock overrides the time source
func (s *DepositService) WithClock(now func() time.Time) *DepositService {
	s.now = now
	return s
}

// CreateDepositJob quotes a deposit and stores it as pending. An empty vault
// selects the configured vault.
func (s *DepositService) CreateDepositJob(ctx context.Context, wallet, vault, xrplAddress string, amount decimal.Decimal) (*models.BridgeJob, error) {
	wallet, err := normalizeWallet(wallet)
	if err != nil {
		return nil, err
	}
	vault, err = s.resolveVault(vault)
	if err != nil {
		return nil, err
	}
	if err := xrpl.ValidateAddress(xrplAddress); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	quote, err := s.fees.QuoteDeposit(amount)
	if err != nil {
		return nil, err
	}

	job := &models.BridgeJob{
		JobID:              uuid.New().String(),
		Wallet:             wallet,
		Vault:              vault,
		XRPLAddress:        xrplAddress,
		RequestedAmount:    quote.Requested,
		ActualAmount:       quote.Actual,
		Lots:               quote.Lots,
		FeeAmount:          quote.Fee,
		ExpectedTotalDrops: quote.ExpectedTotalDrops,
		ExpectedFXRP:       quote.Actual,
		Status:             models.DepositStatusPending,
		AgentVault:         lowerHex(s.contracts.AgentVault),
	}
	if err := s.store.CreateBridgeJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create deposit job: %w", err)
	}
	metrics.Bridge().Transition("deposit", string(job.Status))

	s.logger.Info("Deposit job created",
		zap.String("job_id", job.JobID),
		zap.String("wallet", wallet),
		zap.String("requested_amount", quote.Requested.String()),
		zap.String("actual_amount", quote.Actual.String()),
		zap.Int64("lots", quote.Lots))

	return job, nil
}

func (s *DepositService) resolveVault(vault string) (string, error) {
	configured := lowerHex(s.contracts.Vault.Address())
	if vault == "" {
		return configured, nil
	}
	v, err := normalizeWallet(vault)
	if err != nil {
		return "", err
	}
	if v != configured {
		return "", fmt.Errorf("%w: unknown vault %s", ErrInvalidAddress, vault)
	}
	return v, nil
}

// GetDepositJob returns a deposit job or ErrJobNotFound
func (s *DepositService) GetDepositJob(ctx context.Context, jobID string) (*models.BridgeJob, error) {
	job, err := s.store.GetBridgeJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// RequestCancellation cancels a deposit that has not passed the payment stage. The
// signature must be the wallet's personal_sign over CancelMessage(jobID).
func (s *DepositService) RequestCancellation(ctx context.Context, jobID, signature string) error {
	job, err := s.GetDepositJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsPrePayment() {
		return fmt.Errorf("%w: status %s", ErrNotCancellable, job.Status)
	}
	if err := VerifyCancelSignature(job.JobID, job.Wallet, signature); err != nil {
		return err
	}

	err = s.cancel(ctx, job, "user_cancelled", job.FailureCode)
	if errors.Is(err, database.ErrStatusConflict) {
		return fmt.Errorf("%w: job advanced concurrently", ErrNotCancellable)
	}
	return err
}

// RetryProof re-issues the attestation request of a job stuck in fdc_timeout
func (s *DepositService) RetryProof(ctx context.Context, jobID string) error {
	job, err := s.GetDepositJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.DepositStatusFDCTimeout {
		return fmt.Errorf("%w: status %s", ErrNotRetryable, job.Status)
	}

	job.FDCTxHash = nil
	job.ProofRoundID = nil
	job.ProofRequestHex = nil
	job.ProofHex = nil
	job.ProofRequestedAt = nil
	job.ErrorMessage = nil
	if err := s.transition(ctx, job, models.DepositStatusGeneratingProof); err != nil {
		if errors.Is(err, database.ErrStatusConflict) {
			return fmt.Errorf("%w: job advanced concurrently", ErrNotRetryable)
		}
		return err
	}
	return nil
}

// Advance performs at most one step of a deposit job. Step failures are recorded on
// the job and only store failures are returned.
func (s *DepositService) Advance(ctx context.Context, job *models.BridgeJob) error {
	if job.Status.IsTerminal() {
		return nil
	}
	if job.NextAttemptAt != nil && s.now().Before(*job.NextAttemptAt) {
		return nil
	}

	var err error
	switch job.Status {
	case models.DepositStatusPending:
		err = s.reserveCollateral(ctx, job)
	case models.DepositStatusReservingCollateral:
		err = s.checkReservation(ctx, job)
	case models.DepositStatusAwaitingPayment:
		err = s.checkPayment(ctx, job)
	case models.DepositStatusXRPLConfirmed:
		err = s.requestProof(ctx, job, models.DepositStatusGeneratingProof)
	case models.DepositStatusGeneratingProof:
		err = s.checkProof(ctx, job)
	case models.DepositStatusProofGenerated:
		err = s.executeMinting(ctx, job, models.DepositStatusMinting)
	case models.DepositStatusMinting:
		err = s.checkMinting(ctx, job)
	case models.DepositStatusVaultMinting:
		err = s.checkVaultDeposit(ctx, job)
	case models.DepositStatusVaultMinted:
		err = s.complete(ctx, job)
	case models.DepositStatusFDCTimeout:
		// waits for RetryProof
		return nil
	default:
		return fmt.Errorf("unknown deposit status %q", job.Status)
	}
	if err != nil {
		return s.handleError(ctx, job, err)
	}
	return nil
}

// pending -> reserving_collateral
func (s *DepositService) reserveCollateral(ctx context.Context, job *models.BridgeJob) error {
	txHash, err := s.contracts.Minter.ReserveCollateral(ctx, common.HexToAddress(job.AgentVault), uint64(job.Lots), uint64(s.cfg.MintingFeeBps))
	if err != nil {
		return fmt.Errorf("reserve collateral: %w", err)
	}
	job.ReservationTxHash = strPtr(txHash.Hex())
	return s.transition(ctx, job, models.DepositStatusReservingCollateral)
}

// reserving_collateral -> awaiting_payment once CollateralReserved is mined
func (s *DepositService) checkReservation(ctx context.Context, job *models.BridgeJob) error {
	if job.ReservationTxHash == nil {
		txHash, err := s.contracts.Minter.ReserveCollateral(ctx, common.HexToAddress(job.AgentVault), uint64(job.Lots), uint64(s.cfg.MintingFeeBps))
		if err != nil {
			return fmt.Errorf("reserve collateral: %w", err)
		}
		job.ReservationTxHash = strPtr(txHash.Hex())
		return s.transition(ctx, job, job.Status)
	}

	receipt, err := s.contracts.Chain.Receipt(ctx, common.HexToHash(*job.ReservationTxHash))
	if errors.Is(err, evm.ErrTxPending) {
		return nil
	}
	if errors.Is(err, evm.ErrTxReverted) {
		job.ReservationTxHash = nil
		return err
	}
	if err != nil {
		return err
	}

	res, err := s.contracts.Minter.ParseReservation(receipt)
	if err != nil {
		return err
	}
	total := new(big.Int).Add(res.ValueUBA, res.FeeUBA)
	if !total.IsInt64() {
		return fmt.Errorf("reservation total %s overflows drops", total)
	}

	expires := s.now().Add(s.cfg.PaymentWindow)
	if res.LastUnderlyingTS != nil && res.LastUnderlyingTS.Sign() > 0 {
		if deadline := time.Unix(res.LastUnderlyingTS.Int64(), 0).UTC(); deadline.Before(expires) {
			expires = deadline
		}
	}

	job.ReservationID = strPtr(res.ReservationID.String())
	job.PaymentReference = strPtr(hex.EncodeToString(res.PaymentReference[:]))
	job.AgentXRPLAddress = strPtr(res.PaymentAddress)
	job.ExpectedFXRP = models.FromBaseUnits(res.ValueUBA, models.AssetDecimals)
	job.FeeAmount = models.FromBaseUnits(res.FeeUBA, models.AssetDecimals)
	job.ExpectedTotalDrops = total.Int64()
	job.ExpiresAt = timePtr(expires)
	return s.transition(ctx, job, models.DepositStatusAwaitingPayment)
}

// awaiting_payment -> xrpl_confirmed when an exact payment carrying the reference is
// validated. A wrong amount pauses the job; it stays cancellable.
func (s *DepositService) checkPayment(ctx context.Context, job *models.BridgeJob) error {
	now := s.now()
	if job.FailureCode == models.FailureCodeAmountMismatch {
		if s.cfg.MismatchSweepAfter > 0 && job.MismatchAt != nil && now.Sub(*job.MismatchAt) >= s.cfg.MismatchSweepAfter {
			return s.cancel(ctx, job, string(models.FailureCodeMismatchExpired), models.FailureCodeMismatchExpired)
		}
		return nil
	}
	if job.AgentXRPLAddress == nil || job.PaymentReference == nil {
		return fmt.Errorf("job %s has no payment instructions", job.JobID)
	}

	tx, err := s.ledger.FindPayment(ctx, *job.AgentXRPLAddress, *job.PaymentReference, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if tx == nil {
		if job.ExpiresAt != nil && !now.Before(*job.ExpiresAt) {
			return s.cancel(ctx, job, string(models.FailureCodePaymentWindowExpired), models.FailureCodePaymentWindowExpired)
		}
		return nil
	}

	received := tx.DeliveredDrops
	if received == 0 {
		received = tx.AmountDrops
	}
	job.ReceivedDrops = &received
	job.XRPLTxHash = strPtr(tx.Hash)

	if received != job.ExpectedTotalDrops {
		job.FailureCode = models.FailureCodeAmountMismatch
		job.MismatchAt = timePtr(now)
		job.ErrorMessage = strPtr(fmt.Sprintf("expected %s XRP, received %s XRP",
			models.DropsToXRP(job.ExpectedTotalDrops).StringFixed(models.AssetDecimals),
			models.DropsToXRP(received).StringFixed(models.AssetDecimals)))
		metrics.Bridge().JobError("deposit", string(ClassPrecondition))
		s.logger.Warn("Deposit amount mismatch",
			zap.String("job_id", job.JobID),
			zap.String("xrpl_tx_hash", tx.Hash),
			zap.Int64("expected_drops", job.ExpectedTotalDrops),
			zap.Int64("received_drops", received))
		return s.transition(ctx, job, job.Status)
	}

	return s.transition(ctx, job, models.DepositStatusXRPLConfirmed)
}

// requestProof submits the attestation request for the XRPL payment and moves to next
func (s *DepositService) requestProof(ctx context.Context, job *models.BridgeJob, next models.DepositStatus) error {
	if job.XRPLTxHash == nil {
		return fmt.Errorf("job %s has no XRPL payment", job.JobID)
	}
	request, err := s.oracle.PreparePayment(ctx, *job.XRPLTxHash)
	if err != nil {
		return fmt.Errorf("prepare attestation: %w", err)
	}
	txHash, err := s.contracts.Hub.RequestAttestation(ctx, request)
	if err != nil {
		return fmt.Errorf("request attestation: %w", err)
	}

	job.ProofRequestHex = strPtr(hex.EncodeToString(request))
	job.FDCTxHash = strPtr(txHash.Hex())
	job.ProofRoundID = nil
	job.ProofRequestedAt = timePtr(s.now())
	return s.transition(ctx, job, next)
}

// generating_proof -> proof_generated, or fdc_timeout after ProofTimeout
func (s *DepositService) checkProof(ctx context.Context, job *models.BridgeJob) error {
	if job.FDCTxHash == nil || job.ProofRequestHex == nil {
		return s.requestProof(ctx, job, job.Status)
	}

	if job.ProofRoundID == nil {
		round, err := s.roundOf(ctx, *job.FDCTxHash)
		if errors.Is(err, evm.ErrTxPending) {
			return s.checkProofTimeout(ctx, job)
		}
		if errors.Is(err, evm.ErrTxReverted) {
			job.FDCTxHash = nil
			return err
		}
		if err != nil {
			return err
		}
		job.ProofRoundID = &round
		if err := s.transition(ctx, job, job.Status); err != nil {
			return err
		}
	}

	request, err := hex.DecodeString(*job.ProofRequestHex)
	if err != nil {
		return fmt.Errorf("invalid stored proof request: %w", err)
	}
	proof, err := s.oracle.FetchProof(ctx, *job.ProofRoundID, request)
	if errors.Is(err, fdc.ErrProofNotReady) {
		return s.checkProofTimeout(ctx, job)
	}
	if err != nil {
		return fmt.Errorf("fetch proof: %w", err)
	}

	encoded, err := encodeProof(proof)
	if err != nil {
		return err
	}
	job.ProofHex = &encoded
	return s.transition(ctx, job, models.DepositStatusProofGenerated)
}

func (s *DepositService) checkProofTimeout(ctx context.Context, job *models.BridgeJob) error {
	if job.ProofRequestedAt == nil || s.now().Sub(*job.ProofRequestedAt) < s.cfg.ProofTimeout {
		return nil
	}
	job.ErrorMessage = strPtr(fmt.Sprintf("proof not available after %s", s.cfg.ProofTimeout))
	s.logger.Warn("Proof generation timed out",
		zap.String("job_id", job.JobID),
		zap.Duration("timeout", s.cfg.ProofTimeout))
	return s.transition(ctx, job, models.DepositStatusFDCTimeout)
}

// roundOf derives the voting round from the block the attestation request was mined in
func (s *DepositService) roundOf(ctx context.Context, txHash string) (int64, error) {
	receipt, err := s.contracts.Chain.Receipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return 0, err
	}
	blockTime, err := s.contracts.Chain.BlockTime(ctx, receipt.BlockNumber.Uint64())
	if err != nil {
		return 0, err
	}
	return s.oracle.RoundForTime(blockTime), nil
}

// proof_generated -> minting
func (s *DepositService) executeMinting(ctx context.Context, job *models.BridgeJob, next models.DepositStatus) error {
	if job.ProofHex == nil || job.ReservationID == nil {
		return fmt.Errorf("job %s has no proof or reservation", job.JobID)
	}
	proof, err := decodeProof(*job.ProofHex)
	if err != nil {
		return err
	}
	reservationID, ok := new(big.Int).SetString(*job.ReservationID, 10)
	if !ok {
		return fmt.Errorf("invalid reservation id %q", *job.ReservationID)
	}
	txHash, err := s.contracts.Minter.ExecuteMinting(ctx, proof, reservationID)
	if err != nil {
		return fmt.Errorf("execute minting: %w", err)
	}
	job.MintTxHash = strPtr(txHash.Hex())
	return s.transition(ctx, job, next)
}

// minting -> vault_minting: read the minted FXRP, approve the vault and deposit on
// behalf of the wallet
func (s *DepositService) checkMinting(ctx context.Context, job *models.BridgeJob) error {
	if job.MintTxHash == nil {
		return s.executeMinting(ctx, job, job.Status)
	}

	if !job.ReceivedFXRP.Valid {
		receipt, err := s.contracts.Chain.Receipt(ctx, common.HexToHash(*job.MintTxHash))
		if errors.Is(err, evm.ErrTxPending) {
			return nil
		}
		if errors.Is(err, evm.ErrTxReverted) {
			job.MintTxHash = nil
			return err
		}
		if err != nil {
			return err
		}
		minting, err := s.contracts.Minter.ParseMinting(receipt)
		if err != nil {
			return err
		}
		job.ReceivedFXRP = decimal.NewNullDecimal(models.FromBaseUnits(minting.MintedAmountUBA, models.AssetDecimals))
		if err := s.transition(ctx, job, job.Status); err != nil {
			return err
		}
	}

	assets := models.ToBaseUnits(job.ReceivedFXRP.Decimal, models.AssetDecimals)
	approveHash, err := s.contracts.FXRP.EnsureAllowance(ctx, s.contracts.Vault.Address(), assets)
	if err != nil {
		return fmt.Errorf("approve vault: %w", err)
	}
	if approveHash != (common.Hash{}) {
		// deposit once the approval is mined
		job.NextAttemptAt = timePtr(s.now().Add(s.cfg.BaseRetryDelay))
		return s.transition(ctx, job, job.Status)
	}
	return s.depositToVault(ctx, job, models.DepositStatusVaultMinting)
}

func (s *DepositService) depositToVault(ctx context.Context, job *models.BridgeJob, next models.DepositStatus) error {
	assets := models.ToBaseUnits(job.ReceivedFXRP.Decimal, models.AssetDecimals)
	txHash, err := s.contracts.Vault.Deposit(ctx, assets, common.HexToAddress(job.Wallet))
	if err != nil {
		return fmt.Errorf("vault deposit: %w", err)
	}
	job.VaultMintTxHash = strPtr(txHash.Hex())
	return s.transition(ctx, job, next)
}

// vault_minting -> vault_minted once the Deposit event is mined
func (s *DepositService) checkVaultDeposit(ctx context.Context, job *models.BridgeJob) error {
	if job.VaultMintTxHash == nil {
		return s.depositToVault(ctx, job, job.Status)
	}
	receipt, err := s.contracts.Chain.Receipt(ctx, common.HexToHash(*job.VaultMintTxHash))
	if errors.Is(err, evm.ErrTxPending) {
		return nil
	}
	if errors.Is(err, evm.ErrTxReverted) {
		job.VaultMintTxHash = nil
		return err
	}
	if err != nil {
		return err
	}
	dep, err := s.contracts.Vault.ParseDeposit(receipt)
	if err != nil {
		return err
	}
	job.SharesMinted = decimal.NewNullDecimal(models.FromBaseUnits(dep.Shares, models.AssetDecimals))
	return s.transition(ctx, job, models.DepositStatusVaultMinted)
}

// vault_minted -> completed, crediting the position under the wallet lock
func (s *DepositService) complete(ctx context.Context, job *models.BridgeJob) error {
	unlock, ok, err := s.locker.TryLock(ctx, lock.WalletKey(job.Wallet))
	if err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}
	if !ok {
		s.logger.Debug("Wallet locked, deferring completion", zap.String("job_id", job.JobID))
		return nil
	}
	defer unlock()

	from := job.Status
	job.Status = models.DepositStatusCompleted
	job.CompletedAt = timePtr(s.now())
	job.RetryCount = 0
	job.NextAttemptAt = nil
	job.LastError = nil
	pos, err := s.store.CompleteDeposit(ctx, job, from)
	if err != nil {
		job.Status = from
		return err
	}
	metrics.Bridge().Transition("deposit", string(job.Status))

	s.logger.Info("Deposit completed",
		zap.String("job_id", job.JobID),
		zap.String("wallet", job.Wallet),
		zap.String("shares_minted", job.SharesMinted.Decimal.String()),
		zap.String("position_amount", pos.Amount.String()))
	return nil
}

func (s *DepositService) cancel(ctx context.Context, job *models.BridgeJob, reason string, code models.FailureCode) error {
	job.FailureCode = code
	job.CancelReason = strPtr(reason)
	job.CancelledAt = timePtr(s.now())
	if err := s.transition(ctx, job, models.DepositStatusCancelled); err != nil {
		return err
	}
	s.logger.Info("Deposit cancelled",
		zap.String("job_id", job.JobID),
		zap.String("reason", reason))
	return nil
}

// transition persists job with status to, guarded on the status it was loaded with
func (s *DepositService) transition(ctx context.Context, job *models.BridgeJob, to models.DepositStatus) error {
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
	if err := s.store.UpdateBridgeJob(ctx, job, from); err != nil {
		job.Status = from
		return err
	}
	if from != to {
		metrics.Bridge().Transition("deposit", string(to))
		s.logger.Info("Deposit advanced",
			zap.String("job_id", job.JobID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	return nil
}

// handleError records a failed step on the job. Reverts fail the job once
// MaxRetries is reached; everything else is retried with backoff.
func (s *DepositService) handleError(ctx context.Context, job *models.BridgeJob, stepErr error) error {
	class := Classify(stepErr)
	metrics.Bridge().JobError("deposit", string(class))

	if class == ClassConflict {
		s.logger.Debug("Deposit advanced elsewhere", zap.String("job_id", job.JobID))
		return nil
	}

	job.LastError = errString(stepErr)
	if class != ClassPrecondition {
		job.RetryCount++
	}
	job.NextAttemptAt = timePtr(s.now().Add(Backoff(s.cfg.BaseRetryDelay, s.cfg.MaxRetryDelay, job.RetryCount)))

	s.logger.Warn("Deposit step failed",
		zap.String("job_id", job.JobID),
		zap.String("status", string(job.Status)),
		zap.String("class", string(class)),
		zap.Int("retry_count", job.RetryCount),
		zap.Error(stepErr))

	if class == ClassRevert && job.RetryCount >= s.cfg.MaxRetries {
		terminal := models.DepositStatusFailed
		if job.Status == models.DepositStatusVaultMinting {
			terminal = models.DepositStatusVaultMintFailed
		}
		if job.Status.CanTransitionTo(terminal) {
			job.FailureCode = models.FailureCodeReverted
			job.ErrorMessage = errString(stepErr)
			from := job.Status
			job.Status = terminal
			if err := s.store.UpdateBridgeJob(ctx, job, from); err != nil {
				job.Status = from
				return ignoreConflict(err)
			}
			metrics.Bridge().Transition("deposit", string(terminal))
			s.logger.Error("Deposit failed after max retries",
				zap.String("job_id", job.JobID),
				zap.String("status", string(terminal)),
				zap.Error(stepErr))
			return nil
		}
	}

	return ignoreConflict(s.store.UpdateBridgeJob(ctx, job, job.Status))
}

func ignoreConflict(err error) error {
	if errors.Is(err, database.ErrStatusConflict) {
		return nil
	}
	return err
}

func lowerHex(addr common.Address) string {
	s, _ := normalizeWallet(addr.Hex())
	return s
}
