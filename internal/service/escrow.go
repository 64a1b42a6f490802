package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultbridge/internal/blockchain/xrpl"
	"vaultbridge/internal/models"
)

// CreateEscrowRequest describes a time-locked hold from the operator account
type CreateEscrowRequest struct {
	Destination   string
	Amount        decimal.Decimal // XRP
	FinishAfter   time.Time
	CancelAfter   time.Time
	WithCondition bool // attach a PREIMAGE-SHA-256 condition
}

// CreatedEscrow is a stored escrow plus the fulfillment of its condition. The
// fulfillment is returned once and never persisted.
type CreatedEscrow struct {
	Record      *models.EscrowRecord
	Fulfillment string
}

// EscrowService creates, finishes and cancels XRPL escrows and keeps their records.
// Each ledger call holds its own connection.
type EscrowService struct {
	store  EscrowStore
	ledger EscrowLedger
	logger *zap.Logger
}

// NewEscrowService creates a new escrow service
func NewEscrowService(store EscrowStore, ledger EscrowLedger, logger *zap.Logger) *EscrowService {
	return &EscrowService{
		store:  store,
		ledger: ledger,
		logger: logger.Named("escrow"),
	}
}

// Create submits an EscrowCreate and stores the pending record
func (s *EscrowService) Create(ctx context.Context, req CreateEscrowRequest) (*CreatedEscrow, error) {
	drops, err := models.XRPToDrops(req.Amount)
	if err != nil || drops <= 0 {
		return nil, fmt.Errorf("%w: escrow amount %s", ErrInvalidAmount, req.Amount)
	}
	if err := xrpl.ValidateAddress(req.Destination); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	ledgerReq := xrpl.EscrowCreateRequest{
		Destination: req.Destination,
		AmountDrops: drops,
		FinishAfter: req.FinishAfter,
		CancelAfter: req.CancelAfter,
	}
	var cond *xrpl.PreimageCondition
	if req.WithCondition {
		cond, err = xrpl.NewPreimageCondition()
		if err != nil {
			return nil, err
		}
		ledgerReq.Condition = cond.Condition
	}

	created, err := s.ledger.CreateEscrow(ctx, ledgerReq)
	if err != nil {
		return nil, err
	}

	rec := &models.EscrowRecord{
		Owner:        s.ledger.Account(),
		Destination:  req.Destination,
		Sequence:     created.Sequence,
		Amount:       req.Amount,
		Status:       models.EscrowStatusPending,
		FinishAfter:  req.FinishAfter.UTC(),
		CancelAfter:  req.CancelAfter.UTC(),
		CreateTxHash: created.TxHash,
	}
	out := &CreatedEscrow{Record: rec}
	if cond != nil {
		rec.Condition = strPtr(cond.Condition)
		out.Fulfillment = cond.Fulfillment
	}
	if err := s.store.CreateEscrow(ctx, rec); err != nil {
		// the escrow exists on the ledger; Sync cannot see it without a record
		s.logger.Error("Escrow created but not recorded",
			zap.String("tx_hash", created.TxHash),
			zap.Uint32("sequence", created.Sequence),
			zap.Error(err))
		return nil, fmt.Errorf("failed to record escrow: %w", err)
	}

	s.logger.Info("Escrow recorded",
		zap.String("owner", rec.Owner),
		zap.Uint32("sequence", rec.Sequence),
		zap.String("amount", rec.Amount.String()),
		zap.Time("finish_after", rec.FinishAfter),
		zap.Time("cancel_after", rec.CancelAfter))
	return out, nil
}

// Finish releases a pending escrow to its destination. It is rejected before
// finish_after and after cancel_after, both measured in ledger time.
func (s *EscrowService) Finish(ctx context.Context, owner string, sequence uint32, fulfillment string) (*models.EscrowRecord, error) {
	rec, err := s.pending(ctx, owner, sequence)
	if err != nil {
		return nil, err
	}

	now, err := s.ledger.LedgerTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger time: %w", err)
	}
	if now.Before(rec.FinishAfter) {
		return nil, fmt.Errorf("%w: finish_after %s, ledger time %s", ErrEscrowNotReady, rec.FinishAfter.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	if !rec.CancelAfter.IsZero() && !now.Before(rec.CancelAfter) {
		return nil, ErrEscrowExpired
	}

	condition := ""
	if rec.Condition != nil {
		condition = *rec.Condition
		if !xrpl.FulfillmentMatches(condition, fulfillment) {
			return nil, ErrInvalidFulfillment
		}
	}

	txHash, err := s.ledger.FinishEscrow(ctx, rec.Owner, rec.Sequence, condition, fulfillment)
	if err != nil {
		return nil, s.recordFailure(ctx, rec, err)
	}
	rec.Status = models.EscrowStatusFinished
	rec.FinishTxHash = strPtr(txHash)
	rec.LastError = nil
	if err := s.store.UpdateEscrow(ctx, rec, models.EscrowStatusPending); err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}
	return rec, nil
}

// Cancel returns a pending escrow to its owner. It is rejected before cancel_after.
func (s *EscrowService) Cancel(ctx context.Context, owner string, sequence uint32) (*models.EscrowRecord, error) {
	rec, err := s.pending(ctx, owner, sequence)
	if err != nil {
		return nil, err
	}
	if rec.CancelAfter.IsZero() {
		return nil, fmt.Errorf("%w: escrow has no cancel_after", ErrEscrowNotReady)
	}

	now, err := s.ledger.LedgerTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger time: %w", err)
	}
	if now.Before(rec.CancelAfter) {
		return nil, fmt.Errorf("%w: cancel_after %s, ledger time %s", ErrEscrowNotReady, rec.CancelAfter.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	txHash, err := s.ledger.CancelEscrow(ctx, rec.Owner, rec.Sequence)
	if err != nil {
		return nil, s.recordFailure(ctx, rec, err)
	}
	rec.Status = models.EscrowStatusCancelled
	rec.CancelTxHash = strPtr(txHash)
	rec.LastError = nil
	if err := s.store.UpdateEscrow(ctx, rec, models.EscrowStatusPending); err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}
	return rec, nil
}

// Sync closes records whose escrow object is gone from the ledger. The outcome is
// inferred from ledger time: before cancel_after it must have been finished.
func (s *EscrowService) Sync(ctx context.Context) (int, error) {
	records, err := s.store.ListEscrowsByStatus(ctx, models.EscrowStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending escrows: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	now, err := s.ledger.LedgerTime(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger time: %w", err)
	}

	closed := 0
	for i := range records {
		rec := &records[i]
		exists, err := s.ledger.EscrowExists(ctx, rec.Owner, rec.Sequence)
		if err != nil {
			s.logger.Warn("Failed to check escrow",
				zap.String("owner", rec.Owner),
				zap.Uint32("sequence", rec.Sequence),
				zap.Error(err))
			continue
		}
		if exists {
			continue
		}
		rec.Status = models.EscrowStatusFinished
		if !rec.CancelAfter.IsZero() && !now.Before(rec.CancelAfter) {
			rec.Status = models.EscrowStatusCancelled
		}
		rec.LastError = strPtr("escrow closed outside the service")
		if err := s.store.UpdateEscrow(ctx, rec, models.EscrowStatusPending); err != nil {
			if ignoreConflict(err) != nil {
				s.logger.Warn("Failed to close escrow record", zap.Uint32("sequence", rec.Sequence), zap.Error(err))
			}
			continue
		}
		closed++
		s.logger.Info("Escrow record closed from ledger state",
			zap.String("owner", rec.Owner),
			zap.Uint32("sequence", rec.Sequence),
			zap.String("status", string(rec.Status)))
	}
	return closed, nil
}

// List returns escrows in status
func (s *EscrowService) List(ctx context.Context, status models.EscrowStatus) ([]models.EscrowRecord, error) {
	return s.store.ListEscrowsByStatus(ctx, status)
}

func (s *EscrowService) pending(ctx context.Context, owner string, sequence uint32) (*models.EscrowRecord, error) {
	rec, err := s.store.GetEscrow(ctx, owner, sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	if rec == nil {
		return nil, ErrEscrowNotFound
	}
	if rec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrEscrowClosed, rec.Status)
	}
	return rec, nil
}

// recordFailure stores the ledger error on the record. A validated transaction with
// a failing result marks the escrow failed; anything else leaves it pending.
func (s *EscrowService) recordFailure(ctx context.Context, rec *models.EscrowRecord, cause error) error {
	rec.LastError = errString(cause)
	if errors.Is(cause, xrpl.ErrTxFailed) {
		rec.Status = models.EscrowStatusFailed
	}
	if err := s.store.UpdateEscrow(ctx, rec, models.EscrowStatusPending); err != nil {
		s.logger.Warn("Failed to record escrow error", zap.Uint32("sequence", rec.Sequence), zap.Error(err))
	}
	s.logger.Error("Escrow action failed",
		zap.String("owner", rec.Owner),
		zap.Uint32("sequence", rec.Sequence),
		zap.String("status", string(rec.Status)),
		zap.Error(cause))
	return cause
}
