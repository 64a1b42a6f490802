package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"vaultbridge/internal/blockchain/evm"
	"vaultbridge/internal/models"
)

// Assets moved by the built-in executors
const (
	AssetXRP  = "XRP"
	AssetFXRP = "FXRP"
)

// DirectTransferExecutor sends FXRP from the operator to the job wallet on the
// smart-contract chain. A delivered transfer cannot be pulled back.
type DirectTransferExecutor struct {
	chain Chain
	token TokenContract
}

// NewDirectTransferExecutor creates a new direct transfer executor
func NewDirectTransferExecutor(chain Chain, token TokenContract) *DirectTransferExecutor {
	return &DirectTransferExecutor{chain: chain, token: token}
}

// Estimate implements LegExecutor
func (e *DirectTransferExecutor) Estimate(asset string, amount decimal.Decimal) (*LegEstimate, error) {
	if asset != AssetFXRP {
		return nil, fmt.Errorf("%w: direct transfer moves %s, not %s", ErrInvalidAmount, AssetFXRP, asset)
	}
	return &LegEstimate{Out: amount, Fee: decimal.Zero, Asset: asset}, nil
}

// Submit implements LegExecutor
func (e *DirectTransferExecutor) Submit(ctx context.Context, job *models.CrossChainBridgeJob, leg *models.CrossChainLeg) (string, error) {
	to, err := normalizeWallet(job.Wallet)
	if err != nil {
		return "", err
	}
	hash, err := e.token.Transfer(ctx, common.HexToAddress(to), models.ToBaseUnits(leg.Amount, models.AssetDecimals))
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// Status implements LegExecutor
func (e *DirectTransferExecutor) Status(ctx context.Context, ref string) (LegOutcome, error) {
	_, err := e.chain.Receipt(ctx, common.HexToHash(ref))
	switch {
	case errors.Is(err, evm.ErrTxPending):
		return LegOutcomePending, nil
	case errors.Is(err, evm.ErrTxReverted):
		return LegOutcomeFailed, nil
	case err != nil:
		return LegOutcomePending, err
	}
	return LegOutcomeDone, nil
}

// Refund implements LegExecutor
func (e *DirectTransferExecutor) Refund(context.Context, *models.CrossChainBridgeJob, *models.CrossChainLeg) (string, error) {
	return "", ErrUnsupportedProtocol
}

// RefundStatus implements LegExecutor
func (e *DirectTransferExecutor) RefundStatus(context.Context, string) (LegOutcome, error) {
	return LegOutcomeFailed, ErrUnsupportedProtocol
}

// NativeLedgerExecutor bridges XRP into vault shares through a child deposit job.
// Its refund redeems the minted shares back to the originating XRPL account.
type NativeLedgerExecutor struct {
	deposits    *DepositService
	redemptions *RedemptionService
	positions   PositionStore
}

// NewNativeLedgerExecutor creates a new native ledger executor
func NewNativeLedgerExecutor(deposits *DepositService, redemptions *RedemptionService, positions PositionStore) *NativeLedgerExecutor {
	return &NativeLedgerExecutor{deposits: deposits, redemptions: redemptions, positions: positions}
}

// Estimate implements LegExecutor. The fee is paid on top of the lot-rounded amount.
func (e *NativeLedgerExecutor) Estimate(asset string, amount decimal.Decimal) (*LegEstimate, error) {
	if asset != AssetXRP {
		return nil, fmt.Errorf("%w: native ledger bridge moves %s, not %s", ErrInvalidAmount, AssetXRP, asset)
	}
	q, err := e.deposits.fees.QuoteDeposit(amount)
	if err != nil {
		return nil, err
	}
	return &LegEstimate{Out: q.Actual, Fee: q.Fee, Asset: AssetFXRP}, nil
}

// Submit implements LegExecutor
func (e *NativeLedgerExecutor) Submit(ctx context.Context, job *models.CrossChainBridgeJob, leg *models.CrossChainLeg) (string, error) {
	dep, err := e.deposits.CreateDepositJob(ctx, job.Wallet, "", job.SourceAddress, leg.Amount)
	if err != nil {
		return "", err
	}
	return dep.JobID, nil
}

// Status implements LegExecutor
func (e *NativeLedgerExecutor) Status(ctx context.Context, ref string) (LegOutcome, error) {
	dep, err := e.deposits.GetDepositJob(ctx, ref)
	if err != nil {
		return LegOutcomePending, err
	}
	switch DepositUserStatus(dep.Status) {
	case models.UserStatusCompleted:
		return LegOutcomeDone, nil
	case models.UserStatusFailed:
		return LegOutcomeFailed, nil
	default:
		return LegOutcomePending, nil
	}
}

// Refund implements LegExecutor
func (e *NativeLedgerExecutor) Refund(ctx context.Context, job *models.CrossChainBridgeJob, leg *models.CrossChainLeg) (string, error) {
	if leg.ExternalRef == nil {
		return "", fmt.Errorf("leg %d has no deposit job", leg.LegIndex)
	}
	dep, err := e.deposits.GetDepositJob(ctx, *leg.ExternalRef)
	if err != nil {
		return "", err
	}
	if !dep.SharesMinted.Valid || !dep.SharesMinted.Decimal.IsPositive() {
		return "", fmt.Errorf("%w: deposit %s minted no shares", ErrInsufficientPosition, dep.JobID)
	}
	pos, err := e.positions.GetPosition(ctx, dep.Wallet, dep.Vault)
	if err != nil {
		return "", fmt.Errorf("failed to get position: %w", err)
	}
	if pos == nil {
		return "", ErrPositionNotFound
	}
	red, err := e.redemptions.CreateRedemptionJob(ctx, dep.Wallet, pos.ID, dep.SharesMinted.Decimal, dep.XRPLAddress)
	if err != nil {
		return "", err
	}
	return red.JobID, nil
}

// RefundStatus implements LegExecutor. The refund is done once the XRP payout is
// confirmed, whatever the backend confirmation state.
func (e *NativeLedgerExecutor) RefundStatus(ctx context.Context, ref string) (LegOutcome, error) {
	red, err := e.redemptions.GetRedemptionJob(ctx, ref)
	if err != nil {
		return LegOutcomePending, err
	}
	switch red.UserStatus {
	case models.UserStatusCompleted:
		return LegOutcomeDone, nil
	case models.UserStatusFailed:
		return LegOutcomeFailed, nil
	default:
		return LegOutcomePending, nil
	}
}
