package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"vaultbridge/internal/models"
)

// Job kinds reported in a snapshot
const (
	JobKindDeposit    = "deposit"
	JobKindRedemption = "redemption"
)

// JobSnapshot is the user-facing view of a deposit or redemption. Backend
// confirmation detail of redemptions is left out.
type JobSnapshot struct {
	JobID       string
	Kind        string
	Wallet      string
	Vault       string
	Status      string
	UserStatus  models.UserStatus
	FailureCode models.FailureCode

	RequestedAmount  decimal.Decimal
	ActualAmount     decimal.Decimal
	ExpectedDrops    int64
	ReceivedDrops    *int64
	PaymentAddress   *string
	PaymentReference *string
	ExpiresAt        *time.Time
	Cancellable      bool

	ShareAmount decimal.Decimal
	XRPSent     decimal.NullDecimal

	TxHashes     map[string]string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StatusService answers job status queries across both machines
type StatusService struct {
	deposits    DepositStore
	redemptions RedemptionStore
}

// NewStatusService creates a new status service
func NewStatusService(deposits DepositStore, redemptions RedemptionStore) *StatusService {
	return &StatusService{deposits: deposits, redemptions: redemptions}
}

// GetJobStatus looks jobID up as a deposit, then as a redemption
func (s *StatusService) GetJobStatus(ctx context.Context, jobID string) (*JobSnapshot, error) {
	dep, err := s.deposits.GetBridgeJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit job: %w", err)
	}
	if dep != nil {
		return DepositSnapshot(dep), nil
	}

	red, err := s.redemptions.GetRedemptionJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get redemption job: %w", err)
	}
	if red != nil {
		return RedemptionSnapshot(red), nil
	}
	return nil, ErrJobNotFound
}

// DepositUserStatus collapses a deposit status into processing/completed/failed
func DepositUserStatus(s models.DepositStatus) models.UserStatus {
	switch s {
	case models.DepositStatusCompleted:
		return models.UserStatusCompleted
	case models.DepositStatusFailed, models.DepositStatusVaultMintFailed, models.DepositStatusCancelled:
		return models.UserStatusFailed
	default:
		return models.UserStatusProcessing
	}
}

// DepositSnapshot builds the snapshot of a deposit job
func DepositSnapshot(job *models.BridgeJob) *JobSnapshot {
	snap := &JobSnapshot{
		JobID:            job.JobID,
		Kind:             JobKindDeposit,
		Wallet:           job.Wallet,
		Vault:            job.Vault,
		Status:           string(job.Status),
		UserStatus:       DepositUserStatus(job.Status),
		FailureCode:      job.FailureCode,
		RequestedAmount:  job.RequestedAmount,
		ActualAmount:     job.ActualAmount,
		ExpectedDrops:    job.ExpectedTotalDrops,
		ReceivedDrops:    job.ReceivedDrops,
		PaymentAddress:   job.AgentXRPLAddress,
		PaymentReference: job.PaymentReference,
		ExpiresAt:        job.ExpiresAt,
		Cancellable:      job.Status.IsPrePayment(),
		ShareAmount:      job.SharesMinted.Decimal,
		TxHashes:         map[string]string{},
		ErrorMessage:     job.ErrorMessage,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
	addHash(snap.TxHashes, "reservation", job.ReservationTxHash)
	addHash(snap.TxHashes, "xrpl_payment", job.XRPLTxHash)
	addHash(snap.TxHashes, "attestation", job.FDCTxHash)
	addHash(snap.TxHashes, "mint", job.MintTxHash)
	addHash(snap.TxHashes, "vault_deposit", job.VaultMintTxHash)
	return snap
}

// RedemptionSnapshot builds the snapshot of a redemption job
func RedemptionSnapshot(job *models.RedemptionJob) *JobSnapshot {
	snap := &JobSnapshot{
		JobID:            job.JobID,
		Kind:             JobKindRedemption,
		Wallet:           job.Wallet,
		Vault:            job.Vault,
		Status:           string(job.Status),
		UserStatus:       job.UserStatus,
		FailureCode:      job.FailureCode,
		ActualAmount:     job.FXRPAmount.Decimal,
		PaymentReference: job.PaymentReference,
		ShareAmount:      job.ShareAmount,
		XRPSent:          job.XRPSent,
		TxHashes:         map[string]string{},
		ErrorMessage:     job.ErrorMessage,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
	if job.ExpectedPayoutDrops != nil {
		snap.ExpectedDrops = *job.ExpectedPayoutDrops
	}
	addHash(snap.TxHashes, "redeem_shares", job.RedeemSharesTxHash)
	addHash(snap.TxHashes, "redeem_fxrp", job.RedeemFXRPTxHash)
	addHash(snap.TxHashes, "xrpl_payout", job.XRPLPayoutTxHash)
	return snap
}

func addHash(m map[string]string, key string, hash *string) {
	if hash != nil && *hash != "" {
		m[key] = *hash
	}
}
