package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultbridge/internal/models"
)

// seedPosition credits shares both in the store and in the vault
func (h *bridgeHarness) seedPosition(t *testing.T, shares int64) *models.Position {
	t.Helper()
	amount := decimal.NewFromInt(shares)
	h.vault.setShares(testWallet, amount)
	return h.store.PutPosition(models.Position{
		Wallet: testWallet,
		Vault:  lowerHex(testVaultAddr),
		Amount: amount,
	})
}

// assertDualStatus checks the user/backend overlay on every observed job
func assertDualStatus(t *testing.T, job *models.RedemptionJob) {
	t.Helper()
	if job.UserStatus == models.UserStatusCompleted {
		assert.NotNil(t, job.XRPLPayoutTxHash, "completed for the user without a payout")
	}
	if job.BackendStatus != models.BackendStatusNotStarted {
		assert.Equal(t, models.UserStatusCompleted, job.UserStatus, "backend confirmation before payout")
	}
	if job.Status == models.RedemptionStatusCompleted {
		assert.Equal(t, models.BackendStatusConfirmed, job.BackendStatus)
	}
}

func (h *bridgeHarness) payoutRedemption(t *testing.T, shares int64) *models.RedemptionJob {
	t.Helper()
	ctx := context.Background()
	pos := h.seedPosition(t, shares)
	job, err := h.redemptions.CreateRedemptionJob(ctx, testWallet, pos.ID, decimal.NewFromInt(shares), testUserXRPL)
	require.NoError(t, err)

	job = h.runRedemption(t, job.JobID, models.RedemptionStatusAwaitingProof)
	h.ledger.pay(testUserXRPL, *job.PaymentReference, "PAYOUT1", *job.ExpectedPayoutDrops)
	for i := 0; i < 5; i++ {
		job = h.stepRedemption(t, job.JobID)
		if job.UserStatus == models.UserStatusCompleted {
			return job
		}
	}
	t.Fatalf("redemption %s never paid out, status %s", job.JobID, job.Status)
	return nil
}

func TestRedemptionService_CreateRedemptionJob(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()
	pos := h.seedPosition(t, 30)

	_, err := h.redemptions.CreateRedemptionJob(ctx, testWallet, pos.ID, decimal.NewFromInt(31), testUserXRPL)
	assert.ErrorIs(t, err, ErrInsufficientPosition)

	_, err = h.redemptions.CreateRedemptionJob(ctx, "0xbbbb00000000000000000000000000000000bbbb", pos.ID, decimal.NewFromInt(1), testUserXRPL)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	_, err = h.redemptions.CreateRedemptionJob(ctx, testWallet, pos.ID, decimal.RequireFromString("0.0000001"), testUserXRPL)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.redemptions.CreateRedemptionJob(ctx, testWallet, pos.ID, decimal.NewFromInt(1), "bogus")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	first, err := h.redemptions.CreateRedemptionJob(ctx, testWallet, pos.ID, decimal.NewFromInt(20), testUserXRPL)
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionStatusPending, first.Status)
	assert.Equal(t, models.UserStatusProcessing, first.UserStatus)
	assert.Equal(t, models.BackendStatusNotStarted, first.BackendStatus)

	// shares already queued count against the position
	_, err = h.redemptions.CreateRedemptionJob(ctx, testWallet, pos.ID, decimal.NewFromInt(20), testUserXRPL)
	assert.ErrorIs(t, err, ErrInsufficientPosition)
}

func TestRedemptionService_EndToEnd(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()
	pos := h.seedPosition(t, 30)

	job, err := h.redemptions.CreateRedemptionJob(ctx, testWallet, pos.ID, decimal.NewFromInt(30), testUserXRPL)
	require.NoError(t, err)

	job = h.runRedemption(t, job.JobID, models.RedemptionStatusRedeemedFXRP)
	assertDualStatus(t, job)
	assert.True(t, job.FXRPAmount.Decimal.Equal(decimal.NewFromInt(30)))

	after, err := h.store.GetPositionByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, after.Amount.IsZero())
	assert.Equal(t, models.PositionStatusClosed, after.Status)

	job = h.runRedemption(t, job.JobID, models.RedemptionStatusAwaitingProof)
	assert.Equal(t, uint64(3), h.minter.redeemedLots)
	assert.Equal(t, testUserXRPL, h.minter.lastRedeemAddr)
	require.NotNil(t, job.ExpectedPayoutDrops)
	assert.Equal(t, int64(29_900_000), *job.ExpectedPayoutDrops)
	require.NotNil(t, job.RedemptionRequestID)
	assert.Equal(t, "42", *job.RedemptionRequestID)

	// agent has not paid yet
	job = h.stepRedemption(t, job.JobID)
	assert.Equal(t, models.RedemptionStatusAwaitingProof, job.Status)
	assert.Equal(t, models.UserStatusProcessing, job.UserStatus)

	h.ledger.pay(testUserXRPL, *job.PaymentReference, "PAYOUT1", 29_900_000)
	job = h.stepRedemption(t, job.JobID)
	assert.Equal(t, models.RedemptionStatusXRPLPayout, job.Status)
	assert.Equal(t, models.UserStatusProcessing, job.UserStatus)
	assertDualStatus(t, job)

	job = h.stepRedemption(t, job.JobID)
	assert.Equal(t, models.RedemptionStatusXRPLReceived, job.Status)
	assert.Equal(t, models.UserStatusCompleted, job.UserStatus)
	assert.Equal(t, models.BackendStatusNotStarted, job.BackendStatus)
	assert.True(t, job.XRPSent.Decimal.Equal(decimal.RequireFromString("29.9")))
	assert.NotNil(t, job.UserCompletedAt)
	assertDualStatus(t, job)

	// the forward machine is done; the backend loop owns the rest
	job = h.stepRedemption(t, job.JobID)
	assert.Equal(t, models.RedemptionStatusXRPLReceived, job.Status)

	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, models.BackendStatusConfirming, job.BackendStatus)
	require.NotNil(t, job.BackendProofRequestHex)
	assertDualStatus(t, job)

	job = h.stepBackend(t, job.JobID)
	require.NotNil(t, job.ConfirmTxHash)
	assert.Equal(t, 1, h.minter.confirmations)

	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, models.RedemptionStatusCompleted, job.Status)
	assert.Equal(t, models.BackendStatusConfirmed, job.BackendStatus)
	assert.Equal(t, models.UserStatusCompleted, job.UserStatus)
	assert.NotNil(t, job.ConfirmedAt)
	assertDualStatus(t, job)
}

func TestRedemptionService_AlreadyPerformedCompletesAtPayout(t *testing.T) {
	h := newBridgeHarness(t)
	h.minter.performed = true

	job := h.payoutRedemption(t, 10)
	assert.Equal(t, models.RedemptionStatusCompleted, job.Status)
	assert.Equal(t, models.BackendStatusConfirmed, job.BackendStatus)
	assert.Equal(t, models.UserStatusCompleted, job.UserStatus)
	assertDualStatus(t, job)
}

func TestRedemptionService_BackendEscalation(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()
	h.minter.confirmErr = errBoom

	job := h.payoutRedemption(t, 30)
	require.Equal(t, models.RedemptionStatusXRPLReceived, job.Status)

	job = h.stepBackend(t, job.JobID)
	require.Equal(t, models.BackendStatusConfirming, job.BackendStatus)

	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, models.BackendStatusRetryPending, job.BackendStatus)
	assert.Equal(t, 1, job.BackendRetryCount)
	require.NotNil(t, job.BackendLastError)
	assert.Contains(t, *job.BackendLastError, "boom")

	// backoff holds the retry
	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, 1, job.BackendRetryCount)

	h.clock.Advance(time.Minute)
	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, models.BackendStatusManualReview, job.BackendStatus)
	assert.Equal(t, 2, job.BackendRetryCount)

	attention, err := h.redemptions.ListBackendAttention(ctx)
	require.NoError(t, err)
	require.Len(t, attention, 1)
	assert.Equal(t, job.JobID, attention[0].JobID)

	// manual_review still honours the backoff
	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, models.BackendStatusManualReview, job.BackendStatus)
	assert.Equal(t, 2, h.minter.confirmations)

	// and keeps retrying without an operator until the ceiling
	h.clock.Advance(time.Hour)
	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, models.BackendStatusAbandoned, job.BackendStatus)
	assert.Equal(t, 3, job.BackendRetryCount)
	assert.Equal(t, 3, h.minter.confirmations)

	// abandoned is final
	h.clock.Advance(time.Hour)
	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, models.BackendStatusAbandoned, job.BackendStatus)
	assert.Equal(t, 3, h.minter.confirmations)

	err = h.redemptions.RequeueBackend(ctx, job.JobID)
	assert.ErrorIs(t, err, ErrBackendNotRequeueable)

	attention, err = h.redemptions.ListBackendAttention(ctx)
	require.NoError(t, err)
	require.Len(t, attention, 1)

	// the user already holds the XRP whatever the backend outcome
	assert.Equal(t, models.UserStatusCompleted, job.UserStatus)
	assert.Equal(t, models.RedemptionStatusXRPLReceived, job.Status)
	assertDualStatus(t, job)
}

func TestRedemptionService_RequeueFromManualReview(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()
	h.minter.confirmErr = errBoom

	job := h.payoutRedemption(t, 10)
	job = h.stepBackend(t, job.JobID)
	job = h.stepBackend(t, job.JobID)
	h.clock.Advance(time.Minute)
	job = h.stepBackend(t, job.JobID)
	require.Equal(t, models.BackendStatusManualReview, job.BackendStatus)
	require.NotNil(t, job.BackendNextRetryAt)

	require.NoError(t, h.redemptions.RequeueBackend(ctx, job.JobID))
	job, err := h.redemptions.GetRedemptionJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.BackendStatusRetryPending, job.BackendStatus)
	assert.Nil(t, job.BackendNextRetryAt)

	// no clock advance needed once requeued
	h.minter.confirmErr = nil
	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, models.BackendStatusConfirming, job.BackendStatus)
	require.NotNil(t, job.ConfirmTxHash)

	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, models.BackendStatusConfirmed, job.BackendStatus)
	assert.Equal(t, models.RedemptionStatusCompleted, job.Status)
	assert.Equal(t, 2, job.BackendRetryCount)
}

func TestRedemptionService_BackendRecoversAfterRetry(t *testing.T) {
	h := newBridgeHarness(t)
	h.minter.confirmErr = errBoom

	job := h.payoutRedemption(t, 10)
	job = h.stepBackend(t, job.JobID)
	job = h.stepBackend(t, job.JobID)
	require.Equal(t, models.BackendStatusRetryPending, job.BackendStatus)

	h.minter.confirmErr = nil
	h.clock.Advance(time.Minute)
	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, models.BackendStatusConfirming, job.BackendStatus)
	require.NotNil(t, job.ConfirmTxHash)

	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, models.BackendStatusConfirmed, job.BackendStatus)
	assert.Equal(t, models.RedemptionStatusCompleted, job.Status)
	assert.Nil(t, job.BackendLastError)
}

func TestRedemptionService_AwaitingLiquidity(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()
	h.token.liquidity = big.NewInt(1_000_000)
	pos := h.seedPosition(t, 30)

	job, err := h.redemptions.CreateRedemptionJob(ctx, testWallet, pos.ID, decimal.NewFromInt(30), testUserXRPL)
	require.NoError(t, err)

	job = h.stepRedemption(t, job.JobID)
	assert.Equal(t, models.RedemptionStatusAwaitingLiquidity, job.Status)
	job = h.stepRedemption(t, job.JobID)
	assert.Equal(t, models.RedemptionStatusAwaitingLiquidity, job.Status)
	assert.Nil(t, h.vault.lastOut)

	h.token.liquidity = big.NewInt(30_000_000)
	job = h.stepRedemption(t, job.JobID)
	assert.Equal(t, models.RedemptionStatusRedeemingShares, job.Status)
}

func TestRedemptionService_BelowOneLot(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()
	pos := h.seedPosition(t, 5)

	job, err := h.redemptions.CreateRedemptionJob(ctx, testWallet, pos.ID, decimal.NewFromInt(5), testUserXRPL)
	require.NoError(t, err)

	job = h.runRedemption(t, job.JobID, models.RedemptionStatusFailed)
	assert.Equal(t, models.FailureCodeBelowLot, job.FailureCode)
	assert.Equal(t, models.UserStatusFailed, job.UserStatus)
	require.True(t, job.DustAmount.Valid)
	assert.True(t, job.DustAmount.Decimal.Equal(decimal.NewFromInt(5)))
	assert.Zero(t, h.minter.redeemedLots)
	assertDualStatus(t, job)
}

func TestRedemptionService_PayoutTimeout(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()
	pos := h.seedPosition(t, 10)

	job, err := h.redemptions.CreateRedemptionJob(ctx, testWallet, pos.ID, decimal.NewFromInt(10), testUserXRPL)
	require.NoError(t, err)
	job = h.runRedemption(t, job.JobID, models.RedemptionStatusAwaitingProof)

	h.clock.Advance(h.cfg.PayoutTimeout)
	job = h.stepRedemption(t, job.JobID)
	assert.Equal(t, models.RedemptionStatusFailed, job.Status)
	assert.Equal(t, models.FailureCodePayoutTimeout, job.FailureCode)
	assert.Equal(t, models.UserStatusFailed, job.UserStatus)

	// failed jobs never enter backend confirmation
	job = h.stepBackend(t, job.JobID)
	assert.Equal(t, models.BackendStatusNotStarted, job.BackendStatus)
}

// A 21 XRP deposit rounds up to 30 shares; redeeming all of them empties the position.
func TestDepositThenRedeemAllShares(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()
	vault := lowerHex(testVaultAddr)

	dep, err := h.deposits.CreateDepositJob(ctx, testWallet, "", testUserXRPL, decimal.NewFromInt(21))
	require.NoError(t, err)
	dep = h.runDeposit(t, dep.JobID, models.DepositStatusAwaitingPayment)
	h.ledger.pay(testOperatorXRPL, *dep.PaymentReference, "DEPOSITTX1", dep.ExpectedTotalDrops)
	dep = h.runDeposit(t, dep.JobID, models.DepositStatusCompleted)

	pos, err := h.store.GetPosition(ctx, testWallet, vault)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Amount.Equal(decimal.NewFromInt(30)))

	red, err := h.redemptions.CreateRedemptionJob(ctx, testWallet, pos.ID, pos.Amount, testUserXRPL)
	require.NoError(t, err)
	red = h.runRedemption(t, red.JobID, models.RedemptionStatusAwaitingProof)
	h.ledger.pay(testUserXRPL, *red.PaymentReference, "PAYOUT1", *red.ExpectedPayoutDrops)
	red = h.runRedemption(t, red.JobID, models.RedemptionStatusXRPLReceived)
	assert.Equal(t, models.UserStatusCompleted, red.UserStatus)

	for i := 0; i < 5 && red.Status != models.RedemptionStatusCompleted; i++ {
		red = h.stepBackend(t, red.JobID)
	}
	assert.Equal(t, models.RedemptionStatusCompleted, red.Status)
	assert.Equal(t, models.BackendStatusConfirmed, red.BackendStatus)
	assertDualStatus(t, red)

	sum, err := h.store.SumActivePositions(ctx, testWallet, vault)
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
	pos, err = h.store.GetPositionByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PositionStatusClosed, pos.Status)

	assert.True(t, dep.Status.IsTerminal())
	assert.True(t, red.Status.IsTerminal())
}
