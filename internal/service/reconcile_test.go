package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vaultbridge/internal/config"
	"vaultbridge/internal/database/memory"
	"vaultbridge/internal/lock"
	"vaultbridge/internal/models"
)

const testVaultEvents = "vault"

func newTestReconciler(t *testing.T) (*ReconcileService, *memory.Store, *fakeVault, *lock.Memory) {
	t.Helper()
	store := memory.New()
	vault := newFakeVault(newFakeChain(newTestClock()))
	locker := lock.NewMemory()
	cfg := config.ReconcileConfig{Epsilon: decimal.RequireFromString("0.01")}
	return NewReconcileService(store, vault, locker, cfg, testVaultEvents, zap.NewNop()), store, vault, locker
}

func putPosition(store *memory.Store, wallet string, amount string) *models.Position {
	return store.PutPosition(models.Position{
		Wallet: wallet,
		Vault:  lowerHex(testVaultAddr),
		Amount: decimal.RequireFromString(amount),
	})
}

func TestReconcileService_CorrectsDrift(t *testing.T) {
	svc, store, vault, _ := newTestReconciler(t)
	ctx := context.Background()

	putPosition(store, testWallet, "30")
	vault.setShares(testWallet, decimal.NewFromInt(25))

	report, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	require.Len(t, report.Corrections, 1)
	corr := report.Corrections[0]
	assert.Equal(t, models.CorrectionCorrected, corr.Action)
	assert.True(t, corr.DBAmount.Equal(decimal.NewFromInt(30)))
	assert.True(t, corr.OnChainAmount.Equal(decimal.NewFromInt(25)))

	sum, err := store.SumActivePositions(ctx, testWallet, lowerHex(testVaultAddr))
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(25)))

	history, err := store.ListCorrections(ctx, testWallet, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// converged: the next pass changes nothing
	report, err = svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Empty(t, report.Corrections)

	pos, err := store.GetPosition(ctx, testWallet, lowerHex(testVaultAddr))
	require.NoError(t, err)
	assert.NotNil(t, pos.LastReconciledAt)
}

func TestReconcileService_Actions(t *testing.T) {
	tests := []struct {
		name           string
		stored         string
		onChain        int64
		expectedAction models.CorrectionAction
		expectedStatus models.PositionStatus
	}{
		{name: "shares gone on chain", stored: "10", onChain: 0, expectedAction: models.CorrectionClosed, expectedStatus: models.PositionStatusClosed},
		{name: "stored position empty", stored: "0", onChain: 7, expectedAction: models.CorrectionDiscovered, expectedStatus: models.PositionStatusActive},
		{name: "amount differs", stored: "10", onChain: 12, expectedAction: models.CorrectionCorrected, expectedStatus: models.PositionStatusActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, vault, _ := newTestReconciler(t)
			ctx := context.Background()
			putPosition(store, testWallet, tt.stored)
			vault.setShares(testWallet, decimal.NewFromInt(tt.onChain))

			corr, outcome, err := svc.ReconcileWallet(ctx, testWallet, lowerHex(testVaultAddr))
			require.NoError(t, err)
			assert.Equal(t, OutcomeCorrected, outcome)
			require.NotNil(t, corr)
			assert.Equal(t, tt.expectedAction, corr.Action)

			pos, err := store.GetPosition(ctx, testWallet, lowerHex(testVaultAddr))
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, pos.Status)
			assert.True(t, pos.Amount.Equal(decimal.NewFromInt(tt.onChain)))
		})
	}
}

func TestReconcileService_WithinEpsilon(t *testing.T) {
	svc, store, vault, _ := newTestReconciler(t)
	putPosition(store, testWallet, "10")
	vault.setShares(testWallet, decimal.RequireFromString("10.005"))

	corr, outcome, err := svc.ReconcileWallet(context.Background(), testWallet, lowerHex(testVaultAddr))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, outcome)
	assert.Nil(t, corr)
}

func TestReconcileService_DiscoversTransferRecipients(t *testing.T) {
	svc, store, vault, _ := newTestReconciler(t)
	ctx := context.Background()
	recipient := "0xcccc00000000000000000000000000000000cccc"

	args, err := json.Marshal(map[string]string{
		"from":  "0x0000000000000000000000000000000000000000",
		"to":    "0xCCCC00000000000000000000000000000000CCCC",
		"value": "12000000",
	})
	require.NoError(t, err)
	_, err = store.PersistEvents(ctx, testVaultEvents, []models.OnChainEvent{{
		Contract:    testVaultEvents,
		EventName:   "Transfer",
		BlockNumber: 10,
		TxHash:      "0xabc",
		Args:        args,
		Severity:    models.SeverityInfo,
	}}, 10)
	require.NoError(t, err)
	vault.setShares(recipient, decimal.NewFromInt(12))

	report, err := svc.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Corrections, 1)
	assert.Equal(t, recipient, report.Corrections[0].Wallet)
	assert.Equal(t, models.CorrectionDiscovered, report.Corrections[0].Action)

	pos, err := store.GetPosition(ctx, recipient, lowerHex(testVaultAddr))
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Amount.Equal(decimal.NewFromInt(12)))
}

func TestReconcileService_SkipsBusyWallets(t *testing.T) {
	svc, store, vault, locker := newTestReconciler(t)
	ctx := context.Background()
	other := "0xdddd00000000000000000000000000000000dddd"

	putPosition(store, testWallet, "30")
	putPosition(store, other, "5")
	vault.setShares(testWallet, decimal.NewFromInt(1))
	vault.setShares(other, decimal.NewFromInt(1))

	// a deposit mid-vault-mint
	require.NoError(t, store.CreateBridgeJob(ctx, &models.BridgeJob{
		JobID:  "dep-1",
		Wallet: testWallet,
		Vault:  lowerHex(testVaultAddr),
		Status: models.DepositStatusVaultMinting,
	}))

	// another process holds the other wallet
	unlock, ok, err := locker.TryLock(ctx, lock.WalletKey(other))
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	report, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{testWallet, other}, report.Skipped)
	assert.Empty(t, report.Corrections)
	assert.Zero(t, report.Checked)

	sum, err := store.SumActivePositions(ctx, testWallet, lowerHex(testVaultAddr))
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(30)))
}

func TestReconcileService_InFlightWindow(t *testing.T) {
	tests := []struct {
		name       string
		deposit    models.DepositStatus
		redemption models.RedemptionStatus
		skipped    bool
	}{
		{name: "proof generated", deposit: models.DepositStatusProofGenerated, skipped: true},
		{name: "minting sends the vault deposit", deposit: models.DepositStatusMinting, skipped: true},
		{name: "vault minted", deposit: models.DepositStatusVaultMinted, skipped: true},
		{name: "awaiting payment", deposit: models.DepositStatusAwaitingPayment},
		{name: "completed deposit", deposit: models.DepositStatusCompleted},
		{name: "burning shares", redemption: models.RedemptionStatusRedeemingShares, skipped: true},
		{name: "shares already debited", redemption: models.RedemptionStatusXRPLPayout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, vault, _ := newTestReconciler(t)
			ctx := context.Background()
			pos := putPosition(store, testWallet, "30")
			// shares of the in-flight deposit are already on chain
			vault.setShares(testWallet, decimal.NewFromInt(60))

			if tt.deposit != "" {
				require.NoError(t, store.CreateBridgeJob(ctx, &models.BridgeJob{
					JobID: "dep-1", Wallet: testWallet, Vault: lowerHex(testVaultAddr), Status: tt.deposit,
				}))
			}
			if tt.redemption != "" {
				require.NoError(t, store.CreateRedemptionJob(ctx, &models.RedemptionJob{
					JobID: "red-1", Wallet: testWallet, PositionID: pos.ID,
					ShareAmount: decimal.NewFromInt(10), Status: tt.redemption,
				}))
			}

			report, err := svc.Run(ctx)
			require.NoError(t, err)

			sum, err := store.SumActivePositions(ctx, testWallet, lowerHex(testVaultAddr))
			require.NoError(t, err)
			if tt.skipped {
				assert.Equal(t, []string{testWallet}, report.Skipped)
				assert.Empty(t, report.Corrections)
				assert.True(t, sum.Equal(decimal.NewFromInt(30)))
				return
			}
			assert.Empty(t, report.Skipped)
			require.Len(t, report.Corrections, 1)
			assert.True(t, sum.Equal(decimal.NewFromInt(60)))
		})
	}
}

func TestReconcileService_ChainErrorsAreCounted(t *testing.T) {
	svc, store, vault, _ := newTestReconciler(t)
	putPosition(store, testWallet, "30")
	vault.balErr = errBoom

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Zero(t, report.Checked)
}
