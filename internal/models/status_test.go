package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allDepositStatuses = append(append([]DepositStatus{}, ActiveDepositStatuses...),
	DepositStatusCompleted, DepositStatusVaultMintFailed, DepositStatusCancelled, DepositStatusFailed)

var allRedemptionStatuses = append(append([]RedemptionStatus{}, ActiveRedemptionStatuses...),
	RedemptionStatusXRPLReceived, RedemptionStatusCompleted, RedemptionStatusFailed)

func TestDepositTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range allDepositStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range allDepositStatuses {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestDepositHappyPath(t *testing.T) {
	path := []DepositStatus{
		DepositStatusPending,
		DepositStatusReservingCollateral,
		DepositStatusAwaitingPayment,
		DepositStatusXRPLConfirmed,
		DepositStatusGeneratingProof,
		DepositStatusProofGenerated,
		DepositStatusMinting,
		DepositStatusVaultMinting,
		DepositStatusVaultMinted,
		DepositStatusCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		require.NoError(t, path[i].ValidateTransition(path[i+1]))
	}
}

func TestDepositTransitions(t *testing.T) {
	tests := []struct {
		from DepositStatus
		to   DepositStatus
		want bool
	}{
		{DepositStatusPending, DepositStatusCancelled, true},
		{DepositStatusAwaitingPayment, DepositStatusCancelled, true},
		{DepositStatusXRPLConfirmed, DepositStatusCancelled, false},
		{DepositStatusMinting, DepositStatusCancelled, false},
		{DepositStatusGeneratingProof, DepositStatusFDCTimeout, true},
		{DepositStatusFDCTimeout, DepositStatusGeneratingProof, true},
		{DepositStatusFDCTimeout, DepositStatusProofGenerated, false},
		{DepositStatusVaultMinting, DepositStatusVaultMintFailed, true},
		{DepositStatusAwaitingPayment, DepositStatusFailed, false},
		{DepositStatusAwaitingPayment, DepositStatusPending, false},
		{DepositStatusMinting, DepositStatusMinting, true},
		{DepositStatusCompleted, DepositStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestDepositCancellationOnlyFromPrePayment(t *testing.T) {
	for _, s := range allDepositStatuses {
		assert.Equal(t, s.IsPrePayment(), s.CanTransitionTo(DepositStatusCancelled), string(s))
	}
}

func TestRedemptionTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range allRedemptionStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range allRedemptionStatuses {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestRedemptionTransitions(t *testing.T) {
	assert.True(t, RedemptionStatusPending.CanTransitionTo(RedemptionStatusAwaitingLiquidity))
	assert.True(t, RedemptionStatusAwaitingLiquidity.CanTransitionTo(RedemptionStatusRedeemingShares))
	assert.True(t, RedemptionStatusXRPLPayout.CanTransitionTo(RedemptionStatusCompleted))
	assert.True(t, RedemptionStatusXRPLReceived.CanTransitionTo(RedemptionStatusCompleted))
	assert.False(t, RedemptionStatusXRPLPayout.CanTransitionTo(RedemptionStatusFailed))
	assert.False(t, RedemptionStatusXRPLReceived.CanTransitionTo(RedemptionStatusFailed))
	assert.False(t, RedemptionStatusRedeemedFXRP.CanTransitionTo(RedemptionStatusPending))

	err := RedemptionStatusCompleted.ValidateTransition(RedemptionStatusPending)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "redemption", te.Machine)
}

func TestBackendTransitions(t *testing.T) {
	assert.True(t, BackendStatusNotStarted.CanTransitionTo(BackendStatusConfirming))
	assert.True(t, BackendStatusRetryPending.CanTransitionTo(BackendStatusRetrying))
	assert.True(t, BackendStatusManualReview.CanTransitionTo(BackendStatusRetrying))
	assert.False(t, BackendStatusConfirmed.CanTransitionTo(BackendStatusRetrying))
	assert.False(t, BackendStatusAbandoned.CanTransitionTo(BackendStatusConfirming))
	assert.False(t, BackendStatusConfirming.CanTransitionTo(BackendStatusNotStarted))

	for _, s := range PendingBackendStatuses {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestValid(t *testing.T) {
	for _, s := range allDepositStatuses {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, DepositStatus("bogus").Valid())
	for _, s := range allRedemptionStatuses {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, RedemptionStatus("").Valid())
}

func TestMovesShares(t *testing.T) {
	assert.True(t, DepositStatusMinting.MovesShares())
	assert.True(t, DepositStatusProofGenerated.MovesShares())
	assert.False(t, DepositStatusAwaitingPayment.MovesShares())
	assert.False(t, DepositStatusCompleted.MovesShares())
	assert.True(t, RedemptionStatusRedeemingShares.MovesShares())
	assert.False(t, RedemptionStatusRedeemedFXRP.MovesShares())
}
