package models

import "fmt"

// DepositStatus represents the state of a deposit bridge job
type DepositStatus string

const (
	DepositStatusPending             DepositStatus = "pending"
	DepositStatusReservingCollateral DepositStatus = "reserving_collateral"
	DepositStatusAwaitingPayment     DepositStatus = "awaiting_payment"
	DepositStatusXRPLConfirmed       DepositStatus = "xrpl_confirmed"
	DepositStatusGeneratingProof     DepositStatus = "generating_proof"
	DepositStatusProofGenerated      DepositStatus = "proof_generated"
	DepositStatusFDCTimeout          DepositStatus = "fdc_timeout"
	DepositStatusMinting             DepositStatus = "minting"
	DepositStatusVaultMinting        DepositStatus = "vault_minting"
	DepositStatusVaultMinted         DepositStatus = "vault_minted"
	DepositStatusCompleted           DepositStatus = "completed"
	DepositStatusVaultMintFailed     DepositStatus = "vault_mint_failed"
	DepositStatusCancelled           DepositStatus = "cancelled"
	DepositStatusFailed              DepositStatus = "failed"
)

// ActiveDepositStatuses lists every non-terminal deposit status
var ActiveDepositStatuses = []DepositStatus{
	DepositStatusPending,
	DepositStatusReservingCollateral,
	DepositStatusAwaitingPayment,
	DepositStatusXRPLConfirmed,
	DepositStatusGeneratingProof,
	DepositStatusProofGenerated,
	DepositStatusFDCTimeout,
	DepositStatusMinting,
	DepositStatusVaultMinting,
	DepositStatusVaultMinted,
}

// ShareMovingDepositStatuses are the deposit statuses in which vault shares can
// already be on chain without being credited to the position. Minting and the
// vault deposit may be sent in the same tick, so the window opens at proof_generated.
var ShareMovingDepositStatuses = []DepositStatus{
	DepositStatusProofGenerated,
	DepositStatusMinting,
	DepositStatusVaultMinting,
	DepositStatusVaultMinted,
}

// ShareMovingRedemptionStatuses are the redemption statuses in which shares can
// be burned on chain before the position is debited
var ShareMovingRedemptionStatuses = []RedemptionStatus{
	RedemptionStatusPending,
	RedemptionStatusAwaitingLiquidity,
	RedemptionStatusRedeemingShares,
}

// MovesShares reports whether a deposit in s may have vault shares not yet on the position
func (s DepositStatus) MovesShares() bool {
	for _, m := range ShareMovingDepositStatuses {
		if s == m {
			return true
		}
	}
	return false
}

// MovesShares reports whether a redemption in s may have burned shares still on the position
func (s RedemptionStatus) MovesShares() bool {
	for _, m := range ShareMovingRedemptionStatuses {
		if s == m {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known deposit status
func (s DepositStatus) Valid() bool {
	switch s {
	case DepositStatusPending, DepositStatusReservingCollateral, DepositStatusAwaitingPayment,
		DepositStatusXRPLConfirmed, DepositStatusGeneratingProof, DepositStatusProofGenerated,
		DepositStatusFDCTimeout, DepositStatusMinting, DepositStatusVaultMinting,
		DepositStatusVaultMinted, DepositStatusCompleted, DepositStatusVaultMintFailed,
		DepositStatusCancelled, DepositStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the job can no longer change
func (s DepositStatus) IsTerminal() bool {
	switch s {
	case DepositStatusCompleted, DepositStatusVaultMintFailed, DepositStatusCancelled, DepositStatusFailed:
		return true
	default:
		return false
	}
}

// IsPrePayment reports whether the user has not yet been asked to commit funds on the
// native ledger. Only these states accept a cancellation.
func (s DepositStatus) IsPrePayment() bool {
	switch s {
	case DepositStatusPending, DepositStatusReservingCollateral, DepositStatusAwaitingPayment:
		return true
	default:
		return false
	}
}

// next returns the statuses reachable from s in one step
func (s DepositStatus) next() []DepositStatus {
	switch s {
	case DepositStatusPending:
		return []DepositStatus{DepositStatusReservingCollateral, DepositStatusCancelled, DepositStatusFailed}
	case DepositStatusReservingCollateral:
		return []DepositStatus{DepositStatusAwaitingPayment, DepositStatusCancelled, DepositStatusFailed}
	case DepositStatusAwaitingPayment:
		return []DepositStatus{DepositStatusXRPLConfirmed, DepositStatusCancelled}
	case DepositStatusXRPLConfirmed:
		return []DepositStatus{DepositStatusGeneratingProof, DepositStatusFailed}
	case DepositStatusGeneratingProof:
		return []DepositStatus{DepositStatusProofGenerated, DepositStatusFDCTimeout, DepositStatusFailed}
	case DepositStatusFDCTimeout:
		// explicit retry re-issues the proof request
		return []DepositStatus{DepositStatusGeneratingProof, DepositStatusFailed}
	case DepositStatusProofGenerated:
		return []DepositStatus{DepositStatusMinting, DepositStatusFailed}
	case DepositStatusMinting:
		return []DepositStatus{DepositStatusVaultMinting, DepositStatusFailed}
	case DepositStatusVaultMinting:
		return []DepositStatus{DepositStatusVaultMinted, DepositStatusVaultMintFailed}
	case DepositStatusVaultMinted:
		return []DepositStatus{DepositStatusCompleted}
	case DepositStatusCompleted, DepositStatusVaultMintFailed, DepositStatusCancelled, DepositStatusFailed:
		return nil
	default:
		return nil
	}
}

// CanTransitionTo reports whether s -> to is an edge of the deposit DAG.
// Staying in the same non-terminal status is always allowed.
func (s DepositStatus) CanTransitionTo(to DepositStatus) bool {
	if s == to {
		return !s.IsTerminal()
	}
	for _, n := range s.next() {
		if n == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error describing an illegal transition
func (s DepositStatus) ValidateTransition(to DepositStatus) error {
	if !s.CanTransitionTo(to) {
		return &TransitionError{Machine: "deposit", From: string(s), To: string(to)}
	}
	return nil
}

// RedemptionStatus represents the state of a redemption job
type RedemptionStatus string

const (
	RedemptionStatusPending           RedemptionStatus = "pending"
	RedemptionStatusAwaitingLiquidity RedemptionStatus = "awaiting_liquidity"
	RedemptionStatusRedeemingShares   RedemptionStatus = "redeeming_shares"
	RedemptionStatusRedeemedFXRP      RedemptionStatus = "redeemed_fxrp"
	RedemptionStatusRedeemingFXRP     RedemptionStatus = "redeeming_fxrp"
	RedemptionStatusAwaitingProof     RedemptionStatus = "awaiting_proof"
	RedemptionStatusXRPLPayout        RedemptionStatus = "xrpl_payout"
	RedemptionStatusXRPLReceived      RedemptionStatus = "xrpl_received"
	RedemptionStatusCompleted         RedemptionStatus = "completed"
	RedemptionStatusFailed            RedemptionStatus = "failed"
)

// ActiveRedemptionStatuses lists the statuses the forward watcher drives
var ActiveRedemptionStatuses = []RedemptionStatus{
	RedemptionStatusPending,
	RedemptionStatusAwaitingLiquidity,
	RedemptionStatusRedeemingShares,
	RedemptionStatusRedeemedFXRP,
	RedemptionStatusRedeemingFXRP,
	RedemptionStatusAwaitingProof,
	RedemptionStatusXRPLPayout,
}

// Valid reports whether s is a known redemption status
func (s RedemptionStatus) Valid() bool {
	switch s {
	case RedemptionStatusPending, RedemptionStatusAwaitingLiquidity, RedemptionStatusRedeemingShares,
		RedemptionStatusRedeemedFXRP, RedemptionStatusRedeemingFXRP, RedemptionStatusAwaitingProof,
		RedemptionStatusXRPLPayout, RedemptionStatusXRPLReceived, RedemptionStatusCompleted,
		RedemptionStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the forward machine is finished. xrpl_received is not
// terminal: it still moves to completed once the backend confirms.
func (s RedemptionStatus) IsTerminal() bool {
	return s == RedemptionStatusCompleted || s == RedemptionStatusFailed
}

func (s RedemptionStatus) next() []RedemptionStatus {
	switch s {
	case RedemptionStatusPending:
		return []RedemptionStatus{RedemptionStatusRedeemingShares, RedemptionStatusAwaitingLiquidity, RedemptionStatusFailed}
	case RedemptionStatusAwaitingLiquidity:
		return []RedemptionStatus{RedemptionStatusRedeemingShares, RedemptionStatusFailed}
	case RedemptionStatusRedeemingShares:
		return []RedemptionStatus{RedemptionStatusRedeemedFXRP, RedemptionStatusFailed}
	case RedemptionStatusRedeemedFXRP:
		return []RedemptionStatus{RedemptionStatusRedeemingFXRP, RedemptionStatusFailed}
	case RedemptionStatusRedeemingFXRP:
		return []RedemptionStatus{RedemptionStatusAwaitingProof, RedemptionStatusFailed}
	case RedemptionStatusAwaitingProof:
		return []RedemptionStatus{RedemptionStatusXRPLPayout, RedemptionStatusFailed}
	case RedemptionStatusXRPLPayout:
		return []RedemptionStatus{RedemptionStatusXRPLReceived, RedemptionStatusCompleted}
	case RedemptionStatusXRPLReceived:
		return []RedemptionStatus{RedemptionStatusCompleted}
	case RedemptionStatusCompleted, RedemptionStatusFailed:
		return nil
	default:
		return nil
	}
}

// CanTransitionTo reports whether s -> to is an edge of the redemption DAG
func (s RedemptionStatus) CanTransitionTo(to RedemptionStatus) bool {
	if s == to {
		return !s.IsTerminal()
	}
	for _, n := range s.next() {
		if n == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error describing an illegal transition
func (s RedemptionStatus) ValidateTransition(to RedemptionStatus) error {
	if !s.CanTransitionTo(to) {
		return &TransitionError{Machine: "redemption", From: string(s), To: string(to)}
	}
	return nil
}

// UserStatus is the user-visible half of the redemption dual status
type UserStatus string

const (
	UserStatusProcessing UserStatus = "processing"
	UserStatusCompleted  UserStatus = "completed"
	UserStatusFailed     UserStatus = "failed"
)

// BackendStatus tracks on-chain confirmation of a redemption record. It is
// independent of UserStatus: the user may already hold the XRP.
type BackendStatus string

const (
	BackendStatusNotStarted   BackendStatus = "not_started"
	BackendStatusConfirming   BackendStatus = "confirming"
	BackendStatusRetryPending BackendStatus = "retry_pending"
	BackendStatusRetrying     BackendStatus = "retrying"
	BackendStatusConfirmed    BackendStatus = "confirmed"
	BackendStatusManualReview BackendStatus = "manual_review"
	BackendStatusAbandoned    BackendStatus = "abandoned"
)

// PendingBackendStatuses are the statuses the backend confirmation loop still works on
var PendingBackendStatuses = []BackendStatus{
	BackendStatusNotStarted,
	BackendStatusConfirming,
	BackendStatusRetryPending,
	BackendStatusRetrying,
	BackendStatusManualReview,
}

// IsTerminal reports whether backend confirmation is finished one way or the other
func (s BackendStatus) IsTerminal() bool {
	return s == BackendStatusConfirmed || s == BackendStatusAbandoned
}

func (s BackendStatus) next() []BackendStatus {
	switch s {
	case BackendStatusNotStarted:
		return []BackendStatus{BackendStatusConfirming, BackendStatusConfirmed, BackendStatusRetryPending, BackendStatusManualReview, BackendStatusAbandoned}
	case BackendStatusConfirming:
		return []BackendStatus{BackendStatusConfirmed, BackendStatusRetryPending, BackendStatusManualReview, BackendStatusAbandoned}
	case BackendStatusRetryPending:
		return []BackendStatus{BackendStatusRetrying, BackendStatusConfirmed, BackendStatusManualReview, BackendStatusAbandoned}
	case BackendStatusRetrying:
		return []BackendStatus{BackendStatusConfirming, BackendStatusConfirmed, BackendStatusRetryPending, BackendStatusManualReview, BackendStatusAbandoned}
	case BackendStatusManualReview:
		return []BackendStatus{BackendStatusRetrying, BackendStatusRetryPending, BackendStatusConfirmed, BackendStatusAbandoned}
	case BackendStatusConfirmed, BackendStatusAbandoned:
		return nil
	default:
		return nil
	}
}

// CanTransitionTo reports whether s -> to is a legal backend transition
func (s BackendStatus) CanTransitionTo(to BackendStatus) bool {
	if s == to {
		return !s.IsTerminal()
	}
	for _, n := range s.next() {
		if n == to {
			return true
		}
	}
	return false
}

// TransitionError reports an edge that is not part of a state machine
type TransitionError struct {
	Machine string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Machine, e.From, e.To)
}
