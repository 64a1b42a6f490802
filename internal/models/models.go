package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// FailureCode classifies why a job stopped advancing without reaching a terminal state
type FailureCode string

const (
	FailureCodeNone                 FailureCode = ""
	FailureCodeAmountMismatch       FailureCode = "amount_mismatch"
	FailureCodePaymentWindowExpired FailureCode = "payment_window_expired"
	FailureCodeMismatchExpired      FailureCode = "mismatch_expired"
	FailureCodeReverted             FailureCode = "reverted"
	FailureCodeBelowLot             FailureCode = "below_lot"
	FailureCodePayoutTimeout        FailureCode = "payout_timeout"
)

// BridgeJob represents a deposit: native XRP -> FXRP -> vault shares
type BridgeJob struct {
	ID          int64  `db:"id"`
	JobID       string `db:"job_id"`
	Wallet      string `db:"wallet"`
	Vault       string `db:"vault"`
	XRPLAddress string `db:"xrpl_address"`

	RequestedAmount decimal.Decimal `db:"requested_amount"` // XRP as asked by the user
	ActualAmount    decimal.Decimal `db:"actual_amount"`    // lot-rounded XRP
	Lots            int64           `db:"lots"`
	FeeAmount       decimal.Decimal `db:"fee_amount"` // minting fee in XRP

	ExpectedTotalDrops int64  `db:"expected_total_drops"` // actual + fee, in drops
	ReceivedDrops      *int64 `db:"received_drops"`

	ExpectedFXRP decimal.Decimal     `db:"expected_fxrp"`
	ReceivedFXRP decimal.NullDecimal `db:"received_fxrp"`
	SharesMinted decimal.NullDecimal `db:"shares_minted"`

	Status      DepositStatus `db:"status"`
	FailureCode FailureCode   `db:"failure_code"`

	AgentVault       string  `db:"agent_vault"`
	AgentXRPLAddress *string `db:"agent_xrpl_address"`
	ReservationID    *string `db:"reservation_id"`
	PaymentReference *string `db:"payment_reference"`

	ReservationTxHash *string `db:"reservation_tx_hash"`
	XRPLTxHash        *string `db:"xrpl_tx_hash"`
	FDCTxHash         *string `db:"fdc_tx_hash"`
	MintTxHash        *string `db:"mint_tx_hash"`
	VaultMintTxHash   *string `db:"vault_mint_tx_hash"`

	ProofRoundID     *int64     `db:"proof_round_id"`
	ProofRequestHex  *string    `db:"proof_request_hex"`
	ProofHex         *string    `db:"proof_hex"`
	ProofRequestedAt *time.Time `db:"proof_requested_at"`

	ExpiresAt     *time.Time `db:"expires_at"`
	CancelReason  *string    `db:"cancel_reason"`
	CancelledAt   *time.Time `db:"cancelled_at"`
	MismatchAt    *time.Time `db:"mismatch_at"`
	CompletedAt   *time.Time `db:"completed_at"`
	RetryCount    int        `db:"retry_count"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`
	LastError     *string    `db:"last_error"`
	ErrorMessage  *string    `db:"error_message"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// RedemptionJob represents a withdrawal: vault shares -> FXRP -> native XRP
type RedemptionJob struct {
	ID          int64  `db:"id"`
	JobID       string `db:"job_id"`
	Wallet      string `db:"wallet"`
	Vault       string `db:"vault"`
	PositionID  int64  `db:"position_id"`
	XRPLAddress string `db:"xrpl_address"`

	ShareAmount decimal.Decimal     `db:"share_amount"`
	FXRPAmount  decimal.NullDecimal `db:"fxrp_amount"`
	Lots        int64               `db:"lots"`
	DustAmount  decimal.NullDecimal `db:"dust_amount"`
	XRPSent     decimal.NullDecimal `db:"xrp_sent"`

	ExpectedPayoutDrops *int64 `db:"expected_payout_drops"`

	Status        RedemptionStatus `db:"status"`
	UserStatus    UserStatus       `db:"user_status"`
	BackendStatus BackendStatus    `db:"backend_status"`
	FailureCode   FailureCode      `db:"failure_code"`

	RedemptionRequestID *string `db:"redemption_request_id"`
	PaymentReference    *string `db:"payment_reference"`

	RedeemSharesTxHash *string `db:"redeem_shares_tx_hash"`
	RedeemFXRPTxHash   *string `db:"redeem_fxrp_tx_hash"`
	XRPLPayoutTxHash   *string `db:"xrpl_payout_tx_hash"`
	ConfirmTxHash      *string `db:"confirm_tx_hash"`

	BackendProofRoundID    *int64     `db:"backend_proof_round_id"`
	BackendProofRequestHex *string    `db:"backend_proof_request_hex"`
	BackendRetryCount      int        `db:"backend_retry_count"`
	BackendNextRetryAt     *time.Time `db:"backend_next_retry_at"`
	BackendLastError       *string    `db:"backend_last_error"`

	PayoutDeadline  *time.Time `db:"payout_deadline"`
	UserCompletedAt *time.Time `db:"user_completed_at"`
	ConfirmedAt     *time.Time `db:"confirmed_at"`
	RetryCount      int        `db:"retry_count"`
	NextAttemptAt   *time.Time `db:"next_attempt_at"`
	LastError       *string    `db:"last_error"`
	ErrorMessage    *string    `db:"error_message"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// PositionStatus is the lifecycle of a vault position
type PositionStatus string

const (
	PositionStatusActive PositionStatus = "active"
	PositionStatusClosed PositionStatus = "closed"
)

// Position is a wallet's share holding in one vault
type Position struct {
	ID               int64           `db:"id"`
	Wallet           string          `db:"wallet"`
	Vault            string          `db:"vault"`
	Amount           decimal.Decimal `db:"amount"`
	Rewards          decimal.Decimal `db:"rewards"`
	Status           PositionStatus  `db:"status"`
	LastReconciledAt *time.Time      `db:"last_reconciled_at"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// EscrowStatus is the lifecycle of a native-ledger time-locked hold
type EscrowStatus string

const (
	EscrowStatusPending   EscrowStatus = "pending"
	EscrowStatusFinished  EscrowStatus = "finished"
	EscrowStatusCancelled EscrowStatus = "cancelled"
	EscrowStatusFailed    EscrowStatus = "failed"
)

// IsTerminal reports whether no further escrow action is possible
func (s EscrowStatus) IsTerminal() bool {
	switch s {
	case EscrowStatusFinished, EscrowStatusCancelled, EscrowStatusFailed:
		return true
	default:
		return false
	}
}

// EscrowRecord mirrors an XRPL Escrow ledger object created by the service
type EscrowRecord struct {
	ID           int64           `db:"id"`
	Owner        string          `db:"owner"`
	Destination  string          `db:"destination"`
	Sequence     uint32          `db:"sequence"`
	Amount       decimal.Decimal `db:"amount"` // XRP
	Condition    *string         `db:"condition"`
	Status       EscrowStatus    `db:"status"`
	FinishAfter  time.Time       `db:"finish_after"`
	CancelAfter  time.Time       `db:"cancel_after"`
	CreateTxHash string          `db:"create_tx_hash"`
	FinishTxHash *string         `db:"finish_tx_hash"`
	CancelTxHash *string         `db:"cancel_tx_hash"`
	LastError    *string         `db:"last_error"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// Severity classifies monitored contract events
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so filters can ask for "warning and above"
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// OnChainEvent is a decoded contract log. (TxHash, LogIndex) is unique.
type OnChainEvent struct {
	ID              int64          `db:"id"`
	Contract        string         `db:"contract"`
	ContractAddress string         `db:"contract_address"`
	EventName       string         `db:"event_name"`
	BlockNumber     uint64         `db:"block_number"`
	TxHash          string         `db:"tx_hash"`
	LogIndex        uint           `db:"log_index"`
	Severity        Severity       `db:"severity"`
	Args            types.JSONText `db:"args"`
	Alerted         bool           `db:"alerted"`
	CreatedAt       time.Time      `db:"created_at"`
}

// EventKey is the idempotency key of an on-chain event
type EventKey struct {
	TxHash   string
	LogIndex uint
}

// Key returns the idempotency key of the event
func (e *OnChainEvent) Key() EventKey {
	return EventKey{TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// EventFilter narrows event-stream reads
type EventFilter struct {
	Contract    string
	EventName   string
	MinSeverity Severity
	FromBlock   uint64
	Limit       int
	Offset      int
}

// CorrectionAction records what the reconciler did to a position
type CorrectionAction string

const (
	CorrectionCorrected  CorrectionAction = "corrected"
	CorrectionDiscovered CorrectionAction = "discovered"
	CorrectionClosed     CorrectionAction = "closed"
)

// PositionCorrection is the audit row written for every reconciliation change
type PositionCorrection struct {
	ID            int64            `db:"id"`
	Wallet        string           `db:"wallet"`
	Vault         string           `db:"vault"`
	DBAmount      decimal.Decimal  `db:"db_amount"`
	OnChainAmount decimal.Decimal  `db:"onchain_amount"`
	Action        CorrectionAction `db:"action"`
	CreatedAt     time.Time        `db:"created_at"`
}
