package api

import (
	"time"

	"vaultbridge/internal/models"
)

// ==================== Deposits ====================

// CreateDepositRequest represents a request to bridge XRP into the vault
type CreateDepositRequest struct {
	Wallet      string `json:"wallet"`
	Vault       string `json:"vault,omitempty"` // defaults to the configured vault
	XRPLAddress string `json:"xrpl_address"`
	Amount      string `json:"amount"` // XRP, decimal string
}

// CreateDepositResponse tells the user what to pay and where
type CreateDepositResponse struct {
	JobID           string            `json:"job_id"`
	Status          string            `json:"status"`
	UserStatus      models.UserStatus `json:"user_status"`
	RequestedAmount string            `json:"requested_amount"`
	ActualAmount    string            `json:"actual_amount"`
	Lots            int64             `json:"lots"`
	FeeAmount       string            `json:"fee_amount"`
	ExpectedDrops   string            `json:"expected_total_drops"`
}

// CancelDepositRequest carries the wallet's signature over the cancellation message
type CancelDepositRequest struct {
	Signature string `json:"signature"`
}

// ==================== Redemptions ====================

// CreateRedemptionRequest represents a request to redeem vault shares to XRP
type CreateRedemptionRequest struct {
	Wallet      string `json:"wallet"`
	PositionID  int64  `json:"position_id"`
	Shares      string `json:"shares"`
	XRPLAddress string `json:"xrpl_address"`
}

// CreateRedemptionResponse represents a queued redemption
type CreateRedemptionResponse struct {
	JobID      string            `json:"job_id"`
	Status     string            `json:"status"`
	UserStatus models.UserStatus `json:"user_status"`
	Shares     string            `json:"shares"`
}

// ==================== Job Status ====================

// JobStatusResponse is the user-facing status of a deposit or redemption
type JobStatusResponse struct {
	JobID            string             `json:"job_id"`
	Kind             string             `json:"kind"`
	Wallet           string             `json:"wallet"`
	Status           string             `json:"status"`
	UserStatus       models.UserStatus  `json:"user_status"`
	FailureCode      models.FailureCode `json:"failure_code,omitempty"`
	RequestedAmount  string             `json:"requested_amount,omitempty"`
	ActualAmount     string             `json:"actual_amount"`
	ExpectedDrops    string             `json:"expected_drops,omitempty"`
	ReceivedDrops    *string            `json:"received_drops,omitempty"`
	PaymentAddress   *string            `json:"payment_address,omitempty"`
	PaymentReference *string            `json:"payment_reference,omitempty"`
	ExpiresAt        *time.Time         `json:"expires_at,omitempty"`
	Cancellable      bool               `json:"cancellable"`
	Shares           string             `json:"shares"`
	XRPSent          *string            `json:"xrp_sent,omitempty"`
	TxHashes         map[string]string  `json:"tx_hashes"`
	Error            *string            `json:"error,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// ==================== Positions ====================

// PositionSummary represents one vault position of a wallet
type PositionSummary struct {
	ID               int64                 `json:"id"`
	Vault            string                `json:"vault"`
	Amount           string                `json:"amount"`
	Status           models.PositionStatus `json:"status"`
	LastReconciledAt *time.Time            `json:"last_reconciled_at,omitempty"`
}

// GetPositionsResponse represents response with a wallet's positions
type GetPositionsResponse struct {
	Wallet    string            `json:"wallet"`
	Positions []PositionSummary `json:"positions"`
}

// ==================== Events ====================

// EventSummary is a stored contract event
type EventSummary struct {
	ID          int64           `json:"id"`
	Contract    string          `json:"contract"`
	EventName   string          `json:"event_name"`
	BlockNumber uint64          `json:"block_number"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    uint            `json:"log_index"`
	Severity    models.Severity `json:"severity"`
	Args        interface{}     `json:"args"`
	Alerted     bool            `json:"alerted"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ListEventsResponse represents a page of events
type ListEventsResponse struct {
	Events []EventSummary `json:"events"`
}

// ==================== Cross-chain ====================

// HopRequest is one hop of a requested route
type HopRequest struct {
	Protocol  models.LegProtocol `json:"protocol"`
	FromChain string             `json:"from_chain"`
	ToChain   string             `json:"to_chain"`
}

// QuoteRequest asks for a multi-hop route price
type QuoteRequest struct {
	Wallet        string       `json:"wallet"`
	SourceAddress string       `json:"source_address"`
	SourceChain   string       `json:"source_chain"`
	DestChain     string       `json:"dest_chain"`
	Asset         string       `json:"asset"`
	Amount        string       `json:"amount"`
	Hops          []HopRequest `json:"hops"`
}

// QuoteResponse represents a stored route quote
type QuoteResponse struct {
	QuoteID      string    `json:"quote_id"`
	Route        string    `json:"route"`
	Amount       string    `json:"amount"`
	EstimatedOut string    `json:"estimated_out"`
	TotalFee     string    `json:"total_fee"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CreateCrossChainJobRequest turns a quote into a job
type CreateCrossChainJobRequest struct {
	QuoteID string `json:"quote_id"`
}

// LegSummary is one leg of a cross-chain job
type LegSummary struct {
	Index       int                `json:"index"`
	Protocol    models.LegProtocol `json:"protocol"`
	FromChain   string             `json:"from_chain"`
	ToChain     string             `json:"to_chain"`
	Asset       string             `json:"asset"`
	Amount      string             `json:"amount"`
	Status      models.LegStatus   `json:"status"`
	ExternalRef *string            `json:"external_ref,omitempty"`
	RefundRef   *string            `json:"refund_ref,omitempty"`
	Error       *string            `json:"error,omitempty"`
}

// CrossChainJobResponse represents a multi-leg job
type CrossChainJobResponse struct {
	JobID       string                  `json:"job_id"`
	QuoteID     string                  `json:"quote_id"`
	Wallet      string                  `json:"wallet"`
	SourceChain string                  `json:"source_chain"`
	DestChain   string                  `json:"dest_chain"`
	Amount      string                  `json:"amount"`
	Status      models.CrossChainStatus `json:"status"`
	CurrentLeg  int                     `json:"current_leg"`
	Legs        []LegSummary            `json:"legs"`
	Error       *string                 `json:"error,omitempty"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
