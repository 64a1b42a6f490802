package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LegProtocol is the bridge protocol a single leg uses
type LegProtocol string

const (
	LegProtocolNativeLedgerBridge LegProtocol = "native_ledger_bridge"
	LegProtocolMessageBridge      LegProtocol = "message_bridge"
	LegProtocolSameChainSwap      LegProtocol = "same_chain_swap"
	LegProtocolDirectTransfer     LegProtocol = "direct_transfer"
)

// Valid reports whether p is a known protocol
func (p LegProtocol) Valid() bool {
	switch p {
	case LegProtocolNativeLedgerBridge, LegProtocolMessageBridge, LegProtocolSameChainSwap, LegProtocolDirectTransfer:
		return true
	default:
		return false
	}
}

// LegStatus is the state of one leg
type LegStatus string

const (
	LegStatusPending   LegStatus = "pending"
	LegStatusSubmitted LegStatus = "submitted"
	LegStatusConfirmed LegStatus = "confirmed"
	LegStatusFailed    LegStatus = "failed"
	LegStatusRefunding LegStatus = "refunding"
	LegStatusRefunded  LegStatus = "refunded"
	LegStatusSkipped   LegStatus = "skipped"
)

// CrossChainStatus aggregates the leg statuses of a job
type CrossChainStatus string

const (
	CrossChainStatusInProgress      CrossChainStatus = "in_progress"
	CrossChainStatusCompleted       CrossChainStatus = "completed"
	CrossChainStatusPartiallyFailed CrossChainStatus = "partially_failed"
	CrossChainStatusRefunding       CrossChainStatus = "refunding"
	CrossChainStatusRefunded        CrossChainStatus = "refunded"
	CrossChainStatusFailed          CrossChainStatus = "failed"
)

// IsTerminal reports whether the job is finished
func (s CrossChainStatus) IsTerminal() bool {
	switch s {
	case CrossChainStatusCompleted, CrossChainStatusRefunded, CrossChainStatusFailed:
		return true
	default:
		return false
	}
}

// CrossChainQuote prices a route before a job is created
type CrossChainQuote struct {
	ID            int64           `db:"id"`
	QuoteID       string          `db:"quote_id"`
	Wallet        string          `db:"wallet"`
	SourceAddress string          `db:"source_address"` // origin account on the source chain
	SourceChain   string          `db:"source_chain"`
	DestChain     string          `db:"dest_chain"`
	Asset         string          `db:"asset"`
	Amount        decimal.Decimal `db:"amount"`
	EstimatedOut  decimal.Decimal `db:"estimated_out"`
	TotalFee      decimal.Decimal `db:"total_fee"`
	Route         string          `db:"route"` // comma separated protocol:from:to hops
	ExpiresAt     time.Time       `db:"expires_at"`
	CreatedAt     time.Time       `db:"created_at"`
}

// CrossChainBridgeJob owns an ordered list of legs
type CrossChainBridgeJob struct {
	ID            int64            `db:"id"`
	JobID         string           `db:"job_id"`
	QuoteID       string           `db:"quote_id"`
	Wallet        string           `db:"wallet"`
	SourceAddress string           `db:"source_address"`
	SourceChain   string           `db:"source_chain"`
	DestChain     string           `db:"dest_chain"`
	Amount        decimal.Decimal  `db:"amount"`
	Status        CrossChainStatus `db:"status"`
	CurrentLeg    int              `db:"current_leg"`
	LastError     *string          `db:"last_error"`
	CreatedAt     time.Time        `db:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"`

	Legs []CrossChainLeg `db:"-"`
}

// CrossChainLeg is one hop of a cross-chain job
type CrossChainLeg struct {
	ID          int64           `db:"id"`
	JobID       string          `db:"job_id"`
	LegIndex    int             `db:"leg_index"`
	Protocol    LegProtocol     `db:"protocol"`
	FromChain   string          `db:"from_chain"`
	ToChain     string          `db:"to_chain"`
	Asset       string          `db:"asset"`
	Amount      decimal.Decimal `db:"amount"`
	Status      LegStatus       `db:"status"`
	ExternalRef *string         `db:"external_ref"` // tx hash or child job id
	RefundRef   *string         `db:"refund_ref"`
	LastError   *string         `db:"last_error"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

// AggregateStatus derives the job status from its legs
func AggregateStatus(legs []CrossChainLeg) CrossChainStatus {
	if len(legs) == 0 {
		return CrossChainStatusFailed
	}
	var confirmed, failed, refunded, refunding int
	for _, l := range legs {
		switch l.Status {
		case LegStatusConfirmed, LegStatusSkipped:
			confirmed++
		case LegStatusFailed:
			failed++
		case LegStatusRefunded:
			refunded++
		case LegStatusRefunding:
			refunding++
		}
	}
	switch {
	case failed == 0 && refunded == 0 && refunding == 0 && confirmed == len(legs):
		return CrossChainStatusCompleted
	case refunding > 0:
		return CrossChainStatusRefunding
	case failed > 0 && refunded > 0 && confirmed == 0:
		return CrossChainStatusRefunded
	case failed > 0 && confirmed > 0:
		return CrossChainStatusPartiallyFailed
	case failed > 0:
		return CrossChainStatusFailed
	default:
		return CrossChainStatusInProgress
	}
}
