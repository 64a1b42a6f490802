package xrpl

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// EscrowCreateRequest describes a new time-locked hold
type EscrowCreateRequest struct {
	Destination string
	AmountDrops int64
	FinishAfter time.Time
	CancelAfter time.Time
	Condition   string // optional PREIMAGE-SHA-256 condition
}

// EscrowCreated identifies a created escrow
type EscrowCreated struct {
	TxHash   string
	Sequence uint32
}

// CreateEscrow submits an EscrowCreate from the operator account and waits for it
// to be validated.
func (c *Client) CreateEscrow(ctx context.Context, req EscrowCreateRequest) (*EscrowCreated, error) {
	if req.AmountDrops <= 0 {
		return nil, fmt.Errorf("escrow amount must be positive")
	}
	if err := ValidateAddress(req.Destination); err != nil {
		return nil, err
	}
	if !req.CancelAfter.IsZero() && !req.CancelAfter.After(req.FinishAfter) {
		return nil, fmt.Errorf("cancel_after must be later than finish_after")
	}

	txJSON := map[string]interface{}{
		"TransactionType": "EscrowCreate",
		"Destination":     req.Destination,
		"Amount":          strconv.FormatInt(req.AmountDrops, 10),
		"FinishAfter":     ToRippleTime(req.FinishAfter),
	}
	if !req.CancelAfter.IsZero() {
		txJSON["CancelAfter"] = ToRippleTime(req.CancelAfter)
	}
	if req.Condition != "" {
		txJSON["Condition"] = req.Condition
	}

	tx, err := c.signSubmitAndWait(ctx, txJSON)
	if err != nil {
		return nil, fmt.Errorf("escrow create: %w", err)
	}
	c.logger.Info("Escrow created",
		zap.String("tx_hash", tx.Hash),
		zap.Uint32("sequence", tx.Sequence),
		zap.String("destination", req.Destination),
		zap.Int64("amount_drops", req.AmountDrops))
	return &EscrowCreated{TxHash: tx.Hash, Sequence: tx.Sequence}, nil
}

// FinishEscrow releases an escrow to its destination
func (c *Client) FinishEscrow(ctx context.Context, owner string, sequence uint32, condition, fulfillment string) (string, error) {
	txJSON := map[string]interface{}{
		"TransactionType": "EscrowFinish",
		"Owner":           owner,
		"OfferSequence":   sequence,
	}
	if condition != "" {
		txJSON["Condition"] = condition
		txJSON["Fulfillment"] = fulfillment
	}
	tx, err := c.signSubmitAndWait(ctx, txJSON)
	if err != nil {
		return "", fmt.Errorf("escrow finish %s/%d: %w", owner, sequence, err)
	}
	c.logger.Info("Escrow finished",
		zap.String("tx_hash", tx.Hash),
		zap.String("owner", owner),
		zap.Uint32("sequence", sequence))
	return tx.Hash, nil
}

// CancelEscrow returns an expired escrow to its owner
func (c *Client) CancelEscrow(ctx context.Context, owner string, sequence uint32) (string, error) {
	tx, err := c.signSubmitAndWait(ctx, map[string]interface{}{
		"TransactionType": "EscrowCancel",
		"Owner":           owner,
		"OfferSequence":   sequence,
	})
	if err != nil {
		return "", fmt.Errorf("escrow cancel %s/%d: %w", owner, sequence, err)
	}
	c.logger.Info("Escrow cancelled",
		zap.String("tx_hash", tx.Hash),
		zap.String("owner", owner),
		zap.Uint32("sequence", sequence))
	return tx.Hash, nil
}

// EscrowExists reports whether an escrow object is still on the ledger
func (c *Client) EscrowExists(ctx context.Context, owner string, sequence uint32) (bool, error) {
	var exists bool
	err := WithConn(ctx, c.dialer, func(conn *Conn) error {
		var err error
		exists, err = conn.EscrowExists(ctx, owner, sequence)
		return err
	})
	return exists, err
}

// AccountEscrows lists the escrows owned by account
func (c *Client) AccountEscrows(ctx context.Context, account string) ([]EscrowObject, error) {
	var out []EscrowObject
	err := WithConn(ctx, c.dialer, func(conn *Conn) error {
		var err error
		out, err = conn.AccountEscrows(ctx, account)
		return err
	})
	return out, err
}
