package xrpl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"vaultbridge/internal/config"
)

// Client runs each ledger operation on its own connection
type Client struct {
	dialer          *Dialer
	account         string
	secret          string
	finalityTimeout time.Duration
	pollInterval    time.Duration
	logger          *zap.Logger
}

// NewClient creates a new ledger client. account and secret identify the operator;
// they are only needed for escrow operations.
func NewClient(cfg config.XRPLConfig, account, secret string, logger *zap.Logger) *Client {
	timeout := cfg.FinalityTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		dialer:          NewDialer(cfg.WSEndpoint, logger),
		account:         account,
		secret:          secret,
		finalityTimeout: timeout,
		pollInterval:    time.Second,
		logger:          logger.Named("xrpl_client"),
	}
}

// Account returns the operator account
func (c *Client) Account() string {
	return c.account
}

// Tx fetches a transaction by hash
func (c *Client) Tx(ctx context.Context, hash string) (*Tx, error) {
	var tx *Tx
	err := WithConn(ctx, c.dialer, func(conn *Conn) error {
		var err error
		tx, err = conn.Tx(ctx, hash)
		return err
	})
	return tx, err
}

// LedgerTime returns the close time of the latest validated ledger
func (c *Client) LedgerTime(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := WithConn(ctx, c.dialer, func(conn *Conn) error {
		var err error
		t, err = conn.LedgerTime(ctx)
		return err
	})
	return t, err
}

// NormalizeReference strips 0x and lowercases a hex payment reference
func NormalizeReference(ref string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(ref, "0x"), "0X"))
}

const (
	paymentPageSize = 200
	maxPaymentPages = 50
	// ledger close times run a little behind the wall clock that stamped the job
	paymentSearchSlack = 10 * time.Minute
)

// FindPayment returns the first validated, successful XRP payment to destination
// whose memo carries reference. It pages back through account_tx until it reaches
// transactions older than since. It returns nil when no such payment exists yet.
func (c *Client) FindPayment(ctx context.Context, destination, reference string, since time.Time) (*Tx, error) {
	want := NormalizeReference(reference)
	cutoff := since.Add(-paymentSearchSlack)
	var found *Tx
	err := WithConn(ctx, c.dialer, func(conn *Conn) error {
		var marker json.RawMessage
		for page := 0; page < maxPaymentPages; page++ {
			txs, next, err := conn.AccountTxPage(ctx, destination, -1, paymentPageSize, marker)
			if err != nil {
				return err
			}
			for _, tx := range txs {
				if matchesPayment(tx, destination, want) {
					found = tx
					return nil
				}
			}
			if len(next) == 0 || len(txs) == 0 {
				return nil
			}
			if oldest := txs[len(txs)-1].Date; !oldest.IsZero() && oldest.Before(cutoff) {
				return nil
			}
			marker = next
		}
		return fmt.Errorf("%w after %d pages", ErrSearchIncomplete, maxPaymentPages)
	})
	if err != nil {
		return nil, fmt.Errorf("search payments to %s: %w", destination, err)
	}
	return found, nil
}

func matchesPayment(tx *Tx, destination, reference string) bool {
	if tx.TransactionType != "Payment" || tx.Destination != destination || !tx.Validated || !tx.Succeeded() {
		return false
	}
	for _, memo := range tx.Memos {
		if NormalizeReference(memo) == reference {
			return true
		}
	}
	return false
}

// SubmitAndWait submits a signed blob and waits for validation on the same connection
func (c *Client) SubmitAndWait(ctx context.Context, blob string) (*Tx, error) {
	var tx *Tx
	err := WithConn(ctx, c.dialer, func(conn *Conn) error {
		res, err := conn.Submit(ctx, blob)
		if err != nil {
			return err
		}
		tx, err = conn.WaitFinal(ctx, res.TxHash, c.finalityTimeout, c.pollInterval)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !tx.Succeeded() {
		return tx, fmt.Errorf("%w: %s %s", ErrTxFailed, tx.Hash, tx.Result)
	}
	return tx, nil
}

// signSubmitAndWait signs txJSON as the operator, submits it and waits for validation
func (c *Client) signSubmitAndWait(ctx context.Context, txJSON map[string]interface{}) (*Tx, error) {
	if c.secret == "" || c.account == "" {
		return nil, fmt.Errorf("xrpl operator credentials not configured")
	}
	txJSON["Account"] = c.account

	var tx *Tx
	err := WithConn(ctx, c.dialer, func(conn *Conn) error {
		blob, hash, err := conn.Sign(ctx, txJSON, c.secret)
		if err != nil {
			return err
		}
		if _, err := conn.Submit(ctx, blob); err != nil {
			return err
		}
		c.logger.Info("XRPL transaction submitted",
			zap.String("tx_hash", hash),
			zap.Any("transaction_type", txJSON["TransactionType"]))
		tx, err = conn.WaitFinal(ctx, hash, c.finalityTimeout, c.pollInterval)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !tx.Succeeded() {
		return tx, fmt.Errorf("%w: %s %s", ErrTxFailed, tx.Hash, tx.Result)
	}
	return tx, nil
}
