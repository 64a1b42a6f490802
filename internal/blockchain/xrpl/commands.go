package xrpl

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Tx is the subset of a rippled transaction the bridge inspects
type Tx struct {
	Hash            string
	TransactionType string
	Account         string
	Destination     string
	AmountDrops     int64 // XRP amounts only; 0 for issued currencies
	DeliveredDrops  int64
	Sequence        uint32
	Memos           []string // MemoData, hex decoded when possible
	Result          string   // meta.TransactionResult
	Validated       bool
	LedgerIndex     int64
	Date            time.Time
}

// Succeeded reports whether the transaction applied successfully
func (t *Tx) Succeeded() bool {
	return t.Result == "tesSUCCESS"
}

// SubmitResult is the preliminary outcome of a submission
type SubmitResult struct {
	EngineResult  string
	EngineMessage string
	TxHash        string
	Accepted      bool
}

// EscrowObject is an Escrow ledger entry
type EscrowObject struct {
	Account     string
	Destination string
	AmountDrops int64
	FinishAfter time.Time
	CancelAfter time.Time
	Condition   string
	PreviousTx  string
}

func parseDrops(v gjson.Result) int64 {
	if v.Type != gjson.String {
		return 0
	}
	n, err := strconv.ParseInt(v.String(), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseTx reads a transaction object. meta may sit inside tx or next to it depending
// on the command and API version.
func parseTx(tx, meta gjson.Result, validated bool) *Tx {
	if !meta.Exists() {
		meta = tx.Get("meta")
	}
	t := &Tx{
		Hash:            tx.Get("hash").String(),
		TransactionType: tx.Get("TransactionType").String(),
		Account:         tx.Get("Account").String(),
		Destination:     tx.Get("Destination").String(),
		AmountDrops:     parseDrops(tx.Get("Amount")),
		DeliveredDrops:  parseDrops(meta.Get("delivered_amount")),
		Sequence:        uint32(tx.Get("Sequence").Uint()),
		Result:          meta.Get("TransactionResult").String(),
		Validated:       validated,
		LedgerIndex:     tx.Get("ledger_index").Int(),
	}
	if d := tx.Get("date"); d.Exists() {
		t.Date = FromRippleTime(uint32(d.Uint()))
	}
	tx.Get("Memos").ForEach(func(_, m gjson.Result) bool {
		data := m.Get("Memo.MemoData").String()
		if decoded, err := hex.DecodeString(data); err == nil && isPrintable(decoded) {
			t.Memos = append(t.Memos, string(decoded))
		} else {
			t.Memos = append(t.Memos, strings.ToUpper(data))
		}
		return true
	})
	return t
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return len(b) > 0
}

// Tx fetches a transaction by hash
func (c *Conn) Tx(ctx context.Context, hash string) (*Tx, error) {
	res, err := c.Request(ctx, "tx", map[string]interface{}{"transaction": hash})
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == "txnNotFound" {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}
	root := res
	if j := res.Get("tx_json"); j.Exists() {
		root = j
	}
	t := parseTx(root, res.Get("meta"), res.Get("validated").Bool())
	if t.Hash == "" {
		t.Hash = res.Get("hash").String()
	}
	if t.LedgerIndex == 0 {
		t.LedgerIndex = res.Get("ledger_index").Int()
	}
	return t, nil
}

// AccountTx lists validated transactions touching account from minLedger onwards,
// newest first. A minLedger of -1 means the earliest available ledger.
func (c *Conn) AccountTx(ctx context.Context, account string, minLedger int64, limit int) ([]*Tx, error) {
	txs, _, err := c.AccountTxPage(ctx, account, minLedger, limit, nil)
	return txs, err
}

// AccountTxPage returns one page of account_tx. Pass the returned marker back to
// get the next, older page; it is nil after the last page.
func (c *Conn) AccountTxPage(ctx context.Context, account string, minLedger int64, limit int, marker json.RawMessage) ([]*Tx, json.RawMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	params := map[string]interface{}{
		"account":          account,
		"ledger_index_min": minLedger,
		"ledger_index_max": -1,
		"limit":            limit,
	}
	if len(marker) > 0 {
		params["marker"] = marker
	}
	res, err := c.Request(ctx, "account_tx", params)
	if err != nil {
		return nil, nil, err
	}
	var txs []*Tx
	res.Get("transactions").ForEach(func(_, entry gjson.Result) bool {
		tx := entry.Get("tx")
		if !tx.Exists() {
			tx = entry.Get("tx_json")
		}
		t := parseTx(tx, entry.Get("meta"), entry.Get("validated").Bool())
		if t.Hash == "" {
			t.Hash = entry.Get("hash").String()
		}
		txs = append(txs, t)
		return true
	})
	var next json.RawMessage
	if m := res.Get("marker"); m.Exists() {
		next = json.RawMessage(m.Raw)
	}
	return txs, next, nil
}

// AccountEscrows lists the escrows owned by account in the validated ledger
func (c *Conn) AccountEscrows(ctx context.Context, account string) ([]EscrowObject, error) {
	res, err := c.Request(ctx, "account_objects", map[string]interface{}{
		"account":      account,
		"type":         "escrow",
		"ledger_index": "validated",
	})
	if err != nil {
		return nil, err
	}
	var out []EscrowObject
	res.Get("account_objects").ForEach(func(_, o gjson.Result) bool {
		e := EscrowObject{
			Account:     o.Get("Account").String(),
			Destination: o.Get("Destination").String(),
			AmountDrops: parseDrops(o.Get("Amount")),
			Condition:   o.Get("Condition").String(),
			PreviousTx:  o.Get("PreviousTxnID").String(),
		}
		if v := o.Get("FinishAfter"); v.Exists() {
			e.FinishAfter = FromRippleTime(uint32(v.Uint()))
		}
		if v := o.Get("CancelAfter"); v.Exists() {
			e.CancelAfter = FromRippleTime(uint32(v.Uint()))
		}
		out = append(out, e)
		return true
	})
	return out, nil
}

// EscrowExists reports whether the escrow created by owner with sequence is still
// on the validated ledger.
func (c *Conn) EscrowExists(ctx context.Context, owner string, sequence uint32) (bool, error) {
	_, err := c.Request(ctx, "ledger_entry", map[string]interface{}{
		"escrow":       map[string]interface{}{"owner": owner, "seq": sequence},
		"ledger_index": "validated",
	})
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == "entryNotFound" {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LedgerTime returns the close time of the latest validated ledger
func (c *Conn) LedgerTime(ctx context.Context) (time.Time, error) {
	res, err := c.Request(ctx, "ledger", map[string]interface{}{"ledger_index": "validated"})
	if err != nil {
		return time.Time{}, err
	}
	closeTime := res.Get("ledger.close_time")
	if !closeTime.Exists() {
		return time.Time{}, fmt.Errorf("ledger response without close_time")
	}
	return FromRippleTime(uint32(closeTime.Uint())), nil
}

// AccountSequence returns the next sequence number of account
func (c *Conn) AccountSequence(ctx context.Context, account string) (uint32, error) {
	res, err := c.Request(ctx, "account_info", map[string]interface{}{
		"account":      account,
		"ledger_index": "current",
	})
	if err != nil {
		return 0, err
	}
	return uint32(res.Get("account_data.Sequence").Uint()), nil
}

// Sign asks rippled to sign txJSON with secret and returns the blob and its hash.
// The server must allow signing.
func (c *Conn) Sign(ctx context.Context, txJSON map[string]interface{}, secret string) (blob, hash string, err error) {
	res, err := c.Request(ctx, "sign", map[string]interface{}{
		"tx_json": txJSON,
		"secret":  secret,
	})
	if err != nil {
		return "", "", fmt.Errorf("sign %v: %w", txJSON["TransactionType"], err)
	}
	return res.Get("tx_blob").String(), res.Get("tx_json.hash").String(), nil
}

// Submit submits a signed transaction blob
func (c *Conn) Submit(ctx context.Context, blob string) (*SubmitResult, error) {
	res, err := c.Request(ctx, "submit", map[string]interface{}{"tx_blob": blob})
	if err != nil {
		return nil, err
	}
	r := &SubmitResult{
		EngineResult:  res.Get("engine_result").String(),
		EngineMessage: res.Get("engine_result_message").String(),
		TxHash:        res.Get("tx_json.hash").String(),
	}
	r.Accepted = strings.HasPrefix(r.EngineResult, "tes") || r.EngineResult == "terQUEUED"
	if !r.Accepted {
		return r, fmt.Errorf("submit rejected: %s %s", r.EngineResult, r.EngineMessage)
	}
	return r, nil
}

// WaitFinal polls tx until it is validated or timeout elapses. The returned
// transaction may still carry a failing result code.
func (c *Conn) WaitFinal(ctx context.Context, hash string, timeout, interval time.Duration) (*Tx, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tx, err := c.Tx(ctx, hash)
		switch {
		case err == nil && tx.Validated:
			return tx, nil
		case err != nil && !errors.Is(err, ErrTxNotFound):
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrFinalityTimeout, hash)
			}
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrFinalityTimeout, hash)
		case <-ticker.C:
		}
	}
}
