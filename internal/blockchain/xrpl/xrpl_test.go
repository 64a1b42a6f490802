package xrpl

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"vaultbridge/internal/config"
)

const genesis = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"

func TestAddressRoundTrip(t *testing.T) {
	id, err := DecodeAddress(genesis)
	require.NoError(t, err)
	assert.Equal(t, "b5f762798a53d543a014caf8b297cff8f2f937e8", hex.EncodeToString(id))

	addr, err := EncodeAddress(id)
	require.NoError(t, err)
	assert.Equal(t, genesis, addr)
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{name: "genesis", address: genesis},
		{name: "empty", address: "", wantErr: true},
		{name: "evm address", address: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0", wantErr: true},
		{name: "bad checksum", address: "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTi", wantErr: true},
		{name: "too short", address: "rHb9CJAW", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRippleTime(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, uint32(ts.Unix()-RippleEpochOffset), ToRippleTime(ts))
	assert.True(t, ts.Equal(FromRippleTime(ToRippleTime(ts))))
	assert.Equal(t, uint32(0), ToRippleTime(time.Unix(0, 0)))
}

func TestPreimageCondition(t *testing.T) {
	pc, err := NewPreimageCondition()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pc.Condition, "A0258020"))
	assert.True(t, strings.HasSuffix(pc.Condition, "810120"))
	assert.Len(t, pc.Fulfillment, 8+64)
	assert.True(t, FulfillmentMatches(pc.Condition, pc.Fulfillment))

	other, err := NewPreimageCondition()
	require.NoError(t, err)
	assert.False(t, FulfillmentMatches(pc.Condition, other.Fulfillment))

	_, err = ConditionFromPreimage([]byte("short"))
	assert.Error(t, err)
}

func TestConnRequestSkipsStreamMessages(t *testing.T) {
	f := newFakeRippled(t)
	f.noise = true
	f.handle("ledger", func(gjson.Result) (interface{}, string) {
		return map[string]interface{}{"ledger": map[string]interface{}{"close_time": 757382400}}, ""
	})

	err := WithConn(context.Background(), f.dialer(), func(conn *Conn) error {
		ts, err := conn.LedgerTime(context.Background())
		require.NoError(t, err)
		assert.Equal(t, FromRippleTime(757382400), ts)

		_, err = conn.Request(context.Background(), "bogus", nil)
		var rpcErr *RPCError
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, "unknownCmd", rpcErr.Code)
		return nil
	})
	require.NoError(t, err)
}

func TestWithConnReleasesOnError(t *testing.T) {
	f := newFakeRippled(t)
	boom := errors.New("boom")

	err := WithConn(context.Background(), f.dialer(), func(*Conn) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&f.closed) == atomic.LoadInt32(&f.open) && atomic.LoadInt32(&f.open) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTxNotFound(t *testing.T) {
	f := newFakeRippled(t)
	f.handle("tx", func(gjson.Result) (interface{}, string) { return nil, "txnNotFound" })

	client := NewClient(config.XRPLConfig{WSEndpoint: f.url()}, "", "", zap.NewNop())
	_, err := client.Tx(context.Background(), "ABC")
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestFindPayment(t *testing.T) {
	f := newFakeRippled(t)
	ref := "4642505266410001000000000000000000000000000000000000000000000abc"
	f.handle("account_tx", func(req gjson.Result) (interface{}, string) {
		assert.Equal(t, genesis, req.Get("account").String())
		return map[string]interface{}{
			"transactions": []interface{}{
				map[string]interface{}{
					"validated": true,
					"meta":      map[string]interface{}{"TransactionResult": "tesSUCCESS", "delivered_amount": "1000"},
					"tx": map[string]interface{}{
						"hash": "OTHER", "TransactionType": "Payment", "Destination": genesis, "Amount": "1000",
						"Memos": []interface{}{map[string]interface{}{"Memo": map[string]interface{}{"MemoData": "DEADBEEF"}}},
					},
				},
				map[string]interface{}{
					"validated": true,
					"meta":      map[string]interface{}{"TransactionResult": "tesSUCCESS", "delivered_amount": "30075000"},
					"tx": map[string]interface{}{
						"hash": "MATCH", "TransactionType": "Payment", "Destination": genesis, "Amount": "30075000",
						"Account": "rSender", "Sequence": 12,
						"Memos": []interface{}{map[string]interface{}{"Memo": map[string]interface{}{"MemoData": strings.ToUpper(ref)}}},
					},
				},
			},
		}, ""
	})

	client := NewClient(config.XRPLConfig{WSEndpoint: f.url()}, "", "", zap.NewNop())
	tx, err := client.FindPayment(context.Background(), genesis, "0x"+ref, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, "MATCH", tx.Hash)
	assert.Equal(t, int64(30075000), tx.DeliveredDrops)
	assert.True(t, tx.Validated)

	tx, err = client.FindPayment(context.Background(), genesis, "0x00", time.Time{})
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func paymentEntry(hash, memo string, date time.Time) map[string]interface{} {
	return map[string]interface{}{
		"validated": true,
		"meta":      map[string]interface{}{"TransactionResult": "tesSUCCESS", "delivered_amount": "1000"},
		"tx": map[string]interface{}{
			"hash": hash, "TransactionType": "Payment", "Destination": genesis, "Amount": "1000",
			"date":  ToRippleTime(date),
			"Memos": []interface{}{map[string]interface{}{"Memo": map[string]interface{}{"MemoData": memo}}},
		},
	}
}

func TestFindPayment_PagesWithMarker(t *testing.T) {
	f := newFakeRippled(t)
	since := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	ref := "4642505266410001000000000000000000000000000000000000000000000abc"

	var (
		mu      sync.Mutex
		markers []string
	)
	f.handle("account_tx", func(req gjson.Result) (interface{}, string) {
		mu.Lock()
		markers = append(markers, req.Get("marker").Raw)
		mu.Unlock()
		if !req.Get("marker").Exists() {
			return map[string]interface{}{
				"transactions": []interface{}{
					paymentEntry("NEWER", "DEADBEEF", since.Add(2*time.Hour)),
					paymentEntry("NEWISH", "DEADBEEF", since.Add(time.Hour)),
				},
				"marker": map[string]interface{}{"ledger": 90, "seq": 3},
			}, ""
		}
		return map[string]interface{}{
			"transactions": []interface{}{paymentEntry("MATCH", strings.ToUpper(ref), since.Add(time.Minute))},
		}, ""
	})

	client := NewClient(config.XRPLConfig{WSEndpoint: f.url()}, "", "", zap.NewNop())
	tx, err := client.FindPayment(context.Background(), genesis, ref, since)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, "MATCH", tx.Hash)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, markers, 2)
	assert.Empty(t, markers[0])
	assert.JSONEq(t, `{"ledger":90,"seq":3}`, markers[1])
}

func TestFindPayment_StopsAtWindowStart(t *testing.T) {
	f := newFakeRippled(t)
	since := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	var calls int32
	f.handle("account_tx", func(req gjson.Result) (interface{}, string) {
		atomic.AddInt32(&calls, 1)
		return map[string]interface{}{
			"transactions": []interface{}{
				paymentEntry("RECENT", "DEADBEEF", since.Add(time.Minute)),
				paymentEntry("OLD", "DEADBEEF", since.Add(-time.Hour)),
			},
			"marker": map[string]interface{}{"ledger": 10, "seq": 1},
		}, ""
	})

	client := NewClient(config.XRPLConfig{WSEndpoint: f.url()}, "", "", zap.NewNop())
	tx, err := client.FindPayment(context.Background(), genesis, "0x00", since)
	require.NoError(t, err)
	assert.Nil(t, tx)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFindPayment_PageLimit(t *testing.T) {
	f := newFakeRippled(t)
	since := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f.handle("account_tx", func(req gjson.Result) (interface{}, string) {
		return map[string]interface{}{
			"transactions": []interface{}{paymentEntry("BUSY", "DEADBEEF", since.Add(time.Hour))},
			"marker":       map[string]interface{}{"ledger": 50, "seq": 1},
		}, ""
	})

	client := NewClient(config.XRPLConfig{WSEndpoint: f.url()}, "", "", zap.NewNop())
	_, err := client.FindPayment(context.Background(), genesis, "0x00", since)
	assert.ErrorIs(t, err, ErrSearchIncomplete)
}

func TestCreateEscrow(t *testing.T) {
	f := newFakeRippled(t)
	var txCalls int32
	f.handle("sign", func(req gjson.Result) (interface{}, string) {
		assert.Equal(t, "EscrowCreate", req.Get("tx_json.TransactionType").String())
		assert.Equal(t, "30000000", req.Get("tx_json.Amount").String())
		assert.Equal(t, "sSecret", req.Get("secret").String())
		return map[string]interface{}{"tx_blob": "BLOB", "tx_json": map[string]interface{}{"hash": "ESCROWHASH"}}, ""
	})
	f.handle("submit", func(req gjson.Result) (interface{}, string) {
		assert.Equal(t, "BLOB", req.Get("tx_blob").String())
		return map[string]interface{}{"engine_result": "tesSUCCESS", "tx_json": map[string]interface{}{"hash": "ESCROWHASH"}}, ""
	})
	f.handle("tx", func(gjson.Result) (interface{}, string) {
		if atomic.AddInt32(&txCalls, 1) == 1 {
			return nil, "txnNotFound"
		}
		return map[string]interface{}{
			"hash": "ESCROWHASH", "TransactionType": "EscrowCreate", "Sequence": 7, "validated": true,
			"meta": map[string]interface{}{"TransactionResult": "tesSUCCESS"},
		}, ""
	})

	client := NewClient(config.XRPLConfig{WSEndpoint: f.url(), FinalityTimeout: 2 * time.Second}, genesis, "sSecret", zap.NewNop())
	client.pollInterval = 10 * time.Millisecond

	now := time.Now()
	created, err := client.CreateEscrow(context.Background(), EscrowCreateRequest{
		Destination: genesis,
		AmountDrops: 30_000_000,
		FinishAfter: now.Add(time.Hour),
		CancelAfter: now.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "ESCROWHASH", created.TxHash)
	assert.Equal(t, uint32(7), created.Sequence)
	assert.Equal(t, []string{"sign", "submit", "tx", "tx"}, f.seen())
}

func TestCreateEscrowRejectsBadWindow(t *testing.T) {
	client := NewClient(config.XRPLConfig{WSEndpoint: "ws://127.0.0.1:1"}, genesis, "sSecret", zap.NewNop())
	now := time.Now()
	_, err := client.CreateEscrow(context.Background(), EscrowCreateRequest{
		Destination: genesis,
		AmountDrops: 1,
		FinishAfter: now.Add(time.Hour),
		CancelAfter: now,
	})
	assert.Error(t, err)
}

func TestWaitFinalTimeout(t *testing.T) {
	f := newFakeRippled(t)
	f.handle("tx", func(gjson.Result) (interface{}, string) {
		return map[string]interface{}{"hash": "H", "validated": false}, ""
	})
	err := WithConn(context.Background(), f.dialer(), func(conn *Conn) error {
		_, err := conn.WaitFinal(context.Background(), "H", 100*time.Millisecond, 20*time.Millisecond)
		return err
	})
	assert.ErrorIs(t, err, ErrFinalityTimeout)
}
