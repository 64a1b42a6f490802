package service

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vaultbridge/internal/alert"
	"vaultbridge/internal/blockchain/evm"
	"vaultbridge/internal/config"
	"vaultbridge/internal/database/memory"
	"vaultbridge/internal/models"
)

// fakeLogSource serves logs in fixed windows like the chunked client does
type fakeLogSource struct {
	head        uint64
	span        uint64
	logs        []types.Log
	ignoreRange bool // replay every log whatever the window
	windows     [][2]uint64
}

func (f *fakeLogSource) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeLogSource) FilterLogsChunked(_ context.Context, q ethereum.FilterQuery, from, to uint64, fn func(uint64, []types.Log) error) error {
	for start := from; start <= to; {
		end := start + f.span - 1
		if end > to {
			end = to
		}
		f.windows = append(f.windows, [2]uint64{start, end})
		var out []types.Log
		for _, lg := range f.logs {
			if len(q.Addresses) > 0 && lg.Address != q.Addresses[0] {
				continue
			}
			if f.ignoreRange || (lg.BlockNumber >= start && lg.BlockNumber <= end) {
				out = append(out, lg)
			}
		}
		if err := fn(end, out); err != nil {
			return err
		}
		start = end + 1
	}
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, a)
	return nil
}

func vaultABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(evm.VaultABI))
	require.NoError(t, err)
	return parsed
}

func transferLog(t *testing.T, block uint64, index uint, to common.Address, value int64) types.Log {
	t.Helper()
	ev := vaultABI(t).Events["Transfer"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(value))
	require.NoError(t, err)
	return types.Log{
		Address:     testVaultAddr,
		Topics:      []common.Hash{ev.ID, common.BytesToHash(common.Address{}.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
		Index:       index,
	}
}

func pausedLog(t *testing.T, block uint64, index uint) types.Log {
	t.Helper()
	ev := vaultABI(t).Events["Paused"]
	data, err := ev.Inputs.Pack(testOperator)
	require.NoError(t, err)
	return types.Log{
		Address:     testVaultAddr,
		Topics:      []common.Hash{ev.ID},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
		Index:       index,
	}
}

func newTestEventService(t *testing.T, source *fakeLogSource, notifier alert.Notifier, severities map[string]models.Severity) (*EventService, *memory.Store) {
	t.Helper()
	store := memory.New()
	monitor := &config.MonitorConfig{
		Contracts: []config.MonitoredContract{{
			Name:       testVaultEvents,
			Address:    testVaultAddr.Hex(),
			Kind:       config.ContractKindVault,
			StartBlock: 100,
		}},
		Severities: severities,
	}
	svc, err := NewEventService(store, source, notifier, monitor, config.AlertConfig{MinSeverity: models.SeverityWarning}, 2, zap.NewNop())
	require.NoError(t, err)
	return svc, store
}

func TestEventService_Scan(t *testing.T) {
	recipient := common.HexToAddress("0xCCCC00000000000000000000000000000000CCCC")
	removed := pausedLog(t, 112, 3)
	removed.Removed = true
	source := &fakeLogSource{
		head: 120,
		span: 10,
		logs: []types.Log{
			transferLog(t, 101, 0, recipient, 5_000_000),
			pausedLog(t, 105, 1),
			{Address: testVaultAddr, Topics: []common.Hash{common.HexToHash("0xfeed")}, Data: []byte{0x01}, BlockNumber: 110, TxHash: common.HexToHash("0x6e"), Index: 0},
			removed,
			transferLog(t, 119, 0, recipient, 1),
		},
	}
	notifier := &recordingNotifier{}
	svc, store := newTestEventService(t, source, notifier, nil)
	ctx := context.Background()

	results, err := svc.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(100), results[0].FromBlock)
	assert.Equal(t, uint64(118), results[0].ToBlock)
	assert.Equal(t, 3, results[0].Inserted)
	assert.Equal(t, 2, results[0].Alerted)
	assert.Equal(t, [][2]uint64{{100, 109}, {110, 118}}, source.windows)

	watermarks, err := svc.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(118), watermarks[testVaultEvents])

	require.Len(t, notifier.alerts, 2)
	assert.Equal(t, "Paused", notifier.alerts[0].EventName)
	assert.Equal(t, models.SeverityCritical, notifier.alerts[0].Severity)
	assert.Equal(t, UnknownEvent, notifier.alerts[1].EventName)

	transfers, err := svc.ListEvents(ctx, models.EventFilter{EventName: "Transfer"})
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, models.SeverityInfo, transfers[0].Severity)
	assert.False(t, transfers[0].Alerted)
	assert.Contains(t, string(transfers[0].Args), `"to":"0xcccc00000000000000000000000000000000cccc"`)
	assert.Contains(t, string(transfers[0].Args), `"value":"5000000"`)

	critical, err := store.ListEvents(ctx, models.EventFilter{MinSeverity: models.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.True(t, critical[0].Alerted)

	unknown, err := store.ListEvents(ctx, models.EventFilter{EventName: UnknownEvent})
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	assert.Contains(t, string(unknown[0].Args), `"data":"0x01"`)

	// nothing new under the confirmed head
	results, err = svc.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	recipients, err := store.ListTransferRecipients(ctx, testVaultEvents)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xcccc00000000000000000000000000000000cccc"}, recipients)
}

func TestEventService_ReplayIsIdempotent(t *testing.T) {
	source := &fakeLogSource{
		head: 110,
		span: 100,
		logs: []types.Log{pausedLog(t, 101, 0), pausedLog(t, 102, 0)},
	}
	notifier := &recordingNotifier{}
	svc, store := newTestEventService(t, source, notifier, nil)
	ctx := context.Background()

	results, err := svc.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Inserted)

	// an overlapping provider response replays stored logs
	source.ignoreRange = true
	source.head = 130
	source.logs = append(source.logs, pausedLog(t, 125, 0))
	results, err = svc.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Inserted)
	assert.Len(t, notifier.alerts, 3)

	all, err := store.ListEvents(ctx, models.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestEventService_FailedDeliveryLeavesEventUnalerted(t *testing.T) {
	source := &fakeLogSource{head: 110, span: 100, logs: []types.Log{pausedLog(t, 101, 0)}}
	notifier := &recordingNotifier{err: errBoom}
	svc, store := newTestEventService(t, source, notifier, nil)
	ctx := context.Background()

	results, err := svc.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Inserted)
	assert.Zero(t, results[0].Alerted)

	events, err := store.ListEvents(ctx, models.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Alerted)
}

func TestEventService_Severity(t *testing.T) {
	svc, _ := newTestEventService(t, &fakeLogSource{span: 10}, nil, map[string]models.Severity{
		"Transfer": models.SeverityWarning,
		"Paused":   models.SeverityInfo,
	})

	tests := []struct {
		event    string
		expected models.Severity
	}{
		{"Transfer", models.SeverityWarning},
		{"Paused", models.SeverityInfo},
		{"OwnershipTransferred", models.SeverityCritical},
		{"RedemptionDefault", models.SeverityWarning},
		{UnknownEvent, models.SeverityWarning},
		{"Deposit", models.SeverityInfo},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			assert.Equal(t, tt.expected, svc.Severity(tt.event))
		})
	}
}

func TestNewEventService_InvalidAddress(t *testing.T) {
	monitor := &config.MonitorConfig{Contracts: []config.MonitoredContract{{Name: "bad", Address: "nope", Kind: config.ContractKindVault}}}
	_, err := NewEventService(memory.New(), &fakeLogSource{span: 10}, nil, monitor, config.AlertConfig{}, 0, zap.NewNop())
	assert.Error(t, err)
}
