package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vaultbridge/internal/blockchain/xrpl"
	"vaultbridge/internal/database/memory"
	"vaultbridge/internal/models"
)

const (
	testOperatorXRPL = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	testUserXRPL     = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
)

type fakeEscrowLedger struct {
	now       time.Time
	seq       uint32
	open      map[uint32]bool
	finishErr error
	finished  []uint32
	cancelled []uint32
}

func newFakeEscrowLedger(now time.Time) *fakeEscrowLedger {
	return &fakeEscrowLedger{now: now, seq: 100, open: map[uint32]bool{}}
}

func (f *fakeEscrowLedger) Account() string { return testOperatorXRPL }

func (f *fakeEscrowLedger) LedgerTime(context.Context) (time.Time, error) { return f.now, nil }

func (f *fakeEscrowLedger) CreateEscrow(_ context.Context, req xrpl.EscrowCreateRequest) (*xrpl.EscrowCreated, error) {
	f.seq++
	f.open[f.seq] = true
	return &xrpl.EscrowCreated{TxHash: fmt.Sprintf("CREATE%d", f.seq), Sequence: f.seq}, nil
}

func (f *fakeEscrowLedger) FinishEscrow(_ context.Context, _ string, seq uint32, _, _ string) (string, error) {
	if f.finishErr != nil {
		return "", f.finishErr
	}
	delete(f.open, seq)
	f.finished = append(f.finished, seq)
	return fmt.Sprintf("FINISH%d", seq), nil
}

func (f *fakeEscrowLedger) CancelEscrow(_ context.Context, _ string, seq uint32) (string, error) {
	delete(f.open, seq)
	f.cancelled = append(f.cancelled, seq)
	return fmt.Sprintf("CANCEL%d", seq), nil
}

func (f *fakeEscrowLedger) EscrowExists(_ context.Context, _ string, seq uint32) (bool, error) {
	return f.open[seq], nil
}

func newTestEscrowService(t *testing.T, now time.Time) (*EscrowService, *fakeEscrowLedger, *memory.Store) {
	t.Helper()
	store := memory.New()
	ledger := newFakeEscrowLedger(now)
	return NewEscrowService(store, ledger, zap.NewNop()), ledger, store
}

func TestEscrowService_TimeLockGating(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	svc, ledger, _ := newTestEscrowService(t, start)

	created, err := svc.Create(ctx, CreateEscrowRequest{
		Destination: testUserXRPL,
		Amount:      decimal.NewFromInt(25),
		FinishAfter: start.Add(time.Hour),
		CancelAfter: start.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusPending, created.Record.Status)
	assert.Empty(t, created.Fulfillment)

	seq := created.Record.Sequence

	_, err = svc.Finish(ctx, testOperatorXRPL, seq, "")
	assert.ErrorIs(t, err, ErrEscrowNotReady)
	assert.Empty(t, ledger.finished)

	_, err = svc.Cancel(ctx, testOperatorXRPL, seq)
	assert.ErrorIs(t, err, ErrEscrowNotReady)

	ledger.now = start.Add(2 * time.Hour)
	rec, err := svc.Finish(ctx, testOperatorXRPL, seq, "")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusFinished, rec.Status)
	require.NotNil(t, rec.FinishTxHash)
	assert.Equal(t, fmt.Sprintf("FINISH%d", seq), *rec.FinishTxHash)

	_, err = svc.Finish(ctx, testOperatorXRPL, seq, "")
	assert.ErrorIs(t, err, ErrEscrowClosed)
}

func TestEscrowService_FinishAfterCancelTime(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	svc, ledger, _ := newTestEscrowService(t, start)

	created, err := svc.Create(ctx, CreateEscrowRequest{
		Destination: testUserXRPL,
		Amount:      decimal.NewFromInt(5),
		FinishAfter: start.Add(time.Hour),
		CancelAfter: start.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	ledger.now = start.Add(3 * time.Hour)
	_, err = svc.Finish(ctx, testOperatorXRPL, created.Record.Sequence, "")
	assert.ErrorIs(t, err, ErrEscrowExpired)

	rec, err := svc.Cancel(ctx, testOperatorXRPL, created.Record.Sequence)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusCancelled, rec.Status)
	assert.Equal(t, []uint32{created.Record.Sequence}, ledger.cancelled)
}

func TestEscrowService_Condition(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	svc, ledger, store := newTestEscrowService(t, start)

	created, err := svc.Create(ctx, CreateEscrowRequest{
		Destination:   testUserXRPL,
		Amount:        decimal.NewFromInt(10),
		FinishAfter:   start,
		CancelAfter:   start.Add(time.Hour),
		WithCondition: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.Fulfillment)

	stored, err := store.GetEscrow(ctx, testOperatorXRPL, created.Record.Sequence)
	require.NoError(t, err)
	require.NotNil(t, stored.Condition)

	other, err := xrpl.NewPreimageCondition()
	require.NoError(t, err)

	ledger.now = start.Add(time.Minute)
	_, err = svc.Finish(ctx, testOperatorXRPL, created.Record.Sequence, other.Fulfillment)
	assert.ErrorIs(t, err, ErrInvalidFulfillment)

	rec, err := svc.Finish(ctx, testOperatorXRPL, created.Record.Sequence, created.Fulfillment)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusFinished, rec.Status)
}

func TestEscrowService_LedgerFailure(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name           string
		err            error
		expectedStatus models.EscrowStatus
	}{
		{
			name:           "validated failure marks the escrow failed",
			err:            fmt.Errorf("%w: ABC tecNO_PERMISSION", xrpl.ErrTxFailed),
			expectedStatus: models.EscrowStatusFailed,
		},
		{
			name:           "connection error leaves it pending",
			err:            errors.New("connection reset"),
			expectedStatus: models.EscrowStatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ledger, store := newTestEscrowService(t, start)
			created, err := svc.Create(ctx, CreateEscrowRequest{
				Destination: testUserXRPL,
				Amount:      decimal.NewFromInt(1),
				FinishAfter: start,
			})
			require.NoError(t, err)

			ledger.finishErr = tt.err
			_, err = svc.Finish(ctx, testOperatorXRPL, created.Record.Sequence, "")
			require.Error(t, err)

			rec, err := store.GetEscrow(ctx, testOperatorXRPL, created.Record.Sequence)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, rec.Status)
			require.NotNil(t, rec.LastError)
		})
	}
}

func TestEscrowService_Sync(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	svc, ledger, store := newTestEscrowService(t, start)

	early, err := svc.Create(ctx, CreateEscrowRequest{
		Destination: testUserXRPL, Amount: decimal.NewFromInt(1),
		FinishAfter: start, CancelAfter: start.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	late, err := svc.Create(ctx, CreateEscrowRequest{
		Destination: testUserXRPL, Amount: decimal.NewFromInt(1),
		FinishAfter: start, CancelAfter: start.Add(time.Hour),
	})
	require.NoError(t, err)
	kept, err := svc.Create(ctx, CreateEscrowRequest{
		Destination: testUserXRPL, Amount: decimal.NewFromInt(1),
		FinishAfter: start, CancelAfter: start.Add(time.Hour),
	})
	require.NoError(t, err)

	// closed by someone else
	delete(ledger.open, early.Record.Sequence)
	delete(ledger.open, late.Record.Sequence)
	ledger.now = start.Add(2 * time.Hour)

	closed, err := svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, closed)

	rec, _ := store.GetEscrow(ctx, testOperatorXRPL, early.Record.Sequence)
	assert.Equal(t, models.EscrowStatusFinished, rec.Status)
	rec, _ = store.GetEscrow(ctx, testOperatorXRPL, late.Record.Sequence)
	assert.Equal(t, models.EscrowStatusCancelled, rec.Status)
	rec, _ = store.GetEscrow(ctx, testOperatorXRPL, kept.Record.Sequence)
	assert.Equal(t, models.EscrowStatusPending, rec.Status)
}

func TestEscrowService_CreateValidation(t *testing.T) {
	svc, _, _ := newTestEscrowService(t, time.Now())
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateEscrowRequest{Destination: testUserXRPL, Amount: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Create(ctx, CreateEscrowRequest{Destination: "not-an-address", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
