package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultbridge/internal/blockchain/evm"
	"vaultbridge/internal/blockchain/xrpl"
	"vaultbridge/internal/config"
	"vaultbridge/internal/database/memory"
	"vaultbridge/internal/fdc"
	"vaultbridge/internal/lock"
	"vaultbridge/internal/models"
)

var (
	testVaultAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testAgentAddr = common.HexToAddress("0x2000000000000000000000000000000000000002")
	testOperator  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	testWallet    = "0xaaaa00000000000000000000000000000000aaaa"

	testPaymentRef = [32]byte{0x46, 0x42, 0x50, 0x52, 0x66, 0xa0, 0x00, 0x01}
)

// testClock is a settable time source shared by services and the memory store
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeChain mines every sent transaction immediately unless hold is set
type fakeChain struct {
	mu       sync.Mutex
	nonce    uint64
	block    uint64
	hold     bool
	revert   bool
	pending  map[common.Hash]bool
	reverted map[common.Hash]bool
	mined    map[common.Hash]uint64
	clock    *testClock
}

func newFakeChain(clock *testClock) *fakeChain {
	return &fakeChain{
		block:    1000,
		pending:  map[common.Hash]bool{},
		reverted: map[common.Hash]bool{},
		mined:    map[common.Hash]uint64{},
		clock:    clock,
	}
}

func (c *fakeChain) send() common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonce++
	c.block++
	h := common.BigToHash(new(big.Int).SetUint64(c.nonce))
	switch {
	case c.hold:
		c.pending[h] = true
	case c.revert:
		c.reverted[h] = true
	default:
		c.mined[h] = c.block
	}
	return h
}

// mineAll includes every held transaction
func (c *fakeChain) mineAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h := range c.pending {
		c.block++
		c.mined[h] = c.block
		delete(c.pending, h)
	}
	c.hold = false
}

func (c *fakeChain) Receipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reverted[txHash] {
		return &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: txHash}, fmt.Errorf("%w: %s", evm.ErrTxReverted, txHash.Hex())
	}
	block, ok := c.mined[txHash]
	if !ok {
		return nil, evm.ErrTxPending
	}
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(block),
	}, nil
}

func (c *fakeChain) BlockTime(context.Context, uint64) (time.Time, error) {
	return c.clock.Now(), nil
}

func (c *fakeChain) OperatorAddress() common.Address { return testOperator }

// fakeMinter stands in for the AssetManager
type fakeMinter struct {
	chain          *fakeChain
	lotUBA         int64
	mintFeeUBA     int64
	redeemFeeUBA   int64
	reserved       int
	minted         *big.Int
	redeemedLots   uint64
	performed      bool
	confirmErr     error
	confirmations  int
	lastProof      evm.Proof
	lastRedeemAddr string
}

func (m *fakeMinter) ReserveCollateral(_ context.Context, _ common.Address, lots uint64, _ uint64) (common.Hash, error) {
	m.reserved++
	m.minted = big.NewInt(int64(lots) * m.lotUBA)
	return m.chain.send(), nil
}

func (m *fakeMinter) ParseReservation(*types.Receipt) (*evm.Reservation, error) {
	return &evm.Reservation{
		ReservationID:    big.NewInt(7),
		ValueUBA:         new(big.Int).Set(m.minted),
		FeeUBA:           big.NewInt(m.mintFeeUBA),
		PaymentAddress:   testOperatorXRPL,
		PaymentReference: testPaymentRef,
		LastUnderlyingTS: big.NewInt(0),
	}, nil
}

func (m *fakeMinter) ExecuteMinting(_ context.Context, proof evm.Proof, _ *big.Int) (common.Hash, error) {
	m.lastProof = proof
	return m.chain.send(), nil
}

func (m *fakeMinter) ParseMinting(*types.Receipt) (*evm.Minting, error) {
	return &evm.Minting{ReservationID: big.NewInt(7), MintedAmountUBA: new(big.Int).Set(m.minted)}, nil
}

func (m *fakeMinter) Redeem(_ context.Context, lots uint64, xrplAddress string) (common.Hash, error) {
	m.redeemedLots = lots
	m.lastRedeemAddr = xrplAddress
	return m.chain.send(), nil
}

func (m *fakeMinter) ParseRedemptionRequest(*types.Receipt) (*evm.RedemptionRequest, error) {
	return &evm.RedemptionRequest{
		RequestID:        big.NewInt(42),
		PaymentAddress:   m.lastRedeemAddr,
		ValueUBA:         big.NewInt(int64(m.redeemedLots) * m.lotUBA),
		FeeUBA:           big.NewInt(m.redeemFeeUBA),
		PaymentReference: testPaymentRef,
	}, nil
}

func (m *fakeMinter) ConfirmRedemptionPayment(context.Context, evm.Proof, *big.Int) (common.Hash, error) {
	m.confirmations++
	if m.confirmErr != nil {
		return common.Hash{}, m.confirmErr
	}
	return m.chain.send(), nil
}

func (m *fakeMinter) RedemptionPerformed(context.Context, *big.Int, uint64) (bool, error) {
	return m.performed, nil
}

// fakeVault converts shares to assets one to one
type fakeVault struct {
	chain    *fakeChain
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	lastIn   *big.Int
	lastOut  *big.Int
	balErr   error
}

func newFakeVault(chain *fakeChain) *fakeVault {
	return &fakeVault{chain: chain, balances: map[common.Address]*big.Int{}}
}

func (v *fakeVault) setShares(wallet string, shares decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[common.HexToAddress(wallet)] = models.ToBaseUnits(shares, models.AssetDecimals)
}

func (v *fakeVault) Address() common.Address { return testVaultAddr }

func (v *fakeVault) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balErr != nil {
		return nil, v.balErr
	}
	if b, ok := v.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (v *fakeVault) MaxRedeem(ctx context.Context, owner common.Address) (*big.Int, error) {
	return v.BalanceOf(ctx, owner)
}

func (v *fakeVault) ConvertToAssets(_ context.Context, shares *big.Int) (*big.Int, error) {
	return new(big.Int).Set(shares), nil
}

func (v *fakeVault) Deposit(_ context.Context, assets *big.Int, receiver common.Address) (common.Hash, error) {
	v.mu.Lock()
	v.lastIn = new(big.Int).Set(assets)
	bal, ok := v.balances[receiver]
	if !ok {
		bal = big.NewInt(0)
	}
	v.balances[receiver] = bal.Add(bal, assets)
	v.mu.Unlock()
	return v.chain.send(), nil
}

func (v *fakeVault) Redeem(_ context.Context, shares *big.Int, owner common.Address) (common.Hash, error) {
	v.mu.Lock()
	v.lastOut = new(big.Int).Set(shares)
	if bal, ok := v.balances[owner]; ok {
		bal.Sub(bal, shares)
	}
	v.mu.Unlock()
	return v.chain.send(), nil
}

func (v *fakeVault) ParseDeposit(*types.Receipt) (*evm.VaultDeposit, error) {
	return &evm.VaultDeposit{Assets: v.lastIn, Shares: v.lastIn}, nil
}

func (v *fakeVault) ParseWithdraw(*types.Receipt) (*evm.VaultWithdraw, error) {
	return &evm.VaultWithdraw{Assets: v.lastOut, Shares: v.lastOut}, nil
}

// fakeToken is FXRP; liquidity is the vault's balance
type fakeToken struct {
	chain       *fakeChain
	liquidity   *big.Int
	approvals   int
	needApprove bool
	transfers   map[common.Address]*big.Int
}

func (f *fakeToken) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	if account == testVaultAddr {
		return new(big.Int).Set(f.liquidity), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeToken) EnsureAllowance(context.Context, common.Address, *big.Int) (common.Hash, error) {
	if f.needApprove {
		f.needApprove = false
		f.approvals++
		return f.chain.send(), nil
	}
	return common.Hash{}, nil
}

func (f *fakeToken) Transfer(_ context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if f.transfers == nil {
		f.transfers = map[common.Address]*big.Int{}
	}
	f.transfers[to] = new(big.Int).Set(amount)
	return f.chain.send(), nil
}

type fakeHub struct {
	chain    *fakeChain
	requests int
}

func (h *fakeHub) RequestAttestation(context.Context, []byte) (common.Hash, error) {
	h.requests++
	return h.chain.send(), nil
}

// fakeOracle serves a proof once ready is set
type fakeOracle struct {
	ready   bool
	fetches int
}

func (o *fakeOracle) PreparePayment(_ context.Context, xrplTxHash string) ([]byte, error) {
	return []byte("payment:" + xrplTxHash), nil
}

func (o *fakeOracle) RoundForTime(t time.Time) int64 { return t.Unix() / 90 }

func (o *fakeOracle) RoundDuration() time.Duration { return 90 * time.Second }

func (o *fakeOracle) FetchProof(context.Context, int64, []byte) (*fdc.Proof, error) {
	o.fetches++
	if !o.ready {
		return nil, fdc.ErrProofNotReady
	}
	return &fdc.Proof{MerkleProof: [][32]byte{{0x01}, {0x02}}, Data: []byte{0xab, 0xcd}}, nil
}

// fakeLedger indexes payments by destination and memo reference
type fakeLedger struct {
	mu       sync.Mutex
	payments map[string]*xrpl.Tx
	txs      map[string]*xrpl.Tx
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{payments: map[string]*xrpl.Tx{}, txs: map[string]*xrpl.Tx{}}
}

func (l *fakeLedger) pay(destination, reference, hash string, drops int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := &xrpl.Tx{
		Hash:            hash,
		TransactionType: "Payment",
		Destination:     destination,
		AmountDrops:     drops,
		DeliveredDrops:  drops,
		Result:          "tesSUCCESS",
		Validated:       true,
	}
	l.payments[destination+"/"+reference] = tx
	l.txs[hash] = tx
}

func (l *fakeLedger) FindPayment(_ context.Context, destination, reference string, _ time.Time) (*xrpl.Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.payments[destination+"/"+reference], nil
}

func (l *fakeLedger) Tx(_ context.Context, hash string) (*xrpl.Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[hash]
	if !ok {
		return nil, xrpl.ErrTxNotFound
	}
	return tx, nil
}

// bridgeHarness wires both state machines to one set of fakes
type bridgeHarness struct {
	clock       *testClock
	store       *memory.Store
	chain       *fakeChain
	minter      *fakeMinter
	vault       *fakeVault
	token       *fakeToken
	hub         *fakeHub
	oracle      *fakeOracle
	ledger      *fakeLedger
	locker      *lock.Memory
	cfg         *config.BridgeConfig
	deposits    *DepositService
	redemptions *RedemptionService
}

func testBridgeConfig() *config.BridgeConfig {
	return &config.BridgeConfig{
		LotSizeXRP:               decimal.NewFromInt(10),
		LotRounding:              models.LotRoundingUp,
		MintingFeeBps:            25,
		ProofTimeout:             15 * time.Minute,
		PaymentWindow:            30 * time.Minute,
		PayoutTimeout:            2 * time.Hour,
		MaxRetries:               2,
		BaseRetryDelay:           time.Second,
		MaxRetryDelay:            time.Minute,
		BackendManualReviewAfter: 2,
		BackendAbandonAfter:      3,
	}
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()
	clock := newTestClock()
	chain := newFakeChain(clock)
	h := &bridgeHarness{
		clock:  clock,
		store:  memory.New().WithClock(clock.Now),
		chain:  chain,
		minter: &fakeMinter{chain: chain, lotUBA: 10_000_000, mintFeeUBA: 75_000, redeemFeeUBA: 100_000},
		vault:  newFakeVault(chain),
		token:  &fakeToken{chain: chain, liquidity: big.NewInt(1_000_000_000)},
		hub:    &fakeHub{chain: chain},
		oracle: &fakeOracle{ready: true},
		ledger: newFakeLedger(),
		locker: lock.NewMemory(),
		cfg:    testBridgeConfig(),
	}
	contracts := Contracts{
		Chain:      h.chain,
		Minter:     h.minter,
		Vault:      h.vault,
		FXRP:       h.token,
		Hub:        h.hub,
		AgentVault: testAgentAddr,
	}
	logger := zap.NewNop()
	h.deposits = NewDepositService(h.store, contracts, h.oracle, h.ledger, h.locker, h.cfg, logger).WithClock(clock.Now)
	h.redemptions = NewRedemptionService(h.store, contracts, h.oracle, h.ledger, h.locker, h.cfg, logger).WithClock(clock.Now)
	return h
}

// stepDeposit reloads the job and advances it once
func (h *bridgeHarness) stepDeposit(t *testing.T, jobID string) *models.BridgeJob {
	t.Helper()
	ctx := context.Background()
	job, err := h.store.GetBridgeJob(ctx, jobID)
	if err != nil || job == nil {
		t.Fatalf("load deposit %s: %v", jobID, err)
	}
	if err := h.deposits.Advance(ctx, job); err != nil {
		t.Fatalf("advance deposit %s: %v", jobID, err)
	}
	job, _ = h.store.GetBridgeJob(ctx, jobID)
	return job
}

// runDeposit advances until the job reaches want or stops moving
func (h *bridgeHarness) runDeposit(t *testing.T, jobID string, want models.DepositStatus) *models.BridgeJob {
	t.Helper()
	var job *models.BridgeJob
	for i := 0; i < 20; i++ {
		job = h.stepDeposit(t, jobID)
		if job.Status == want {
			return job
		}
	}
	t.Fatalf("deposit %s stuck in %s, wanted %s", jobID, job.Status, want)
	return nil
}

func (h *bridgeHarness) stepRedemption(t *testing.T, jobID string) *models.RedemptionJob {
	t.Helper()
	ctx := context.Background()
	job, err := h.store.GetRedemptionJob(ctx, jobID)
	if err != nil || job == nil {
		t.Fatalf("load redemption %s: %v", jobID, err)
	}
	if err := h.redemptions.Advance(ctx, job); err != nil {
		t.Fatalf("advance redemption %s: %v", jobID, err)
	}
	job, _ = h.store.GetRedemptionJob(ctx, jobID)
	return job
}

func (h *bridgeHarness) runRedemption(t *testing.T, jobID string, want models.RedemptionStatus) *models.RedemptionJob {
	t.Helper()
	var job *models.RedemptionJob
	for i := 0; i < 20; i++ {
		job = h.stepRedemption(t, jobID)
		if job.Status == want {
			return job
		}
	}
	t.Fatalf("redemption %s stuck in %s, wanted %s", jobID, job.Status, want)
	return nil
}

func (h *bridgeHarness) stepBackend(t *testing.T, jobID string) *models.RedemptionJob {
	t.Helper()
	ctx := context.Background()
	job, err := h.store.GetRedemptionJob(ctx, jobID)
	if err != nil || job == nil {
		t.Fatalf("load redemption %s: %v", jobID, err)
	}
	if err := h.redemptions.AdvanceBackend(ctx, job); err != nil {
		t.Fatalf("advance backend %s: %v", jobID, err)
	}
	job, _ = h.store.GetRedemptionJob(ctx, jobID)
	return job
}

var errBoom = errors.New("boom")
