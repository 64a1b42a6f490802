package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vaultbridge/internal/config"
	"vaultbridge/internal/metrics"
)

var (
	// ErrTxPending is returned while a transaction has no receipt yet
	ErrTxPending = errors.New("transaction pending")

	// ErrTxReverted is returned for a mined transaction with failed status
	ErrTxReverted = errors.New("transaction reverted")
)

// Backend is the subset of ethclient.Client the bridge uses
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Client wraps an EVM RPC connection with the operator key and a shared rate limit
type Client struct {
	backend     Backend
	chainID     *big.Int
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
	limiter     *rate.Limiter
	maxSpan     uint64
	logger      *zap.Logger
}

// NewClient dials the configured RPC endpoint
func NewClient(ctx context.Context, cfg config.EVMConfig, operatorPrivateKey string, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", cfg.RPCEndpoint, err)
	}
	return NewClientWithBackend(ethClient, big.NewInt(cfg.ChainID), operatorPrivateKey, cfg.RequestsPerSecond, cfg.MaxBlockSpan, logger)
}

// NewClientWithBackend builds a client over an existing backend
func NewClientWithBackend(backend Backend, chainID *big.Int, operatorPrivateKey string, rps float64, maxSpan uint64, logger *zap.Logger) (*Client, error) {
	// Parse private key (remove 0x prefix if present)
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(operatorPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}
	fromAddress := crypto.PubkeyToAddress(*publicKeyECDSA)

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if maxSpan == 0 {
		maxSpan = 30
	}

	logger.Info("EVM client initialized",
		zap.String("chain_id", chainID.String()),
		zap.String("operator_address", fromAddress.Hex()),
		zap.Float64("rps", rps),
		zap.Uint64("max_block_span", maxSpan))

	return &Client{
		backend:     backend,
		chainID:     chainID,
		privateKey:  privateKey,
		fromAddress: fromAddress,
		limiter:     rate.NewLimiter(limit, 1),
		maxSpan:     maxSpan,
		logger:      logger,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// OperatorAddress returns the operator's address
func (c *Client) OperatorAddress() common.Address {
	return c.fromAddress
}

// MaxBlockSpan returns the provider's eth_getLogs range limit
func (c *Client) MaxBlockSpan() uint64 {
	return c.maxSpan
}

// wait blocks on the shared rate limiter before an RPC
func (c *Client) wait(ctx context.Context) error {
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.Bridge().ThrottleWait(d)
	}
	return nil
}

// BlockNumber returns the current chain height
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return c.backend.BlockNumber(ctx)
}

// BlockTime returns the timestamp of a block
func (c *Client) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	if err := c.wait(ctx); err != nil {
		return time.Time{}, err
	}
	header, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get header %d: %w", number, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// Call executes a read-only contract call at the latest block
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.backend.CallContract(ctx, ethereum.CallMsg{From: c.fromAddress, To: &to, Data: data}, nil)
}

// Receipt returns the receipt of a mined transaction. ErrTxPending is returned while
// the transaction is unknown or unmined; ErrTxReverted wraps a failed receipt.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, ErrTxPending
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt %s: %w", txHash.Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, fmt.Errorf("%w: %s", ErrTxReverted, txHash.Hex())
	}
	return receipt, nil
}

// WaitForTransaction waits for a transaction to be mined
func (c *Client) WaitForTransaction(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for transaction %s", txHash.Hex())
		case <-ticker.C:
			receipt, err := c.Receipt(ctx, txHash)
			if errors.Is(err, ErrTxPending) {
				continue
			}
			return receipt, err
		}
	}
}

// FilterLogsChunked queries logs from..to in windows of at most the provider span and
// hands each window to fn in ascending order. fn sees every window, including empty
// ones, so callers can advance a watermark per chunk.
func (c *Client) FilterLogsChunked(ctx context.Context, q ethereum.FilterQuery, from, to uint64, fn func(chunkEnd uint64, logs []types.Log) error) error {
	for start := from; start <= to; {
		end := start + c.maxSpan - 1
		if end > to {
			end = to
		}
		if err := c.wait(ctx); err != nil {
			return err
		}
		q.FromBlock = new(big.Int).SetUint64(start)
		q.ToBlock = new(big.Int).SetUint64(end)
		logs, err := c.backend.FilterLogs(ctx, q)
		if err != nil {
			return fmt.Errorf("failed to filter logs %d-%d: %w", start, end, err)
		}
		if err := fn(end, logs); err != nil {
			return err
		}
		start = end + 1
	}
	return nil
}

// SignAndSendTransaction creates, signs, and sends a transaction
func (c *Client) SignAndSendTransaction(
	ctx context.Context,
	to common.Address,
	data []byte,
	value *big.Int,
) (common.Hash, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	if err := c.wait(ctx); err != nil {
		return common.Hash{}, err
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to suggest gas price: %w", err)
	}

	// Estimate gas
	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.fromAddress,
		To:    &to,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}

	// Add 20% buffer
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Info("Transaction sent",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	return signedTx.Hash(), nil
}
