package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ERC20ABI covers the token calls the operator needs on FXRP
const ERC20ABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "spender", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "owner", "type": "address"},
			{"internalType": "address", "name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "from", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "to", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "value", "type": "uint256"}
		],
		"name": "Transfer",
		"type": "event"
	}
]`

// Token wraps an ERC20 contract
type Token struct {
	*boundContract
	logger *zap.Logger
}

// NewToken creates a new Token instance
func NewToken(client *Client, address common.Address, logger *zap.Logger) (*Token, error) {
	bc, err := newBoundContract(client, address, ERC20ABI)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	return &Token{boundContract: bc, logger: logger.Named("token")}, nil
}

// Address returns the token address
func (t *Token) Address() common.Address {
	return t.address
}

// BalanceOf returns the token balance of account
func (t *Token) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return t.callBig(ctx, "balanceOf", account)
}

// Allowance returns how much spender may move on behalf of owner
func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.callBig(ctx, "allowance", owner, spender)
}

// Transfer sends amount from the operator to to
func (t *Token) Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	txHash, err := t.transact(ctx, nil, "transfer", to, amount)
	if err != nil {
		return common.Hash{}, err
	}
	t.logger.Info("Token transfer sent",
		zap.String("tx_hash", txHash.Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()))
	return txHash, nil
}

// EnsureAllowance approves spender for amount when the operator's current allowance
// is lower. It returns the zero hash when no approval was needed.
func (t *Token) EnsureAllowance(ctx context.Context, spender common.Address, amount *big.Int) (common.Hash, error) {
	current, err := t.Allowance(ctx, t.client.OperatorAddress(), spender)
	if err != nil {
		return common.Hash{}, err
	}
	if current.Cmp(amount) >= 0 {
		return common.Hash{}, nil
	}
	txHash, err := t.transact(ctx, nil, "approve", spender, amount)
	if err != nil {
		return common.Hash{}, err
	}
	t.logger.Info("Token approval sent",
		zap.String("tx_hash", txHash.Hex()),
		zap.String("spender", spender.Hex()),
		zap.String("amount", amount.String()))
	return txHash, nil
}
