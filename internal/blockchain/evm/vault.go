package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// VaultABI is the ERC-4626 surface of the FXRP vault plus its admin events
const VaultABI = `[
	{
		"inputs": [
			{"internalType": "uint256", "name": "assets", "type": "uint256"},
			{"internalType": "address", "name": "receiver", "type": "address"}
		],
		"name": "deposit",
		"outputs": [{"internalType": "uint256", "name": "shares", "type": "uint256"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "shares", "type": "uint256"},
			{"internalType": "address", "name": "receiver", "type": "address"},
			{"internalType": "address", "name": "owner", "type": "address"}
		],
		"name": "redeem",
		"outputs": [{"internalType": "uint256", "name": "assets", "type": "uint256"}],
		"stateMutability": "nonpayable",
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
		"inputs": [],
		"name": "totalAssets",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "owner", "type": "address"}],
		"name": "maxRedeem",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "shares", "type": "uint256"}],
		"name": "convertToAssets",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "owner", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "assets", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "shares", "type": "uint256"}
		],
		"name": "Deposit",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "receiver", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "owner", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "assets", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "shares", "type": "uint256"}
		],
		"name": "Withdraw",
		"type": "event"
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
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "previousOwner", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "newOwner", "type": "address"}
		],
		"name": "OwnershipTransferred",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [{"indexed": false, "internalType": "address", "name": "account", "type": "address"}],
		"name": "Paused",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [{"indexed": false, "internalType": "address", "name": "account", "type": "address"}],
		"name": "Unpaused",
		"type": "event"
	}
]`

// VaultDeposit is parsed from a Deposit event
type VaultDeposit struct {
	Owner  common.Address
	Assets *big.Int
	Shares *big.Int
}

// VaultWithdraw is parsed from a Withdraw event
type VaultWithdraw struct {
	Owner  common.Address
	Assets *big.Int
	Shares *big.Int
}

// Vault provides methods to interact with the ERC-4626 vault
type Vault struct {
	*boundContract
	logger *zap.Logger
}

// NewVault creates a new Vault instance
func NewVault(client *Client, address common.Address, logger *zap.Logger) (*Vault, error) {
	bc, err := newBoundContract(client, address, VaultABI)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{boundContract: bc, logger: logger.Named("vault")}, nil
}

// Address returns the vault address
func (v *Vault) Address() common.Address {
	return v.address
}

// BalanceOf returns the share balance of account
func (v *Vault) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return v.callBig(ctx, "balanceOf", account)
}

// TotalAssets returns the assets managed by the vault
func (v *Vault) TotalAssets(ctx context.Context) (*big.Int, error) {
	return v.callBig(ctx, "totalAssets")
}

// MaxRedeem returns the shares owner can redeem right now
func (v *Vault) MaxRedeem(ctx context.Context, owner common.Address) (*big.Int, error) {
	return v.callBig(ctx, "maxRedeem", owner)
}

// ConvertToAssets previews the assets returned for shares
func (v *Vault) ConvertToAssets(ctx context.Context, shares *big.Int) (*big.Int, error) {
	return v.callBig(ctx, "convertToAssets", shares)
}

// Deposit deposits assets and credits the resulting shares to receiver
func (v *Vault) Deposit(ctx context.Context, assets *big.Int, receiver common.Address) (common.Hash, error) {
	txHash, err := v.transact(ctx, nil, "deposit", assets, receiver)
	if err != nil {
		return common.Hash{}, err
	}
	v.logger.Info("Vault deposit sent",
		zap.String("tx_hash", txHash.Hex()),
		zap.String("assets", assets.String()),
		zap.String("receiver", receiver.Hex()))
	return txHash, nil
}

// Redeem burns shares of owner and sends the assets to the operator. The owner must
// have approved the operator as share spender.
func (v *Vault) Redeem(ctx context.Context, shares *big.Int, owner common.Address) (common.Hash, error) {
	txHash, err := v.transact(ctx, nil, "redeem", shares, v.client.OperatorAddress(), owner)
	if err != nil {
		return common.Hash{}, err
	}
	v.logger.Info("Vault redeem sent",
		zap.String("tx_hash", txHash.Hex()),
		zap.String("shares", shares.String()),
		zap.String("owner", owner.Hex()))
	return txHash, nil
}

// ParseDeposit extracts the Deposit event from a receipt
func (v *Vault) ParseDeposit(receipt *types.Receipt) (*VaultDeposit, error) {
	fields, ok, err := v.findEvent(receipt, "Deposit")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("Deposit not found in %s", receipt.TxHash.Hex())
	}
	d := &VaultDeposit{}
	d.Owner, _ = fields["owner"].(common.Address)
	if d.Assets, err = bigField(fields, "assets"); err != nil {
		return nil, err
	}
	if d.Shares, err = bigField(fields, "shares"); err != nil {
		return nil, err
	}
	return d, nil
}

// ParseWithdraw extracts the Withdraw event from a receipt
func (v *Vault) ParseWithdraw(receipt *types.Receipt) (*VaultWithdraw, error) {
	fields, ok, err := v.findEvent(receipt, "Withdraw")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("Withdraw not found in %s", receipt.TxHash.Hex())
	}
	w := &VaultWithdraw{}
	w.Owner, _ = fields["owner"].(common.Address)
	if w.Assets, err = bigField(fields, "assets"); err != nil {
		return nil, err
	}
	if w.Shares, err = bigField(fields, "shares"); err != nil {
		return nil, err
	}
	return w, nil
}
