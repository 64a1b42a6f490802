package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// AssetManagerABI is the subset of the FAsset AssetManager used by the bridge
const AssetManagerABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "_agentVault", "type": "address"},
			{"internalType": "uint256", "name": "_lots", "type": "uint256"},
			{"internalType": "uint256", "name": "_maxMintingFeeBIPS", "type": "uint256"},
			{"internalType": "address", "name": "_executor", "type": "address"}
		],
		"name": "reserveCollateral",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "_lots", "type": "uint256"}],
		"name": "collateralReservationFee",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "lotSize",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"components": [
				{"internalType": "bytes32[]", "name": "merkleProof", "type": "bytes32[]"},
				{"internalType": "bytes", "name": "data", "type": "bytes"}
			], "internalType": "struct Proof", "name": "_payment", "type": "tuple"},
			{"internalType": "uint256", "name": "_collateralReservationId", "type": "uint256"}
		],
		"name": "executeMinting",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "_lots", "type": "uint256"},
			{"internalType": "string", "name": "_redeemerUnderlyingAddressString", "type": "string"},
			{"internalType": "address", "name": "_executor", "type": "address"}
		],
		"name": "redeem",
		"outputs": [{"internalType": "uint256", "name": "_redeemedAmountUBA", "type": "uint256"}],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [
			{"components": [
				{"internalType": "bytes32[]", "name": "merkleProof", "type": "bytes32[]"},
				{"internalType": "bytes", "name": "data", "type": "bytes"}
			], "internalType": "struct Proof", "name": "_payment", "type": "tuple"},
			{"internalType": "uint256", "name": "_redemptionRequestId", "type": "uint256"}
		],
		"name": "confirmRedemptionPayment",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "agentVault", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "minter", "type": "address"},
			{"indexed": true, "internalType": "uint256", "name": "collateralReservationId", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "valueUBA", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "feeUBA", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "firstUnderlyingBlock", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "lastUnderlyingBlock", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "lastUnderlyingTimestamp", "type": "uint256"},
			{"indexed": false, "internalType": "string", "name": "paymentAddress", "type": "string"},
			{"indexed": false, "internalType": "bytes32", "name": "paymentReference", "type": "bytes32"},
			{"indexed": false, "internalType": "address", "name": "executor", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "executorFeeNatWei", "type": "uint256"}
		],
		"name": "CollateralReserved",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "agentVault", "type": "address"},
			{"indexed": true, "internalType": "uint256", "name": "collateralReservationId", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "mintedAmountUBA", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "agentFeeUBA", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "poolFeeUBA", "type": "uint256"}
		],
		"name": "MintingExecuted",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "agentVault", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "redeemer", "type": "address"},
			{"indexed": true, "internalType": "uint256", "name": "requestId", "type": "uint256"},
			{"indexed": false, "internalType": "string", "name": "paymentAddress", "type": "string"},
			{"indexed": false, "internalType": "uint256", "name": "valueUBA", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "feeUBA", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "firstUnderlyingBlock", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "lastUnderlyingBlock", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "lastUnderlyingTimestamp", "type": "uint256"},
			{"indexed": false, "internalType": "bytes32", "name": "paymentReference", "type": "bytes32"},
			{"indexed": false, "internalType": "address", "name": "executor", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "executorFeeNatWei", "type": "uint256"}
		],
		"name": "RedemptionRequested",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "agentVault", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "redeemer", "type": "address"},
			{"indexed": true, "internalType": "uint256", "name": "requestId", "type": "uint256"},
			{"indexed": false, "internalType": "bytes32", "name": "transactionHash", "type": "bytes32"},
			{"indexed": false, "internalType": "uint256", "name": "redemptionAmountUBA", "type": "uint256"},
			{"indexed": false, "internalType": "int256", "name": "spentUnderlyingUBA", "type": "int256"}
		],
		"name": "RedemptionPerformed",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "agentVault", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "redeemer", "type": "address"},
			{"indexed": true, "internalType": "uint256", "name": "requestId", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "redemptionAmountUBA", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "redeemedVaultCollateralWei", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "redeemedPoolCollateralWei", "type": "uint256"}
		],
		"name": "RedemptionDefault",
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
	},
	{
		"anonymous": false,
		"inputs": [{"indexed": true, "internalType": "address", "name": "implementation", "type": "address"}],
		"name": "Upgraded",
		"type": "event"
	}
]`

// Proof is the attestation payload consumed by executeMinting and confirmRedemptionPayment
type Proof struct {
	MerkleProof [][32]byte
	Data        []byte
}

// abiProof mirrors the tuple layout expected by the ABI encoder
type abiProof struct {
	MerkleProof [][32]byte `abi:"merkleProof"`
	Data        []byte     `abi:"data"`
}

// Reservation is parsed from a CollateralReserved event
type Reservation struct {
	ReservationID    *big.Int
	ValueUBA         *big.Int
	FeeUBA           *big.Int
	PaymentAddress   string
	PaymentReference [32]byte
	LastUnderlyingTS *big.Int
}

// Minting is parsed from a MintingExecuted event
type Minting struct {
	ReservationID   *big.Int
	MintedAmountUBA *big.Int
}

// RedemptionRequest is parsed from a RedemptionRequested event
type RedemptionRequest struct {
	RequestID        *big.Int
	PaymentAddress   string
	ValueUBA         *big.Int
	FeeUBA           *big.Int
	PaymentReference [32]byte
	LastUnderlyingTS *big.Int
}

// AssetManager provides methods to interact with the FAsset AssetManager contract
type AssetManager struct {
	*boundContract
	logger *zap.Logger
}

// NewAssetManager creates a new AssetManager instance
func NewAssetManager(client *Client, address common.Address, logger *zap.Logger) (*AssetManager, error) {
	bc, err := newBoundContract(client, address, AssetManagerABI)
	if err != nil {
		return nil, fmt.Errorf("asset manager: %w", err)
	}
	return &AssetManager{boundContract: bc, logger: logger.Named("asset_manager")}, nil
}

// Address returns the contract address
func (a *AssetManager) Address() common.Address {
	return a.address
}

// CollateralReservationFee returns the native fee to reserve lots
func (a *AssetManager) CollateralReservationFee(ctx context.Context, lots uint64) (*big.Int, error) {
	return a.callBig(ctx, "collateralReservationFee", new(big.Int).SetUint64(lots))
}

// LotSize returns the lot size in underlying base units
func (a *AssetManager) LotSize(ctx context.Context) (*big.Int, error) {
	return a.callBig(ctx, "lotSize")
}

// ReserveCollateral reserves agent collateral for lots, paying the reservation fee
func (a *AssetManager) ReserveCollateral(ctx context.Context, agentVault common.Address, lots uint64, maxFeeBIPS uint64) (common.Hash, error) {
	fee, err := a.CollateralReservationFee(ctx, lots)
	if err != nil {
		return common.Hash{}, err
	}
	txHash, err := a.transact(ctx, fee, "reserveCollateral",
		agentVault, new(big.Int).SetUint64(lots), new(big.Int).SetUint64(maxFeeBIPS), common.Address{})
	if err != nil {
		return common.Hash{}, err
	}
	a.logger.Info("Collateral reservation sent",
		zap.String("tx_hash", txHash.Hex()),
		zap.String("agent_vault", agentVault.Hex()),
		zap.Uint64("lots", lots))
	return txHash, nil
}

// ParseReservation extracts the CollateralReserved event from a receipt
func (a *AssetManager) ParseReservation(receipt *types.Receipt) (*Reservation, error) {
	fields, ok, err := a.findEvent(receipt, "CollateralReserved")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("CollateralReserved not found in %s", receipt.TxHash.Hex())
	}
	r := &Reservation{}
	if r.ReservationID, err = bigField(fields, "collateralReservationId"); err != nil {
		return nil, err
	}
	if r.ValueUBA, err = bigField(fields, "valueUBA"); err != nil {
		return nil, err
	}
	if r.FeeUBA, err = bigField(fields, "feeUBA"); err != nil {
		return nil, err
	}
	if r.LastUnderlyingTS, err = bigField(fields, "lastUnderlyingTimestamp"); err != nil {
		return nil, err
	}
	if r.PaymentAddress, err = stringField(fields, "paymentAddress"); err != nil {
		return nil, err
	}
	if r.PaymentReference, err = bytes32Field(fields, "paymentReference"); err != nil {
		return nil, err
	}
	return r, nil
}

// ExecuteMinting submits the payment proof for a reservation
func (a *AssetManager) ExecuteMinting(ctx context.Context, proof Proof, reservationID *big.Int) (common.Hash, error) {
	txHash, err := a.transact(ctx, nil, "executeMinting", abiProof(proof), reservationID)
	if err != nil {
		return common.Hash{}, err
	}
	a.logger.Info("Minting execution sent",
		zap.String("tx_hash", txHash.Hex()),
		zap.String("reservation_id", reservationID.String()))
	return txHash, nil
}

// ParseMinting extracts the MintingExecuted event from a receipt
func (a *AssetManager) ParseMinting(receipt *types.Receipt) (*Minting, error) {
	fields, ok, err := a.findEvent(receipt, "MintingExecuted")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("MintingExecuted not found in %s", receipt.TxHash.Hex())
	}
	m := &Minting{}
	if m.ReservationID, err = bigField(fields, "collateralReservationId"); err != nil {
		return nil, err
	}
	if m.MintedAmountUBA, err = bigField(fields, "mintedAmountUBA"); err != nil {
		return nil, err
	}
	return m, nil
}

// Redeem burns lots of FXRP held by the operator and asks an agent to pay the
// XRPL address.
func (a *AssetManager) Redeem(ctx context.Context, lots uint64, xrplAddress string) (common.Hash, error) {
	txHash, err := a.transact(ctx, nil, "redeem", new(big.Int).SetUint64(lots), xrplAddress, common.Address{})
	if err != nil {
		return common.Hash{}, err
	}
	a.logger.Info("Redemption request sent",
		zap.String("tx_hash", txHash.Hex()),
		zap.Uint64("lots", lots),
		zap.String("xrpl_address", xrplAddress))
	return txHash, nil
}

// ParseRedemptionRequest extracts the RedemptionRequested event from a receipt
func (a *AssetManager) ParseRedemptionRequest(receipt *types.Receipt) (*RedemptionRequest, error) {
	fields, ok, err := a.findEvent(receipt, "RedemptionRequested")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("RedemptionRequested not found in %s", receipt.TxHash.Hex())
	}
	r := &RedemptionRequest{}
	if r.RequestID, err = bigField(fields, "requestId"); err != nil {
		return nil, err
	}
	if r.ValueUBA, err = bigField(fields, "valueUBA"); err != nil {
		return nil, err
	}
	if r.FeeUBA, err = bigField(fields, "feeUBA"); err != nil {
		return nil, err
	}
	if r.LastUnderlyingTS, err = bigField(fields, "lastUnderlyingTimestamp"); err != nil {
		return nil, err
	}
	if r.PaymentAddress, err = stringField(fields, "paymentAddress"); err != nil {
		return nil, err
	}
	if r.PaymentReference, err = bytes32Field(fields, "paymentReference"); err != nil {
		return nil, err
	}
	return r, nil
}

// ConfirmRedemptionPayment submits the payout proof for a redemption request
func (a *AssetManager) ConfirmRedemptionPayment(ctx context.Context, proof Proof, requestID *big.Int) (common.Hash, error) {
	txHash, err := a.transact(ctx, nil, "confirmRedemptionPayment", abiProof(proof), requestID)
	if err != nil {
		return common.Hash{}, err
	}
	a.logger.Info("Redemption confirmation sent",
		zap.String("tx_hash", txHash.Hex()),
		zap.String("request_id", requestID.String()))
	return txHash, nil
}

// RedemptionPerformed reports whether the redemption request already has a
// RedemptionPerformed event between fromBlock and the chain head.
func (a *AssetManager) RedemptionPerformed(ctx context.Context, requestID *big.Int, fromBlock uint64) (bool, error) {
	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	if fromBlock > head {
		return false, nil
	}
	q := filterQuery(a.address, a.abi.Events["RedemptionPerformed"].ID)
	q.Topics = append(q.Topics, nil, nil, []common.Hash{common.BigToHash(requestID)})
	found := false
	err = a.client.FilterLogsChunked(ctx, q, fromBlock, head, func(_ uint64, logs []types.Log) error {
		if len(logs) > 0 {
			found = true
		}
		return nil
	})
	return found, err
}
