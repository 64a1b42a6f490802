package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// FdcHubABI is the attestation request entry point of the Flare Data Connector
const FdcHubABI = `[
	{
		"inputs": [{"internalType": "bytes", "name": "_data", "type": "bytes"}],
		"name": "requestAttestation",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	}
]`

// FdcHub submits attestation requests on chain
type FdcHub struct {
	*boundContract
	fee    *big.Int
	logger *zap.Logger
}

// NewFdcHub creates a new FdcHub instance. fee is the native value attached to every request.
func NewFdcHub(client *Client, address common.Address, fee *big.Int, logger *zap.Logger) (*FdcHub, error) {
	bc, err := newBoundContract(client, address, FdcHubABI)
	if err != nil {
		return nil, fmt.Errorf("fdc hub: %w", err)
	}
	if fee == nil {
		fee = big.NewInt(0)
	}
	return &FdcHub{boundContract: bc, fee: fee, logger: logger.Named("fdc_hub")}, nil
}

// RequestAttestation submits an ABI-encoded attestation request
func (h *FdcHub) RequestAttestation(ctx context.Context, request []byte) (common.Hash, error) {
	txHash, err := h.transact(ctx, h.fee, "requestAttestation", request)
	if err != nil {
		return common.Hash{}, err
	}
	h.logger.Info("Attestation request sent",
		zap.String("tx_hash", txHash.Hex()),
		zap.Int("request_bytes", len(request)))
	return txHash, nil
}
