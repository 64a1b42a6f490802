package service

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"vaultbridge/internal/blockchain/evm"
	"vaultbridge/internal/blockchain/xrpl"
	"vaultbridge/internal/fdc"
	"vaultbridge/internal/models"
)

// Both *database.DB and *memory.Store satisfy the store interfaces below.

// DepositStore persists deposit jobs
type DepositStore interface {
	CreateBridgeJob(ctx context.Context, job *models.BridgeJob) error
	GetBridgeJob(ctx context.Context, jobID string) (*models.BridgeJob, error)
	ListBridgeJobsByStatus(ctx context.Context, statuses []models.DepositStatus, limit int) ([]models.BridgeJob, error)
	ListBridgeJobsByWallet(ctx context.Context, wallet string) ([]models.BridgeJob, error)
	UpdateBridgeJob(ctx context.Context, job *models.BridgeJob, expected models.DepositStatus) error
	CompleteDeposit(ctx context.Context, job *models.BridgeJob, expected models.DepositStatus) (*models.Position, error)
}

// PositionStore reads positions
type PositionStore interface {
	GetPosition(ctx context.Context, wallet, vault string) (*models.Position, error)
	GetPositionByID(ctx context.Context, id int64) (*models.Position, error)
	ListPositionsByWallet(ctx context.Context, wallet string) ([]models.Position, error)
	SumActivePositions(ctx context.Context, wallet, vault string) (decimal.Decimal, error)
}

// RedemptionStore persists redemption jobs
type RedemptionStore interface {
	PositionStore
	CreateRedemptionJob(ctx context.Context, job *models.RedemptionJob) error
	GetRedemptionJob(ctx context.Context, jobID string) (*models.RedemptionJob, error)
	ListRedemptionJobsByStatus(ctx context.Context, statuses []models.RedemptionStatus, limit int) ([]models.RedemptionJob, error)
	ListRedemptionJobsByBackendStatus(ctx context.Context, statuses []models.BackendStatus, limit int) ([]models.RedemptionJob, error)
	ListRedemptionJobsByWallet(ctx context.Context, wallet string) ([]models.RedemptionJob, error)
	SumPendingRedemptionShares(ctx context.Context, positionID int64) (decimal.Decimal, error)
	UpdateRedemptionJob(ctx context.Context, job *models.RedemptionJob, expected models.RedemptionStatus) error
	RedeemShares(ctx context.Context, job *models.RedemptionJob, expected models.RedemptionStatus) error
}

// ReconcileStore is what the reconciler reads and corrects
type ReconcileStore interface {
	ListReconcileWallets(ctx context.Context, vault string) ([]string, error)
	ListTransferRecipients(ctx context.Context, contract string) ([]string, error)
	HasInFlightJobs(ctx context.Context, wallet string) (bool, error)
	SumActivePositions(ctx context.Context, wallet, vault string) (decimal.Decimal, error)
	ApplyCorrection(ctx context.Context, c *models.PositionCorrection) error
	TouchReconciled(ctx context.Context, wallet, vault string) error
}

// EventStore persists monitored contract events
type EventStore interface {
	GetWatermark(ctx context.Context, name string) (uint64, bool, error)
	PersistEvents(ctx context.Context, name string, events []models.OnChainEvent, watermark uint64) ([]models.OnChainEvent, error)
	ListEvents(ctx context.Context, filter models.EventFilter) ([]models.OnChainEvent, error)
	MarkAlerted(ctx context.Context, ids []int64) error
}

// EscrowStore persists escrow records
type EscrowStore interface {
	CreateEscrow(ctx context.Context, rec *models.EscrowRecord) error
	GetEscrow(ctx context.Context, owner string, sequence uint32) (*models.EscrowRecord, error)
	ListEscrowsByStatus(ctx context.Context, status models.EscrowStatus) ([]models.EscrowRecord, error)
	UpdateEscrow(ctx context.Context, rec *models.EscrowRecord, expected models.EscrowStatus) error
}

// CrossChainStore persists quotes and multi-leg jobs
type CrossChainStore interface {
	CreateQuote(ctx context.Context, q *models.CrossChainQuote) error
	GetQuote(ctx context.Context, quoteID string) (*models.CrossChainQuote, error)
	CreateCrossChainJob(ctx context.Context, job *models.CrossChainBridgeJob) error
	GetCrossChainJob(ctx context.Context, jobID string) (*models.CrossChainBridgeJob, error)
	ListCrossChainJobsByStatus(ctx context.Context, statuses []models.CrossChainStatus, limit int) ([]string, error)
	UpdateCrossChainLeg(ctx context.Context, leg *models.CrossChainLeg, expected models.LegStatus) error
	UpdateCrossChainJob(ctx context.Context, job *models.CrossChainBridgeJob, expected models.CrossChainStatus) error
}

// Chain is the rate-limited EVM client
type Chain interface {
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
	OperatorAddress() common.Address
}

// Minter is the FAsset AssetManager
type Minter interface {
	ReserveCollateral(ctx context.Context, agentVault common.Address, lots uint64, maxFeeBIPS uint64) (common.Hash, error)
	ParseReservation(receipt *types.Receipt) (*evm.Reservation, error)
	ExecuteMinting(ctx context.Context, proof evm.Proof, reservationID *big.Int) (common.Hash, error)
	ParseMinting(receipt *types.Receipt) (*evm.Minting, error)
	Redeem(ctx context.Context, lots uint64, xrplAddress string) (common.Hash, error)
	ParseRedemptionRequest(receipt *types.Receipt) (*evm.RedemptionRequest, error)
	ConfirmRedemptionPayment(ctx context.Context, proof evm.Proof, requestID *big.Int) (common.Hash, error)
	RedemptionPerformed(ctx context.Context, requestID *big.Int, fromBlock uint64) (bool, error)
}

// VaultContract is the ERC-4626 vault
type VaultContract interface {
	Address() common.Address
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	MaxRedeem(ctx context.Context, owner common.Address) (*big.Int, error)
	ConvertToAssets(ctx context.Context, shares *big.Int) (*big.Int, error)
	Deposit(ctx context.Context, assets *big.Int, receiver common.Address) (common.Hash, error)
	Redeem(ctx context.Context, shares *big.Int, owner common.Address) (common.Hash, error)
	ParseDeposit(receipt *types.Receipt) (*evm.VaultDeposit, error)
	ParseWithdraw(receipt *types.Receipt) (*evm.VaultWithdraw, error)
}

// TokenContract is the FXRP token
type TokenContract interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	EnsureAllowance(ctx context.Context, spender common.Address, amount *big.Int) (common.Hash, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
}

// AttestationHub submits attestation requests on chain
type AttestationHub interface {
	RequestAttestation(ctx context.Context, request []byte) (common.Hash, error)
}

// Oracle is the attestation verifier and DA layer
type Oracle interface {
	PreparePayment(ctx context.Context, xrplTxHash string) ([]byte, error)
	RoundForTime(t time.Time) int64
	RoundDuration() time.Duration
	FetchProof(ctx context.Context, round int64, request []byte) (*fdc.Proof, error)
}

// Ledger is the XRPL view the state machines need
type Ledger interface {
	FindPayment(ctx context.Context, destination, reference string, since time.Time) (*xrpl.Tx, error)
	Tx(ctx context.Context, hash string) (*xrpl.Tx, error)
}

// EscrowLedger is the XRPL escrow primitive set
type EscrowLedger interface {
	Account() string
	LedgerTime(ctx context.Context) (time.Time, error)
	CreateEscrow(ctx context.Context, req xrpl.EscrowCreateRequest) (*xrpl.EscrowCreated, error)
	FinishEscrow(ctx context.Context, owner string, sequence uint32, condition, fulfillment string) (string, error)
	CancelEscrow(ctx context.Context, owner string, sequence uint32) (string, error)
	EscrowExists(ctx context.Context, owner string, sequence uint32) (bool, error)
}

// Contracts groups the chain handles the deposit and redemption machines share
type Contracts struct {
	Chain      Chain
	Minter     Minter
	Vault      VaultContract
	FXRP       TokenContract
	Hub        AttestationHub
	AgentVault common.Address
}

// normalizeWallet lowercases a 0x address so it joins with stored event args
func normalizeWallet(wallet string) (string, error) {
	if !common.IsHexAddress(wallet) {
		return "", fmt.Errorf("%w: %q is not an EVM address", ErrInvalidAddress, wallet)
	}
	return strings.ToLower(common.HexToAddress(wallet).Hex()), nil
}
