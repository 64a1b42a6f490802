// Package app wires configuration into the bridge services shared by the
// server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"vaultbridge/internal/alert"
	"vaultbridge/internal/blockchain/evm"
	"vaultbridge/internal/blockchain/xrpl"
	"vaultbridge/internal/config"
	"vaultbridge/internal/database"
	"vaultbridge/internal/fdc"
	"vaultbridge/internal/lock"
	"vaultbridge/internal/models"
	"vaultbridge/internal/service"
)

// App holds the connected clients and the services built on them
type App struct {
	Config  *config.Config
	DB      *database.DB
	EVM     *evm.Client
	Ledger  *xrpl.Client
	Monitor *config.MonitorConfig

	Deposits    *service.DepositService
	Redemptions *service.RedemptionService
	Status      *service.StatusService
	Events      *service.EventService
	Reconcile   *service.ReconcileService
	Escrows     *service.EscrowService
	CrossChain  *service.CrossChainService

	closers []func()
	logger  *zap.Logger
}

// Build connects to the database, the chain and the ledger, applies migrations
// and constructs every service. Close releases what Build opened.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *App, err error) {
	a = &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	db, err := database.Connect(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, func() { db.Close() })
	logger.Info("Database connected successfully")

	if err := database.RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	evmClient, err := evm.NewClient(ctx, cfg.EVM, cfg.Operator.EVMPrivateKey, logger)
	if err != nil {
		return nil, err
	}
	a.EVM = evmClient
	a.closers = append(a.closers, evmClient.Close)

	contracts, err := buildContracts(evmClient, cfg, logger)
	if err != nil {
		return nil, err
	}

	oracle, err := fdc.NewClient(cfg.FDC, logger)
	if err != nil {
		return nil, err
	}
	a.Ledger = xrpl.NewClient(cfg.XRPL, cfg.Operator.XRPLAddress, cfg.Operator.XRPLSecret, logger)

	locker, closeLocker, err := newLocker(cfg.Lock, db, logger)
	if err != nil {
		return nil, err
	}
	if closeLocker != nil {
		a.closers = append(a.closers, closeLocker)
	}

	monitorCfg, err := config.LoadMonitorConfig(cfg.MonitorCfg, cfg.EVM)
	if err != nil {
		return nil, err
	}
	a.Monitor = monitorCfg

	a.Deposits = service.NewDepositService(db, contracts, oracle, a.Ledger, locker, &cfg.Bridge, logger)
	a.Redemptions = service.NewRedemptionService(db, contracts, oracle, a.Ledger, locker, &cfg.Bridge, logger)
	a.Status = service.NewStatusService(db, db)

	a.Events, err = service.NewEventService(db, evmClient, alert.New(cfg.Alert.WebhookURLs, logger),
		monitorCfg, cfg.Alert, cfg.EVM.Confirmations, logger)
	if err != nil {
		return nil, err
	}

	a.Reconcile = service.NewReconcileService(db, contracts.Vault, locker, cfg.Reconcile, vaultEventsName(monitorCfg), logger)
	a.Escrows = service.NewEscrowService(db, a.Ledger, logger)

	a.CrossChain = service.NewCrossChainService(db, service.DefaultQuoteTTL, logger)
	a.CrossChain.Register(models.LegProtocolNativeLedgerBridge, service.NewNativeLedgerExecutor(a.Deposits, a.Redemptions, db))
	a.CrossChain.Register(models.LegProtocolDirectTransfer, service.NewDirectTransferExecutor(evmClient, contracts.FXRP))

	logger.Info("Services initialized",
		zap.Int("monitored_contracts", len(monitorCfg.Contracts)),
		zap.String("lock_backend", cfg.Lock.Backend))
	return a, nil
}

// Close releases connections in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func buildContracts(client *evm.Client, cfg *config.Config, logger *zap.Logger) (service.Contracts, error) {
	assetManager, err := evm.NewAssetManager(client, common.HexToAddress(cfg.EVM.AssetManagerAddress), logger)
	if err != nil {
		return service.Contracts{}, err
	}
	vault, err := evm.NewVault(client, common.HexToAddress(cfg.EVM.VaultAddress), logger)
	if err != nil {
		return service.Contracts{}, err
	}
	fxrp, err := evm.NewToken(client, common.HexToAddress(cfg.EVM.FXRPAddress), logger)
	if err != nil {
		return service.Contracts{}, err
	}

	fee, ok := new(big.Int).SetString(cfg.FDC.RequestFee, 10)
	if !ok {
		return service.Contracts{}, fmt.Errorf("invalid FDC_REQUEST_FEE_WEI %q", cfg.FDC.RequestFee)
	}
	hub, err := evm.NewFdcHub(client, common.HexToAddress(cfg.EVM.FdcHubAddress), fee, logger)
	if err != nil {
		return service.Contracts{}, err
	}

	return service.Contracts{
		Chain:      client,
		Minter:     assetManager,
		Vault:      vault,
		FXRP:       fxrp,
		Hub:        hub,
		AgentVault: common.HexToAddress(cfg.EVM.AgentVaultAddress),
	}, nil
}

// newLocker picks the per-wallet lock backend. The returned func, when not nil,
// closes the backend's own connection.
func newLocker(cfg config.LockConfig, db *database.DB, logger *zap.Logger) (lock.Locker, func(), error) {
	switch cfg.Backend {
	case "postgres":
		return lock.NewPostgres(db.DB.DB, logger), nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return lock.NewRedis(client, cfg.TTL, logger), func() { client.Close() }, nil
	case "memory":
		logger.Warn("Using in-process wallet locks; run a single instance only")
		return lock.NewMemory(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// vaultEventsName is the monitor whose Transfer events feed reconciliation
func vaultEventsName(m *config.MonitorConfig) string {
	for _, c := range m.Contracts {
		if c.Kind == config.ContractKindVault {
			return c.Name
		}
	}
	return config.ContractKindVault
}
