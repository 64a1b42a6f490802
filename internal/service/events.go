package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"vaultbridge/internal/alert"
	"vaultbridge/internal/blockchain/evm"
	"vaultbridge/internal/config"
	"vaultbridge/internal/metrics"
	"vaultbridge/internal/models"
)

// UnknownEvent names logs no configured ABI describes
const UnknownEvent = "Unknown"

// defaultSeverities classifies events absent from the monitor config. Anything not
// listed is info.
var defaultSeverities = map[string]models.Severity{
	"OwnershipTransferred": models.SeverityCritical,
	"Paused":               models.SeverityCritical,
	"Unpaused":             models.SeverityCritical,
	"Upgraded":             models.SeverityCritical,
	"RedemptionDefault":    models.SeverityWarning,
	UnknownEvent:           models.SeverityWarning,
}

// LogSource is the chain view the ingestor scans
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogsChunked(ctx context.Context, q ethereum.FilterQuery, from, to uint64, fn func(chunkEnd uint64, logs []types.Log) error) error
}

type monitoredContract struct {
	config.MonitoredContract
	address common.Address
	abi     abi.ABI
}

// IngestResult counts what one scan stored
type IngestResult struct {
	Contract  string
	FromBlock uint64
	ToBlock   uint64
	Inserted  int
	Alerted   int
}

// EventService scans monitored contracts into the event store. Each contract keeps
// its own watermark, named after the contract.
type EventService struct {
	store         EventStore
	chain         LogSource
	notifier      alert.Notifier
	contracts     []monitoredContract
	severities    map[string]models.Severity
	minAlert      models.Severity
	confirmations uint64
	logger        *zap.Logger
}

// NewEventService creates a new event service
func NewEventService(
	store EventStore,
	chain LogSource,
	notifier alert.Notifier,
	monitorCfg *config.MonitorConfig,
	alertCfg config.AlertConfig,
	confirmations uint64,
	logger *zap.Logger,
) (*EventService, error) {
	s := &EventService{
		store:         store,
		chain:         chain,
		notifier:      notifier,
		severities:    make(map[string]models.Severity, len(defaultSeverities)),
		minAlert:      alertCfg.MinSeverity,
		confirmations: confirmations,
		logger:        logger.Named("events"),
	}
	if s.minAlert == "" {
		s.minAlert = models.SeverityWarning
	}
	for name, sev := range defaultSeverities {
		s.severities[name] = sev
	}
	for name, sev := range monitorCfg.Severities {
		s.severities[name] = sev
	}

	for _, c := range monitorCfg.Contracts {
		if !common.IsHexAddress(c.Address) {
			return nil, fmt.Errorf("contract %s: invalid address %q", c.Name, c.Address)
		}
		abiJSON := evm.VaultABI
		if c.Kind == config.ContractKindAssetManager {
			abiJSON = evm.AssetManagerABI
		}
		parsed, err := abi.JSON(strings.NewReader(abiJSON))
		if err != nil {
			return nil, fmt.Errorf("contract %s: parse abi: %w", c.Name, err)
		}
		s.contracts = append(s.contracts, monitoredContract{
			MonitoredContract: c,
			address:           common.HexToAddress(c.Address),
			abi:               parsed,
		})
	}
	return s, nil
}

// Severity returns the configured severity of an event name
func (s *EventService) Severity(eventName string) models.Severity {
	if sev, ok := s.severities[eventName]; ok {
		return sev
	}
	return models.SeverityInfo
}

// Scan ingests every monitored contract up to the confirmed head. A failing
// contract does not stop the others; the first error is returned.
func (s *EventService) Scan(ctx context.Context) ([]IngestResult, error) {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	if head < s.confirmations {
		return nil, nil
	}
	head -= s.confirmations

	var (
		results  []IngestResult
		firstErr error
	)
	for i := range s.contracts {
		res, err := s.scanContract(ctx, &s.contracts[i], head)
		if err != nil {
			s.logger.Error("Failed to scan contract",
				zap.String("contract", s.contracts[i].Name),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res != nil {
			results = append(results, *res)
		}
	}
	return results, firstErr
}

func (s *EventService) scanContract(ctx context.Context, c *monitoredContract, head uint64) (*IngestResult, error) {
	watermark, ok, err := s.store.GetWatermark(ctx, c.Name)
	if err != nil {
		return nil, fmt.Errorf("get watermark: %w", err)
	}
	from := c.StartBlock
	if ok {
		from = watermark + 1
	}
	if from > head {
		return nil, nil
	}

	res := &IngestResult{Contract: c.Name, FromBlock: from, ToBlock: head}
	q := ethereum.FilterQuery{Addresses: []common.Address{c.address}}
	err = s.chain.FilterLogsChunked(ctx, q, from, head, func(chunkEnd uint64, logs []types.Log) error {
		events := make([]models.OnChainEvent, 0, len(logs))
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			events = append(events, s.decode(c, lg))
		}

		// the watermark only moves once the chunk is stored
		inserted, err := s.store.PersistEvents(ctx, c.Name, events, chunkEnd)
		if err != nil {
			return fmt.Errorf("persist chunk ending %d: %w", chunkEnd, err)
		}
		res.Inserted += len(inserted)
		for _, ev := range inserted {
			metrics.Bridge().EventIngested(c.Name, string(ev.Severity))
		}
		res.Alerted += s.forward(ctx, inserted)
		return nil
	})
	if err != nil {
		return res, err
	}

	if res.Inserted > 0 {
		s.logger.Info("Contract events ingested",
			zap.String("contract", c.Name),
			zap.Uint64("from_block", from),
			zap.Uint64("to_block", head),
			zap.Int("inserted", res.Inserted),
			zap.Int("alerted", res.Alerted))
	}
	return res, nil
}

func (s *EventService) decode(c *monitoredContract, lg types.Log) models.OnChainEvent {
	ev := models.OnChainEvent{
		Contract:        c.Name,
		ContractAddress: strings.ToLower(lg.Address.Hex()),
		BlockNumber:     lg.BlockNumber,
		TxHash:          lg.TxHash.Hex(),
		LogIndex:        lg.Index,
	}

	name, fields, ok, err := evm.DecodeLog(c.abi, lg)
	if !ok || err != nil {
		ev.EventName = UnknownEvent
		raw := map[string]interface{}{"data": hexutil.Encode(lg.Data)}
		if len(lg.Topics) > 0 {
			raw["topic0"] = lg.Topics[0].Hex()
		}
		if err != nil {
			raw["event"] = name
			raw["decode_error"] = err.Error()
		}
		fields = raw
	} else {
		ev.EventName = name
	}
	ev.Severity = s.Severity(ev.EventName)

	args, err := json.Marshal(jsonFields(fields))
	if err != nil {
		s.logger.Warn("Failed to encode event args",
			zap.String("tx_hash", ev.TxHash),
			zap.Uint("log_index", ev.LogIndex),
			zap.Error(err))
		args = []byte("{}")
	}
	ev.Args = args
	return ev
}

// forward alerts on events at or above the alert threshold and flags the delivered ones
func (s *EventService) forward(ctx context.Context, events []models.OnChainEvent) int {
	if s.notifier == nil {
		return 0
	}
	var delivered []int64
	for i := range events {
		ev := &events[i]
		if ev.Severity.Rank() < s.minAlert.Rank() {
			continue
		}
		if err := s.notifier.Notify(ctx, alert.FromEvent(ev)); err != nil {
			s.logger.Warn("Failed to deliver alert",
				zap.String("event_name", ev.EventName),
				zap.String("tx_hash", ev.TxHash),
				zap.Error(err))
			continue
		}
		delivered = append(delivered, ev.ID)
	}
	if len(delivered) == 0 {
		return 0
	}
	if err := s.store.MarkAlerted(ctx, delivered); err != nil {
		s.logger.Warn("Failed to mark events alerted", zap.Error(err))
	}
	return len(delivered)
}

// ListEvents reads stored events
func (s *EventService) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.OnChainEvent, error) {
	return s.store.ListEvents(ctx, filter)
}

// Watermarks returns the last stored block per monitored contract
func (s *EventService) Watermarks(ctx context.Context) (map[string]uint64, error) {
	out := make(map[string]uint64, len(s.contracts))
	for _, c := range s.contracts {
		wm, ok, err := s.store.GetWatermark(ctx, c.Name)
		if err != nil {
			return nil, err
		}
		if ok {
			out[c.Name] = wm
		}
	}
	return out, nil
}

// jsonFields renders decoded ABI values in a stable JSON form: integers as decimal
// strings, addresses as lowercase hex and fixed bytes as 0x hex.
func jsonFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case *big.Int:
			out[k] = val.String()
		case common.Address:
			out[k] = strings.ToLower(val.Hex())
		case common.Hash:
			out[k] = val.Hex()
		case [32]byte:
			out[k] = hexutil.Encode(val[:])
		case []byte:
			out[k] = hexutil.Encode(val)
		default:
			out[k] = val
		}
	}
	return out
}
