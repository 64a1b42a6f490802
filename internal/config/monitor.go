package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"vaultbridge/internal/models"
)

// Contract kinds the event monitor knows how to decode
const (
	ContractKindAssetManager = "asset_manager"
	ContractKindVault        = "vault"
)

// MonitoredContract is one contract scanned by the event monitor
type MonitoredContract struct {
	Name       string `yaml:"name"`
	Address    string `yaml:"address"`
	Kind       string `yaml:"kind"`
	StartBlock uint64 `yaml:"start_block"`
}

// MonitorConfig lists monitored contracts and severity overrides
type MonitorConfig struct {
	Contracts  []MonitoredContract        `yaml:"contracts"`
	Severities map[string]models.Severity `yaml:"severities"` // event name -> severity
}

// LoadMonitorConfig reads the monitor YAML at path. With an empty path the asset
// manager and vault from the environment are monitored with default severities.
func LoadMonitorConfig(path string, evm EVMConfig) (*MonitorConfig, error) {
	if path == "" {
		return defaultMonitorConfig(evm), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open monitor config: %w", err)
	}
	defer file.Close()

	var cfg MonitorConfig
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode monitor config: %w", err)
	}
	if len(cfg.Contracts) == 0 {
		cfg.Contracts = defaultMonitorConfig(evm).Contracts
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks contract entries and severity overrides
func (m *MonitorConfig) Validate() error {
	seen := make(map[string]struct{})
	for i, c := range m.Contracts {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("contract %d: name required", i)
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("duplicate monitored contract %s", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Address == "" {
			return fmt.Errorf("contract %s: address required", c.Name)
		}
		if c.Kind != ContractKindAssetManager && c.Kind != ContractKindVault {
			return fmt.Errorf("contract %s: unknown kind %q", c.Name, c.Kind)
		}
	}
	for event, sev := range m.Severities {
		switch sev {
		case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
		default:
			return fmt.Errorf("event %s: invalid severity %q", event, sev)
		}
	}
	return nil
}

func defaultMonitorConfig(evm EVMConfig) *MonitorConfig {
	cfg := &MonitorConfig{}
	if evm.AssetManagerAddress != "" {
		cfg.Contracts = append(cfg.Contracts, MonitoredContract{
			Name: "asset_manager", Address: evm.AssetManagerAddress, Kind: ContractKindAssetManager,
		})
	}
	if evm.VaultAddress != "" {
		cfg.Contracts = append(cfg.Contracts, MonitoredContract{
			Name: "vault", Address: evm.VaultAddress, Kind: ContractKindVault,
		})
	}
	return cfg
}
