// Package config provides centralized configuration for the payment channel
// engine. All tunable protocol parameters (network, fees, expiry margins,
// storage locations) are defined here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"
)

// Network selects the chain parameters the engine runs against.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkRegtest Network = "regtest"
)

// WalletConfig holds fee and coin-selection parameters.
type WalletConfig struct {
	// FeePerKb is the fee rate, in satoshis per 1000 bytes, used when
	// completing transactions.
	FeePerKb int64 `yaml:"fee_per_kb"`

	// AllowUnconfirmed permits spending coins with zero confirmations.
	// Channel opens default to true: for micropayments the risk is low.
	AllowUnconfirmed bool `yaml:"allow_unconfirmed"`
}

// ChannelConfig holds protocol timing and storage parameters.
type ChannelConfig struct {
	// ExpirySafetyMargin is how long before channel expiry the server
	// force-settles if the client has gone quiet.
	ExpirySafetyMargin time.Duration `yaml:"expiry_safety_margin"`

	// RefundBroadcastDelay is how long past expiry the client waits before
	// reclaiming funds with the refund transaction.
	RefundBroadcastDelay time.Duration `yaml:"refund_broadcast_delay"`

	// WatchInterval is the polling interval of the expiry watcher.
	WatchInterval time.Duration `yaml:"watch_interval"`

	// DataDir is where channel state is persisted.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the top-level configuration.
type Config struct {
	Network Network       `yaml:"network"`
	Wallet  WalletConfig  `yaml:"wallet"`
	Channel ChannelConfig `yaml:"channel"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Network: NetworkTestnet,
		Wallet: WalletConfig{
			FeePerKb:         1000,
			AllowUnconfirmed: true,
		},
		Channel: ChannelConfig{
			ExpirySafetyMargin:   4 * time.Hour,
			RefundBroadcastDelay: 30 * time.Minute,
			WatchInterval:        time.Minute,
			DataDir:              "~/.klingpay",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file, filling unset fields with
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Network {
	case NetworkMainnet, NetworkTestnet, NetworkRegtest:
	default:
		return fmt.Errorf("unknown network: %q", c.Network)
	}
	if c.Wallet.FeePerKb < 0 {
		return fmt.Errorf("fee_per_kb must not be negative: %d", c.Wallet.FeePerKb)
	}
	if c.Channel.ExpirySafetyMargin <= 0 {
		return fmt.Errorf("expiry_safety_margin must be positive")
	}
	if c.Channel.WatchInterval <= 0 {
		return fmt.Errorf("watch_interval must be positive")
	}
	return nil
}

// ChainParams returns the btcd chain parameters for the configured network.
func (c *Config) ChainParams() *chaincfg.Params {
	switch c.Network {
	case NetworkMainnet:
		return &chaincfg.MainNetParams
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.TestNet3Params
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
