// Package config defines the top level configuration for a peersync node.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
)

// NOTE: Most of the structs & relevant comments + the default configuration
// options were used to manually generate the config.toml. Please reflect any
// changes made here in the defaultConfigTemplate constant in config/toml.go.

var (
	// DefaultPeersyncDir is the default home directory, relative to $HOME.
	DefaultPeersyncDir = ".peersync"

	defaultConfigDir      = "config"
	defaultDataDir        = "data"
	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a peersync node.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	P2P             *P2PConfig             `mapstructure:"p2p"`
	Mempool         *MempoolConfig         `mapstructure:"mempool"`
	Chain           *ChainConfig           `mapstructure:"chain"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a peersync node.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		P2P:             DefaultP2PConfig(),
		Mempool:         DefaultMempoolConfig(),
		Chain:           DefaultChainConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Network = "simnet"
	cfg.LogLevel = "debug"
	cfg.P2P.ListenAddress = "127.0.0.1:0"
	cfg.Mempool.Size = 500
	cfg.Chain.DBBackend = "memdb"
	cfg.Instrumentation.Prometheus = false
	return cfg
}

// SetRoot sets the RootDir for all sub-config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Mempool.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [mempool] section")
	}
	if err := cfg.Chain.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [chain] section")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a peersync node.
type BaseConfig struct {
	// The root directory for all data.
	RootDir string `mapstructure:"home"`

	// Bitcoin network to connect to: mainnet, testnet, regtest or simnet.
	Network string `mapstructure:"network"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (uncolored text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration for a peersync
// node.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Network:   "mainnet",
		LogLevel:  "info",
		LogFormat: "plain",
	}
}

// NetParams resolves the configured network name to chain parameters.
func (cfg BaseConfig) NetParams() (*chaincfg.Params, error) {
	switch cfg.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}
}

// ConfigFilePath returns the path to the config file.
func (cfg BaseConfig) ConfigFilePath() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

// DBDir returns the full path to the database directory.
func (cfg BaseConfig) DBDir() string {
	return rootify(defaultDataDir, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	if _, err := cfg.NetParams(); err != nil {
		return err
	}
	switch cfg.LogFormat {
	case "", "plain", "json":
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	return nil
}

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the configuration options for the peer-to-peer layer.
type P2PConfig struct {
	// Address to listen for incoming peer connections
	ListenAddress string `mapstructure:"laddr"`

	// Comma separated list of seed peers to connect to
	Seeds []string `mapstructure:"seeds"`
}

// DefaultP2PConfig returns a default configuration for the peer-to-peer
// layer.
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddress: "0.0.0.0:8333",
	}
}

//-----------------------------------------------------------------------------
// MempoolConfig

// MempoolConfig defines the configuration options for the transaction pool.
type MempoolConfig struct {
	// Maximum number of unconfirmed transactions held in the pool. Once the
	// bound is reached the oldest entries are evicted.
	Size int `mapstructure:"size"`
}

// DefaultMempoolConfig returns a default configuration for the transaction
// pool.
func DefaultMempoolConfig() *MempoolConfig {
	return &MempoolConfig{
		Size: 2000,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *MempoolConfig) ValidateBasic() error {
	if cfg.Size <= 0 {
		return errors.New("size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ChainConfig

// ChainConfig defines the configuration options for the block store.
type ChainConfig struct {
	// Database backend: goleveldb | memdb | badgerdb | boltdb
	DBBackend string `mapstructure:"db_backend"`
}

// DefaultChainConfig returns a default configuration for the block store.
func DefaultChainConfig() *ChainConfig {
	return &ChainConfig{
		DBBackend: "goleveldb",
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ChainConfig) ValidateBasic() error {
	if cfg.DBBackend == "" {
		return errors.New("db_backend must not be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "peersync",
	}
}

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
