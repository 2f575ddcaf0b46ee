// Package config loads and validates the ciphernode's YAML configuration
// file, following the teacher's builder idiom: sensible defaults, applied
// overrides, then a single validation pass.
package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// ChainConfig describes one chain this node participates in.
type ChainConfig struct {
	ID                 uint64   `yaml:"id"`
	RPCURL             string   `yaml:"rpc_url"`
	ConfirmationDepth   uint64   `yaml:"confirmation_depth"`
	CiphernodeRegistry  string   `yaml:"ciphernode_registry"`
	NodeRegistry        string   `yaml:"node_registry"`
	E3Coordinator       string   `yaml:"e3_coordinator"`
	SortitionContract   string   `yaml:"sortition_contract"`
	FHEPlaintextModulus uint64   `yaml:"fhe_plaintext_modulus"`
	FHELogN             int      `yaml:"fhe_log_n"`
	FHELogQP            []int    `yaml:"fhe_log_qp"`
}

// defaultPlaintextModulus is used when a chain's config omits
// fhe_plaintext_modulus: 65537 is the smallest NTT-friendly prime lattigo's
// own dbfv examples default to.
const defaultPlaintextModulus = 65537

// Config is the top-level YAML document recognized per spec.md §6.
type Config struct {
	Chains           []ChainConfig `yaml:"chains"`
	Address          string        `yaml:"address"`
	NetworkKeyPath   string        `yaml:"network_key_path"`
	WalletPrivKeyPath string       `yaml:"wallet_private_key_path"`
	DataDir          string        `yaml:"data_dir"`
	ListenAddr       string        `yaml:"listen_addr"`
	Peers            []string      `yaml:"peers"`
	Aggregator       bool          `yaml:"aggregator"`
	LogVerbosity     int           `yaml:"log_verbosity"`
}

// Builder constructs a Config with defaults, applies overrides, and
// validates once at the end, mirroring the teacher's config/builder.go.
type Builder struct {
	cfg *Config
	err error
}

// NewBuilder returns a Builder seeded with sensible defaults.
func NewBuilder() *Builder {
	return &Builder{
		cfg: &Config{
			DataDir:      "./data",
			ListenAddr:   "/ip4/0.0.0.0/tcp/0",
			LogVerbosity: 1,
		},
	}
}

// FromFile loads and merges a YAML document into the builder.
func (b *Builder) FromFile(path string) *Builder {
	if b.err != nil {
		return b
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		b.err = fmt.Errorf("read config %s: %w", path, err)
		return b
	}
	var parsed Config
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		b.err = fmt.Errorf("parse config %s: %w", path, err)
		return b
	}
	if len(parsed.Chains) > 0 {
		b.cfg.Chains = parsed.Chains
	}
	if parsed.Address != "" {
		b.cfg.Address = parsed.Address
	}
	if parsed.NetworkKeyPath != "" {
		b.cfg.NetworkKeyPath = parsed.NetworkKeyPath
	}
	if parsed.WalletPrivKeyPath != "" {
		b.cfg.WalletPrivKeyPath = parsed.WalletPrivKeyPath
	}
	if parsed.DataDir != "" {
		b.cfg.DataDir = parsed.DataDir
	}
	if parsed.ListenAddr != "" {
		b.cfg.ListenAddr = parsed.ListenAddr
	}
	if len(parsed.Peers) > 0 {
		b.cfg.Peers = parsed.Peers
	}
	b.cfg.Aggregator = parsed.Aggregator
	if parsed.LogVerbosity != 0 {
		b.cfg.LogVerbosity = parsed.LogVerbosity
	}
	return b
}

// Build validates the accumulated configuration and returns it.
func (b *Builder) Build() (*Config, error) {
	if b.err != nil {
		return nil, b.err
	}
	cfg := b.cfg
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("config: at least one chain is required")
	}
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("config: address %q is not a valid hex address", cfg.Address)
	}
	if cfg.NetworkKeyPath == "" {
		return nil, fmt.Errorf("config: network_key_path is required")
	}
	if cfg.Aggregator && cfg.WalletPrivKeyPath == "" {
		return nil, fmt.Errorf("config: wallet_private_key_path is required when aggregator=true")
	}
	seen := make(map[uint64]struct{}, len(cfg.Chains))
	for idx := range cfg.Chains {
		id := cfg.Chains[idx].ID
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("config: duplicate chain id %d", id)
		}
		seen[id] = struct{}{}
		if cfg.Chains[idx].RPCURL == "" {
			return nil, fmt.Errorf("config: chain %d missing rpc_url", id)
		}
		if cfg.Chains[idx].FHEPlaintextModulus == 0 {
			cfg.Chains[idx].FHEPlaintextModulus = defaultPlaintextModulus
		}
	}
	return cfg, nil
}

// ZapLevel maps the 0..3 log_verbosity option onto a zapcore.Level.
func (c *Config) ZapLevel() zapcore.Level {
	switch c.LogVerbosity {
	case 0:
		return zapcore.ErrorLevel
	case 1:
		return zapcore.InfoLevel
	case 2:
		return zapcore.DebugLevel
	default:
		return zapcore.DebugLevel - 1 // "trace": below debug, matches spec.md's 0..3 scale
	}
}
