// Package config loads the broker daemon's runtime configuration: a
// YAML file with defaults for every supported settlement chain, plus
// environment overrides for the values operators inject at deploy time
// (endpoints, keys, the public base URL).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crosslane-exchange/crosslane/internal/backend"
	"github.com/crosslane-exchange/crosslane/internal/chain"
	"github.com/crosslane-exchange/crosslane/internal/deal"
)

// Defaults applied when the file and environment are silent.
const (
	DefaultListenAddr = ":8080"
	DefaultBaseURL    = "http://localhost:8080"
	DefaultDataDir    = "~/.crosslane"

	DefaultSwapGraceSeconds = 15
	DefaultOracleMaxAgeHrs  = 24
)

// Config is the daemon's full runtime configuration.
type Config struct {
	Network      string `yaml:"network"` // mainnet or testnet
	DataDir      string `yaml:"data_dir"`
	ListenAddr   string `yaml:"listen_addr"`
	BaseURL      string `yaml:"base_url"`
	EmailEnabled bool   `yaml:"email_enabled"`

	// Mnemonic seeds the escrow keyring. Prefer the MNEMONIC env var
	// over putting it in the file.
	Mnemonic string `yaml:"mnemonic,omitempty"`

	// TankWalletKey is the hex private key of the gas tank. Prefer the
	// TANK_WALLET_PRIVATE_KEY env var.
	TankWalletKey string `yaml:"tank_wallet_private_key,omitempty"`

	Engine     EngineConfig     `yaml:"engine"`
	Commission CommissionConfig `yaml:"commission"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Limits     LimitsConfig     `yaml:"limits"`

	// Chains configures node-RPC chains (EVM, Solana) by symbol.
	Chains map[string]*ChainConfig `yaml:"chains"`

	// Indexes overrides the UTXO chain index providers by symbol.
	Indexes map[string]*backend.Config `yaml:"indexes,omitempty"`
}

// ChainConfig configures one node-RPC settlement chain.
type ChainConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RPCURL          string `yaml:"rpc_url"`
	BrokerAddress   string `yaml:"broker_address,omitempty"`
	OperatorAddress string `yaml:"operator_address,omitempty"`

	// ERC20FixedFee is the flat token-side fee in smallest units.
	ERC20FixedFee string `yaml:"erc20_fixed_fee,omitempty"`
}

// EngineConfig holds deal engine policy.
type EngineConfig struct {
	SwapGracePeriodSeconds int `yaml:"swap_grace_period_seconds"`
}

// CommissionConfig holds the operator's commission policy.
type CommissionConfig struct {
	PercentBps uint32 `yaml:"percent_bps"`

	// Stablecoins lists asset codes whose commission is collected as a
	// fixed USD value in native coin instead of basis points.
	Stablecoins        []string `yaml:"stablecoins,omitempty"`
	StablecoinUSDFixed string   `yaml:"stablecoin_usd_fixed,omitempty"`
}

// OracleConfig bounds manual price staleness.
type OracleConfig struct {
	MaxAgeHours int `yaml:"max_age_hours"`
}

// LimitsConfig restricts what createDeal accepts. Empty lists mean no
// restriction.
type LimitsConfig struct {
	// AllowedAssets is an allow-list of asset codes. Empty accepts any
	// asset a configured adapter can settle.
	AllowedAssets []string `yaml:"allowed_assets,omitempty"`

	// MaxAmounts caps the trade amount per asset code, in smallest
	// units.
	MaxAmounts map[string]string `yaml:"max_amounts,omitempty"`
}

// Default returns the built-in configuration: mainnet, public node
// endpoints, all chains enabled. Operators override what they need.
func Default() *Config {
	return &Config{
		Network:    "mainnet",
		DataDir:    DefaultDataDir,
		ListenAddr: DefaultListenAddr,
		BaseURL:    DefaultBaseURL,
		Engine:     EngineConfig{SwapGracePeriodSeconds: DefaultSwapGraceSeconds},
		Commission: CommissionConfig{PercentBps: deal.DefaultCommissionBps},
		Oracle:     OracleConfig{MaxAgeHours: DefaultOracleMaxAgeHrs},
		Chains: map[string]*ChainConfig{
			"ETH":     {Enabled: true, RPCURL: "https://eth.llamarpc.com"},
			"BSC":     {Enabled: true, RPCURL: "https://bsc-dataseed.binance.org"},
			"POLYGON": {Enabled: true, RPCURL: "https://polygon-rpc.com"},
			"SOL":     {Enabled: true, RPCURL: "https://api.mainnet-beta.solana.com"},
			"BTC":     {Enabled: true},
			"LTC":     {Enabled: true},
			"DOGE":    {Enabled: true},
		},
	}
}

// Load reads the file at path, merges it over the defaults and applies
// environment overrides. A missing file is written out with the
// defaults so the operator has something to edit.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
			if err := cfg.save(path); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// save writes the config as YAML, creating the parent directory.
func (c *Config) save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnv overlays the deploy-time environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("MNEMONIC"); v != "" {
		c.Mnemonic = v
	}
	if v := os.Getenv("TANK_WALLET_PRIVATE_KEY"); v != "" {
		c.TankWalletKey = v
	}
	if v := os.Getenv("EMAIL_ENABLED"); v != "" {
		c.EmailEnabled = v == "1" || strings.EqualFold(v, "true")
	}

	for symbol, cc := range c.Chains {
		if v := os.Getenv(symbol + "_RPC"); v != "" {
			cc.RPCURL = v
		}
		if v := os.Getenv(symbol + "_ERC20_FEE"); v != "" {
			cc.ERC20FixedFee = v
		}
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" {
		return fmt.Errorf("network must be mainnet or testnet, got %q", c.Network)
	}
	if c.Engine.SwapGracePeriodSeconds < 0 {
		return fmt.Errorf("swap grace period cannot be negative")
	}
	for symbol, cc := range c.Chains {
		if !cc.Enabled {
			continue
		}
		params, ok := chain.Get(symbol, c.ChainNetwork())
		if !ok {
			return fmt.Errorf("unknown chain %q", symbol)
		}
		if params.Type != chain.ChainTypeBitcoin && cc.RPCURL == "" {
			return fmt.Errorf("chain %s is enabled but has no rpc_url", symbol)
		}
		if cc.ERC20FixedFee != "" {
			if _, err := deal.ParseAmount(cc.ERC20FixedFee); err != nil {
				return fmt.Errorf("chain %s: bad erc20_fixed_fee: %w", symbol, err)
			}
		}
	}
	for code, max := range c.Limits.MaxAmounts {
		if _, err := deal.ParseAmount(max); err != nil {
			return fmt.Errorf("limits: bad max_amount for %s: %w", code, err)
		}
	}
	return nil
}

// ChainNetwork maps the config network name onto the chain registry.
func (c *Config) ChainNetwork() chain.Network {
	if c.Network == "testnet" {
		return chain.Testnet
	}
	return chain.Mainnet
}

// SwapGracePeriod returns the engine's WAITING hold as a duration.
func (c *Config) SwapGracePeriod() time.Duration {
	return time.Duration(c.Engine.SwapGracePeriodSeconds) * time.Second
}

// OracleMaxAge returns the manual quote staleness bound.
func (c *Config) OracleMaxAge() time.Duration {
	return time.Duration(c.Oracle.MaxAgeHours) * time.Hour
}

// EnabledChains returns the enabled chain configs keyed by their
// resolved chain params. Symbols the registry does not know for the
// configured network are skipped; Validate has already rejected those.
func (c *Config) EnabledChains() map[*chain.Params]*ChainConfig {
	out := make(map[*chain.Params]*ChainConfig)
	for symbol, cc := range c.Chains {
		if !cc.Enabled {
			continue
		}
		if params, ok := chain.Get(symbol, c.ChainNetwork()); ok {
			out[params] = cc
		}
	}
	return out
}

// OperatorAddresses returns the commission destinations keyed by
// settlement chain id.
func (c *Config) OperatorAddresses() map[uint64]string {
	out := make(map[uint64]string)
	for params, cc := range c.EnabledChains() {
		if cc.OperatorAddress != "" {
			out[params.ChainID] = cc.OperatorAddress
		}
	}
	return out
}

// ERC20Fees returns the flat token fees keyed by settlement chain id.
func (c *Config) ERC20Fees() map[uint64]*deal.Amount {
	out := make(map[uint64]*deal.Amount)
	for params, cc := range c.EnabledChains() {
		if cc.ERC20FixedFee == "" {
			continue
		}
		if amt, err := deal.ParseAmount(cc.ERC20FixedFee); err == nil {
			out[params.ChainID] = amt
		}
	}
	return out
}

// AllowedAssetSet returns the asset allow-list as a lookup set. Empty
// means unrestricted.
func (c *Config) AllowedAssetSet() map[string]bool {
	set := make(map[string]bool, len(c.Limits.AllowedAssets))
	for _, code := range c.Limits.AllowedAssets {
		set[code] = true
	}
	return set
}

// MaxAmountLimits returns the per-asset trade caps. Assets without an
// entry are uncapped.
func (c *Config) MaxAmountLimits() map[string]*deal.Amount {
	out := make(map[string]*deal.Amount, len(c.Limits.MaxAmounts))
	for code, max := range c.Limits.MaxAmounts {
		if amt, err := deal.ParseAmount(max); err == nil {
			out[code] = amt
		}
	}
	return out
}

// StablecoinSet returns the stablecoin asset codes as a lookup set.
func (c *Config) StablecoinSet() map[string]bool {
	set := make(map[string]bool, len(c.Commission.Stablecoins))
	for _, code := range c.Commission.Stablecoins {
		set[code] = true
	}
	return set
}

// ExpandDataDir resolves a leading ~ against the home directory.
func (c *Config) ExpandDataDir() (string, error) {
	dir := c.DataDir
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		dir = home + dir[1:]
	}
	return dir, nil
}

// PartyLink builds the fill link for one side of a deal.
func (c *Config) PartyLink(dealID string, side deal.Side, token string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + "/d/" + dealID + "/" + side.LinkForm() + "/" + token
}
