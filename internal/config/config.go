// Package config defines all configuration for the liquidity bridge.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BRIDGE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Signer    SignerConfig    `mapstructure:"signer"`
	FIX       FIXConfig       `mapstructure:"fix"`
	Rate      RateConfig      `mapstructure:"rate"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Split     SplitConfig     `mapstructure:"split"`
	WSRFQ     WSRFQConfig     `mapstructure:"wsrfq"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Tokens    []TokenConfig   `mapstructure:"tokens"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// UpstreamConfig locates the Deluthium RFQ source.
type UpstreamConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	WSURL      string `mapstructure:"ws_url"`
	AuthToken  string `mapstructure:"auth_token"`
	ChainID    int64  `mapstructure:"chain_id"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// SignerConfig selects the signing variant.
type SignerConfig struct {
	Mode       string `mapstructure:"mode"` // "local" or "kms"
	PrivateKey string `mapstructure:"private_key"`
	KMSURL     string `mapstructure:"kms_url"`
	FromAddr   string `mapstructure:"from_addr"`
	ToAddr     string `mapstructure:"to_addr"`
}

// FIXCounterparty is one configured FIX counterparty.
type FIXCounterparty struct {
	SenderCompID string `mapstructure:"sender_comp_id"`
	TargetCompID string `mapstructure:"target_comp_id"`
	Version      string `mapstructure:"version"`
	HeartbeatSec int    `mapstructure:"heartbeat_s"`
	ResetOnLogon bool   `mapstructure:"reset_on_logon"`
	Password     string `mapstructure:"password"`
	FeeRateBps   int64  `mapstructure:"fee_rate_bps"`
	Pairs        []string `mapstructure:"pairs"` // "BASE/QUOTE"; empty = all
}

// FIXConfig configures the acceptor.
type FIXConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	Host           string            `mapstructure:"host"`
	Port           int               `mapstructure:"port"`
	TLSCertPath    string            `mapstructure:"tls_cert_path"`
	TLSKeyPath     string            `mapstructure:"tls_key_path"`
	MaxSessions    int               `mapstructure:"max_sessions"`
	AllowedIPs     []string          `mapstructure:"allowed_ips"`
	Counterparties []FIXCounterparty `mapstructure:"counterparties"`
}

// RateConfig tunes the cache and publisher loop.
type RateConfig struct {
	RefreshIntervalMs int   `mapstructure:"refresh_interval_ms"`
	MarkupBps         int64 `mapstructure:"markup_bps"`
	MaxEntries        int   `mapstructure:"max_entries"`
}

// RefreshInterval returns the refresh period as a duration.
func (r RateConfig) RefreshInterval() time.Duration {
	if r.RefreshIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.RefreshIntervalMs) * time.Millisecond
}

// LifecycleConfig tunes the quote lifecycle engine.
type LifecycleConfig struct {
	DefaultQuoteValidityS int   `mapstructure:"default_quote_validity_s"`
	DefaultFeeRateBps     int64 `mapstructure:"default_fee_rate_bps"`
	SettleOnChain         bool  `mapstructure:"settle_on_chain"`
}

// BridgeMapping is one order-book bridge mapping.
type BridgeMapping struct {
	SrcToken string `mapstructure:"src_token"`
	DstToken string `mapstructure:"dst_token"`
	Ticker   string `mapstructure:"ticker"`
	Side     string `mapstructure:"side"`
	Size     string `mapstructure:"size"`
}

// BridgeConfig configures the order-book bridge.
type BridgeConfig struct {
	Enabled                  bool            `mapstructure:"enabled"`
	RefreshIntervalMs        int             `mapstructure:"refresh_interval_ms"`
	Strategy                 string          `mapstructure:"strategy"`
	MaxOrders                int             `mapstructure:"max_orders"`
	PriceDeviationThresholdBps int64         `mapstructure:"price_deviation_threshold_bps"`
	SpreadBps                int64           `mapstructure:"spread_bps"`
	VenueBaseURL             string          `mapstructure:"venue_base_url"`
	VenueWSURL               string          `mapstructure:"venue_ws_url"`
	Mappings                 []BridgeMapping `mapstructure:"mappings"`
}

// RefreshInterval returns the reconcile period as a duration.
func (b BridgeConfig) RefreshInterval() time.Duration {
	if b.RefreshIntervalMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(b.RefreshIntervalMs) * time.Millisecond
}

// SplitPair is one pair the split scanner keeps re-optimising.
type SplitPair struct {
	SrcToken string `mapstructure:"src_token"`
	DstToken string `mapstructure:"dst_token"`
	Amount   string `mapstructure:"amount"`
}

// SplitConfig configures the split router and its scanner loop.
type SplitConfig struct {
	Enabled        bool        `mapstructure:"enabled"`
	MinSplitBps    int64       `mapstructure:"min_split_bps"`
	MaxSlippageBps int64       `mapstructure:"max_slippage_bps"`
	ScanIntervalMs int         `mapstructure:"scan_interval_ms"`
	Pairs          []SplitPair `mapstructure:"pairs"`
	RPCURL         string      `mapstructure:"rpc_url"`
	V2Router       string      `mapstructure:"v2_router"`
	V3Quoter       string      `mapstructure:"v3_quoter"`
	WrappedNative  string      `mapstructure:"wrapped_native"`
}

// ScanInterval returns the scanner period as a duration.
func (s SplitConfig) ScanInterval() time.Duration {
	if s.ScanIntervalMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.ScanIntervalMs) * time.Millisecond
}

// WSRFQConfig configures the WS RFQ network connector.
type WSRFQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// JournalConfig bounds the audit journal.
type JournalConfig struct {
	MaxEntries int    `mapstructure:"max_entries"`
	MaxAgeH    int    `mapstructure:"max_age_h"`
	Dir        string `mapstructure:"dir"` // empty = in-memory only
}

// AdminConfig configures the admin/health server.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TokenConfig seeds the token registry.
type TokenConfig struct {
	Symbol  string `mapstructure:"symbol"`
	Address string `mapstructure:"address"`
	ChainID int64  `mapstructure:"chain_id"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the YAML config, applies env overrides and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.timeout_ms", 30000)
	v.SetDefault("upstream.max_retries", 3)
	v.SetDefault("fix.host", "0.0.0.0")
	v.SetDefault("fix.port", 9878)
	v.SetDefault("fix.max_sessions", 32)
	v.SetDefault("rate.refresh_interval_ms", 5000)
	v.SetDefault("rate.max_entries", 1024)
	v.SetDefault("lifecycle.default_quote_validity_s", 30)
	v.SetDefault("lifecycle.default_fee_rate_bps", 10)
	v.SetDefault("bridge.refresh_interval_ms", 2000)
	v.SetDefault("bridge.strategy", "mirror")
	v.SetDefault("bridge.max_orders", 16)
	v.SetDefault("bridge.price_deviation_threshold_bps", 20)
	v.SetDefault("split.min_split_bps", 500)
	v.SetDefault("split.max_slippage_bps", 50)
	v.SetDefault("split.scan_interval_ms", 30000)
	v.SetDefault("journal.max_entries", 10000)
	v.SetDefault("journal.max_age_h", 24)
	v.SetDefault("admin.port", 8085)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate enforces the required fields. Failures are fatal at startup.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.ChainID == 0 {
		return fmt.Errorf("upstream.chain_id is required")
	}
	switch c.Signer.Mode {
	case "", "local":
		if c.Signer.PrivateKey == "" && !c.DryRun {
			return fmt.Errorf("signer.private_key is required for local signing")
		}
	case "kms":
		if c.Signer.KMSURL == "" {
			return fmt.Errorf("signer.kms_url is required for kms signing")
		}
	default:
		return fmt.Errorf("signer.mode %q is not local or kms", c.Signer.Mode)
	}
	if c.FIX.Enabled && len(c.FIX.Counterparties) == 0 {
		return fmt.Errorf("fix.counterparties must not be empty when fix is enabled")
	}
	for _, cp := range c.FIX.Counterparties {
		if cp.SenderCompID == "" || cp.TargetCompID == "" {
			return fmt.Errorf("fix counterparty comp ids are required")
		}
	}
	switch c.Bridge.Strategy {
	case "", "mirror", "spread", "dynamic":
	default:
		return fmt.Errorf("bridge.strategy %q is not mirror, spread or dynamic", c.Bridge.Strategy)
	}
	if c.Bridge.Enabled && c.Bridge.VenueBaseURL == "" {
		return fmt.Errorf("bridge.venue_base_url is required when bridge is enabled")
	}
	if c.WSRFQ.Enabled && c.WSRFQ.URL == "" {
		return fmt.Errorf("wsrfq.url is required when wsrfq is enabled")
	}
	if c.Split.Enabled {
		if c.Split.RPCURL == "" {
			return fmt.Errorf("split.rpc_url is required when split routing is enabled")
		}
		for _, p := range c.Split.Pairs {
			if p.SrcToken == "" || p.DstToken == "" || p.Amount == "" {
				return fmt.Errorf("split pairs require src_token, dst_token and amount")
			}
		}
	}
	return nil
}
