// Package config defines the top-level configuration for the metamarket
// client and provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by METAMARKET_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Executor   ExecutorConfig   `toml:"executor"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	Redis      RedisConfig      `toml:"redis"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	MarketID   int              `toml:"market_id"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig lists the keys held by the local identity provider.
type WalletConfig struct {
	PrivateKeys       []string `toml:"private_keys"`
	EncryptedKeyPaths []string `toml:"encrypted_key_paths"`
	KeyPassword       string   `toml:"key_password"`

	// AutoApprove skips the terminal prompt for connects and signatures.
	AutoApprove bool `toml:"auto_approve"`
	// AutoConnect restores a session at startup without a connect request.
	AutoConnect bool `toml:"auto_connect"`
}

// LedgerConfig points the client at a node and the market contracts.
type LedgerConfig struct {
	RPCURL        string `toml:"rpc_url"`
	ChainID       int    `toml:"chain_id"`
	MarketAddress string `toml:"market_address"`
	TokenAddress  string `toml:"token_address"`

	// Networks maps a decimal chain id to the contracts deployed there.
	Networks map[string]NetworkConfig `toml:"networks"`

	Gas         GasConfig `toml:"gas"`
	ReceiptPoll duration  `toml:"receipt_poll"`
	CallTimeout duration  `toml:"call_timeout"`
}

// NetworkConfig is one per-chain contract binding.
type NetworkConfig struct {
	MarketAddress string `toml:"market_address"`
	TokenAddress  string `toml:"token_address"`
}

// GasConfig holds the fixed gas limit for each write.
type GasConfig struct {
	Approve int `toml:"approve"`
	Trade   int `toml:"trade"`
	Claim   int `toml:"claim"`
	Faucet  int `toml:"faucet"`
}

// ExecutorConfig tunes the trade pipeline.
type ExecutorConfig struct {
	AttemptTimeout duration `toml:"attempt_timeout"`
	LockTTL        duration `toml:"lock_ttl"`
	Retain         duration `toml:"retain"`
}

// ReconcilerConfig tunes background refreshes.
type ReconcilerConfig struct {
	Debounce      duration `toml:"debounce"`
	WalletRefresh duration `toml:"wallet_refresh"`
	ChainPoll     duration `toml:"chain_poll"`
	WatchTrades   bool     `toml:"watch_trades"`
}

// RedisConfig holds Redis connection parameters. When disabled the client
// runs on in-process caches only.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			RPCURL:   "http://localhost:8545",
			ChainID:  31337,
			Networks: map[string]NetworkConfig{},
			Gas: GasConfig{
				Approve: 100_000,
				Trade:   500_000,
				Claim:   500_000,
				Faucet:  200_000,
			},
			ReceiptPoll: duration{time.Second},
			CallTimeout: duration{15 * time.Second},
		},
		Executor: ExecutorConfig{
			AttemptTimeout: duration{10 * time.Minute},
			LockTTL:        duration{10 * time.Minute},
			Retain:         duration{30 * time.Minute},
		},
		Reconciler: ReconcilerConfig{
			Debounce:      duration{time.Second},
			WalletRefresh: duration{time.Second},
			ChainPoll:     duration{5 * time.Second},
			WatchTrades:   true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Server: ServerConfig{
			Enabled:     true,
			Host:        "127.0.0.1",
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"trade_confirmed", "trade_failed", "claim_confirmed", "faucet_minted", "session_changed"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"watch":  true,
	"faucet": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Contracts returns the market and token addresses deployed on chainID. The
// top-level addresses belong to ledger.chain_id; other chains come from
// ledger.networks. ok is false when chainID has no deployment.
func (l LedgerConfig) Contracts(chainID int64) (market, token common.Address, ok bool) {
	if chainID == int64(l.ChainID) && l.MarketAddress != "" {
		return common.HexToAddress(l.MarketAddress), common.HexToAddress(l.TokenAddress), true
	}
	n, found := l.Networks[strconv.FormatInt(chainID, 10)]
	if !found || n.MarketAddress == "" {
		return common.Address{}, common.Address{}, false
	}
	return common.HexToAddress(n.MarketAddress), common.HexToAddress(n.TokenAddress), true
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, watch, faucet)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet. Faucet mode signs without a browser-style prompt, so it needs keys.
	if c.Wallet.KeyPassword == "" && len(c.Wallet.EncryptedKeyPaths) > 0 {
		errs = append(errs, "wallet: key_password is required when encrypted_key_paths is set")
	}
	if strings.EqualFold(c.Mode, "faucet") && len(c.Wallet.PrivateKeys) == 0 && len(c.Wallet.EncryptedKeyPaths) == 0 {
		errs = append(errs, "wallet: private_keys or encrypted_key_paths must be set for mode faucet")
	}

	// Ledger
	if u, err := url.Parse(c.Ledger.RPCURL); c.Ledger.RPCURL == "" || err != nil || u.Scheme == "" {
		errs = append(errs, fmt.Sprintf("ledger: rpc_url %q is not a valid URL", c.Ledger.RPCURL))
	}
	if c.Ledger.ChainID <= 0 {
		errs = append(errs, "ledger: chain_id must be positive")
	}
	errs = appendAddressErrs(errs, "ledger", c.Ledger.MarketAddress, c.Ledger.TokenAddress)
	for id, n := range c.Ledger.Networks {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			errs = append(errs, fmt.Sprintf("ledger.networks: key %q is not a chain id", id))
		}
		errs = appendAddressErrs(errs, "ledger.networks."+id, n.MarketAddress, n.TokenAddress)
	}
	if _, _, ok := c.Ledger.Contracts(int64(c.Ledger.ChainID)); !ok {
		errs = append(errs, fmt.Sprintf("ledger: no market_address configured for chain_id %d", c.Ledger.ChainID))
	}
	if c.Ledger.Gas.Approve <= 0 || c.Ledger.Gas.Trade <= 0 || c.Ledger.Gas.Claim <= 0 || c.Ledger.Gas.Faucet <= 0 {
		errs = append(errs, "ledger.gas: every limit must be positive")
	}
	if c.Ledger.ReceiptPoll.Duration <= 0 {
		errs = append(errs, "ledger: receipt_poll must be positive")
	}

	// Reconciler
	if c.Reconciler.Debounce.Duration < 0 {
		errs = append(errs, "reconciler: debounce must not be negative")
	}
	if c.Reconciler.WalletRefresh.Duration <= 0 {
		errs = append(errs, "reconciler: wallet_refresh must be positive")
	}
	if c.Reconciler.ChainPoll.Duration <= 0 {
		errs = append(errs, "reconciler: chain_poll must be positive")
	}

	// Watch mode follows one market.
	if strings.EqualFold(c.Mode, "watch") && c.MarketID < 0 {
		errs = append(errs, "market_id must not be negative")
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty when enabled")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}

	// Notify
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func appendAddressErrs(errs []string, section, market, token string) []string {
	if market != "" && !common.IsHexAddress(market) {
		errs = append(errs, fmt.Sprintf("%s: market_address %q is not a hex address", section, market))
	}
	if token != "" && !common.IsHexAddress(token) {
		errs = append(errs, fmt.Sprintf("%s: token_address %q is not a hex address", section, token))
	}
	if market != "" && token == "" {
		errs = append(errs, section+": token_address is required with market_address")
	}
	return errs
}
