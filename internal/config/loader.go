package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies METAMARKET_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
//
// An empty path skips the file and yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known METAMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStringSlice(&cfg.Wallet.PrivateKeys, "METAMARKET_WALLET_PRIVATE_KEYS")
	setStringSlice(&cfg.Wallet.EncryptedKeyPaths, "METAMARKET_WALLET_ENCRYPTED_KEY_PATHS")
	setStr(&cfg.Wallet.KeyPassword, "METAMARKET_WALLET_KEY_PASSWORD")
	setBool(&cfg.Wallet.AutoApprove, "METAMARKET_WALLET_AUTO_APPROVE")
	setBool(&cfg.Wallet.AutoConnect, "METAMARKET_WALLET_AUTO_CONNECT")

	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "METAMARKET_LEDGER_RPC_URL")
	setInt(&cfg.Ledger.ChainID, "METAMARKET_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.MarketAddress, "METAMARKET_LEDGER_MARKET_ADDRESS")
	setStr(&cfg.Ledger.TokenAddress, "METAMARKET_LEDGER_TOKEN_ADDRESS")
	setDuration(&cfg.Ledger.ReceiptPoll, "METAMARKET_LEDGER_RECEIPT_POLL")
	setDuration(&cfg.Ledger.CallTimeout, "METAMARKET_LEDGER_CALL_TIMEOUT")

	// ── Executor ──
	setDuration(&cfg.Executor.AttemptTimeout, "METAMARKET_EXECUTOR_ATTEMPT_TIMEOUT")
	setDuration(&cfg.Executor.LockTTL, "METAMARKET_EXECUTOR_LOCK_TTL")
	setDuration(&cfg.Executor.Retain, "METAMARKET_EXECUTOR_RETAIN")

	// ── Reconciler ──
	setDuration(&cfg.Reconciler.Debounce, "METAMARKET_RECONCILER_DEBOUNCE")
	setDuration(&cfg.Reconciler.WalletRefresh, "METAMARKET_RECONCILER_WALLET_REFRESH")
	setDuration(&cfg.Reconciler.ChainPoll, "METAMARKET_RECONCILER_CHAIN_POLL")
	setBool(&cfg.Reconciler.WatchTrades, "METAMARKET_RECONCILER_WATCH_TRADES")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "METAMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "METAMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "METAMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "METAMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "METAMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "METAMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "METAMARKET_REDIS_TLS_ENABLED")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "METAMARKET_SERVER_ENABLED")
	setStr(&cfg.Server.Host, "METAMARKET_SERVER_HOST")
	setInt(&cfg.Server.Port, "METAMARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "METAMARKET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "METAMARKET_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "METAMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "METAMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "METAMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "METAMARKET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "METAMARKET_MODE")
	setInt(&cfg.MarketID, "METAMARKET_MARKET_ID")
	setStr(&cfg.LogLevel, "METAMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
