package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so keys and tokens are never exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	// Wallet
	out.Wallet = cfg.Wallet
	if cfg.Wallet.PrivateKeys != nil {
		out.Wallet.PrivateKeys = make([]string, len(cfg.Wallet.PrivateKeys))
		for i, k := range cfg.Wallet.PrivateKeys {
			out.Wallet.PrivateKeys[i] = k
			redact(&out.Wallet.PrivateKeys[i])
		}
	}
	out.Wallet.EncryptedKeyPaths = copyStrings(cfg.Wallet.EncryptedKeyPaths)
	redact(&out.Wallet.KeyPassword)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// Server
	out.Server = cfg.Server
	redact(&out.Server.APIKey)
	out.Server.CORSOrigins = copyStrings(cfg.Server.CORSOrigins)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	out.Notify.Events = copyStrings(cfg.Notify.Events)

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Ledger.Networks != nil {
		out.Ledger.Networks = make(map[string]NetworkConfig, len(cfg.Ledger.Networks))
		for k, v := range cfg.Ledger.Networks {
			out.Ledger.Networks[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
