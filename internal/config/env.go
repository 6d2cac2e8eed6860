package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// already set win. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment variables on cfg. Env always wins over the
// file so container deployments can run without one.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("PORT"); ok {
		host := ""
		if i := strings.LastIndex(cfg.HTTP.Addr, ":"); i > 0 {
			host = cfg.HTTP.Addr[:i]
		}
		cfg.HTTP.Addr = host + ":" + v
	}
	if v, ok := get("DEFAULT_COUNTRY_CODE"); ok {
		cfg.Phone.CountryCode = v
	}
	if v, ok := get("BOT_PHONE_NUMBER"); ok {
		cfg.Session.BotPhone = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get("CREDENTIALS_PASSPHRASE"); ok {
		cfg.Credentials.Passphrase = v
	}
	if v, ok := get("BRIDGE_URL"); ok {
		cfg.Transport.BridgeURL = v
		if cfg.Transport.Driver == "" {
			cfg.Transport.Driver = "bridge"
		}
	}
	if v, ok := get("BRIDGE_TOKEN"); ok {
		cfg.Transport.BridgeToken = v
	}
	if v, ok := get("OPERATOR_TELEGRAM_TOKEN"); ok {
		if cfg.Operator == nil {
			cfg.Operator = &OperatorConfig{}
		}
		cfg.Operator.TelegramToken = v
	}
}
