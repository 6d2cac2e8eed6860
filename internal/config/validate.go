package config

import (
	"errors"
	"fmt"
	"strings"

	"notifygw/pkg/logx"
)

// Validate rejects configs that cannot be mapped onto the runtime. It is run
// on startup and again before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	durations := map[string]string{
		"http.send_timeout":        cfg.HTTP.SendTimeout,
		"session.backoff_base":     cfg.Session.BackoffBase,
		"session.backoff_cap":      cfg.Session.BackoffCap,
		"session.connect_timeout":  cfg.Session.ConnectTimeout,
		"session.send_timeout":     cfg.Session.SendTimeout,
		"transport.poll_wait":      cfg.Transport.PollWait,
		"credentials.busy_timeout": cfg.Credentials.BusyTimeout,
		"challenge.grace":          cfg.Challenge.Grace,
		"queue.interval":           cfg.Queue.Interval,
		"queue.send_delay":         cfg.Queue.SendDelay,
		"status.interval":          cfg.Status.Interval,
	}
	for field, raw := range durations {
		if _, err := Duration(field, raw); err != nil {
			errs = append(errs, err)
		}
	}
	base, _ := Duration("session.backoff_base", cfg.Session.BackoffBase)
	capd, _ := Duration("session.backoff_cap", cfg.Session.BackoffCap)
	if base > 0 && capd > 0 && base > capd {
		errs = append(errs, errors.New("session.backoff_base must be <= session.backoff_cap"))
	}

	ints := map[string]int64{
		"http.max_body_bytes":            cfg.HTTP.MaxBodyBytes,
		"session.retry_max":              int64(cfg.Session.RetryMax),
		"queue.capacity":                 int64(cfg.Queue.Capacity),
		"queue.batch_max":                int64(cfg.Queue.BatchMax),
		"queue.retry_max":                int64(cfg.Queue.RetryMax),
		"challenge.size":                 int64(cfg.Challenge.Size),
		"credentials.scrypt_work_factor": int64(cfg.Credentials.ScryptWorkFactor),
		"logging.operator.rate_per_sec":  int64(cfg.Logging.Operator.RatePerSec),
	}
	for field, v := range ints {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", field))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "loopback":
	case "bridge":
		if strings.TrimSpace(cfg.Transport.BridgeURL) == "" {
			errs = append(errs, errors.New("transport.bridge_url is required when transport.driver=bridge"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Credentials.Driver)) {
	case "", "file":
	case "sqlite", "sqlite3", "bolt", "bbolt":
		if strings.TrimSpace(cfg.Credentials.Path) == "" {
			errs = append(errs, fmt.Errorf("credentials.path is required when credentials.driver=%s", cfg.Credentials.Driver))
		}
	case "redis":
		if strings.TrimSpace(cfg.Credentials.RedisAddr) == "" {
			errs = append(errs, errors.New("credentials.redis_addr is required when credentials.driver=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown credentials.driver: %s", cfg.Credentials.Driver))
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: invalid %q", lvl))
	}
	if lvl := strings.TrimSpace(cfg.Logging.Operator.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.operator.min_level: invalid %q", lvl))
	}

	if op := cfg.Operator; op != nil && strings.TrimSpace(op.TelegramToken) != "" && op.ChatID == 0 {
		errs = append(errs, errors.New("operator.chat_id is required when operator.telegram_token is set"))
	}
	return errors.Join(errs...)
}
