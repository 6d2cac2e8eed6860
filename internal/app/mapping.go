package app

import (
	"strings"
	"time"

	"notifygw/internal/challenge"
	"notifygw/internal/config"
	"notifygw/internal/credstore"
	"notifygw/internal/gateway"
	"notifygw/internal/operator/telegram"
	"notifygw/internal/outbox"
	"notifygw/internal/render"
	"notifygw/internal/session"
	"notifygw/internal/status"
	"notifygw/internal/transport/bridge"
	"notifygw/pkg/logx"
)

const (
	defaultAddr           = ":3001"
	defaultCredentialsDir = "./data/auth"
	defaultChallengeDir   = "./data"
)

// Every mapper assumes cfg passed config.Validate, so duration parse errors
// are still returned but never expected.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	}
}

func mapCredentials(cfg *config.Config) (credstore.Config, error) {
	c := cfg.Credentials
	busy, err := config.Duration("credentials.busy_timeout", c.BusyTimeout)
	if err != nil {
		return credstore.Config{}, err
	}
	path := strings.TrimSpace(c.Path)
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if path == "" && (driver == "" || driver == "file") {
		path = defaultCredentialsDir
	}
	return credstore.Config{
		Driver:           driver,
		Path:             path,
		BusyTimeout:      busy,
		RedisAddr:        c.RedisAddr,
		RedisPassword:    c.RedisPassword,
		RedisDB:          c.RedisDB,
		RedisPrefix:      c.RedisPrefix,
		Passphrase:       c.Passphrase,
		ScryptWorkFactor: c.ScryptWorkFactor,
	}, nil
}

func mapBridge(cfg *config.Config) (bridge.Config, error) {
	wait, err := config.Duration("transport.poll_wait", cfg.Transport.PollWait)
	if err != nil {
		return bridge.Config{}, err
	}
	return bridge.Config{BaseURL: cfg.Transport.BridgeURL, Token: cfg.Transport.BridgeToken, PollWait: wait}, nil
}

func mapSession(cfg *config.Config) (session.Config, error) {
	s := cfg.Session
	base, err := config.DurationOr("session.backoff_base", s.BackoffBase, session.DefaultBackoffBase)
	if err != nil {
		return session.Config{}, err
	}
	ceil, err := config.DurationOr("session.backoff_cap", s.BackoffCap, session.DefaultBackoffCap)
	if err != nil {
		return session.Config{}, err
	}
	connect, err := config.Duration("session.connect_timeout", s.ConnectTimeout)
	if err != nil {
		return session.Config{}, err
	}
	send, err := config.Duration("session.send_timeout", s.SendTimeout)
	if err != nil {
		return session.Config{}, err
	}
	norm := mapNormalizer(cfg)
	botPhone := ""
	if strings.TrimSpace(s.BotPhone) != "" {
		botPhone = norm.Normalize(s.BotPhone)
	}
	return session.Config{
		Name:           s.Name,
		BotPhone:       botPhone,
		RetryMax:       s.RetryMax,
		Backoff:        session.Backoff{Base: base, Cap: ceil},
		SendTimeout:    send,
		ConnectTimeout: connect,
	}, nil
}

func mapChallenge(cfg *config.Config) (challenge.Config, error) {
	grace, err := config.Duration("challenge.grace", cfg.Challenge.Grace)
	if err != nil {
		return challenge.Config{}, err
	}
	dir := strings.TrimSpace(cfg.Challenge.Dir)
	if dir == "" {
		dir = defaultChallengeDir
	}
	return challenge.Config{Dir: dir, Size: cfg.Challenge.Size, Grace: grace, Terminal: cfg.Challenge.Terminal}, nil
}

func mapDrainer(cfg *config.Config) (outbox.Config, error) {
	q := cfg.Queue
	interval, err := config.Duration("queue.interval", q.Interval)
	if err != nil {
		return outbox.Config{}, err
	}
	delay, err := config.Duration("queue.send_delay", q.SendDelay)
	if err != nil {
		return outbox.Config{}, err
	}
	return outbox.Config{Interval: interval, SendDelay: delay, BatchMax: q.BatchMax, RetryMax: q.RetryMax}, nil
}

func mapStatus(cfg *config.Config) (status.Config, error) {
	every, err := config.Duration("status.interval", cfg.Status.Interval)
	return status.Config{Interval: every}, err
}

func mapGateway(cfg *config.Config) (gateway.Config, error) {
	send, err := config.Duration("http.send_timeout", cfg.HTTP.SendTimeout)
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{SendTimeout: send, MaxBodyBytes: cfg.HTTP.MaxBodyBytes}, nil
}

func mapNormalizer(cfg *config.Config) render.Normalizer {
	return render.NewNormalizer(cfg.Phone.CountryCode, cfg.Phone.Prefixes...)
}

func mapAddr(cfg *config.Config) string {
	if addr := strings.TrimSpace(cfg.HTTP.Addr); addr != "" {
		return addr
	}
	return defaultAddr
}

// mapOperator reports false when no operator chat is configured.
func mapOperator(cfg *config.Config) (telegram.Config, bool) {
	op := cfg.Operator
	if op == nil || strings.TrimSpace(op.TelegramToken) == "" {
		return telegram.Config{}, false
	}
	return telegram.Config{Token: op.TelegramToken, ChatID: op.ChatID, ThreadID: op.ThreadID, Timeout: 15 * time.Second}, true
}
