package config

import (
	"reflect"
	"sort"
	"strings"

	"notifygw/pkg/logx"
)

// Live lists the sections applied without a restart. Everything else is
// logged as restart-required.
var Live = map[string]bool{"logging": true, "queue": true, "status": true}

// SummarizeChange returns the changed sections and log-safe fields
// describing them. Secrets are reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr), logx.Bool("http.pprof", newCfg.HTTP.Pprof))
	}
	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.name", newCfg.Session.Name),
			logx.Bool("session.bot_phone_set", newCfg.Session.BotPhone != ""),
			logx.Int("session.retry_max", newCfg.Session.RetryMax),
		)
	}
	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", newCfg.Transport.Driver),
			logx.Bool("transport.token_set", strings.TrimSpace(newCfg.Transport.BridgeToken) != ""),
		)
	}
	if oldCfg.Credentials != newCfg.Credentials {
		changed = append(changed, "credentials")
		attrs = append(attrs,
			logx.String("credentials.driver", newCfg.Credentials.Driver),
			logx.Bool("credentials.sealed", newCfg.Credentials.Passphrase != ""),
		)
	}
	if oldCfg.Challenge != newCfg.Challenge {
		changed = append(changed, "challenge")
		attrs = append(attrs, logx.Bool("challenge.terminal", newCfg.Challenge.Terminal))
	}
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.capacity", newCfg.Queue.Capacity),
			logx.String("queue.interval", newCfg.Queue.Interval),
			logx.String("queue.send_delay", newCfg.Queue.SendDelay),
			logx.Int("queue.batch_max", newCfg.Queue.BatchMax),
			logx.Int("queue.retry_max", newCfg.Queue.RetryMax),
		)
	}
	if !reflect.DeepEqual(oldCfg.Phone, newCfg.Phone) {
		changed = append(changed, "phone")
		attrs = append(attrs, logx.String("phone.country_code", newCfg.Phone.CountryCode))
	}
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs, logx.String("status.interval", newCfg.Status.Interval))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.operator_enabled", newCfg.Logging.Operator.Enabled),
		)
	}
	var oldOp, newOp OperatorConfig
	if oldCfg.Operator != nil {
		oldOp = *oldCfg.Operator
	}
	if newCfg.Operator != nil {
		newOp = *newCfg.Operator
	}
	if oldOp != newOp {
		changed = append(changed, "operator")
		attrs = append(attrs, logx.Bool("operator.token_set", newOp.TelegramToken != ""), logx.Int64("operator.chat_id", newOp.ChatID))
	}

	sort.Strings(changed)
	return changed, attrs
}
