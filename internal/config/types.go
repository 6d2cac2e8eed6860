package config

// Config is the on-disk gateway configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "15s", "1m").
// Omitted fields fall back to component defaults when the app maps them.
type Config struct {
	HTTP        HTTPConfig        `json:"http"`
	Session     SessionConfig     `json:"session"`
	Transport   TransportConfig   `json:"transport"`
	Credentials CredentialsConfig `json:"credentials"`
	Challenge   ChallengeConfig   `json:"challenge"`
	Queue       QueueConfig       `json:"queue"`
	Phone       PhoneConfig       `json:"phone"`
	Status      StatusConfig      `json:"status"`
	Logging     LoggingConfig     `json:"logging"`

	// Operator is optional. When set, challenges and high-severity log
	// records are mirrored to a Telegram chat.
	Operator *OperatorConfig `json:"operator,omitempty"`
}

type HTTPConfig struct {
	// Addr defaults to ":3001". The PORT env var overrides the port.
	Addr         string `json:"addr"`
	SendTimeout  string `json:"send_timeout,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
	// Pprof mounts /debug/pprof on the API listener. Keep off in production.
	Pprof bool `json:"pprof,omitempty"`
}

type SessionConfig struct {
	Name string `json:"name"`
	// BotPhone is the gateway's own number; required for pairing-code login.
	BotPhone       string `json:"bot_phone,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	BackoffBase    string `json:"backoff_base,omitempty"`
	BackoffCap     string `json:"backoff_cap,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
}

// TransportConfig selects the chat network transport.
//
// Example:
//
//	"transport": { "driver": "bridge", "bridge_url": "http://127.0.0.1:8090" }
type TransportConfig struct {
	Driver      string `json:"driver"` // bridge | loopback
	BridgeURL   string `json:"bridge_url,omitempty"`
	BridgeToken string `json:"bridge_token,omitempty"` // do not log
	PollWait    string `json:"poll_wait,omitempty"`
	// Challenge makes the loopback driver demand a QR login.
	Challenge bool `json:"challenge,omitempty"`
}

// CredentialsConfig controls where the session credentials live.
//
// Example:
//
//	"credentials": { "driver": "sqlite", "path": "./data/creds.db" }
type CredentialsConfig struct {
	Driver        string `json:"driver"` // file | sqlite | bolt | redis
	Path          string `json:"path,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"` // do not log
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPrefix   string `json:"redis_prefix,omitempty"`
	// Passphrase seals stored credentials with age. Do not log.
	Passphrase       string `json:"passphrase,omitempty"`
	ScryptWorkFactor int    `json:"scrypt_work_factor,omitempty"`
}

type ChallengeConfig struct {
	Dir      string `json:"dir"`
	Size     int    `json:"size,omitempty"`
	Grace    string `json:"grace,omitempty"`
	Terminal bool   `json:"terminal"`
}

type QueueConfig struct {
	Capacity  int    `json:"capacity,omitempty"`
	Interval  string `json:"interval,omitempty"`
	SendDelay string `json:"send_delay,omitempty"`
	BatchMax  int    `json:"batch_max,omitempty"`
	RetryMax  int    `json:"retry_max,omitempty"`
}

type PhoneConfig struct {
	CountryCode string `json:"country_code"`
	// Prefixes are extra country codes accepted as already international.
	Prefixes []string `json:"prefixes,omitempty"`
}

type StatusConfig struct {
	Interval string `json:"interval,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type OperatorConfig struct {
	TelegramToken string `json:"telegram_token"` // do not log
	ChatID        int64  `json:"chat_id"`
	ThreadID      int    `json:"thread_id,omitempty"`
}
