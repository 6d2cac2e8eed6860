package credstore

import (
	"errors"
	"strings"

	"notifygw/pkg/logx"
)

// Open initializes the configured store, wrapping it with Sealed when a
// passphrase is set.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "file"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "credstore"), logx.String("driver", driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "bolt", "bbolt":
		st, err = openBolt(cfg, log)
	case "redis":
		st, err = openRedis(cfg, log)
	default:
		return nil, errors.New("unknown credentials driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Passphrase == "" {
		return st, nil
	}
	sealed, err := NewSealed(st, cfg.Passphrase, cfg.ScryptWorkFactor)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Debug("credential sealing enabled")
	return sealed, nil
}
