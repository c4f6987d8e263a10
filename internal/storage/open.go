package storage

import (
	"fmt"
	"strings"

	"timerbot/pkg/logx"
)

// Open initializes the configured store. It returns (nil, nil) when
// storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 10
	case limit > 500:
		return 500
	default:
		return limit
	}
}
