package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"timerbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer keeps SQLITE_BUSY away
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at_ms, event, timer_id, guild_id, channel_id, label, duration_ms, remaining_ms, detail)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.Event, nullStr(e.TimerID), e.GuildID, e.ChannelID,
		nullStr(e.Label), e.DurationMS, e.RemainingMS, nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, guild string, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at_ms, event, COALESCE(timer_id,''), guild_id, channel_id, COALESCE(label,''),
		        duration_ms, remaining_ms, COALESCE(detail,'')
		   FROM audit WHERE guild_id = ? ORDER BY at_ms DESC, id DESC LIMIT ?`,
		guild, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at int64
		)
		if err := rows.Scan(&at, &e.Event, &e.TimerID, &e.GuildID, &e.ChannelID, &e.Label,
			&e.DurationMS, &e.RemainingMS, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PutDefault(ctx context.Context, guild string, d time.Duration) error {
	if strings.TrimSpace(guild) == "" {
		return errors.New("empty guild")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guild_defaults(guild_id, duration_ms, updated_ms) VALUES(?,?,?)
		 ON CONFLICT(guild_id) DO UPDATE SET duration_ms = excluded.duration_ms, updated_ms = excluded.updated_ms`,
		guild, d.Milliseconds(), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListDefaults(ctx context.Context) (map[string]time.Duration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id, duration_ms FROM guild_defaults`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]time.Duration{}
	for rows.Next() {
		var (
			g  string
			ms int64
		)
		if err := rows.Scan(&g, &ms); err != nil {
			return nil, err
		}
		out[g] = time.Duration(ms) * time.Millisecond
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
