package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"timerbot/pkg/logx"
)

// redisStore layout (prefix defaults to "timerbot:"):
//
//	<prefix>defaults           HASH guild -> duration ms
//	<prefix>audit:<guild>      ZSET score=at ms, member=JSON entry
//	<prefix>audit:guilds       SET of guilds with audit entries
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisStore(client, cfg.Redis.KeyPrefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = "timerbot:"
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) defaultsKey() string          { return s.prefix + "defaults" }
func (s *redisStore) guildsKey() string            { return s.prefix + "audit:guilds" }
func (s *redisStore) auditKey(guild string) string { return s.prefix + "audit:" + guild }

// auditMember makes identical entries distinct members of the sorted set.
type auditMember struct {
	ID string `json:"id"`
	AuditEntry
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(auditMember{ID: uuid.NewString(), AuditEntry: e})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.auditKey(e.GuildID), redis.Z{Score: float64(e.At.UnixMilli()), Member: string(b)})
		p.SAdd(ctx, s.guildsKey(), e.GuildID)
		return nil
	})
	return err
}

func (s *redisStore) RecentAudit(ctx context.Context, guild string, limit int) ([]AuditEntry, error) {
	raw, err := s.client.ZRevRange(ctx, s.auditKey(guild), 0, int64(clampLimit(limit)-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(raw))
	for _, m := range raw {
		var am auditMember
		if err := json.Unmarshal([]byte(m), &am); err != nil {
			s.log.Debug("skipping corrupt audit member", logx.Err(err))
			continue
		}
		out = append(out, am.AuditEntry)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *redisStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	guilds, err := s.client.SMembers(ctx, s.guildsKey()).Result()
	if err != nil {
		return 0, err
	}
	maxScore := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	var removed int64
	for _, g := range guilds {
		n, err := s.client.ZRemRangeByScore(ctx, s.auditKey(g), "-inf", maxScore).Result()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (s *redisStore) PutDefault(ctx context.Context, guild string, d time.Duration) error {
	if strings.TrimSpace(guild) == "" {
		return errors.New("empty guild")
	}
	return s.client.HSet(ctx, s.defaultsKey(), guild, d.Milliseconds()).Err()
}

func (s *redisStore) ListDefaults(ctx context.Context) (map[string]time.Duration, error) {
	m, err := s.client.HGetAll(ctx, s.defaultsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Duration, len(m))
	for g, v := range m {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.log.Debug("skipping corrupt default", logx.String("guild", g), logx.Err(err))
			continue
		}
		out[g] = time.Duration(ms) * time.Millisecond
	}
	return out, nil
}
