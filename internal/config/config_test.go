package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
discord:
  token: "abc"
  admin_user_ids: ["1", "2"]
logging:
  level: debug
  console: true
timers:
  max_per_guild: 5
  max_total: 50
  default_duration: 10m
commands:
  prefix: "!t"
storage:
  driver: sqlite
  path: ./t.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "abc", cfg.Discord.Token)
	assert.Equal(t, []string{"1", "2"}, cfg.Discord.AdminUserIDs)
	assert.Equal(t, 5, cfg.Timers.MaxPerGuild)
	assert.Equal(t, "10m", cfg.Timers.DefaultDuration)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Same(t, cfg, m.Get())
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.json", `{"discord":{"token":"x"},"bogus":1}`))
	_, err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestDecodeYAMLAliasesAndKeys(t *testing.T) {
	cfg, err := Decode("c.yml", []byte(`
admins: &admins ["7", "8"]
discord:
  token: x
  admin_user_ids: *admins
`))
	require.Error(t, err, "unknown top-level key")
	assert.Contains(t, err.Error(), "admins")
	assert.Nil(t, cfg)

	cfg, err = Decode("c.yml", []byte("discord:\n  token: &tok x\n  log_channel_id: *tok\n"))
	require.NoError(t, err)
	assert.Equal(t, "x", cfg.Discord.LogChannelID)

	_, err = Decode("c.yaml", []byte("discord:\n  ? [a, b]\n  : x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	cfg, err = Decode("c.yaml", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Discord.Token)
}

func TestLoadRejectsTrailingData(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"discord":{"token":"x"}}{}`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Discord: DiscordConfig{Token: "x"}}
	}
	require.NoError(t, Validate(base()))

	c := base()
	c.Discord.Token = ""
	assert.ErrorContains(t, Validate(c), "discord.token")

	c = base()
	c.Timers.MaxPerGuild, c.Timers.MaxTotal = 20, 10
	assert.ErrorContains(t, Validate(c), "max_per_guild")

	c = base()
	c.Timers.WarningWindow = "soon"
	assert.ErrorContains(t, Validate(c), "timers.warning_window")

	c = base()
	c.Storage = &StorageConfig{Driver: "redis"}
	assert.ErrorContains(t, Validate(c), "storage.redis.addr")

	c = base()
	c.Storage = &StorageConfig{Driver: "mongo"}
	assert.ErrorContains(t, Validate(c), "not supported")

	c = base()
	c.Housekeeping = HousekeepingConfig{Enabled: true, PruneSpec: "every tuesday"}
	assert.ErrorContains(t, Validate(c), "prune_spec")

	c = base()
	c.Observability = ObservabilityConfig{Enabled: true, Addr: "0.0.0.0:9090"}
	assert.ErrorContains(t, Validate(c), "not loopback")
	c.Observability.Token = "secret"
	assert.NoError(t, Validate(c))
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", "250ms", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
	assert.Equal(t, time.Second, MustDuration("junk", time.Second))
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	p := writeFile(t, "config.json", `{"discord":{"token":"x"}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	published, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, published, "unchanged content is not republished")

	require.NoError(t, os.WriteFile(p, []byte(`{"discord":{"token":"x"},"timers":{"max_total":7}}`), 0o600))
	published, err = m.Reload(ctx)
	require.NoError(t, err)
	require.True(t, published)
	got := <-ch
	assert.Equal(t, 7, got.Timers.MaxTotal)

	require.NoError(t, os.WriteFile(p, []byte(`{"discord":{"token":""}}`), 0o600))
	_, err = m.Reload(ctx)
	assert.ErrorContains(t, err, "config rejected")
	assert.Equal(t, 7, m.Get().Timers.MaxTotal)
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	m.publish(&Config{Timers: TimersConfig{MaxTotal: 1}})
	m.publish(&Config{Timers: TimersConfig{MaxTotal: 2}})
	assert.Equal(t, 2, (<-ch).Timers.MaxTotal)
}

func TestWatchPicksUpChange(t *testing.T) {
	p := writeFile(t, "config.json", `{"discord":{"token":"x"}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// give the watcher a moment to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"discord":{"token":"x"},"commands":{"prefix":"!w"}}`), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "!w", cfg.Commands.Prefix)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	cancel()
	<-done
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	a := &Config{Discord: DiscordConfig{Token: "old"}, Storage: &StorageConfig{Driver: "redis", Redis: &RedisConfig{Addr: "x", Password: "p1"}}}
	b := &Config{Discord: DiscordConfig{Token: "new"}, Storage: &StorageConfig{Driver: "redis", Redis: &RedisConfig{Addr: "x", Password: "p2"}}, Timers: TimersConfig{MaxTotal: 3}}

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"discord", "storage", "timers"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, changed)
}
