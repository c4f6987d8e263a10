// Package housekeeping runs periodic maintenance on cron schedules:
// a stats log line and audit retention.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"timerbot/pkg/logx"
)

const (
	DefaultStatsSpec = "@every 5m"
	DefaultPruneSpec = "@daily"
	DefaultRetention = 30 * 24 * time.Hour
	jobTimeout       = time.Minute
)

type Config struct {
	Enabled   bool
	Timezone  string
	StatsSpec string
	PruneSpec string
	// AuditRetention <= 0 disables pruning.
	AuditRetention time.Duration
}

// Pruner deletes audit entries older than before.
type Pruner interface {
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

type Deps struct {
	// Stats returns the fields of the periodic stats line.
	Stats  func() []logx.Field
	Pruner Pruner
	Now    func() time.Time
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	deps   Deps
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		cfg:    normalize(cfg),
		deps:   deps,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func normalize(cfg Config) Config {
	cfg.StatsSpec = strings.TrimSpace(cfg.StatsSpec)
	if cfg.StatsSpec == "" {
		cfg.StatsSpec = DefaultStatsSpec
	}
	cfg.PruneSpec = strings.TrimSpace(cfg.PruneSpec)
	if cfg.PruneSpec == "" {
		cfg.PruneSpec = DefaultPruneSpec
	}
	return cfg
}

// Start schedules the jobs. It is a no-op when disabled or already
// started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.startLocked(); err != nil {
		s.cancel()
		return err
	}
	return nil
}

func (s *Service) startLocked() error {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("housekeeping timezone %q: %w", tz, err)
		}
		loc = l
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if s.deps.Stats != nil {
		if _, err := c.AddFunc(s.cfg.StatsSpec, s.RunStats); err != nil {
			return fmt.Errorf("stats spec %q: %w", s.cfg.StatsSpec, err)
		}
	}
	if s.deps.Pruner != nil && s.cfg.AuditRetention > 0 {
		ctx := s.ctx
		if _, err := c.AddFunc(s.cfg.PruneSpec, func() {
			jctx, cancel := context.WithTimeout(ctx, jobTimeout)
			defer cancel()
			_, _ = s.RunPrune(jctx)
		}); err != nil {
			return fmt.Errorf("prune spec %q: %w", s.cfg.PruneSpec, err)
		}
	}
	c.Start()
	s.c = c
	s.log.Info("housekeeping started",
		logx.String("tz", loc.String()),
		logx.Int("jobs", len(c.Entries())),
	)
	return nil
}

// Stop halts scheduling and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("housekeeping stopped")
}

// Apply swaps the config and reschedules when running.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = normalize(cfg)
	s.mu.Lock()
	old := s.c
	s.c = nil
	s.cfg = cfg
	s.mu.Unlock()

	// jobs may take s.mu, so wait for them unlocked
	if old != nil {
		<-old.Stop().Done()
	}
	if !cfg.Enabled {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		return nil
	}
	if old == nil {
		return s.Start(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

// Entries reports how many jobs are scheduled.
func (s *Service) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return 0
	}
	return len(s.c.Entries())
}

func (s *Service) RunStats() {
	if s.deps.Stats == nil {
		return
	}
	s.log.Info("timer stats", s.deps.Stats()...)
}

// RunPrune deletes audit entries older than the retention window.
func (s *Service) RunPrune(ctx context.Context) (int64, error) {
	s.mu.Lock()
	retention := s.cfg.AuditRetention
	s.mu.Unlock()
	if s.deps.Pruner == nil || retention <= 0 {
		return 0, nil
	}
	before := s.deps.Now().Add(-retention)
	n, err := s.deps.Pruner.PruneAudit(ctx, before)
	if err != nil {
		s.log.Warn("audit prune failed", logx.Err(err))
		return 0, err
	}
	s.log.Info("audit pruned", logx.Int64("removed", n), logx.Time("before", before))
	return n, nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
