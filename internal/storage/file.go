package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"timerbot/pkg/logx"
)

// fileStore keeps everything in plain files next to cfg.Path:
//
//   - <prefix>.audit.jsonl             append-only audit log
//   - <prefix>.defaults.snapshot.json  guild -> duration (ms)
//   - <prefix>.defaults.journal.jsonl  writes since the last snapshot
//
// The journal is folded into the snapshot every compactEvery writes and on
// Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath string
	auditFile *os.File

	snapshotPath string
	journal      *os.File
	defaults     map[string]int64
	writes       int
}

const compactEvery = 200

type defaultRecord struct {
	Guild string `json:"guild"`
	MS    int64  `json:"ms"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		auditPath:    prefix + ".audit.jsonl",
		snapshotPath: prefix + ".defaults.snapshot.json",
		defaults:     map[string]int64{},
	}
	if err := loadSnapshot(s.snapshotPath, s.defaults); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("defaults snapshot unreadable", logx.String("path", s.snapshotPath), logx.Err(err))
	}
	journalPath := prefix + ".defaults.journal.jsonl"
	if err := replayJournal(journalPath, s.defaults); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("defaults journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	var err error
	if s.auditFile, err = os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.auditFile.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.compactLocked(), s.journal.Close())
		s.journal = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecentAudit(_ context.Context, guild string, limit int) ([]AuditEntry, error) {
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil, ErrDisabled
	}

	var out []AuditEntry
	err := scanAudit(s.auditPath, func(e AuditEntry) {
		if e.GuildID != guild {
			return
		}
		out = append(out, e)
		if len(out) > limit {
			out = out[1:]
		}
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneAudit rewrites the audit log without the expired entries.
func (s *fileStore) PruneAudit(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return 0, ErrDisabled
	}

	tmpPath := s.auditPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(tmp)
	var removed int64
	err = scanAudit(s.auditPath, func(e AuditEntry) {
		if e.At.Before(before) {
			removed++
			return
		}
		_ = enc.Encode(e)
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil || removed == 0 {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	_ = s.auditFile.Close()
	s.auditFile = nil
	if err := os.Rename(tmpPath, s.auditPath); err != nil {
		return 0, err
	}
	if s.auditFile, err = os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *fileStore) PutDefault(_ context.Context, guild string, d time.Duration) error {
	guild = strings.TrimSpace(guild)
	if guild == "" {
		return errors.New("empty guild")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}
	ms := d.Milliseconds()
	s.defaults[guild] = ms
	if err := json.NewEncoder(s.journal).Encode(defaultRecord{Guild: guild, MS: ms}); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("defaults compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListDefaults(context.Context) (map[string]time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Duration, len(s.defaults))
	for g, ms := range s.defaults {
		out[g] = time.Duration(ms) * time.Millisecond
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.defaults); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r defaultRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil || r.Guild == "" {
			continue
		}
		out[r.Guild] = r.MS
	}
	return sc.Err()
}

// scanAudit calls fn for each decodable entry in file order. Corrupt lines
// are skipped.
func scanAudit(path string, fn func(AuditEntry)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		fn(e)
	}
	return sc.Err()
}

// sortNewestFirst orders entries by time, newest first.
func sortNewestFirst(es []AuditEntry) {
	sort.SliceStable(es, func(i, j int) bool { return es[i].At.After(es[j].At) })
}
