package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "stepwise/pkg/logx"
)

// fileStore keeps run records in <prefix>.runs.jsonl.
//
// The newest records are mirrored in memory for RecentRuns. When the file grows
// past twice the retain limit it is rewritten with the retained tail.
type fileStore struct {
	log    logx.Logger
	path   string
	retain int

	mu      sync.Mutex
	f       *os.File
	recent  []RunRecord // oldest first
	onDisk  int
	appends int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	runsPath := filepath.Join(dir, base) + ".runs.jsonl"

	s := &fileStore{log: log, path: runsPath, retain: cfg.retain()}
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if s.needsCompact() {
		if err := s.compactLocked(); err != nil {
			log.Warn("runs compact failed", logx.Err(err))
		}
	}
	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		s.onDisk++
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Name == "" {
			continue
		}
		s.remember(r)
	}
	return sc.Err()
}

func (s *fileStore) remember(r RunRecord) {
	s.recent = append(s.recent, r)
	if s.retain > 0 && len(s.recent) > s.retain {
		drop := len(s.recent) - s.retain
		clear(s.recent[:drop])
		s.recent = s.recent[drop:]
	}
}

func (s *fileStore) needsCompact() bool {
	return s.retain > 0 && s.onDisk > 2*s.retain
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.onDisk++
	s.remember(r)
	if s.needsCompact() {
		if err := s.f.Close(); err != nil {
			return err
		}
		s.f = nil
		if err := s.compactLocked(); err != nil {
			s.log.Debug("runs compact failed", logx.Err(err))
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		s.f = f
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, name string, limit int) ([]RunRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	out := make([]RunRecord, 0, min(limit, len(s.recent)))
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		if name == "" || s.recent[i].Name == name {
			out = append(out, s.recent[i])
		}
	}
	return out, nil
}

// compactLocked rewrites the file with the in-memory tail.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.recent {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.onDisk = len(s.recent)
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
