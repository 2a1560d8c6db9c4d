package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "ticksched/pkg/logx"
)

const (
	defaultMaxBytes = 8 << 20 // rotate threshold
	recentKeep      = 256
)

// fileSink is a dependency-free journal backend.
//
// Files:
//   - <path>           (append-only JSON Lines)
//   - <path>.1         (previous generation after rotation)
//
// Recent(n) is served from an in-memory ring warmed from the current file
// at open, so reads never scan the disk.
type fileSink struct {
	log logx.Logger

	mu sync.Mutex

	path     string
	f        *os.File
	size     int64
	maxBytes int64

	// ring of most recent records, oldest first
	recent []Record
}

func openFile(cfg Config, log logx.Logger) (Sink, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	recent, _ := loadRecent(path, recentKeep)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &fileSink{
		log:      log,
		path:     path,
		f:        f,
		size:     st.Size(),
		maxBytes: maxBytes,
		recent:   recent,
	}, nil
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileSink) Append(ctx context.Context, r Record) error {
	_ = ctx
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("journal file closed")
	}
	if s.size+int64(len(b)) > s.maxBytes {
		if err := s.rotateLocked(); err != nil {
			s.log.Debug("journal rotate failed", logx.Any("err", err))
		}
	}
	n, err := s.f.Write(b)
	s.size += int64(n)
	if err != nil {
		return err
	}

	s.recent = append(s.recent, r)
	if len(s.recent) > recentKeep {
		s.recent = s.recent[len(s.recent)-recentKeep:]
	}
	return nil
}

func (s *fileSink) Recent(ctx context.Context, n int) ([]Record, error) {
	_ = ctx
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]Record, n)
	copy(out, s.recent[len(s.recent)-n:])
	return out, nil
}

// rotateLocked moves the current file to <path>.1 and starts a fresh one.
// A single previous generation is kept.
func (s *fileSink) rotateLocked() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	s.f = nil
	if err := os.Rename(s.path, s.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	s.size = 0
	return nil
}

// loadRecent warms the in-memory ring from the tail of an existing file.
func loadRecent(path string, keep int) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
		if len(out) > keep {
			out = out[len(out)-keep:]
		}
	}
	return out, sc.Err()
}
