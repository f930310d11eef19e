package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

// maxLogLine bounds a single JSONL record.
const maxLogLine = 4 * 1024 * 1024

// Log is an append-only JSONL file of records of type T.
type Log[T any] struct {
	path        string
	lockTimeout time.Duration
	logger      *zap.Logger
}

// NewLog returns a log at path.
func NewLog[T any](path string, lockTimeout time.Duration, logger *zap.Logger) *Log[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log[T]{path: path, lockTimeout: lockTimeout, logger: logger}
}

// Path returns the log file path.
func (l *Log[T]) Path() string {
	return l.path
}

// Append writes records under the path lock, one JSON document per line.
func (l *Log[T]) Append(ctx context.Context, records ...T) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding log record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	return WithLock(ctx, l.path, l.lockTimeout, l.logger, func() error {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening log: %w", err)
		}
		if _, err := f.Write(buf.Bytes()); err != nil {
			f.Close()
			return fmt.Errorf("appending to log: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("syncing log: %w", err)
		}
		return f.Close()
	})
}

// ReadAll returns every parseable record. Unparseable lines are skipped with
// a warning; the number skipped is returned alongside.
func (l *Log[T]) ReadAll(ctx context.Context) ([]T, int, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	var (
		out     []T
		skipped int
		lineNo  int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for sc.Scan() {
		lineNo++
		if lineNo%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, skipped, err
			}
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			l.logger.Warn("skipping corrupted log line",
				zap.String("path", l.path),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, skipped, fmt.Errorf("reading log: %w", err)
	}
	return out, skipped, nil
}

// Tail returns the last n parseable records (all of them when n <= 0).
func (l *Log[T]) Tail(ctx context.Context, n int) ([]T, error) {
	all, _, err := l.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// FeedbackRecord is one line of the feedback log.
type FeedbackRecord struct {
	Timestamp   time.Time              `json:"timestamp"`
	BulletID    string                 `json:"bulletId"`
	Type        playbook.FeedbackType  `json:"type"`
	Reason      playbook.HarmfulReason `json:"reason,omitempty"`
	Context     string                 `json:"context,omitempty"`
	SessionPath string                 `json:"sessionPath,omitempty"`
}

// BlockRecord is one line of the block list: content that must never be
// re-added.
type BlockRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	BulletID    string    `json:"bulletId,omitempty"`
	ContentHash string    `json:"contentHash"`
	Content     string    `json:"content,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// BlockedHashes reads the block list into a set of content hashes.
func BlockedHashes(ctx context.Context, l *Log[BlockRecord]) (map[string]bool, error) {
	recs, _, err := l.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(recs))
	for _, r := range recs {
		if r.ContentHash != "" {
			set[r.ContentHash] = true
		}
	}
	return set, nil
}
