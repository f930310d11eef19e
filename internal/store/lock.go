package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// DefaultLockTimeout bounds how long a writer waits for a contended file.
const DefaultLockTimeout = 10 * time.Second

var errLockBusy = errors.New("lock busy")

// processLocks serialises writers inside one process. flock(2) alone is not
// enough because two descriptors opened by the same process may both be
// granted the lock on some platforms.
var processLocks sync.Map // map[string]*sync.Mutex

func processLock(path string) *sync.Mutex {
	mu, _ := processLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Lock is an exclusive, path-scoped lock backed by a sibling ".lock" file.
type Lock struct {
	path    string
	flock   *flock.Flock
	mu      *sync.Mutex
	timeout time.Duration
	logger  *zap.Logger
	held    bool
}

// NewLock returns a lock guarding path. It does not acquire it.
func NewLock(path string, timeout time.Duration, logger *zap.Logger) (*Lock, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving lock path: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lock{
		path:    abs,
		flock:   flock.New(abs + ".lock"),
		mu:      processLock(abs),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Acquire takes the lock, retrying with exponential backoff until the
// timeout elapses. It returns ErrLockTimeout when the lock stays contended.
func (l *Lock) Acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = l.timeout

	attempts := 0
	op := func() error {
		attempts++
		if !l.mu.TryLock() {
			return errLockBusy
		}
		ok, err := l.flock.TryLock()
		if err != nil {
			l.mu.Unlock()
			return backoff.Permanent(fmt.Errorf("locking %s: %w", l.path, err))
		}
		if !ok {
			l.mu.Unlock()
			return errLockBusy
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		l.held = true
		if attempts > 1 {
			l.logger.Debug("acquired contended lock",
				zap.String("path", l.path),
				zap.Int("attempts", attempts))
		}
		return nil
	case errors.Is(err, errLockBusy):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		l.logger.Warn("lock acquisition timed out",
			zap.String("path", l.path),
			zap.Duration("timeout", l.timeout),
			zap.Int("attempts", attempts))
		return fmt.Errorf("%w: %s after %s", ErrLockTimeout, l.path, l.timeout)
	default:
		return err
	}
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	err := l.flock.Unlock()
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return nil
}

// WithLock runs fn while holding the lock for path.
func WithLock(ctx context.Context, path string, timeout time.Duration, logger *zap.Logger, fn func() error) error {
	lock, err := NewLock(path, timeout, logger)
	if err != nil {
		return err
	}
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			lock.logger.Warn("failed to release lock", zap.String("path", lock.path), zap.Error(rerr))
		}
	}()
	return fn()
}
