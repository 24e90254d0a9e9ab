package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryInterval is how often a blocked acquirer re-attempts the OS lock.
const lockRetryInterval = 100 * time.Millisecond

// fileLock guards the event log across processes. Every mutating or
// consistency-sensitive operation (append, iterate, count, verify, purge)
// holds it for the entire operation.
//
// The OS advisory lock is paired with an in-process mutex: flock reentrancy
// semantics for concurrent threads within one process are not portable, so
// goroutines of the same process serialize on the mutex first. The OS lock
// is released when a holder process dies, so a crashed writer cannot wedge
// the file.
type fileLock struct {
	mu      sync.Mutex
	fl      *flock.Flock
	path    string
	timeout time.Duration // 0 = wait forever
}

func newFileLock(eventsPath string, timeout time.Duration) *fileLock {
	lockPath := filepath.Join(filepath.Dir(eventsPath), filepath.Base(eventsPath)+".lock")
	return &fileLock{
		fl:      flock.New(lockPath),
		path:    lockPath,
		timeout: timeout,
	}
}

// acquire blocks until both locks are held or the configured timeout
// expires. The returned release function must be called on every exit path;
// callers pair it with defer immediately.
func (l *fileLock) acquire() (release func(), err error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	l.mu.Lock()

	ctx := context.Background()
	var cancel context.CancelFunc = func() {}
	if l.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
	}

	locked, err := l.fl.TryLockContext(ctx, lockRetryInterval)
	cancel()
	if err != nil || !locked {
		l.mu.Unlock()
		if err == nil {
			err = context.DeadlineExceeded
		}
		return nil, fmt.Errorf("acquiring lock %s: %w", l.path, err)
	}

	return func() {
		if unlockErr := l.fl.Unlock(); unlockErr != nil {
			// The lock file may have been removed underneath us; the OS lock
			// dies with the descriptor either way.
			_ = unlockErr
		}
		l.mu.Unlock()
	}, nil
}
