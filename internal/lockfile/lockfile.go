package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrHeld indicates another process is already running the guarded work.
	ErrHeld = errors.New("lock already held")
)

// Lock is an advisory, process-exclusive file lock. It serializes long-running
// maintenance work (model index scans) across rigger invocations sharing the
// same state dir. Reads never take the lock.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock without blocking. A second acquirer gets ErrHeld.
func Acquire(path string, owner string) (*Lock, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing lock path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Best-effort owner record for troubleshooting stuck scans.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "pid=%d owner=%s started=%s\n",
		os.Getpid(), strings.TrimSpace(owner), time.Now().UTC().Format(time.RFC3339))
	_ = f.Sync()

	return &Lock{path: p, f: f}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes the underlying file. Safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
