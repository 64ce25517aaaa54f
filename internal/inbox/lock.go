package inbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// LockFile is the instance lock's name under logs/.
const LockFile = "tddf.lock"

// LockInfo is the content of the lock file.
type LockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Timestamp float64   `json:"timestamp"`
}

// LockedError reports a live lock held by another uploader.
type LockedError struct {
	Holder LockInfo
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("inbox: another uploader is running on %s (pid %d, started %s)",
		e.Holder.Hostname, e.Holder.PID, e.Holder.StartedAt.Format(time.RFC3339))
}

// Lock keeps two uploaders from draining the same inbox.
type Lock struct {
	path       string
	hostname   string
	pid        int
	staleAfter time.Duration

	now   func() time.Time
	alive func(pid int) bool

	held bool
}

// NewLock creates a lock at path. A lock older than staleAfter is taken over.
func NewLock(path string, staleAfter time.Duration) *Lock {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Lock{
		path:       path,
		hostname:   host,
		pid:        os.Getpid(),
		staleAfter: staleAfter,
		now:        time.Now,
		alive:      processAlive,
	}
}

// Acquire takes the lock. It overrides a lock that is stale or whose owner
// on this host has exited, and returns a *LockedError otherwise.
func (l *Lock) Acquire() error {
	for iter := 0; iter < 2; iter++ {
		err := l.create()
		if err == nil {
			l.held = true
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return eris.Wrap(err, "inbox: create lock")
		}

		holder, rerr := l.read()
		if rerr != nil {
			// Unreadable lock: treat it as abandoned.
			zap.L().Warn("inbox: replacing unreadable lock", zap.String("path", l.path), zap.Error(rerr))
		} else if reason := l.takeover(holder); reason != "" {
			zap.L().Warn("inbox: replacing lock",
				zap.String("reason", reason),
				zap.Int("pid", holder.PID),
				zap.String("hostname", holder.Hostname),
			)
		} else {
			return &LockedError{Holder: holder}
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return eris.Wrap(err, "inbox: remove stale lock")
		}
	}
	return eris.New("inbox: lock contended")
}

// Release removes the lock if this process still owns it.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	holder, err := l.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if holder.PID != l.pid || holder.Hostname != l.hostname {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "inbox: remove lock")
	}
	return nil
}

func (l *Lock) takeover(holder LockInfo) string {
	age := l.now().Sub(time.Unix(0, int64(holder.Timestamp*float64(time.Second))))
	if age > l.staleAfter {
		return "stale"
	}
	if holder.Hostname == l.hostname && holder.PID > 0 && !l.alive(holder.PID) {
		return "owner exited"
	}
	return ""
}

func (l *Lock) create() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	now := l.now()
	info := LockInfo{
		PID:       l.pid,
		Hostname:  l.hostname,
		StartedAt: now,
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(info); err != nil {
		_ = f.Close()
		_ = os.Remove(l.path)
		return err
	}
	return f.Close()
}

func (l *Lock) read() (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(l.path)
	if err != nil {
		return info, eris.Wrap(err, "inbox: read lock")
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, eris.Wrap(err, "inbox: parse lock")
	}
	return info, nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
