package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultLockStale is how long a lock may go without a heartbeat before it is
// taken over.
const DefaultLockStale = 2 * time.Hour

// lockOwner is the content of a lock file: "<pid> <host> <taken>".
type lockOwner struct {
	PID   int
	Host  string
	Taken time.Time
}

func (o lockOwner) String() string {
	return fmt.Sprintf("%d %s %s\n", o.PID, o.Host, o.Taken.UTC().Format(time.RFC3339))
}

func parseLockOwner(data string) (lockOwner, bool) {
	fields := strings.Fields(data)
	if len(fields) != 3 {
		return lockOwner{}, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return lockOwner{}, false
	}
	taken, err := time.Parse(time.RFC3339, fields[2])
	if err != nil {
		return lockOwner{}, false
	}
	return lockOwner{PID: pid, Host: fields[1], Taken: taken}, true
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// Lock takes the per-session lock file. While held, the file's mtime is
// refreshed every quarter of the stale threshold. A lock is taken over when
// its heartbeat is older than the threshold, or when it names a process on
// this host that no longer exists.
func (s *FileStore) Lock(_ context.Context, sessionID string) (func() error, error) {
	if err := validID(sessionID); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.sessionDir(sessionID), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir session dir: %w", err)
	}
	path := s.lockPath(sessionID)
	content := lockOwner{PID: os.Getpid(), Host: hostname(), Taken: s.now()}.String()

	for i := 0; i < 2; i++ {
		err := createLock(path, content)
		if err == nil {
			return s.holdLock(path, content), nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock: %w", err)
		}
		seen, stale := s.lockIsStale(path)
		if !stale {
			return nil, fmt.Errorf("%w: %s", ErrSessionLocked, sessionID)
		}
		if err := breakLock(path, seen); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrSessionLocked, sessionID)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionLocked, sessionID)
}

// createLock publishes a fully written lock file at path, failing with an
// os.ErrExist error when one is already there. Readers never see a partial
// lock.
func createLock(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmpName, path)
}

// breakLock removes the lock at path only if it still holds seen. The lock is
// first moved aside so a writer that replaced it in the meantime keeps it.
func breakLock(path, seen string) error {
	aside := fmt.Sprintf("%s.stale-%d-%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	data, err := os.ReadFile(aside)
	if err == nil && string(data) != seen {
		// Not the lock we judged stale: put it back.
		_ = os.Link(aside, path)
		os.Remove(aside)
		return ErrSessionLocked
	}
	return os.Remove(aside)
}

func (s *FileStore) holdLock(path, content string) func() error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.lockStale / 4)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				now := time.Now()
				if err := os.Chtimes(path, now, now); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			close(stop)
			wg.Wait()
			data, rerr := os.ReadFile(path)
			switch {
			case os.IsNotExist(rerr):
			case rerr != nil:
				err = fmt.Errorf("read lock: %w", rerr)
			case string(data) != content:
				err = fmt.Errorf("lock %s was taken over", path)
			default:
				if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
					err = fmt.Errorf("remove lock: %w", rerr)
				}
			}
		})
		return err
	}
}

// lockIsStale reports whether the lock at path may be taken over, along with
// the content it judged.
func (s *FileStore) lockIsStale(path string) (string, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	if s.now().Sub(fi.ModTime()) > s.lockStale {
		return string(data), true
	}
	owner, ok := parseLockOwner(string(data))
	if !ok {
		return string(data), false
	}
	if owner.Host == hostname() && owner.PID != os.Getpid() && !processAlive(owner.PID) {
		return string(data), true
	}
	return string(data), false
}
