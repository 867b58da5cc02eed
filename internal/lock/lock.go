// Package lock keeps a profile to a single streakd. The lock file records
// who holds it so clients can tell a dead daemon from a stuck one.
package lock

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file inside a profile directory.
const FileName = "LOCK"

// Owner describes the daemon holding a profile.
type Owner struct {
	PID     int
	UserID  string
	Started time.Time
}

// HeldError is returned when another process holds the profile lock.
type HeldError struct {
	Owner
	Path string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("profile lock held by PID %d (%s)", e.PID, e.Path)
}

// Lock represents an acquired profile lock file.
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// Acquire takes the exclusive lock of profileDir on behalf of userID.
// Returns *HeldError if another process already holds it.
func Acquire(profileDir, userID string) (*Lock, error) {
	path := filepath.Join(profileDir, FileName)
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		owner, _ := readOwner(path)
		return nil, &HeldError{Owner: owner, Path: path}
	}

	owner := Owner{PID: os.Getpid(), UserID: userID, Started: time.Now().UTC().Truncate(time.Second)}
	if err := writeOwner(f, owner); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock owner: %w", err)
	}
	return &Lock{file: f, path: path, owner: owner}, nil
}

// Owner returns what this lock recorded about the current process.
func (l *Lock) Owner() Owner {
	return l.owner
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before closing so a waiting daemon never reads our owner.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Inspect reports whether a live process holds the profile lock and, if so,
// who it is. It never takes the lock for longer than the check.
func Inspect(profileDir string) (Owner, bool, error) {
	path := filepath.Join(profileDir, FileName)
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if errors.Is(err, os.ErrNotExist) {
		return Owner{}, false, nil
	}
	if err != nil {
		return Owner{}, false, fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
		// Nobody holds it; the file is left over from a crash.
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return Owner{}, false, nil
	}
	owner, err := readOwner(path)
	if err != nil {
		return Owner{}, true, err
	}
	return owner, true, nil
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\nuser=%s\ntime=%s\n", o.PID, o.UserID, o.Started.Format(time.RFC3339))
	return err
}

func readOwner(path string) (Owner, error) {
	f, err := os.Open(path)
	if err != nil {
		return Owner{}, err
	}
	defer func() { _ = f.Close() }()

	var o Owner
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "user":
			o.UserID = value
		case "time":
			o.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	return o, sc.Err()
}
