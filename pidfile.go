package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	pidFilePerms = 0o644
	pidDirPerms  = 0o700
)

// watchLock is the held PID file of an ingest watcher. The flock lives as
// long as the file descriptor, so a crashed watcher never blocks the next.
type watchLock struct {
	path string
	f    *os.File
}

// acquireWatchLock creates path, takes a non-blocking exclusive flock on it
// and records the current PID. It fails if another watcher holds the lock.
func acquireWatchLock(path string) (*watchLock, error) {
	if path == "" {
		return nil, errors.New("PID file path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPerms); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePerms)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		pid, _ := readPIDFile(path)

		return nil, fmt.Errorf("another ingest --watch is already running (PID %d holds %s)", pid, path)
	}

	if err := writePID(f); err != nil {
		f.Close()

		return nil, err
	}

	return &watchLock{path: path, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing PID file: %w", err)
	}

	return nil
}

// Release removes the PID file and drops the lock.
func (l *watchLock) Release() {
	os.Remove(l.path)
	l.f.Close()
}

// readPIDFile returns the PID recorded in path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// kickWatcher asks the ingest watcher recorded in pidPath to sync every
// stream now. A PID file left by a dead watcher is removed.
func kickWatcher(pidPath string) error {
	pid, err := readPIDFile(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no ingest watcher is running (no PID file at %s)", pidPath)
	}

	if err != nil {
		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	// Signal 0 checks for existence without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)

		return fmt.Errorf("ingest watcher (PID %d) is not running; removed its stale PID file", pid)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signaling ingest watcher (PID %d): %w", pid, err)
	}

	return nil
}
