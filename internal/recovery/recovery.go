// Package recovery keeps the single-slot crash-recovery record for the
// current run. The record is advisory: after a relaunch it tells the user
// which run was interrupted, but reconciling with the partner still happens
// over the transport.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	filePerms = 0o600
	dirPerms  = 0o700
)

// Record is the last known state of an in-progress run.
type Record struct {
	SessionID     string    `json:"sessionId"`
	PeerID        string    `json:"peerId"`
	PeerName      string    `json:"peerName"`
	LastDistanceM float64   `json:"lastDistanceM"`
	LastDurationS float64   `json:"lastDurationS"`
	StartedAt     time.Time `json:"startedAt"`
	LastSeq       uint64    `json:"lastSeq"`
}

// Store reads and writes the record file.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore returns a store for the record at path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the record file location.
func (s *Store) Path() string {
	return s.path
}

// Load returns the saved record, or nil if there is none. A record that
// cannot be parsed is removed and treated as absent.
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // no interrupted run
	}

	if err != nil {
		return nil, fmt.Errorf("recovery: reading %s: %w", s.path, err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil || r.SessionID == "" {
		s.logger.Warn("discarding unreadable recovery record", slog.String("path", s.path))

		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("recovery: removing corrupt record: %w", rmErr)
		}

		return nil, nil //nolint:nilnil // treated as absent
	}

	return &r, nil
}

// Save overwrites the record atomically.
func (s *Store) Save(r Record) error {
	r.PeerName = norm.NFC.String(r.PeerName)

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("recovery: encoding record: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return fmt.Errorf("recovery: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".recovery-*.tmp")
	if err != nil {
		return fmt.Errorf("recovery: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(filePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("recovery: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("recovery: writing record: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("recovery: closing record: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("recovery: renaming record: %w", err)
	}

	success = true

	return nil
}

// Clear removes the record. Clearing an absent record is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("recovery: clearing record: %w", err)
	}

	return nil
}
