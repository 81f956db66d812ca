package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/pacepair/internal/session"
)

// powerSupplyGlob matches the capacity files exposed by Linux power supplies.
const powerSupplyGlob = "/sys/class/power_supply/*/capacity"

var errNoBattery = errors.New("no battery found")

// treadmill simulates a device odometer running at a fixed speed. The
// odometer starts at the first reading; speed can change mid-run.
type treadmill struct {
	now func() time.Time

	mu      sync.Mutex
	speedMS float64
	last    time.Time
	meters  float64
}

func newTreadmill(speedMS float64, now func() time.Time) *treadmill {
	if now == nil {
		now = time.Now
	}

	return &treadmill{speedMS: speedMS, now: now}
}

// Read implements session.Sensors.
func (t *treadmill) Read() (session.Reading, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.advanceLocked()

	meters := t.meters
	bpm := heartRateFor(t.speedMS)

	return session.Reading{DistanceM: &meters, HeartRateBpm: &bpm}, nil
}

// SetSpeed changes the belt speed from now on.
func (t *treadmill) SetSpeed(speedMS float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.advanceLocked()
	t.speedMS = max(speedMS, 0)
}

func (t *treadmill) advanceLocked() {
	now := t.now()

	if !t.last.IsZero() {
		t.meters += t.speedMS * now.Sub(t.last).Seconds()
	}

	t.last = now
}

// heartRateFor is a rough steady-state heart rate for a running speed.
func heartRateFor(speedMS float64) int {
	const (
		restingBpm = 70
		bpmPerMS   = 30
		maxBpm     = 195
	)

	return min(restingBpm+int(speedMS*bpmPerMS), maxBpm)
}

// sysfsBattery reads the charge level from a power supply capacity file.
type sysfsBattery struct {
	path string
}

// findBattery returns the first power supply reporting a capacity, or
// errNoBattery on machines without one.
func findBattery(pattern string) (*sysfsBattery, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("searching for battery: %w", err)
	}

	if len(matches) == 0 {
		return nil, errNoBattery
	}

	return &sysfsBattery{path: matches[0]}, nil
}

// Level implements session.Battery.
func (b *sysfsBattery) Level() (float64, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return 0, fmt.Errorf("reading battery level: %w", err)
	}

	pct, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid battery level in %s: %w", b.path, err)
	}

	return float64(min(max(pct, 0), 100)) / 100, nil
}

// logTracker stands in for the platform workout recorder: it logs the
// session boundaries so a run is visible in the log.
type logTracker struct {
	logger *slog.Logger

	mu     sync.Mutex
	starts map[string]time.Time
}

func newLogTracker(logger *slog.Logger) *logTracker {
	return &logTracker{logger: logger, starts: make(map[string]time.Time)}
}

// Begin implements session.HealthTracker.
func (t *logTracker) Begin(_ context.Context, sessionID string, start time.Time) error {
	t.mu.Lock()
	t.starts[sessionID] = start
	t.mu.Unlock()

	t.logger.Info("health session started",
		slog.String("session_id", sessionID),
		slog.Time("start", start),
	)

	return nil
}

// End implements session.HealthTracker.
func (t *logTracker) End(_ context.Context, sessionID string, commit bool) error {
	t.mu.Lock()
	start, ok := t.starts[sessionID]
	delete(t.starts, sessionID)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("health session %s was never started", sessionID)
	}

	if !commit {
		t.logger.Info("health session discarded", slog.String("session_id", sessionID))
		return nil
	}

	t.logger.Info("health session saved",
		slog.String("session_id", sessionID),
		slog.Duration("duration", time.Since(start).Round(time.Second)),
	)

	return nil
}
