package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	notifyErrInitBackoff = 100 * time.Millisecond
	notifyErrMaxBackoff  = 5 * time.Second
)

// WatchNotifications turns file activity in dir into change notifications.
// A file named after a stream ("workouts", "activity_minutes.touch", ...)
// being created or written signals that the stream has new data. The
// returned channel has one slot per stream, so bursts coalesce; it is closed
// when ctx is done.
func WatchNotifications(ctx context.Context, dir string, logger *slog.Logger) (<-chan Stream, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ingest: creating notification dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ingest: creating watcher: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("ingest: watching %s: %w", dir, err)
	}

	out := make(chan Stream, len(Streams))

	go func() {
		defer close(out)
		defer watcher.Close()

		watchNotifyLoop(ctx, watcher, out, logger)
	}()

	logger.Info("watching for change notifications", slog.String("dir", dir))

	return out, nil
}

func watchNotifyLoop(ctx context.Context, watcher *fsnotify.Watcher, out chan<- Stream, logger *slog.Logger) {
	errBackoff := notifyErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}

			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}

			stream, ok := streamFromNotification(ev.Name)
			if !ok {
				logger.Debug("ignoring notification file", slog.String("path", ev.Name))
				continue
			}

			// Non-blocking: a pending notification for the stream already
			// covers this one.
			select {
			case out <- stream:
			default:
			}

			errBackoff = notifyErrInitBackoff

		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}

			logger.Warn("notification watcher error",
				slog.String("error", werr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(errBackoff):
			}

			errBackoff = min(errBackoff*2, notifyErrMaxBackoff)
		}
	}
}

// streamFromNotification maps "…/workouts.touch" to StreamWorkouts.
func streamFromNotification(path string) (Stream, bool) {
	name := filepath.Base(path)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}

	stream, err := ParseStream(name)
	if err != nil {
		return "", false
	}

	return stream, true
}
