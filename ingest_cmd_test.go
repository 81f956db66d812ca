package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pacepair/internal/config"
	"github.com/tonimelisma/pacepair/internal/ingest"
	"github.com/tonimelisma/pacepair/testutil"
)

// newFeedServer serves one workout with a route and one activity record.
// Requests with an anchor get an empty page.
func newFeedServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var routeCalls atomic.Int32

	start := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	end := start.Add(30 * time.Minute)

	write := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/streams/workouts/changes", func(w http.ResponseWriter, r *http.Request) {
		if a := r.URL.Query().Get("anchor"); a != "" {
			write(w, map[string]any{"anchor": a})
			return
		}

		write(w, map[string]any{
			"added": []map[string]any{{
				"id": "w1", "activity_type": "run", "start": start, "end": end,
				"distance_m": 5000, "duration_s": 1800,
			}},
			"anchor": "wa-1",
		})
	})
	mux.HandleFunc("/streams/activity_minutes/changes", func(w http.ResponseWriter, r *http.Request) {
		if a := r.URL.Query().Get("anchor"); a != "" {
			write(w, map[string]any{"anchor": a})
			return
		}

		write(w, map[string]any{
			"added":  []map[string]any{{"id": "m1", "start": start, "end": end, "minutes": 30}},
			"anchor": "ma-1",
		})
	})
	mux.HandleFunc("/workouts/w1/route", func(w http.ResponseWriter, _ *http.Request) {
		routeCalls.Add(1)
		write(w, map[string]any{"points": []map[string]any{
			{"lat": 60.17, "lon": 24.94, "t": start},
			{"lat": 60.18, "lon": 24.95, "t": end},
		}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, &routeCalls
}

func ingestTestConfig(t *testing.T, feedURL string) (cfgPath, dataDir string) {
	t.Helper()

	dataDir = t.TempDir()
	cfgPath = writeTestConfig(t, `
[health]
feed_url = "`+feedURL+`"

[paths]
data_dir = "`+dataDir+`"
`)

	return cfgPath, dataDir
}

func execRoot(t *testing.T, args ...string) error {
	t.Helper()

	cmd := newRootCmd()
	cmd.SetArgs(args)

	return cmd.Execute()
}

func statusFor(t *testing.T, dataDir string) *statusReport {
	t.Helper()

	cc := &CLIContext{
		Cfg: &config.Resolved{
			StateDB:      filepath.Join(dataDir, "pacepair.db"),
			RecoveryFile: filepath.Join(dataDir, "recovery.json"),
		},
		Logger: testutil.Logger(t),
	}

	report, err := collectStatus(context.Background(), cc)
	require.NoError(t, err)

	return report
}

func TestIngestCmd_PullsStreamsAndRoutes(t *testing.T) {
	srv, routeCalls := newFeedServer(t)
	cfgPath, dataDir := ingestTestConfig(t, srv.URL)

	require.NoError(t, execRoot(t, "--config", cfgPath, "--quiet", "ingest"))

	report := statusFor(t, dataDir)
	assert.Equal(t, 1, report.Workouts)
	assert.Equal(t, 1, report.Activity)
	assert.Equal(t, 1, report.RouteTasks[string(ingest.TaskCompleted)])
	assert.Equal(t, int32(1), routeCalls.Load())
	assert.Equal(t, 0, report.OutboxDepth)
	assert.Nil(t, report.Recovery)

	anchors := map[string]string{}
	for _, a := range report.Anchors {
		anchors[a.Stream] = a.Anchor
	}

	assert.Equal(t, map[string]string{"workouts": "wa-1", "activity_minutes": "ma-1"}, anchors)

	// A second run resumes from the anchors and changes nothing.
	require.NoError(t, execRoot(t, "--config", cfgPath, "--quiet", "ingest"))

	again := statusFor(t, dataDir)
	assert.Equal(t, 1, again.Workouts)
	assert.Equal(t, 1, again.Activity)
	assert.Equal(t, int32(1), routeCalls.Load())
}

func TestResetAnchorCmd(t *testing.T) {
	srv, _ := newFeedServer(t)
	cfgPath, dataDir := ingestTestConfig(t, srv.URL)

	require.NoError(t, execRoot(t, "--config", cfgPath, "--quiet", "ingest"))
	require.NoError(t, execRoot(t, "--config", cfgPath, "--quiet", "reset-anchor", "workouts"))

	for _, a := range statusFor(t, dataDir).Anchors {
		if a.Stream == "workouts" {
			assert.Empty(t, a.Anchor)
		} else {
			assert.Equal(t, "ma-1", a.Anchor)
		}
	}

	// Re-reading the stream from the start does not duplicate records.
	require.NoError(t, execRoot(t, "--config", cfgPath, "--quiet", "ingest"))
	assert.Equal(t, 1, statusFor(t, dataDir).Workouts)
}

func TestResetAnchorCmd_UnknownStream(t *testing.T) {
	cfgPath, _ := ingestTestConfig(t, "http://127.0.0.1:1")

	err := execRoot(t, "--config", cfgPath, "reset-anchor", "heartbeats")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingest.ErrUnknownStream))
}

func TestIngestCmd_RequiresFeedURL(t *testing.T) {
	cfgPath := writeTestConfig(t, `
[paths]
data_dir = "`+t.TempDir()+`"
`)

	err := execRoot(t, "--config", cfgPath, "ingest")
	require.ErrorIs(t, err, errNoFeedURL)
}

func TestMergeNotifications(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notes := make(chan ingest.Stream, 1)
	hup := make(chan struct{}, 1)

	out := mergeNotifications(ctx, notes, hup, testutil.Logger(t))

	notes <- ingest.StreamActivityMinutes
	assert.Equal(t, ingest.StreamActivityMinutes, <-out)

	hup <- struct{}{}

	var got []ingest.Stream
	for range ingest.Streams {
		got = append(got, <-out)
	}

	assert.Equal(t, ingest.Streams, got)

	cancel()

	for range out {
	}
}

func TestPrintRunReport(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	report := &ingest.RunReport{
		Streams: []ingest.StreamReport{
			{Stream: ingest.StreamWorkouts, Pages: 2, CommitResult: ingest.CommitResult{Inserted: 3}, Anchor: "a"},
			{Stream: ingest.StreamActivityMinutes, Err: ingest.ErrExternalFetch},
		},
		Routes:    ingest.BatchReport{Claimed: 3, Completed: 2, Retrying: 1},
		Expired:   true,
		NextRunAt: time.Now().Add(15 * time.Minute),
	}

	printRunReport(&buf, report)

	out := buf.String()
	assert.Contains(t, out, "workouts")
	assert.Contains(t, out, ingest.ErrExternalFetch.Error())
	assert.Contains(t, out, "Routes: 3 claimed, 2 completed, 1 retrying, 0 failed, 0 abandoned")
	assert.Contains(t, out, "budget expired")

	js := newRunReportJSON(report)
	require.Len(t, js.Streams, 2)
	assert.Equal(t, 3, js.Streams[0].Inserted)
	assert.Empty(t, js.Streams[0].Error)
	assert.Equal(t, ingest.ErrExternalFetch.Error(), js.Streams[1].Error)
}
