package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"murmur/internal/bundle"
	"murmur/internal/client"
	"murmur/internal/config"
	"murmur/internal/daemon"
	"murmur/internal/logging"
	"murmur/internal/registry"
	"murmur/internal/testsupport"
)

type serverFixture struct {
	cfg *config.Config
	api *client.API
	url string
}

func startDaemon(t *testing.T, opts ...testsupport.ConfigOption) *serverFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	writeSlowStub(t, cfg, 700*time.Millisecond)

	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon.Start failed: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = d.Close()
	})

	url := "http://" + d.Addr()
	return &serverFixture{cfg: cfg, api: client.NewAPI(url), url: url}
}

// writeSlowStub installs a transcriber stub that sleeps before producing its
// subtitle, so tests can observe the processing window.
func writeSlowStub(t *testing.T, cfg *config.Config, delay time.Duration) {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
audio="$1"
shift
outdir="."
while [ $# -gt 0 ]; do
    case "$1" in
    --output_dir) outdir="$2"; shift 2 ;;
    *) shift ;;
    esac
done
echo "transcribing $audio" >&2
sleep %.1f
base=$(basename "$audio")
base="${base%%.*}"
printf '1\n00:00:00,000 --> 00:00:01,000\nhello world\n\n' > "$outdir/$base.srt"
`, delay.Seconds())
	target := filepath.Join(t.TempDir(), "whisper-slow")
	if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	cfg.Transcriber.Binary = target
}

func makeBundle(t *testing.T, taskID, password string) string {
	t.Helper()
	dir := t.TempDir()
	audio := filepath.Join(dir, "audio.ogg")
	if err := os.WriteFile(audio, []byte("three seconds of tone"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	data, err := bundle.Pack(bundle.Metadata{TaskID: taskID, Model: "base"}, audio, password)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	path := filepath.Join(dir, taskID+".bundle")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return path
}

func (f *serverFixture) submit(t *testing.T, ctx context.Context, taskID string) {
	t.Helper()
	path := makeBundle(t, taskID, f.cfg.Bundle.Password)
	if err := f.api.Submit(ctx, taskID, "base", f.cfg.Bundle.Password, path); err != nil {
		t.Fatalf("submit %s failed: %v", taskID, err)
	}
}

func (f *serverFixture) waitForState(t *testing.T, ctx context.Context, taskID string, want registry.State) client.TaskStatus {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		status, err := f.api.Status(ctx, taskID)
		if err == nil && status.State == want {
			return status
		}
		time.Sleep(25 * time.Millisecond)
	}
	status, err := f.api.Status(ctx, taskID)
	t.Fatalf("task %s never reached %s (last: %#v, err: %v)", taskID, want, status, err)
	return client.TaskStatus{}
}

// rawSubmit posts a multipart form directly so malformed submissions can be
// exercised.
func rawSubmit(t *testing.T, url string, fields map[string]string, fileField string, fileBody []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := form.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if fileField != "" {
		part, err := form.CreateFormFile(fileField, "task.bundle")
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := part.Write(fileBody); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, url+"/tasks/submit", &body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit request failed: %v", err)
	}
	t.Cleanup(func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	})
	return resp
}

func TestHappyPath(t *testing.T) {
	f := startDaemon(t, testsupport.WithCapacity(1))
	ctx := context.Background()

	if err := f.api.Health(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	f.submit(t, ctx, "T1")

	// With capacity 1, the pool reports full while T1 is in flight.
	pool, err := f.api.PoolStatus(ctx)
	if err != nil {
		t.Fatalf("pool status failed: %v", err)
	}
	if !pool.IsFull || pool.CurrentSize != 1 {
		t.Fatalf("expected full pool of 1, got %#v", pool)
	}

	f.waitForState(t, ctx, "T1", registry.StateProcessing)
	status := f.waitForState(t, ctx, "T1", registry.StateCompleted)
	if status.StartedAt == nil || status.FinishedAt == nil {
		t.Fatalf("completed status should carry timestamps: %#v", status)
	}

	result, err := f.api.Result(ctx, "T1")
	if err != nil {
		t.Fatalf("result metadata failed: %v", err)
	}
	if result.SRTSize == 0 {
		t.Fatal("expected non-zero srt_size")
	}
	if !result.ExpiresAt.After(result.CreatedAt) {
		t.Fatalf("expiry must follow creation: %#v", result)
	}

	data, err := f.api.Download(ctx, "T1")
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if !bytes.Contains(data, []byte("hello world")) {
		t.Fatalf("unexpected subtitle body %q", data)
	}
}

func TestCapacityRejection(t *testing.T) {
	f := startDaemon(t, testsupport.WithCapacity(1))
	ctx := context.Background()

	f.submit(t, ctx, "T1")
	f.waitForState(t, ctx, "T1", registry.StateProcessing)

	path := makeBundle(t, "T2", f.cfg.Bundle.Password)
	err := f.api.Submit(ctx, "T2", "base", f.cfg.Bundle.Password, path)
	if !errors.Is(err, client.ErrPoolFull) {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}

	f.waitForState(t, ctx, "T1", registry.StateCompleted)
	if err := f.api.Submit(ctx, "T2", "base", f.cfg.Bundle.Password, path); err != nil {
		t.Fatalf("submit after completion should succeed, got %v", err)
	}
	f.waitForState(t, ctx, "T2", registry.StateCompleted)
}

func TestDuplicateInFlight(t *testing.T) {
	f := startDaemon(t, testsupport.WithCapacity(2))
	ctx := context.Background()

	f.submit(t, ctx, "T3")

	path := makeBundle(t, "T3", f.cfg.Bundle.Password)
	err := f.api.Submit(ctx, "T3", "base", f.cfg.Bundle.Password, path)
	if !errors.Is(err, client.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestReplaceAfterCompletion(t *testing.T) {
	f := startDaemon(t, testsupport.WithCapacity(2))
	ctx := context.Background()

	f.submit(t, ctx, "T3")
	f.waitForState(t, ctx, "T3", registry.StateCompleted)

	resultPath := filepath.Join(f.cfg.Paths.ResultDir, "T3.srt")
	if _, err := os.Stat(resultPath); err != nil {
		t.Fatalf("result file missing before replacement: %v", err)
	}

	f.submit(t, ctx, "T3")

	// The old artifact is gone and the replacement runs to completion.
	if _, err := os.Stat(resultPath); !os.IsNotExist(err) {
		t.Fatalf("old result file should be removed on resubmit, got %v", err)
	}
	status, err := f.api.Status(ctx, "T3")
	if err != nil {
		t.Fatalf("status after resubmit failed: %v", err)
	}
	if status.State.Terminal() && status.State != registry.StateCompleted {
		t.Fatalf("unexpected state after resubmit: %s", status.State)
	}
	f.waitForState(t, ctx, "T3", registry.StateCompleted)
}

func TestCorruptedBundleFailsTask(t *testing.T) {
	f := startDaemon(t, testsupport.WithCapacity(2))
	ctx := context.Background()

	// Encrypted under a different password than the deployment's.
	path := makeBundle(t, "T9", "the-wrong-password")
	if err := f.api.Submit(ctx, "T9", "base", f.cfg.Bundle.Password, path); err != nil {
		t.Fatalf("submit should be accepted, got %v", err)
	}

	status := f.waitForState(t, ctx, "T9", registry.StateFailed)
	if status.Error == nil || status.Error.Code != "bundle.auth" {
		t.Fatalf("expected bundle.auth, got %#v", status.Error)
	}
}

func TestCancelWhileQueued(t *testing.T) {
	f := startDaemon(t, testsupport.WithCapacity(3))
	ctx := context.Background()

	f.submit(t, ctx, "T4")
	f.waitForState(t, ctx, "T4", registry.StateProcessing)
	f.submit(t, ctx, "T5")

	if err := f.api.Cancel(ctx, "T5"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	status := f.waitForState(t, ctx, "T5", registry.StateCancelled)
	if status.FinishedAt == nil {
		t.Fatal("cancelled task should carry a finish timestamp")
	}

	// The busy task is unaffected.
	f.waitForState(t, ctx, "T4", registry.StateCompleted)
}

func TestSubmitValidation(t *testing.T) {
	f := startDaemon(t)
	valid := map[string]string{"task_id": "ok", "model": "base", "password": "pw"}

	cases := []struct {
		name   string
		fields map[string]string
		file   bool
	}{
		{"missing task_id", map[string]string{"model": "base", "password": "pw"}, true},
		{"task_id with slash", map[string]string{"task_id": "a/b", "model": "base", "password": "pw"}, true},
		{"unknown model", map[string]string{"task_id": "ok", "model": "gigantic-v9", "password": "pw"}, true},
		{"missing password", map[string]string{"task_id": "ok", "model": "base"}, true},
		{"missing file", valid, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fileField := ""
			if tc.file {
				fileField = "task_file"
			}
			resp := rawSubmit(t, f.url, tc.fields, fileField, []byte("bundle"))
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestResultBeforeCompletion(t *testing.T) {
	f := startDaemon(t, testsupport.WithCapacity(2))
	ctx := context.Background()

	f.submit(t, ctx, "early")
	if _, err := f.api.Result(ctx, "early"); !errors.Is(err, client.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if _, err := f.api.Download(ctx, "early"); !errors.Is(err, client.ErrNotReady) {
		t.Fatalf("expected ErrNotReady for download, got %v", err)
	}
}

func TestUnknownTaskRoutes(t *testing.T) {
	f := startDaemon(t)
	ctx := context.Background()

	if _, err := f.api.Status(ctx, "ghost"); !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.api.Result(ctx, "ghost"); !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Cancellation of an unknown task is idempotent.
	if err := f.api.Cancel(ctx, "ghost"); err != nil {
		t.Fatalf("cancel of unknown task should be a no-op, got %v", err)
	}
}

func TestDeleteResult(t *testing.T) {
	f := startDaemon(t, testsupport.WithCapacity(2))
	ctx := context.Background()

	f.submit(t, ctx, "wipe")
	f.waitForState(t, ctx, "wipe", registry.StateCompleted)

	req, err := http.NewRequest(http.MethodDelete, f.url+"/tasks/wipe/result", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete result failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	if _, err := f.api.Result(ctx, "wipe"); !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.cfg.Paths.ResultDir, "wipe.srt")); !os.IsNotExist(err) {
		t.Fatal("result file should be removed")
	}
}

func TestDownloadHeaders(t *testing.T) {
	f := startDaemon(t, testsupport.WithCapacity(2))
	ctx := context.Background()

	f.submit(t, ctx, "hdr")
	f.waitForState(t, ctx, "hdr", registry.StateCompleted)

	resp, err := http.Get(f.url + "/tasks/hdr/result/download")
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "application/x-subrip" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := resp.Header.Get("Content-Disposition"); got != `attachment; filename="hdr.srt"` {
		t.Fatalf("unexpected content disposition %q", got)
	}
}

func TestTaskListing(t *testing.T) {
	f := startDaemon(t, testsupport.WithCapacity(2))
	ctx := context.Background()

	f.submit(t, ctx, "listed")
	f.waitForState(t, ctx, "listed", registry.StateCompleted)

	listing, err := f.api.Tasks(ctx)
	if err != nil {
		t.Fatalf("tasks listing failed: %v", err)
	}
	found := false
	for _, task := range listing.Tasks {
		if task.TaskID == "listed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected listed task in %#v", listing.Tasks)
	}
	if len(listing.History) == 0 {
		t.Fatal("expected persisted history entries")
	}

	resp, err := http.Get(f.url + "/stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	defer resp.Body.Close()
	var stats struct {
		Pool          registry.PoolStatus `json:"pool"`
		HistoryCounts map[string]int      `json:"history_counts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.HistoryCounts[string(registry.StateCompleted)] == 0 {
		t.Fatalf("expected completed count in stats, got %#v", stats.HistoryCounts)
	}
}
