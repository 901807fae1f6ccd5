package transcriber_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"murmur/internal/logging"
	"murmur/internal/testsupport"
	"murmur/internal/transcriber"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.ogg")
	if err := os.WriteFile(path, []byte("opus-ish bytes"), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func TestTranscribeSuccess(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteStubTranscriber(t, cfg)
	runner := transcriber.New(cfg, logging.NewNop())

	outputDir := filepath.Join(t.TempDir(), "out")
	srtPath, err := runner.Transcribe(context.Background(), writeAudio(t), "base", outputDir)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if filepath.Base(srtPath) != "audio.srt" {
		t.Fatalf("unexpected subtitle name %s", srtPath)
	}
	data, err := os.ReadFile(srtPath)
	if err != nil {
		t.Fatalf("read subtitle: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty subtitle")
	}
}

func TestTranscribeNonZeroExit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteFailingTranscriber(t, cfg)
	runner := transcriber.New(cfg, logging.NewNop())

	_, err := runner.Transcribe(context.Background(), writeAudio(t), "base", filepath.Join(t.TempDir(), "out"))
	var runErr *transcriber.RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected RunError, got %v", err)
	}
	if runErr.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", runErr.ExitCode)
	}
	if len(runErr.Tail) == 0 {
		t.Fatal("expected stderr tail to be captured")
	}
	last := runErr.Tail[len(runErr.Tail)-1]
	if last != "giving up" {
		t.Fatalf("unexpected tail line %q", last)
	}
}

func TestTranscribeNoOutput(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteSilentTranscriber(t, cfg)
	runner := transcriber.New(cfg, logging.NewNop())

	_, err := runner.Transcribe(context.Background(), writeAudio(t), "base", filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, transcriber.ErrNoOutput) {
		t.Fatalf("expected ErrNoOutput, got %v", err)
	}
}

func TestTranscribeAmbiguousOutput(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	// Stub that writes two candidate SRTs for the same basename.
	script := `#!/bin/sh
audio="$1"
shift
outdir="."
while [ $# -gt 0 ]; do
    case "$1" in
    --output_dir) outdir="$2"; shift 2 ;;
    *) shift ;;
    esac
done
base=$(basename "$audio")
base="${base%.*}"
printf 'a\n' > "$outdir/$base.srt"
printf 'b\n' > "$outdir/$base.extra.srt"
`
	binDir := t.TempDir()
	target := filepath.Join(binDir, "whisper-ambiguous")
	if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	cfg.Transcriber.Binary = target

	runner := transcriber.New(cfg, logging.NewNop())
	_, err := runner.Transcribe(context.Background(), writeAudio(t), "base", filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, transcriber.ErrAmbiguousOutput) {
		t.Fatalf("expected ErrAmbiguousOutput, got %v", err)
	}
}

func TestTranscribeCancellation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Transcriber.StopGraceSeconds = 1
	// Stub that ignores nothing and sleeps long enough to be interrupted.
	script := `#!/bin/sh
echo "working" >&2
exec sleep 30
`
	target := filepath.Join(t.TempDir(), "whisper-slow")
	if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	cfg.Transcriber.Binary = target

	runner := transcriber.New(cfg, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := runner.Transcribe(ctx, writeAudio(t), "base", filepath.Join(t.TempDir(), "out"))
		done <- err
	}()

	cancel()
	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
