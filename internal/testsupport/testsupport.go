package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"murmur/internal/config"
	"murmur/internal/journal"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.UploadDir = filepath.Join(base, "uploads")
	cfg.Paths.ResultDir = filepath.Join(base, "results")
	cfg.Paths.WorkDir = filepath.Join(base, "work")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.Bind = "127.0.0.1:0"

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithCapacity overrides the pool capacity on the test config.
func WithCapacity(capacity int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pool.Capacity = capacity
	}
}

// WithRetentionHours overrides the result retention window.
func WithRetentionHours(hours int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Pool.RetentionHours = hours
	}
}

// MustOpenJournal opens the task journal for a test config and closes it on
// cleanup.
func MustOpenJournal(t testing.TB, cfg *config.Config) *journal.Journal {
	t.Helper()
	jnl, err := journal.Open(cfg)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() {
		_ = jnl.Close()
	})
	return jnl
}

// WriteStubTranscriber writes a shell script that mimics the whisper CLI:
// it echoes progress to stderr and writes an SRT named after the audio file
// into the --output_dir argument. The config's transcriber binary is pointed
// at the script.
func WriteStubTranscriber(t testing.TB, cfg *config.Config) string {
	t.Helper()
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
echo "loading model" >&2
echo "transcribing $audio" >&2
base=$(basename "$audio")
base="${base%.*}"
printf '1\n00:00:00,000 --> 00:00:01,000\nhello world\n\n' > "$outdir/$base.srt"
`
	return writeStub(t, cfg, "whisper-stub", script)
}

// WriteFailingTranscriber writes a stub that emits stderr then exits non-zero.
func WriteFailingTranscriber(t testing.TB, cfg *config.Config) string {
	t.Helper()
	script := `#!/bin/sh
echo "model load failed" >&2
echo "giving up" >&2
exit 3
`
	return writeStub(t, cfg, "whisper-fail", script)
}

// WriteSilentTranscriber writes a stub that exits cleanly without producing
// any subtitle output.
func WriteSilentTranscriber(t testing.TB, cfg *config.Config) string {
	t.Helper()
	script := `#!/bin/sh
exit 0
`
	return writeStub(t, cfg, "whisper-silent", script)
}

func writeStub(t testing.TB, cfg *config.Config, name, script string) string {
	t.Helper()
	binDir := filepath.Join(t.TempDir(), "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir bin dir: %v", err)
	}
	target := filepath.Join(binDir, name)
	if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	cfg.Transcriber.Binary = target
	return target
}
