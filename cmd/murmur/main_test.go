package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandShowsHelp(t *testing.T) {
	output, err := executeCommand(t)
	if err != nil {
		t.Fatalf("root command failed: %v", err)
	}
	if !strings.Contains(output, "murmur") {
		t.Fatalf("expected help output, got %q", output)
	}
}

func TestConfigInitWritesSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	output, err := executeCommand(t, "--config", path, "config", "init")
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(output, path) {
		t.Fatalf("expected path in output, got %q", output)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[transcriber]") {
		t.Fatal("sample missing [transcriber] section")
	}
}

func TestRunRequiresScanDirOrSingle(t *testing.T) {
	_, err := executeCommand(t, "run")
	if err == nil || !strings.Contains(err.Error(), "--scan-dir") {
		t.Fatalf("expected scan-dir error, got %v", err)
	}
}
