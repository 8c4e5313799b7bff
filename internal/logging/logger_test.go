package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesFilteredLines(t *testing.T) {
	projectDir := t.TempDir()
	var mirror bytes.Buffer
	logger, err := New(projectDir, "warn", &mirror)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("skipped")
	logger.Warn("barrier closed", "phase", "build")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, ".powermode", "logs", "powermode.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := string(data)
	if strings.Contains(text, "skipped") {
		t.Fatalf("info line written at warn level: %q", text)
	}
	if !strings.Contains(text, `msg="barrier closed" phase=build`) {
		t.Fatalf("missing warn line: %q", text)
	}
	if mirror.String() != text {
		t.Fatalf("mirror = %q, file = %q", mirror.String(), text)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		" WARN": slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}
