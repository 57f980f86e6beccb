package main

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRun_Version(t *testing.T) {
	if err := run([]string{"--version"}); err != nil {
		t.Fatalf("run --version: %v", err)
	}
}

func TestRun_Help(t *testing.T) {
	err := run([]string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("run --help = %v, want pflag.ErrHelp", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte("bus:\n  driver: carrier-pigeon\nauth:\n  jwt_secret: s\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := run([]string{"--config", path})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRun_MissingSecret(t *testing.T) {
	t.Setenv("GATEWAY_JWT_SECRET", "")
	if err := run(nil); err == nil {
		t.Fatal("expected error without a jwt secret")
	}
}
