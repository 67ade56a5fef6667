package main

import (
	"errors"
	"testing"

	"github.com/spf13/viper"

	"github.com/franz/bundle-store/internal/report"
	"github.com/franz/bundle-store/internal/store"
	"github.com/franz/bundle-store/internal/util"
)

func TestLoadConfig(t *testing.T) {
	v := viper.New()
	v.Set("db", " bundles.db ")
	v.Set("user", "alice")
	v.Set("event-level", "warning")

	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.DBPath != "bundles.db" {
		t.Errorf("expected trimmed db path, got %q", cfg.DBPath)
	}
	if cfg.RootUser != store.DefaultRootUserID {
		t.Errorf("expected default root user, got %q", cfg.RootUser)
	}
	if cfg.EventLevel != report.LevelWarning {
		t.Errorf("expected warning level, got %s", cfg.EventLevel)
	}
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("BLS_DB", "/tmp/env.db")
	t.Setenv("BLS_ROOT_USER", "admin")

	v := viper.New()
	v.SetEnvPrefix("BLS")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.DBPath != "/tmp/env.db" || cfg.RootUser != "admin" {
		t.Errorf("environment not applied: %+v", cfg)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
	}{
		{"empty db", map[string]any{"db": ""}},
		{"bad event level", map[string]any{"db": "x.db", "event-level": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			_, err := loadConfig(v)
			if !errors.Is(err, util.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if exitCode(err) != 2 {
				t.Errorf("expected exit code 2, got %d", exitCode(err))
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{util.Usagef(util.ErrNotFound, "missing"), 2},
		{util.Integrityf("broken"), 3},
		{errors.New("disk full"), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParseKeyValues(t *testing.T) {
	got, err := parseKeyValues([]string{"tags=a", "name=x=y", "tags=b"})
	if err != nil {
		t.Fatalf("parseKeyValues failed: %v", err)
	}
	if len(got["tags"]) != 2 || got["tags"][1] != "b" {
		t.Errorf("repeated key not collected: %v", got)
	}
	if got["name"][0] != "x=y" {
		t.Errorf("value split on later '=': %v", got)
	}

	if _, err := parseKeyValues([]string{"novalue"}); !util.IsUsageError(err) {
		t.Errorf("expected usage error, got %v", err)
	}
}

func TestFormatSize(t *testing.T) {
	if got := formatSize("2000000"); got != "2.0 MB" {
		t.Errorf("formatSize = %q", got)
	}
	if got := formatSize("big"); got != "big" {
		t.Errorf("non-numeric size should pass through, got %q", got)
	}
}
