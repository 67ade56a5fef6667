package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/franz/bundle-store/internal/report"
	"github.com/franz/bundle-store/internal/store"
	"github.com/franz/bundle-store/internal/util"
)

// BLS_ROOT_USER maps to root-user
var envKeyReplacer = strings.NewReplacer("-", "_")

// Config is the resolved global configuration. Precedence is flag, then
// BLS_* environment variable, then config file, then flag default.
type Config struct {
	DBPath     string
	User       string
	RootUser   string
	EventsDir  string
	EventLevel report.EventLevel
	NetworkFS  bool
}

func loadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DBPath:    strings.TrimSpace(v.GetString("db")),
		User:      strings.TrimSpace(v.GetString("user")),
		RootUser:  strings.TrimSpace(v.GetString("root-user")),
		EventsDir: v.GetString("events"),
		NetworkFS: v.GetBool("network-fs"),
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("%w: database path is empty", util.ErrInvalidConfig)
	}
	if cfg.RootUser == "" {
		cfg.RootUser = store.DefaultRootUserID
	}

	level := v.GetString("event-level")
	cfg.EventLevel = report.ParseLevel(level)
	if level != "" && string(cfg.EventLevel) != level {
		return nil, fmt.Errorf("%w: unknown event level %q", util.ErrInvalidConfig, level)
	}
	return cfg, nil
}

// env is what every command runs against
type env struct {
	cfg    *Config
	db     *store.Store
	events *report.EventLogger
	retry  *util.RetryConfig
}

// openEnv loads config and opens the store and audit log. The caller must
// call close.
func openEnv() (*env, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}

	util.DebugLog("Opening database: %s", cfg.DBPath)
	db, err := store.OpenWithOptions(cfg.DBPath, &store.OpenOptions{
		RootUserID:       cfg.RootUser,
		NetworkOptimized: cfg.NetworkFS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	events := report.NullLogger()
	if cfg.EventsDir != "" {
		events, err = report.NewEventLogger(cfg.EventsDir, cfg.User, cfg.EventLevel)
		if err != nil {
			util.WarnLog("Failed to create event logger: %v", err)
			events = report.NullLogger()
		} else {
			util.DebugLog("Event log: %s", events.Path())
		}
	}

	return &env{cfg: cfg, db: db, events: events, retry: util.DefaultRetryConfig()}, nil
}

func (e *env) close() {
	e.events.Close()
	e.db.Close()
}

// do runs a store call, retrying while the database is locked.
func (e *env) do(ctx context.Context, name string, fn func() error) error {
	return util.Retry(ctx, e.retry, fn, name)
}

func withEnv(run func(ctx context.Context, e *env) error) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()
	return run(context.Background(), e)
}
