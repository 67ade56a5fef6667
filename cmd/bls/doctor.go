package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franz/bundle-store/internal/store"
	"github.com/franz/bundle-store/internal/util"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks on the database and configuration",
	Long: `Run diagnostic checks to ensure bls can operate correctly.

This command checks:
- Configuration values
- SQLite version
- Database accessibility and integrity
- Rows that reference missing bundles, worksheets or groups
- The audit log directory, when configured`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkResult struct {
	name    string
	message string
	error   bool
	warning bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	util.InfoLog("=== bls doctor ===")

	var results []checkResult
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		results = append(results, checkResult{name: "Configuration", error: true, message: err.Error()})
	} else {
		results = append(results, checkConfig(cfg))
	}
	results = append(results, checkSQLite())
	if cfg != nil {
		results = append(results, checkDatabase(cfg.DBPath, cfg.RootUser)...)
		if cfg.EventsDir != "" {
			results = append(results, checkEventsDir(cfg.EventsDir))
		}
	}

	hasErrors := false
	hasWarnings := false
	for _, r := range results {
		symbol := "✓"
		if r.error {
			symbol = "✗"
			hasErrors = true
		} else if r.warning {
			symbol = "⚠"
			hasWarnings = true
		}

		line := fmt.Sprintf("[%s] %s", symbol, r.name)
		if r.message != "" {
			line += fmt.Sprintf(": %s", r.message)
		}

		if r.error {
			util.ErrorLog("%s", line)
		} else if r.warning {
			util.WarnLog("%s", line)
		} else {
			util.SuccessLog("%s", line)
		}
	}

	if hasErrors {
		return util.Integrityf("diagnostics failed")
	} else if hasWarnings {
		util.WarnLog("Some checks produced warnings")
	} else {
		util.SuccessLog("All checks passed")
	}
	return nil
}

func checkConfig(cfg *Config) checkResult {
	user := cfg.User
	switch {
	case user == "":
		user = "anonymous"
	case user == cfg.RootUser:
		user += " (root)"
	}
	msg := fmt.Sprintf("db=%s user=%s", cfg.DBPath, user)
	if used := viper.ConfigFileUsed(); used != "" {
		msg += " config=" + used
	}
	return checkResult{name: "Configuration", message: msg}
}

// checkSQLite reports the embedded SQLite version
func checkSQLite() checkResult {
	version := store.SQLiteVersion()
	if version == "" {
		return checkResult{
			name:    "SQLite",
			error:   true,
			message: "unable to determine version",
		}
	}
	return checkResult{
		name:    "SQLite",
		message: fmt.Sprintf("version %s (built-in)", version),
	}
}

// checkDatabase opens dbPath and runs the integrity and orphan checks. A
// missing file is fine; it is created on first use.
func checkDatabase(dbPath, rootUser string) []checkResult {
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []checkResult{{
				name:    "Database",
				message: fmt.Sprintf("%s (will be created on first run)", dbPath),
			}}
		}
		return []checkResult{{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot access %s: %v", dbPath, err),
		}}
	}
	if !info.Mode().IsRegular() {
		return []checkResult{{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("%s is not a regular file", dbPath),
		}}
	}

	db, err := store.OpenWithOptions(dbPath, &store.OpenOptions{RootUserID: rootUser})
	if err != nil {
		return []checkResult{{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("cannot open %s: %v", dbPath, err),
		}}
	}
	defer db.Close()

	if err := db.CheckIntegrity(); err != nil {
		return []checkResult{{
			name:    "Database",
			error:   true,
			message: fmt.Sprintf("integrity check failed: %v", err),
		}}
	}

	ctx := context.Background()
	results := []checkResult{}
	stats, err := db.GetStats(ctx)
	if err != nil {
		results = append(results, checkResult{name: "Database", error: true, message: err.Error()})
	} else {
		results = append(results, checkResult{
			name: "Database",
			message: fmt.Sprintf("%s (%s, schema v%d, %s bundles, %s worksheets)",
				dbPath, humanize.Bytes(uint64(info.Size())), stats.SchemaVersion,
				humanize.Comma(stats.Bundles), humanize.Comma(stats.Worksheets)),
		})
	}

	orphans, err := db.FindOrphans(ctx)
	switch {
	case util.IsIntegrityError(err):
		var parts []string
		for _, o := range orphans {
			parts = append(parts, fmt.Sprintf("%s.%s=%d", o.Table, o.Column, o.Count))
		}
		results = append(results, checkResult{
			name:    "References",
			error:   true,
			message: fmt.Sprintf("%v: %s", err, strings.Join(parts, " ")),
		})
	case err != nil:
		results = append(results, checkResult{name: "References", error: true, message: err.Error()})
	default:
		results = append(results, checkResult{name: "References", message: "no dangling rows"})
	}
	return results
}

// checkEventsDir verifies the audit log directory is writable
func checkEventsDir(dir string) checkResult {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return checkResult{
			name:    "Event log",
			error:   true,
			message: fmt.Sprintf("cannot create %s: %v", dir, err),
		}
	}

	testFile := filepath.Join(dir, ".bls_write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return checkResult{
			name:    "Event log",
			error:   true,
			message: fmt.Sprintf("cannot write to %s: %v", dir, err),
		}
	}
	f.Close()
	os.Remove(testFile)

	return checkResult{
		name:    "Event log",
		message: fmt.Sprintf("%s (writable)", dir),
	}
}
