package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/franz/bundle-store/internal/permission"
	"github.com/franz/bundle-store/internal/search"
	"github.com/franz/bundle-store/internal/util"
)

const (
	currentSchemaVersion = 2

	// DefaultRootUserID is the principal that bypasses all permission checks
	DefaultRootUserID = "0"

	publicGroupName = "public"
)

// Store is the bundle, worksheet and group repository. The root user and the
// public group are fixed when the store is opened.
type Store struct {
	db  *sql.DB
	bun *bun.DB

	rootUserID      string
	publicGroupUUID string

	resolver *permission.Resolver
	compiler *search.Compiler
}

// OpenOptions holds options for opening a database
type OpenOptions struct {
	RootUserID       string // Defaults to DefaultRootUserID
	NetworkOptimized bool   // Apply network-optimized pragmas
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens or creates a SQLite database at the given path with default options
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, nil)
}

// OpenWithOptions opens or creates a SQLite database with custom options
func OpenWithOptions(path string, opts *OpenOptions) (*Store, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}
	rootUserID := opts.RootUserID
	if rootUserID == "" {
		rootUserID = DefaultRootUserID
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite works best with a single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:         db,
		bun:        bun.NewDB(db, sqlitedialect.New()),
		rootUserID: rootUserID,
	}

	if opts.NetworkOptimized {
		if err := store.applyNetworkPragmas(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply network pragmas: %w", err)
		}
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	publicUUID, err := store.ensurePublicGroup(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create public group: %w", err)
	}
	store.publicGroupUUID = publicUUID

	store.resolver = &permission.Resolver{
		RootUserID:      rootUserID,
		PublicGroupUUID: publicUUID,
	}
	store.compiler = &search.Compiler{
		DB:              store.bun,
		RootUserID:      rootUserID,
		PublicGroupUUID: publicUUID,
	}

	util.DebugLog("opened %s (root user %s, public group %s)", path, rootUserID, publicUUID)
	return store, nil
}

// applyNetworkPragmas applies SQLite optimizations for network filesystems
func (s *Store) applyNetworkPragmas() error {
	pragmas := []string{
		// NORMAL is safe with WAL mode, fsync only at checkpoints
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		// Negative value = KB (~64 MB)
		"PRAGMA cache_size = -64000",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// ensurePublicGroup returns the uuid of the system public group, creating it
// on first open.
func (s *Store) ensurePublicGroup(ctx context.Context) (string, error) {
	var uuid string
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT uuid FROM "group"
			WHERE name = ? AND user_defined = 0
			ORDER BY id LIMIT 1
		`, publicGroupName).Scan(&uuid)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}
		uuid = util.GenerateUUID()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO "group" (uuid, name, owner_id, user_defined)
			VALUES (?, ?, NULL, 0)
		`, uuid, publicGroupName)
		return err
	})
	return uuid, err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for custom queries
func (s *Store) DB() *sql.DB {
	return s.db
}

// RootUserID returns the principal that bypasses permission checks
func (s *Store) RootUserID() string {
	return s.rootUserID
}

// PublicGroupUUID returns the uuid of the group every principal belongs to
func (s *Store) PublicGroupUUID() string {
	return s.publicGroupUUID
}

// SQLiteVersion returns the SQLite version string
func SQLiteVersion() string {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return ""
	}
	defer db.Close()

	var version string
	err = db.QueryRow("SELECT sqlite_version()").Scan(&version)
	if err != nil {
		return ""
	}
	return version
}

// CheckIntegrity runs PRAGMA integrity_check on the database
func (s *Store) CheckIntegrity() error {
	var result string
	err := s.db.QueryRow("PRAGMA integrity_check").Scan(&result)
	if err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}

	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}

	return nil
}

// migrate applies database migrations
func (s *Store) migrate() error {
	version, err := s.getSchemaVersion()
	if err != nil {
		return err
	}

	if version >= currentSchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if version < 1 {
		if _, err := tx.Exec(schemaV1); err != nil {
			return fmt.Errorf("failed to apply schema v1: %w", err)
		}
		if err := s.setSchemaVersion(tx, 1); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	// Schema v2 - lookup indexes
	if version < 2 {
		if _, err := tx.Exec(schemaV2); err != nil {
			return fmt.Errorf("failed to apply schema v2: %w", err)
		}
		if err := s.setSchemaVersion(tx, 2); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// getSchemaVersion returns the current schema version
func (s *Store) getSchemaVersion() (int, error) {
	var exists int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)
	if err != nil {
		return 0, err
	}

	if exists == 0 {
		return 0, nil
	}

	var version int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}

	return version, nil
}

// setSchemaVersion records a schema version in a transaction
func (s *Store) setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// Transaction executes fn within a transaction. Any error from fn rolls the
// whole transaction back. Busy and locked errors are returned unwrapped so
// callers can retry them.
func (s *Store) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if util.IsRetryableError(err) {
			return err
		}
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		if util.IsRetryableError(err) {
			return err
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
