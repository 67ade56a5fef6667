package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/franz/bundle-store/internal/util"
)

// Bundle states
const (
	StateCreated = "created"
	StateStaged  = "staged"
	StateRunning = "running"
	StateReady   = "ready"
	StateFailed  = "failed"
)

var validStates = map[string]bool{
	StateCreated: true,
	StateStaged:  true,
	StateRunning: true,
	StateReady:   true,
	StateFailed:  true,
}

// columns accepted by Filter on the bundle table
var bundleFilterColumns = map[string]bool{
	"id":          true,
	"uuid":        true,
	"bundle_type": true,
	"command":     true,
	"data_hash":   true,
	"state":       true,
	"owner_id":    true,
}

// columns an update may change
var bundleUpdateColumns = map[string]bool{
	"command":   true,
	"data_hash": true,
	"state":     true,
	"owner_id":  true,
}

// Dependency is an edge from a parent bundle into the child slot ChildPath.
type Dependency struct {
	ChildUUID  string
	ChildPath  string
	ParentUUID string
	ParentPath string
}

// Bundle is an immutable computed artifact. Only the columns named in
// bundleUpdateColumns and the metadata may change after it is saved.
type Bundle struct {
	ID           int64
	UUID         string
	BundleType   string
	Command      string
	DataHash     string // Empty once the data has been reclaimed
	State        string
	OwnerID      string
	Metadata     map[string][]string
	Dependencies []Dependency
}

// NewBundle returns an unsaved bundle with a fresh uuid.
func NewBundle(bundleType, ownerID string) *Bundle {
	return &Bundle{
		UUID:       util.GenerateUUID(),
		BundleType: bundleType,
		State:      StateCreated,
		OwnerID:    ownerID,
		Metadata:   map[string][]string{},
	}
}

// Name returns the first value of the name metadata key.
func (b *Bundle) Name() string {
	if v := b.Metadata["name"]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Validate checks the bundle's fields and edges.
func (b *Bundle) Validate() error {
	if !util.IsValidUUID(b.UUID) {
		return util.Usagef(util.ErrInvalid, "invalid bundle uuid %q", b.UUID)
	}
	if strings.TrimSpace(b.BundleType) == "" {
		return util.Usagef(util.ErrInvalid, "bundle %s has no type", b.UUID)
	}
	if !validStates[b.State] {
		return util.Usagef(util.ErrInvalid, "bundle %s has invalid state %q", b.UUID, b.State)
	}
	for _, dep := range b.Dependencies {
		if dep.ChildUUID != b.UUID {
			return util.Usagef(util.ErrInvalid, "dependency of %s has child %s", b.UUID, dep.ChildUUID)
		}
		if dep.ChildPath == "" {
			return util.Usagef(util.ErrInvalid, "dependency of %s has empty child path", b.UUID)
		}
		if !util.IsValidUUID(dep.ParentUUID) {
			return util.Usagef(util.ErrInvalid, "dependency of %s has invalid parent uuid %q", b.UUID, dep.ParentUUID)
		}
	}
	for key := range b.Metadata {
		if strings.TrimSpace(key) == "" {
			return util.Usagef(util.ErrInvalid, "bundle %s has an empty metadata key", b.UUID)
		}
	}
	return nil
}

// normalize puts the searchable text of b into NFC.
func (b *Bundle) normalize() {
	b.Command = norm.NFC.String(b.Command)
	for k, values := range b.Metadata {
		for i, v := range values {
			values[i] = norm.NFC.String(v)
		}
		b.Metadata[k] = values
	}
}

func (b *Bundle) clone() *Bundle {
	c := *b
	c.Metadata = make(map[string][]string, len(b.Metadata))
	for k, v := range b.Metadata {
		c.Metadata[k] = append([]string(nil), v...)
	}
	c.Dependencies = append([]Dependency(nil), b.Dependencies...)
	return &c
}

// applyColumns sets columns in memory. id and uuid are never updatable.
func (b *Bundle) applyColumns(columns map[string]any) error {
	for col, v := range columns {
		if !bundleUpdateColumns[col] {
			return util.Usagef(util.ErrIllegalUpdate, "column %q cannot be updated", col)
		}
		var s string
		switch val := v.(type) {
		case nil:
		case string:
			s = norm.NFC.String(val)
		default:
			return util.Usagef(util.ErrIllegalUpdate, "column %q: unsupported value %T", col, v)
		}
		switch col {
		case "command":
			b.Command = s
		case "data_hash":
			b.DataHash = s
		case "state":
			b.State = s
		case "owner_id":
			b.OwnerID = s
		}
	}
	return nil
}

// BundleUpdate is a diff: columns and metadata keys it does not name are
// left alone. A metadata key mapped to an empty list is removed.
type BundleUpdate struct {
	Columns  map[string]any
	Metadata map[string][]string
}

// GetBundle retrieves a bundle by uuid
func (s *Store) GetBundle(ctx context.Context, uuid string) (*Bundle, error) {
	var b *Bundle
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		b, err = getBundle(ctx, tx, uuid)
		return err
	})
	return b, err
}

// BatchGetBundles returns every bundle matching filter, ordered by id
func (s *Store) BatchGetBundles(ctx context.Context, filter Filter) ([]*Bundle, error) {
	var bundles []*Bundle
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		bundles, err = batchGetBundles(ctx, tx, filter)
		return err
	})
	return bundles, err
}

func getBundle(ctx context.Context, q querier, uuid string) (*Bundle, error) {
	bundles, err := batchGetBundles(ctx, q, Filter{"uuid": uuid})
	if err != nil {
		return nil, err
	}
	switch len(bundles) {
	case 0:
		return nil, util.Usagef(util.ErrNotFound, "could not find bundle with uuid %s", uuid)
	case 1:
		return bundles[0], nil
	}
	return nil, util.Integrityf("found %d bundles with uuid %s", len(bundles), uuid)
}

func batchGetBundles(ctx context.Context, q querier, filter Filter) ([]*Bundle, error) {
	clause, args, err := filter.where("b", bundleFilterColumns)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT b.id, b.uuid, b.bundle_type, COALESCE(b.command, ''),
		       COALESCE(b.data_hash, ''), b.state, COALESCE(b.owner_id, '')
		FROM bundle b WHERE `+clause+`
		ORDER BY b.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bundles: %w", err)
	}

	var bundles []*Bundle
	byUUID := map[string]*Bundle{}
	for rows.Next() {
		b := &Bundle{Metadata: map[string][]string{}}
		if err := rows.Scan(&b.ID, &b.UUID, &b.BundleType, &b.Command, &b.DataHash, &b.State, &b.OwnerID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan bundle: %w", err)
		}
		bundles = append(bundles, b)
		byUUID[b.UUID] = b
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bundles: %w", err)
	}
	if len(bundles) == 0 {
		return nil, nil
	}

	uuids := make([]string, len(bundles))
	for i, b := range bundles {
		uuids[i] = b.UUID
	}

	in, inArgs := inClause("child_uuid", uuids)
	rows, err = q.QueryContext(ctx, `
		SELECT child_uuid, child_path, parent_uuid, parent_path
		FROM bundle_dependency WHERE `+in+` ORDER BY id
	`, inArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.ChildUUID, &d.ChildPath, &d.ParentUUID, &d.ParentPath); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		byUUID[d.ChildUUID].Dependencies = append(byUUID[d.ChildUUID].Dependencies, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dependencies: %w", err)
	}

	in, inArgs = inClause("bundle_uuid", uuids)
	rows, err = q.QueryContext(ctx, `
		SELECT bundle_uuid, metadata_key, metadata_value
		FROM bundle_metadata WHERE `+in+` ORDER BY id
	`, inArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	for rows.Next() {
		var uuid, key, value string
		if err := rows.Scan(&uuid, &key, &value); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		byUUID[uuid].Metadata[key] = append(byUUID[uuid].Metadata[key], value)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metadata: %w", err)
	}

	for _, b := range bundles {
		if err := b.Validate(); err != nil {
			return nil, util.Integrityf("stored bundle %s is invalid: %v", b.UUID, err)
		}
	}
	return bundles, nil
}

// SaveBundle validates and inserts a bundle with its dependencies and
// metadata in one transaction. On success b.ID is set. Saving a uuid that
// already exists fails with ErrDuplicate. Command and metadata text are
// rewritten to NFC first.
func (s *Store) SaveBundle(ctx context.Context, b *Bundle) error {
	b.normalize()
	if err := b.Validate(); err != nil {
		return err
	}

	var id int64
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM bundle WHERE uuid = ?", b.UUID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check bundle: %w", err)
		}
		if exists > 0 {
			return util.Usagef(util.ErrDuplicate, "bundle %s already exists", b.UUID)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO bundle (uuid, bundle_type, command, data_hash, state, owner_id)
			VALUES (?, ?, ?, ?, ?, ?)
		`, b.UUID, b.BundleType, nullable(b.Command), nullable(b.DataHash), b.State, nullable(b.OwnerID))
		if err != nil {
			return fmt.Errorf("failed to insert bundle: %w", err)
		}
		id, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get bundle ID: %w", err)
		}

		for _, d := range b.Dependencies {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO bundle_dependency (child_uuid, child_path, parent_uuid, parent_path)
				VALUES (?, ?, ?, ?)
			`, d.ChildUUID, d.ChildPath, d.ParentUUID, d.ParentPath)
			if err != nil {
				return fmt.Errorf("failed to insert dependency: %w", err)
			}
		}
		if err := insertMetadata(ctx, tx, b.UUID, b.Metadata); err != nil {
			return err
		}

		// the stored form must validate too
		_, err = getBundle(ctx, tx, b.UUID)
		return err
	})
	if err != nil {
		return err
	}
	b.ID = id
	return nil
}

func insertMetadata(ctx context.Context, tx *sql.Tx, uuid string, metadata map[string][]string) error {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, value := range metadata[key] {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO bundle_metadata (bundle_uuid, metadata_key, metadata_value)
				VALUES (?, ?, ?)
			`, uuid, key, norm.NFC.String(value))
			if err != nil {
				return fmt.Errorf("failed to insert metadata %s: %w", key, err)
			}
		}
	}
	return nil
}

// UpdateBundle applies update to the stored bundle and to b. The result is
// validated before it is written and again as stored.
func (s *Store) UpdateBundle(ctx context.Context, b *Bundle, update BundleUpdate) error {
	next := b.clone()
	if err := next.applyColumns(update.Columns); err != nil {
		return err
	}
	for key, values := range update.Metadata {
		if len(values) == 0 {
			delete(next.Metadata, key)
			continue
		}
		next.Metadata[key] = append([]string(nil), values...)
	}
	if err := next.Validate(); err != nil {
		return err
	}

	var stored *Bundle
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := getBundle(ctx, tx, b.UUID); err != nil {
			return err
		}

		if len(update.Columns) > 0 {
			cols := make([]string, 0, len(update.Columns))
			for col := range update.Columns {
				cols = append(cols, col)
			}
			sort.Strings(cols)
			sets := make([]string, len(cols))
			args := make([]any, 0, len(cols)+1)
			for i, col := range cols {
				sets[i] = col + " = ?"
				args = append(args, columnValue(update.Columns[col]))
			}
			args = append(args, b.UUID)
			if _, err := tx.ExecContext(ctx, "UPDATE bundle SET "+strings.Join(sets, ", ")+" WHERE uuid = ?", args...); err != nil {
				return fmt.Errorf("failed to update bundle: %w", err)
			}
		}

		if len(update.Metadata) > 0 {
			keys := make([]string, 0, len(update.Metadata))
			for k := range update.Metadata {
				keys = append(keys, k)
			}
			in, inArgs := inClause("metadata_key", keys)
			args := append([]any{b.UUID}, inArgs...)
			if _, err := tx.ExecContext(ctx, "DELETE FROM bundle_metadata WHERE bundle_uuid = ? AND "+in, args...); err != nil {
				return fmt.Errorf("failed to clear metadata: %w", err)
			}
			changed := make(map[string][]string, len(keys))
			for _, k := range keys {
				changed[k] = next.Metadata[k]
			}
			if err := insertMetadata(ctx, tx, b.UUID, changed); err != nil {
				return err
			}
		}

		var err error
		stored, err = getBundle(ctx, tx, b.UUID)
		return err
	})
	if err != nil {
		return err
	}
	*b = *stored
	return nil
}

// columnValue maps the empty string of nullable columns to NULL and stores
// text in NFC.
func columnValue(v any) any {
	if s, ok := v.(string); ok {
		return nullable(norm.NFC.String(s))
	}
	return v
}

var errBatchMismatch = errors.New("batch update matched fewer rows than expected")

// BatchUpdateBundles sets columns on every bundle in bundles that also
// satisfies condition. It applies only if every bundle matched; otherwise
// nothing changes and it returns false. Values are not validated.
func (s *Store) BatchUpdateBundles(ctx context.Context, bundles []*Bundle, update map[string]any, condition Filter) (bool, error) {
	for col := range update {
		if col == "id" || col == "uuid" || !bundleUpdateColumns[col] {
			return false, util.Usagef(util.ErrIllegalUpdate, "column %q cannot be updated", col)
		}
	}
	if len(bundles) == 0 || len(update) == 0 {
		return true, nil
	}

	idSet := map[int64]bool{}
	var ids []any
	for _, b := range bundles {
		if !idSet[b.ID] {
			idSet[b.ID] = true
			ids = append(ids, b.ID)
		}
	}

	cols := make([]string, 0, len(update))
	for col := range update {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	sets := make([]string, len(cols))
	var args []any
	for i, col := range cols {
		sets[i] = col + " = ?"
		args = append(args, columnValue(update[col]))
	}

	cond, condArgs, err := condition.where("bundle", bundleFilterColumns)
	if err != nil {
		return false, err
	}
	args = append(args, ids...)
	args = append(args, condArgs...)
	query := fmt.Sprintf("UPDATE bundle SET %s WHERE id IN (%s) AND %s",
		strings.Join(sets, ", "), placeholders(len(ids)), cond)

	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update bundles: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count updated bundles: %w", err)
		}
		if n != int64(len(ids)) {
			util.DebugLog("batch update matched %d of %d bundles, rolling back", n, len(ids))
			return errBatchMismatch
		}
		return nil
	})
	if errors.Is(err, errBatchMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, b := range bundles {
		if err := b.applyColumns(update); err != nil {
			return false, err
		}
	}
	return true, nil
}

func checkNotRunning(ctx context.Context, tx *sql.Tx, uuids []string) error {
	in, args := inClause("uuid", uuids)
	rows, err := tx.QueryContext(ctx, "SELECT uuid FROM bundle WHERE state = ? AND "+in+" ORDER BY id",
		append([]any{StateRunning}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to check bundle states: %w", err)
	}
	defer rows.Close()

	var running []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return fmt.Errorf("failed to scan bundle uuid: %w", err)
		}
		running = append(running, uuid)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(running) > 0 {
		return util.Usagef(util.ErrRunning, "can't delete running bundles: %s", strings.Join(running, " "))
	}
	return nil
}

// DeleteBundles deletes bundles and every row that references them. No
// bundle may be running.
func (s *Store) DeleteBundles(ctx context.Context, uuids []string) error {
	uuids = unique(uuids)
	if len(uuids) == 0 {
		return nil
	}

	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if err := checkNotRunning(ctx, tx, uuids); err != nil {
			return err
		}

		// Reverse creation order keeps foreign keys satisfied
		steps := []struct {
			table  string
			column string
		}{
			{"group_bundle_permission", "object_uuid"},
			{"worksheet_item", "bundle_uuid"},
			{"bundle_metadata", "bundle_uuid"},
			{"bundle_dependency", "child_uuid"},
			{"bundle", "uuid"},
		}
		for _, step := range steps {
			in, args := inClause(step.column, uuids)
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+step.table+" WHERE "+in, args...); err != nil {
				return fmt.Errorf("failed to delete from %s: %w", step.table, err)
			}
		}
		util.DebugLog("deleted %d bundles", len(uuids))
		return nil
	})
}

// RemoveDataHashReferences clears data_hash on bundles whose data was
// reclaimed. No bundle may be running.
func (s *Store) RemoveDataHashReferences(ctx context.Context, uuids []string) error {
	uuids = unique(uuids)
	if len(uuids) == 0 {
		return nil
	}
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if err := checkNotRunning(ctx, tx, uuids); err != nil {
			return err
		}
		in, args := inClause("uuid", uuids)
		if _, err := tx.ExecContext(ctx, "UPDATE bundle SET data_hash = NULL WHERE "+in, args...); err != nil {
			return fmt.Errorf("failed to clear data hashes: %w", err)
		}
		return nil
	})
}

// GetBundleNames maps uuid to the bundle's name metadata. Bundles without a
// name are absent.
func (s *Store) GetBundleNames(ctx context.Context, uuids []string) (map[string]string, error) {
	names := map[string]string{}
	if len(uuids) == 0 {
		return names, nil
	}
	in, args := inClause("bundle_uuid", unique(uuids))
	rows, err := s.db.QueryContext(ctx, `
		SELECT bundle_uuid, metadata_value FROM bundle_metadata
		WHERE metadata_key = 'name' AND `+in+` ORDER BY id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bundle names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var uuid, name string
		if err := rows.Scan(&uuid, &name); err != nil {
			return nil, fmt.Errorf("failed to scan bundle name: %w", err)
		}
		if _, ok := names[uuid]; !ok {
			names[uuid] = name
		}
	}
	return names, rows.Err()
}

// GetBundleOwnerIDs maps bundle uuid to owner id
func (s *Store) GetBundleOwnerIDs(ctx context.Context, uuids []string) (map[string]string, error) {
	return getOwnerIDs(ctx, s.db, "bundle", uuids)
}

// GetWorksheetOwnerIDs maps worksheet uuid to owner id
func (s *Store) GetWorksheetOwnerIDs(ctx context.Context, uuids []string) (map[string]string, error) {
	return getOwnerIDs(ctx, s.db, "worksheet", uuids)
}

func getOwnerIDs(ctx context.Context, q querier, table string, uuids []string) (map[string]string, error) {
	owners := map[string]string{}
	if len(uuids) == 0 {
		return owners, nil
	}
	in, args := inClause("uuid", unique(uuids))
	rows, err := q.QueryContext(ctx, "SELECT uuid, COALESCE(owner_id, '') FROM "+table+" WHERE "+in, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s owners: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var uuid, owner string
		if err := rows.Scan(&uuid, &owner); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners[uuid] = owner
	}
	return owners, rows.Err()
}

// BundleLookup selects bundles for GetBundleUUIDs. UUID takes precedence;
// otherwise Name and WorksheetUUID narrow the search. UUID and Name accept a
// string, a []string or a Like pattern.
type BundleLookup struct {
	UUID          any
	Name          any
	WorksheetUUID string
}

// GetBundleUUIDs resolves a lookup to bundle uuids, newest first. Bundles on
// a worksheet are ordered by their latest appearance there.
func (s *Store) GetBundleUUIDs(ctx context.Context, lookup BundleLookup, maxResults int) ([]string, error) {
	var query string
	var args []any

	switch {
	case lookup.UUID != nil:
		clause, clauseArgs, err := Filter{"uuid": lookup.UUID}.where("b", bundleFilterColumns)
		if err != nil {
			return nil, err
		}
		query = "SELECT b.uuid FROM bundle b WHERE " + clause + " ORDER BY b.id DESC"
		args = clauseArgs

	case lookup.WorksheetUUID != "":
		query = `
			SELECT wi.bundle_uuid FROM worksheet_item wi
			WHERE wi.worksheet_uuid = ? AND wi.bundle_uuid IS NOT NULL`
		args = []any{lookup.WorksheetUUID}
		if lookup.Name != nil {
			clause, clauseArgs, err := Filter{"metadata_value": lookup.Name}.where("m", map[string]bool{"metadata_value": true})
			if err != nil {
				return nil, err
			}
			query += ` AND wi.bundle_uuid IN (
				SELECT m.bundle_uuid FROM bundle_metadata m
				WHERE m.metadata_key = 'name' AND ` + clause + `)`
			args = append(args, clauseArgs...)
		}
		query += " GROUP BY wi.bundle_uuid ORDER BY MAX(wi.id) DESC"

	case lookup.Name != nil:
		clause, clauseArgs, err := Filter{"metadata_value": lookup.Name}.where("m", map[string]bool{"metadata_value": true})
		if err != nil {
			return nil, err
		}
		query = `
			SELECT b.uuid FROM bundle b
			WHERE b.uuid IN (
				SELECT m.bundle_uuid FROM bundle_metadata m
				WHERE m.metadata_key = 'name' AND ` + clause + `)
			ORDER BY b.id DESC`
		args = clauseArgs

	default:
		return nil, util.Usagef(util.ErrInvalid, "nothing is specified")
	}

	if maxResults > 0 {
		query += " LIMIT ?"
		args = append(args, maxResults)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up bundles: %w", err)
	}
	defer rows.Close()

	uuids := []string{}
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, fmt.Errorf("failed to scan bundle uuid: %w", err)
		}
		uuids = append(uuids, uuid)
	}
	return uuids, rows.Err()
}
