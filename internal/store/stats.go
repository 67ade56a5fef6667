package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/franz/bundle-store/internal/util"
)

// Stats summarizes table sizes for reports.
type Stats struct {
	Bundles         int64
	BundlesByState  map[string]int64
	BundlesByType   map[string]int64
	Dependencies    int64
	MetadataRows    int64
	Worksheets      int64
	WorksheetItems  int64
	OrphanBundles   int64
	Groups          int64
	Memberships     int64
	BundleGrants    int64
	WorksheetGrants int64
	PendingActions  int64
	TotalDataSize   int64
	SchemaVersion   int
	PublicGroupUUID string
}

// GetStats collects Stats in one transaction
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		BundlesByState:  map[string]int64{},
		BundlesByType:   map[string]int64{},
		PublicGroupUUID: s.publicGroupUUID,
	}

	counts := []struct {
		dest  *int64
		query string
	}{
		{&st.Bundles, "SELECT COUNT(*) FROM bundle"},
		{&st.Dependencies, "SELECT COUNT(*) FROM bundle_dependency"},
		{&st.MetadataRows, "SELECT COUNT(*) FROM bundle_metadata"},
		{&st.Worksheets, "SELECT COUNT(*) FROM worksheet"},
		{&st.WorksheetItems, "SELECT COUNT(*) FROM worksheet_item"},
		{&st.OrphanBundles, "SELECT COUNT(*) FROM bundle WHERE uuid NOT IN (SELECT bundle_uuid FROM worksheet_item WHERE bundle_uuid IS NOT NULL)"},
		{&st.Groups, `SELECT COUNT(*) FROM "group"`},
		{&st.Memberships, "SELECT COUNT(*) FROM user_group"},
		{&st.BundleGrants, "SELECT COUNT(*) FROM group_bundle_permission"},
		{&st.WorksheetGrants, "SELECT COUNT(*) FROM group_object_permission"},
		{&st.PendingActions, "SELECT COUNT(*) FROM bundle_action"},
		{&st.TotalDataSize, `
			SELECT COALESCE(SUM(CAST(metadata_value AS INTEGER)), 0) FROM bundle_metadata
			WHERE metadata_key = 'data_size' AND metadata_value NOT GLOB '*[^0-9]*' AND metadata_value != ''`},
	}

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		for _, c := range counts {
			if err := tx.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
				return fmt.Errorf("failed to collect stats: %w", err)
			}
		}
		if err := groupCounts(ctx, tx, "state", st.BundlesByState); err != nil {
			return err
		}
		return groupCounts(ctx, tx, "bundle_type", st.BundlesByType)
	})
	if err != nil {
		return nil, err
	}

	version, err := s.getSchemaVersion()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema version: %w", err)
	}
	st.SchemaVersion = version
	return st, nil
}

func groupCounts(ctx context.Context, tx *sql.Tx, column string, into map[string]int64) error {
	rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM bundle GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("failed to count bundles by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// OrphanRows counts rows of one dependent table whose reference is dangling.
type OrphanRows struct {
	Table  string
	Column string
	Count  int64
}

var orphanChecks = []struct {
	table, column, parent string
}{
	{"bundle_metadata", "bundle_uuid", "bundle"},
	{"bundle_dependency", "child_uuid", "bundle"},
	{"worksheet_item", "worksheet_uuid", "worksheet"},
	{"worksheet_item", "bundle_uuid", "bundle"},
	{"worksheet_item", "subworksheet_uuid", "worksheet"},
	{"user_group", "group_uuid", `"group"`},
	{"group_bundle_permission", "group_uuid", `"group"`},
	{"group_bundle_permission", "object_uuid", "bundle"},
	{"group_object_permission", "group_uuid", `"group"`},
	{"group_object_permission", "object_uuid", "worksheet"},
}

// FindOrphans scans every reference column for rows pointing at missing
// objects. Foreign keys prevent these; they appear only in databases
// written with enforcement off. It returns an IntegrityError when any are
// found, along with the per-column counts.
func (s *Store) FindOrphans(ctx context.Context) ([]OrphanRows, error) {
	var found []OrphanRows
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		for _, c := range orphanChecks {
			var n int64
			query := fmt.Sprintf(
				"SELECT COUNT(*) FROM %s t WHERE t.%s IS NOT NULL AND t.%s NOT IN (SELECT uuid FROM %s)",
				c.table, c.column, c.column, c.parent)
			if err := tx.QueryRowContext(ctx, query).Scan(&n); err != nil {
				return fmt.Errorf("failed to scan %s.%s: %w", c.table, c.column, err)
			}
			if n > 0 {
				found = append(found, OrphanRows{Table: c.table, Column: c.column, Count: n})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		var total int64
		for _, o := range found {
			total += o.Count
		}
		return found, util.Integrityf("%d rows reference missing objects", total)
	}
	return nil, nil
}
