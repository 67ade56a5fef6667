package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/franz/bundle-store/internal/graph"
)

// GetChildrenUUIDs maps each uuid to the bundles that depend on it
func (s *Store) GetChildrenUUIDs(ctx context.Context, uuids []string) (map[string][]string, error) {
	return edges(ctx, s.db, "parent_uuid", "child_uuid", uuids)
}

// GetParentUUIDs maps each uuid to the bundles it depends on
func (s *Store) GetParentUUIDs(ctx context.Context, uuids []string) (map[string][]string, error) {
	return edges(ctx, s.db, "child_uuid", "parent_uuid", uuids)
}

// GetHostWorksheetUUIDs maps each bundle uuid to the worksheets listing it
func (s *Store) GetHostWorksheetUUIDs(ctx context.Context, bundleUUIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(bundleUUIDs))
	for _, uuid := range bundleUUIDs {
		result[uuid] = nil
	}
	if len(bundleUUIDs) == 0 {
		return result, nil
	}

	in, args := inClause("bundle_uuid", unique(bundleUUIDs))
	rows, err := s.db.QueryContext(ctx, `
		SELECT bundle_uuid, worksheet_uuid FROM worksheet_item
		WHERE `+in+` GROUP BY bundle_uuid, worksheet_uuid ORDER BY MIN(id)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query host worksheets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bundleUUID, worksheetUUID string
		if err := rows.Scan(&bundleUUID, &worksheetUUID); err != nil {
			return nil, fmt.Errorf("failed to scan host worksheet: %w", err)
		}
		result[bundleUUID] = append(result[bundleUUID], worksheetUUID)
	}
	return result, rows.Err()
}

// GetSelfAndDescendants returns uuids followed by every bundle reachable
// through at most depth dependency hops. depth 1 adds only direct children;
// graph.Unbounded follows edges to the end.
func (s *Store) GetSelfAndDescendants(ctx context.Context, uuids []string, depth int) ([]string, error) {
	var result []string
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = graph.Descendants(ctx, txSource{tx}, uuids, depth)
		return err
	})
	return result, err
}

// GetSelfAndAncestors is GetSelfAndDescendants against the edge direction
func (s *Store) GetSelfAndAncestors(ctx context.Context, uuids []string, depth int) ([]string, error) {
	var result []string
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = graph.Ancestors(ctx, txSource{tx}, uuids, depth)
		return err
	})
	return result, err
}
