package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/franz/bundle-store/internal/graph"
	"github.com/franz/bundle-store/internal/permission"
)

// txSource reads permission rows and dependency edges inside one transaction.
type txSource struct {
	tx *sql.Tx
}

var (
	_ permission.Source = txSource{}
	_ graph.EdgeSource  = txSource{}
)

func (src txSource) GroupPermissions(ctx context.Context, t permission.Table, objectUUIDs []string) (map[string][]permission.GroupPermission, error) {
	return batchGetGroupPermissions(ctx, src.tx, t, objectUUIDs)
}

func (src txSource) UserGroups(ctx context.Context, userID string) ([]string, error) {
	rows, err := src.tx.QueryContext(ctx, "SELECT group_uuid FROM user_group WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("failed to scan group uuid: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (src txSource) Children(ctx context.Context, parents []string) (map[string][]string, error) {
	return edges(ctx, src.tx, "parent_uuid", "child_uuid", parents)
}

func (src txSource) Parents(ctx context.Context, children []string) (map[string][]string, error) {
	return edges(ctx, src.tx, "child_uuid", "parent_uuid", children)
}

// edges maps each of keys to the other end of its dependency edges.
func edges(ctx context.Context, q querier, from, to string, keys []string) (map[string][]string, error) {
	result := make(map[string][]string, len(keys))
	for _, k := range keys {
		result[k] = nil
	}
	if len(keys) == 0 {
		return result, nil
	}

	in, args := inClause(from, unique(keys))
	rows, err := q.QueryContext(ctx, "SELECT "+from+", "+to+" FROM bundle_dependency WHERE "+in+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		result[k] = append(result[k], v)
	}
	return result, rows.Err()
}
