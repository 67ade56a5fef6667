package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/franz/bundle-store/internal/permission"
	"github.com/franz/bundle-store/internal/util"
)

func validLevel(level permission.Level) error {
	if level < permission.None || level > permission.All {
		return util.Usagef(util.ErrInvalid, "invalid permission level %d", int(level))
	}
	return nil
}

// AddPermission grants level to the group on the object. An existing grant
// for the same pair is replaced.
func (s *Store) AddPermission(ctx context.Context, t permission.Table, groupUUID, objectUUID string, level permission.Level) error {
	if err := validLevel(level); err != nil {
		return err
	}
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if err := requireGroup(ctx, tx, groupUUID); err != nil {
			return err
		}
		if err := requireObject(ctx, tx, t, objectUUID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO `+t.Name()+` (group_uuid, object_uuid, permission) VALUES (?, ?, ?)
			ON CONFLICT(group_uuid, object_uuid) DO UPDATE SET permission = excluded.permission
		`, groupUUID, objectUUID, int(level))
		if err != nil {
			return fmt.Errorf("failed to add permission: %w", err)
		}
		return nil
	})
}

// DeletePermission revokes the group's grant on the object
func (s *Store) DeletePermission(ctx context.Context, t permission.Table, groupUUID, objectUUID string) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM "+t.Name()+" WHERE group_uuid = ? AND object_uuid = ?", groupUUID, objectUUID)
		if err != nil {
			return fmt.Errorf("failed to delete permission: %w", err)
		}
		return nil
	})
}

// UpdatePermission changes an existing grant
func (s *Store) UpdatePermission(ctx context.Context, t permission.Table, groupUUID, objectUUID string, level permission.Level) error {
	if err := validLevel(level); err != nil {
		return err
	}
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "UPDATE "+t.Name()+" SET permission = ? WHERE group_uuid = ? AND object_uuid = ?",
			int(level), groupUUID, objectUUID)
		if err != nil {
			return fmt.Errorf("failed to update permission: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return util.Usagef(util.ErrNotFound, "group %s has no permission on %s %s", groupUUID, t.ObjectTable(), objectUUID)
		}
		return nil
	})
}

// BatchGetGroupPermissions maps every object uuid to its grants
func (s *Store) BatchGetGroupPermissions(ctx context.Context, t permission.Table, objectUUIDs []string) (map[string][]permission.GroupPermission, error) {
	return batchGetGroupPermissions(ctx, s.db, t, objectUUIDs)
}

func batchGetGroupPermissions(ctx context.Context, q querier, t permission.Table, objectUUIDs []string) (map[string][]permission.GroupPermission, error) {
	result := make(map[string][]permission.GroupPermission, len(objectUUIDs))
	for _, uuid := range objectUUIDs {
		result[uuid] = nil
	}
	if len(objectUUIDs) == 0 {
		return result, nil
	}

	in, args := inClause("p.object_uuid", unique(objectUUIDs))
	rows, err := q.QueryContext(ctx, `
		SELECT p.object_uuid, p.group_uuid, COALESCE(g.name, ''), p.permission
		FROM `+t.Name()+` p LEFT JOIN "group" g ON g.uuid = p.group_uuid
		WHERE `+in+` ORDER BY p.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s permissions: %w", t.ObjectTable(), err)
	}
	defer rows.Close()

	for rows.Next() {
		var objectUUID string
		var gp permission.GroupPermission
		var level int
		if err := rows.Scan(&objectUUID, &gp.GroupUUID, &gp.GroupName, &level); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		gp.Permission = permission.Level(level)
		result[objectUUID] = append(result[objectUUID], gp)
	}
	return result, rows.Err()
}

// GetGroupPermissions returns the grants on one object
func (s *Store) GetGroupPermissions(ctx context.Context, t permission.Table, objectUUID string) ([]permission.GroupPermission, error) {
	perms, err := s.BatchGetGroupPermissions(ctx, t, []string{objectUUID})
	if err != nil {
		return nil, err
	}
	return perms[objectUUID], nil
}

// GetGroupPermission returns the group's level on the object, None if ungranted
func (s *Store) GetGroupPermission(ctx context.Context, t permission.Table, groupUUID, objectUUID string) (permission.Level, error) {
	var level int
	err := s.db.QueryRowContext(ctx, "SELECT permission FROM "+t.Name()+" WHERE group_uuid = ? AND object_uuid = ?",
		groupUUID, objectUUID).Scan(&level)
	if err == sql.ErrNoRows {
		return permission.None, nil
	}
	if err != nil {
		return permission.None, fmt.Errorf("failed to get permission: %w", err)
	}
	return permission.Level(level), nil
}

// GetUserPermissions resolves userID's effective level on each object.
// ownerIDs maps object uuid to owner.
func (s *Store) GetUserPermissions(ctx context.Context, t permission.Table, userID string, objectUUIDs []string, ownerIDs map[string]string) (map[string]permission.Level, error) {
	var levels map[string]permission.Level
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		levels, err = s.resolver.Resolve(ctx, txSource{tx}, t, userID, objectUUIDs, ownerIDs)
		return err
	})
	return levels, err
}

// CheckPermission fails with ErrPermission unless userID holds at least need
// on every object. Owners are looked up from the object table.
func (s *Store) CheckPermission(ctx context.Context, t permission.Table, userID string, objectUUIDs []string, need permission.Level) error {
	if s.resolver.IsRoot(userID) || len(objectUUIDs) == 0 {
		return nil
	}
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		owners, err := getOwnerIDs(ctx, tx, t.ObjectTable(), objectUUIDs)
		if err != nil {
			return err
		}
		levels, err := s.resolver.Resolve(ctx, txSource{tx}, t, userID, objectUUIDs, owners)
		if err != nil {
			return err
		}
		var denied []string
		for _, uuid := range unique(objectUUIDs) {
			if levels[uuid] < need {
				denied = append(denied, uuid)
			}
		}
		if len(denied) > 0 {
			who := userID
			if who == "" {
				who = "anonymous"
			}
			return util.Usagef(util.ErrPermission, "user %s lacks %s permission on %s %s",
				who, need, t.ObjectTable(), strings.Join(denied, " "))
		}
		return nil
	})
}

func requireObject(ctx context.Context, tx *sql.Tx, t permission.Table, uuid string) error {
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.ObjectTable()+" WHERE uuid = ?", uuid).Scan(&n); err != nil {
		return fmt.Errorf("failed to check %s: %w", t.ObjectTable(), err)
	}
	if n == 0 {
		return util.Usagef(util.ErrNotFound, "could not find %s with uuid %s", t.ObjectTable(), uuid)
	}
	return nil
}
