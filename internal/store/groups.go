package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/franz/bundle-store/internal/util"
)

var groupFilterColumns = map[string]bool{
	"id":           true,
	"uuid":         true,
	"name":         true,
	"owner_id":     true,
	"user_defined": true,
}

var userGroupFilterColumns = map[string]bool{
	"id":         true,
	"group_uuid": true,
	"user_id":    true,
	"is_admin":   true,
}

// Group is a named set of users. OwnerID is empty for system groups.
type Group struct {
	ID          int64
	UUID        string
	Name        string
	OwnerID     string
	UserDefined bool
}

// GroupMembership is a group as seen by one user. Owners count as admins.
type GroupMembership struct {
	Group
	UserID  string
	IsAdmin bool
}

// UserGroup is one membership row.
type UserGroup struct {
	ID        int64
	GroupUUID string
	UserID    string
	IsAdmin   bool
}

const groupColumns = `g.id, g.uuid, g.name, COALESCE(g.owner_id, ''), g.user_defined`

func scanGroups(rows *sql.Rows) ([]*Group, error) {
	defer rows.Close()
	var groups []*Group
	for rows.Next() {
		g := &Group{}
		if err := rows.Scan(&g.ID, &g.UUID, &g.Name, &g.OwnerID, &g.UserDefined); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// CreateGroup inserts a group. A missing uuid is generated. On success g.ID is set.
func (s *Store) CreateGroup(ctx context.Context, g *Group) error {
	if g.UUID == "" {
		g.UUID = util.GenerateUUID()
	}
	if !util.IsValidUUID(g.UUID) {
		return util.Usagef(util.ErrInvalid, "invalid group uuid %q", g.UUID)
	}
	if strings.TrimSpace(g.Name) == "" {
		return util.Usagef(util.ErrInvalid, "group name must not be empty")
	}

	var id int64
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO "group" (uuid, name, owner_id, user_defined) VALUES (?, ?, ?, ?)
		`, g.UUID, g.Name, nullable(g.OwnerID), g.UserDefined)
		if err != nil {
			if isConstraintError(err) {
				return util.Usagef(util.ErrDuplicate, "group %s already exists", g.UUID)
			}
			return fmt.Errorf("failed to insert group: %w", err)
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return err
	}
	g.ID = id
	return nil
}

// ListGroups returns the groups owned by ownerID, ordered by id
func (s *Store) ListGroups(ctx context.Context, ownerID string) ([]*Group, error) {
	return s.BatchGetGroups(ctx, Filter{"owner_id": ownerID})
}

// BatchGetGroups returns groups matching filter, ordered by id
func (s *Store) BatchGetGroups(ctx context.Context, filter Filter) ([]*Group, error) {
	clause, args, err := filter.where("g", groupFilterColumns)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM "group" g WHERE `+clause+` ORDER BY g.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	return scanGroups(rows)
}

// BatchGetAllGroups is the union of three lookups:
//   - the public group, narrowed by specFilters
//   - groups matching specFilters and groupFilters, as owned by their owner
//   - memberships matching specFilters and userGroupFilters
//
// The second and third lookups only run when their filters are given. Rows
// are deduplicated by group uuid, preferring admin rows.
func (s *Store) BatchGetAllGroups(ctx context.Context, specFilters, groupFilters, userGroupFilters Filter) ([]*GroupMembership, error) {
	spec, specArgs, err := specFilters.where("g", groupFilterColumns)
	if err != nil {
		return nil, err
	}

	parts := []string{`
		SELECT ` + groupColumns + `, COALESCE(g.owner_id, ''), 0
		FROM "group" g WHERE ` + spec + ` AND g.uuid = ?`}
	args := append(append([]any{}, specArgs...), s.publicGroupUUID)

	if len(specFilters) > 0 || len(groupFilters) > 0 {
		group, groupArgs, err := groupFilters.where("g", groupFilterColumns)
		if err != nil {
			return nil, err
		}
		parts = append(parts, `
			SELECT `+groupColumns+`, COALESCE(g.owner_id, ''), 1
			FROM "group" g WHERE `+spec+` AND `+group)
		args = append(args, specArgs...)
		args = append(args, groupArgs...)
	}

	if len(specFilters) > 0 || len(userGroupFilters) > 0 {
		member, memberArgs, err := userGroupFilters.where("ug", userGroupFilterColumns)
		if err != nil {
			return nil, err
		}
		parts = append(parts, `
			SELECT `+groupColumns+`, ug.user_id, ug.is_admin
			FROM "group" g JOIN user_group ug ON ug.group_uuid = g.uuid
			WHERE `+spec+` AND `+member)
		args = append(args, specArgs...)
		args = append(args, memberArgs...)
	}

	rows, err := s.db.QueryContext(ctx, strings.Join(parts, " UNION ALL ")+" ORDER BY 1", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var result []*GroupMembership
	byUUID := map[string]*GroupMembership{}
	for rows.Next() {
		m := &GroupMembership{}
		if err := rows.Scan(&m.ID, &m.UUID, &m.Name, &m.OwnerID, &m.UserDefined, &m.UserID, &m.IsAdmin); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		if prev, ok := byUUID[m.UUID]; ok {
			if m.IsAdmin && !prev.IsAdmin {
				*prev = *m
			}
			continue
		}
		byUUID[m.UUID] = m
		result = append(result, m)
	}
	return result, rows.Err()
}

// DeleteGroup deletes a group with its permissions and memberships. The
// public group cannot be deleted.
func (s *Store) DeleteGroup(ctx context.Context, uuid string) error {
	if uuid == s.publicGroupUUID {
		return util.Usagef(util.ErrInvalid, "the public group cannot be deleted")
	}
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		statements := []string{
			"DELETE FROM group_bundle_permission WHERE group_uuid = ?",
			"DELETE FROM group_object_permission WHERE group_uuid = ?",
			"DELETE FROM user_group WHERE group_uuid = ?",
			`DELETE FROM "group" WHERE uuid = ?`,
		}
		var result sql.Result
		for _, stmt := range statements {
			var err error
			result, err = tx.ExecContext(ctx, stmt, uuid)
			if err != nil {
				return fmt.Errorf("failed to delete group: %w", err)
			}
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return util.Usagef(util.ErrNotFound, "could not find group with uuid %s", uuid)
		}
		return nil
	})
}

// AddUserInGroup makes userID a member of the group
func (s *Store) AddUserInGroup(ctx context.Context, userID, groupUUID string, isAdmin bool) error {
	if userID == "" {
		return util.Usagef(util.ErrInvalid, "user id must not be empty")
	}
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if err := requireGroup(ctx, tx, groupUUID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_group (group_uuid, user_id, is_admin) VALUES (?, ?, ?)
		`, groupUUID, userID, isAdmin)
		if err != nil {
			if isConstraintError(err) {
				return util.Usagef(util.ErrDuplicate, "user %s is already in group %s", userID, groupUUID)
			}
			return fmt.Errorf("failed to add user to group: %w", err)
		}
		return nil
	})
}

// DeleteUserInGroup removes userID from the group
func (s *Store) DeleteUserInGroup(ctx context.Context, userID, groupUUID string) error {
	return s.execMembership(ctx, "DELETE FROM user_group WHERE group_uuid = ? AND user_id = ?", groupUUID, userID)
}

// UpdateUserInGroup changes the admin flag of a membership
func (s *Store) UpdateUserInGroup(ctx context.Context, userID, groupUUID string, isAdmin bool) error {
	return s.execMembership(ctx, "UPDATE user_group SET is_admin = ? WHERE group_uuid = ? AND user_id = ?", isAdmin, groupUUID, userID)
}

func (s *Store) execMembership(ctx context.Context, stmt string, args ...any) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("failed to update membership: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return util.Usagef(util.ErrNotFound, "no such membership")
		}
		return nil
	})
}

// BatchGetUserInGroup returns memberships matching filter, ordered by id
func (s *Store) BatchGetUserInGroup(ctx context.Context, filter Filter) ([]*UserGroup, error) {
	clause, args, err := filter.where("ug", userGroupFilterColumns)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ug.id, ug.group_uuid, ug.user_id, ug.is_admin
		FROM user_group ug WHERE `+clause+` ORDER BY ug.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*UserGroup
	for rows.Next() {
		m := &UserGroup{}
		if err := rows.Scan(&m.ID, &m.GroupUUID, &m.UserID, &m.IsAdmin); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

func requireGroup(ctx context.Context, tx *sql.Tx, uuid string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM "group" WHERE uuid = ?`, uuid).Scan(&n); err != nil {
		return fmt.Errorf("failed to check group: %w", err)
	}
	if n == 0 {
		return util.Usagef(util.ErrNotFound, "could not find group with uuid %s", uuid)
	}
	return nil
}

// isConstraintError reports a UNIQUE or foreign key violation.
func isConstraintError(err error) bool {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		// SQLITE_CONSTRAINT
		return coded.Code()&0xff == 19
	}
	return strings.Contains(err.Error(), "constraint failed")
}
