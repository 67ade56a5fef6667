// Package permission computes effective access levels for principals over
// bundles and worksheets from ownership and group membership.
package permission

import (
	"context"
	"fmt"
	"strings"
)

// Level is a permission level on the ordered scale None < Read < All.
type Level int

const (
	None Level = 0
	Read Level = 1
	All  Level = 2
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Read:
		return "read"
	case All:
		return "all"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel accepts none/read/all and their one-letter forms.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "n":
		return None, nil
	case "read", "r":
		return Read, nil
	case "all", "a":
		return All, nil
	}
	return None, fmt.Errorf("invalid permission level %q (want none, read or all)", s)
}

// Max returns the higher of two levels.
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// Table identifies the kind of object a permission row guards.
type Table interface {
	// Name is the group-permission table name.
	Name() string
	// ObjectTable is the table holding the guarded objects.
	ObjectTable() string
}

type table struct {
	name   string
	object string
}

func (t table) Name() string        { return t.name }
func (t table) ObjectTable() string { return t.object }
func (t table) String() string      { return t.object }

var (
	Bundles    Table = table{name: "group_bundle_permission", object: "bundle"}
	Worksheets Table = table{name: "group_object_permission", object: "worksheet"}
)

// TableFor maps "bundle" or "worksheet" to its Table.
func TableFor(kind string) (Table, error) {
	switch kind {
	case "bundle", "bundles":
		return Bundles, nil
	case "worksheet", "worksheets":
		return Worksheets, nil
	}
	return nil, fmt.Errorf("unknown object kind %q", kind)
}

// GroupPermission is one (group, object) grant.
type GroupPermission struct {
	GroupUUID  string
	GroupName  string
	Permission Level
}

// Source supplies the rows the resolver needs. Implementations are expected
// to read inside the caller's transaction.
type Source interface {
	GroupPermissions(ctx context.Context, t Table, objectUUIDs []string) (map[string][]GroupPermission, error)
	UserGroups(ctx context.Context, userID string) ([]string, error)
}

// Resolver holds the distinguished principals. It is read-only after construction.
type Resolver struct {
	RootUserID      string
	PublicGroupUUID string
}

// IsRoot reports whether userID is the root principal.
func (r *Resolver) IsRoot(userID string) bool {
	return userID != "" && userID == r.RootUserID
}

// Groups returns the principal's group set. The public group is always
// included; an empty userID is the anonymous principal.
func (r *Resolver) Groups(ctx context.Context, src Source, userID string) (map[string]bool, error) {
	groups := map[string]bool{r.PublicGroupUUID: true}
	if userID == "" {
		return groups, nil
	}
	member, err := src.UserGroups(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, g := range member {
		groups[g] = true
	}
	return groups, nil
}

// Resolve returns the effective level of userID on every object.
// ownerIDs maps object uuid to its owner; missing entries have no owner.
func (r *Resolver) Resolve(ctx context.Context, src Source, t Table, userID string, objectUUIDs []string, ownerIDs map[string]string) (map[string]Level, error) {
	levels := make(map[string]Level, len(objectUUIDs))
	var remaining []string
	for _, uuid := range objectUUIDs {
		if _, seen := levels[uuid]; seen {
			continue
		}
		levels[uuid] = None
		owner, hasOwner := ownerIDs[uuid]
		if r.IsRoot(userID) || (userID != "" && hasOwner && owner == userID) {
			levels[uuid] = All
			continue
		}
		remaining = append(remaining, uuid)
	}
	if len(remaining) == 0 {
		return levels, nil
	}

	rows, err := src.GroupPermissions(ctx, t, remaining)
	if err != nil {
		return nil, err
	}
	groups, err := r.Groups(ctx, src, userID)
	if err != nil {
		return nil, err
	}
	for _, uuid := range remaining {
		for _, row := range rows[uuid] {
			if groups[row.GroupUUID] {
				levels[uuid] = Max(levels[uuid], row.Permission)
			}
		}
	}
	return levels, nil
}
