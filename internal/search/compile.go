package search

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"

	"github.com/franz/bundle-store/internal/permission"
	"github.com/franz/bundle-store/internal/util"
)

// Result holds exactly one of UUIDs, Count or Sum depending on the plan.
type Result struct {
	UUIDs []string
	Count *int64
	Sum   *float64
}

// Compiler renders plans against the bundle schema. RootUserID and
// PublicGroupUUID are fixed for the life of the store.
type Compiler struct {
	DB              *bun.DB
	RootUserID      string
	PublicGroupUUID string
}

// non-numeric text for SQLite's loose numeric coercion
const nonNumeric = "(TRIM(?) = '' OR ? GLOB '*[^0-9.eE+-]*')"

// Run executes plan for userID on conn. worksheetUUID is accepted for
// callers that scope searches but does not filter yet.
func (c *Compiler) Run(ctx context.Context, conn bun.IConn, userID, worksheetUUID string, plan *Plan) (*Result, error) {
	if worksheetUUID != "" {
		util.DebugLog("search scoped to worksheet %s (advisory)", worksheetUUID)
	}

	matched := c.matched(conn, userID, plan)

	if plan.Sort != nil {
		if err := c.checkNumeric(ctx, conn, plan.Sort.Field, matched); err != nil {
			return nil, err
		}
	}

	if plan.Sum != nil {
		if err := c.checkNumeric(ctx, conn, *plan.Sum, matched); err != nil {
			return nil, err
		}
		inner := c.matched(conn, userID, plan).ColumnExpr("? AS v", c.numeric(*plan.Sum))
		var sum sql.NullFloat64
		err := c.DB.NewSelect().Conn(conn).
			ColumnExpr("SUM(matched.v)").
			TableExpr("(?) AS matched", inner).
			Scan(ctx, &sum)
		if err != nil {
			return nil, fmt.Errorf("failed to sum search results: %w", err)
		}
		total := 0.0
		if sum.Valid {
			total = sum.Float64
		}
		return &Result{Sum: &total}, nil
	}

	if plan.Limit != nil && *plan.Limit == 0 {
		if plan.Count {
			var zero int64
			return &Result{Count: &zero}, nil
		}
		return &Result{UUIDs: []string{}}, nil
	}

	page := c.paginate(c.matched(conn, userID, plan), plan)

	if plan.Count {
		var n int64
		err := c.DB.NewSelect().Conn(conn).
			ColumnExpr("COUNT(*)").
			TableExpr("(?) AS matched", page).
			Scan(ctx, &n)
		if err != nil {
			return nil, fmt.Errorf("failed to count search results: %w", err)
		}
		return &Result{Count: &n}, nil
	}

	uuids := []string{}
	if err := page.Scan(ctx, &uuids); err != nil {
		return nil, fmt.Errorf("failed to search bundles: %w", err)
	}
	return &Result{UUIDs: uuids}, nil
}

// matched selects the distinct uuids of every visible bundle satisfying all
// clauses, without ordering or pagination.
func (c *Compiler) matched(conn bun.IConn, userID string, plan *Plan) *bun.SelectQuery {
	q := c.DB.NewSelect().Conn(conn).
		TableExpr("bundle AS b").
		ColumnExpr("b.uuid").
		Distinct()

	for _, clause := range plan.Clauses {
		q = c.applyClause(q, clause)
	}

	if !(userID != "" && userID == c.RootUserID) {
		q = c.applyAccess(q, userID)
	}
	return q
}

func (c *Compiler) paginate(q *bun.SelectQuery, plan *Plan) *bun.SelectQuery {
	if plan.Sort != nil {
		dir := "ASC"
		if plan.Sort.Desc {
			dir = "DESC"
		}
		q = q.OrderExpr("? "+dir, c.numeric(plan.Sort.Field))
	}
	q = q.OrderExpr("b.id ASC")

	if plan.Limit != nil {
		q = q.Limit(*plan.Limit)
	} else if plan.Offset > 0 {
		// SQLite requires a LIMIT before OFFSET and bun only writes a
		// positive one
		q = q.Limit(math.MaxInt32)
	}
	if plan.Offset > 0 {
		q = q.Offset(plan.Offset)
	}
	return q
}

func (c *Compiler) applyClause(q *bun.SelectQuery, clause Clause) *bun.SelectQuery {
	switch clause.Kind {
	case OrphanClause:
		return q.Where("b.uuid NOT IN (?)", c.DB.NewSelect().
			TableExpr("worksheet_item AS wi").
			ColumnExpr("wi.bundle_uuid").
			Where("wi.bundle_uuid IS NOT NULL"))

	case TextClause:
		pattern := "%" + clause.Text + "%"
		return q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("b.uuid LIKE ?", pattern).
				WhereOr("b.command LIKE ?", pattern).
				WhereOr("b.uuid IN (?)", c.DB.NewSelect().
					TableExpr("bundle_metadata AS tm").
					ColumnExpr("tm.bundle_uuid").
					Where("tm.metadata_value LIKE ?", pattern))
		})
	}

	f, cond := clause.Field, clause.Cond
	switch f.Kind {
	case Column:
		return where(q, "b."+f.Name, cond)

	case Metadata:
		sub := c.DB.NewSelect().
			TableExpr("bundle_metadata AS m").
			ColumnExpr("m.bundle_uuid").
			Where("m.metadata_key = ?", f.Name)
		return q.Where("b.uuid IN (?)", where(sub, "m.metadata_value", cond))

	case Dependency:
		sub := c.DB.NewSelect().
			TableExpr("bundle_dependency AS d").
			ColumnExpr("d.child_uuid")
		if f.Name != "" {
			sub = sub.Where("d.child_path = ?", f.Name)
		}
		return q.Where("b.uuid IN (?)", where(sub, "d.parent_uuid", cond))

	case HostWorksheet:
		sub := c.DB.NewSelect().
			TableExpr("worksheet_item AS hw").
			ColumnExpr("hw.bundle_uuid").
			Where("hw.bundle_uuid IS NOT NULL")
		return q.Where("b.uuid IN (?)", where(sub, "hw.worksheet_uuid", cond))
	}
	return q
}

func where(q *bun.SelectQuery, column string, cond Condition) *bun.SelectQuery {
	switch {
	case cond.Any:
		return q
	case cond.Pattern:
		return q.Where("? LIKE ?", bun.Ident(column), cond.Value)
	default:
		return q.Where("? = ?", bun.Ident(column), cond.Value)
	}
}

// applyAccess keeps bundles owned by userID or readable through a group the
// user belongs to. An empty userID only sees public grants.
func (c *Compiler) applyAccess(q *bun.SelectQuery, userID string) *bun.SelectQuery {
	groups := c.DB.NewSelect().
		TableExpr("user_group AS ug").
		ColumnExpr("ug.group_uuid").
		Where("ug.user_id = ?", userID)

	granted := c.DB.NewSelect().
		TableExpr("group_bundle_permission AS p").
		ColumnExpr("p.object_uuid").
		Where("p.permission >= ?", int(permission.Read))
	if userID == "" {
		granted = granted.Where("p.group_uuid = ?", c.PublicGroupUUID)
	} else {
		granted = granted.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("p.group_uuid = ?", c.PublicGroupUUID).
				WhereOr("p.group_uuid IN (?)", groups)
		})
	}

	if userID == "" {
		return q.Where("b.uuid IN (?)", granted)
	}
	return q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("b.owner_id = ?", userID).
			WhereOr("b.uuid IN (?)", granted)
	})
}

// numeric is the expression a field is sorted or summed by.
func (c *Compiler) numeric(f Field) schema.QueryWithArgs {
	if f.Kind == Metadata {
		return bun.SafeQuery("(SELECT MAX(sm.metadata_value * 1) FROM bundle_metadata AS sm WHERE sm.bundle_uuid = b.uuid AND sm.metadata_key = ?)", f.Name)
	}
	return bun.SafeQuery("(b.? * 1)", bun.Ident(f.Name))
}

// checkNumeric fails with ErrNonNumeric when any matched bundle holds a value
// for f that SQLite would not read as a number.
func (c *Compiler) checkNumeric(ctx context.Context, conn bun.IConn, f Field, matched *bun.SelectQuery) error {
	var q *bun.SelectQuery
	if f.Kind == Metadata {
		q = c.DB.NewSelect().Conn(conn).
			TableExpr("bundle_metadata AS nm").
			ColumnExpr("COUNT(*)").
			Where("nm.metadata_key = ?", f.Name).
			Where("nm.bundle_uuid IN (?)", matched).
			Where(nonNumeric, bun.Ident("nm.metadata_value"), bun.Ident("nm.metadata_value"))
	} else {
		text := bun.SafeQuery("CAST(nb.? AS TEXT)", bun.Ident(f.Name))
		q = c.DB.NewSelect().Conn(conn).
			TableExpr("bundle AS nb").
			ColumnExpr("COUNT(*)").
			Where("nb.uuid IN (?)", matched).
			Where("nb.? IS NOT NULL", bun.Ident(f.Name)).
			Where(nonNumeric, text, text)
	}

	var bad int64
	if err := q.Scan(ctx, &bad); err != nil {
		return fmt.Errorf("failed to check %s for numeric values: %w", f.Name, err)
	}
	if bad > 0 {
		return util.Usagef(util.ErrNonNumeric, "%d bundles have non-numeric %s", bad, f.Name)
	}
	return nil
}
