package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/franz/bundle-store/internal/permission"
	"github.com/franz/bundle-store/internal/util"
	"github.com/franz/bundle-store/internal/worksheet"
)

var worksheetFilterColumns = map[string]bool{
	"id":       true,
	"uuid":     true,
	"name":     true,
	"owner_id": true,
}

// WorksheetSummary is one row of ListWorksheets.
type WorksheetSummary struct {
	ID               int64
	UUID             string
	Name             string
	OwnerID          string
	Permission       permission.Level
	GroupPermissions []permission.GroupPermission
}

// GetWorksheet retrieves a worksheet by uuid, with its items when fetchItems is set
func (s *Store) GetWorksheet(ctx context.Context, uuid string, fetchItems bool) (*worksheet.Worksheet, error) {
	worksheets, err := s.BatchGetWorksheets(ctx, fetchItems, Filter{"uuid": uuid}, "")
	if err != nil {
		return nil, err
	}
	switch len(worksheets) {
	case 0:
		return nil, util.Usagef(util.ErrNotFound, "could not find worksheet with uuid %s", uuid)
	case 1:
		return worksheets[0], nil
	}
	return nil, util.Integrityf("found %d worksheets with uuid %s", len(worksheets), uuid)
}

// BatchGetWorksheets returns worksheets matching filter, ordered by id. When
// baseWorksheetUUID is set the search is first restricted to subworksheets
// of that worksheet and falls back to all worksheets if nothing matches.
func (s *Store) BatchGetWorksheets(ctx context.Context, fetchItems bool, filter Filter, baseWorksheetUUID string) ([]*worksheet.Worksheet, error) {
	var worksheets []*worksheet.Worksheet
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		if baseWorksheetUUID != "" {
			worksheets, err = batchGetWorksheets(ctx, tx, fetchItems, filter, baseWorksheetUUID)
			if err != nil || len(worksheets) > 0 {
				return err
			}
		}
		worksheets, err = batchGetWorksheets(ctx, tx, fetchItems, filter, "")
		return err
	})
	return worksheets, err
}

func batchGetWorksheets(ctx context.Context, q querier, fetchItems bool, filter Filter, baseWorksheetUUID string) ([]*worksheet.Worksheet, error) {
	clause, args, err := filter.where("w", worksheetFilterColumns)
	if err != nil {
		return nil, err
	}
	if baseWorksheetUUID != "" {
		clause += ` AND w.uuid IN (
			SELECT bi.subworksheet_uuid FROM worksheet_item bi
			WHERE bi.worksheet_uuid = ? AND bi.subworksheet_uuid IS NOT NULL)`
		args = append(args, baseWorksheetUUID)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT w.id, w.uuid, w.name, COALESCE(w.owner_id, '')
		FROM worksheet w WHERE `+clause+`
		ORDER BY w.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query worksheets: %w", err)
	}

	var worksheets []*worksheet.Worksheet
	byUUID := map[string]*worksheet.Worksheet{}
	for rows.Next() {
		w := &worksheet.Worksheet{}
		if err := rows.Scan(&w.ID, &w.UUID, &w.Name, &w.OwnerID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan worksheet: %w", err)
		}
		worksheets = append(worksheets, w)
		byUUID[w.UUID] = w
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate worksheets: %w", err)
	}
	if !fetchItems || len(worksheets) == 0 {
		return worksheets, nil
	}

	uuids := make([]string, len(worksheets))
	for i, w := range worksheets {
		uuids[i] = w.UUID
	}
	items, err := getItems(ctx, q, uuids)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		w, ok := byUUID[it.WorksheetUUID]
		if !ok {
			return nil, util.Integrityf("got item %d without worksheet", it.ID)
		}
		w.Items = append(w.Items, it)
	}
	return worksheets, nil
}

// getItems returns the items of the worksheets in display order.
func getItems(ctx context.Context, q querier, worksheetUUIDs []string) ([]worksheet.Item, error) {
	in, args := inClause("worksheet_uuid", worksheetUUIDs)
	rows, err := q.QueryContext(ctx, `
		SELECT id, worksheet_uuid, COALESCE(bundle_uuid, ''), COALESCE(subworksheet_uuid, ''),
		       value, type, sort_key
		FROM worksheet_item WHERE `+in, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query worksheet items: %w", err)
	}
	defer rows.Close()

	var items []worksheet.Item
	for rows.Next() {
		var it worksheet.Item
		var sortKey sql.NullInt64
		if err := rows.Scan(&it.ID, &it.WorksheetUUID, &it.BundleUUID, &it.SubworksheetUUID,
			&it.Value, &it.Type, &sortKey); err != nil {
			return nil, fmt.Errorf("failed to scan worksheet item: %w", err)
		}
		if sortKey.Valid {
			k := sortKey.Int64
			it.SortKey = &k
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate worksheet items: %w", err)
	}
	worksheet.SortItems(items)
	return items, nil
}

// ListWorksheets returns the worksheets visible to userID with the user's
// permission on each. Root sees everything, the anonymous user sees
// worksheets granted to the public group.
func (s *Store) ListWorksheets(ctx context.Context, userID string) ([]*WorksheetSummary, error) {
	var query string
	var args []any
	all := int(permission.All)

	switch {
	case s.resolver.IsRoot(userID):
		query = "SELECT w.id, w.uuid, w.name, COALESCE(w.owner_id, ''), ? FROM worksheet w"
		args = []any{all}
	case userID == "":
		query = `
			SELECT w.id, w.uuid, w.name, COALESCE(w.owner_id, ''), p.permission
			FROM worksheet w JOIN group_object_permission p ON p.object_uuid = w.uuid
			WHERE p.group_uuid = ? AND p.permission >= ?`
		args = []any{s.publicGroupUUID, int(permission.Read)}
	default:
		query = `
			SELECT w.id, w.uuid, w.name, COALESCE(w.owner_id, ''), ? FROM worksheet w
			WHERE w.owner_id = ?
			UNION ALL
			SELECT w.id, w.uuid, w.name, COALESCE(w.owner_id, ''), p.permission
			FROM worksheet w JOIN group_object_permission p ON p.object_uuid = w.uuid
			WHERE (w.owner_id IS NULL OR w.owner_id != ?)
			  AND p.permission >= ?
			  AND (p.group_uuid = ? OR p.group_uuid IN (
			        SELECT ug.group_uuid FROM user_group ug WHERE ug.user_id = ?))`
		args = []any{all, userID, userID, int(permission.Read), s.publicGroupUUID, userID}
	}

	var summaries []*WorksheetSummary
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list worksheets: %w", err)
		}
		byUUID := map[string]*WorksheetSummary{}
		for rows.Next() {
			ws := &WorksheetSummary{}
			var level int
			if err := rows.Scan(&ws.ID, &ws.UUID, &ws.Name, &ws.OwnerID, &level); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan worksheet: %w", err)
			}
			ws.Permission = permission.Level(level)
			if prev, ok := byUUID[ws.UUID]; ok {
				prev.Permission = permission.Max(prev.Permission, ws.Permission)
				continue
			}
			byUUID[ws.UUID] = ws
			summaries = append(summaries, ws)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(summaries) == 0 {
			return nil
		}

		uuids := make([]string, len(summaries))
		for i, ws := range summaries {
			uuids[i] = ws.UUID
		}
		perms, err := batchGetGroupPermissions(ctx, tx, permission.Worksheets, uuids)
		if err != nil {
			return err
		}
		for _, ws := range summaries {
			ws.GroupPermissions = perms[ws.UUID]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries, nil
}

// SaveWorksheet inserts an empty worksheet. On success w.ID is set.
func (s *Store) SaveWorksheet(ctx context.Context, w *worksheet.Worksheet) error {
	if len(w.Items) > 0 {
		return util.Usagef(util.ErrInvalid, "save called with non-empty %s", w)
	}
	if err := w.Validate(); err != nil {
		return err
	}

	var id int64
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM worksheet WHERE uuid = ?", w.UUID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check worksheet: %w", err)
		}
		if exists > 0 {
			return util.Usagef(util.ErrDuplicate, "worksheet %s already exists", w.UUID)
		}
		result, err := tx.ExecContext(ctx, "INSERT INTO worksheet (uuid, name, owner_id) VALUES (?, ?, ?)",
			w.UUID, w.Name, nullable(w.OwnerID))
		if err != nil {
			return fmt.Errorf("failed to insert worksheet: %w", err)
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return err
	}
	w.ID = id
	return nil
}

func requireWorksheet(ctx context.Context, tx *sql.Tx, uuid string) error {
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM worksheet WHERE uuid = ?", uuid).Scan(&n); err != nil {
		return fmt.Errorf("failed to check worksheet: %w", err)
	}
	if n == 0 {
		return util.Usagef(util.ErrNotFound, "could not find worksheet with uuid %s", uuid)
	}
	return nil
}

func insertItem(ctx context.Context, tx *sql.Tx, worksheetUUID string, it worksheet.Item, sortKey *int64) (int64, error) {
	var key any
	if sortKey != nil {
		key = *sortKey
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO worksheet_item (worksheet_uuid, bundle_uuid, subworksheet_uuid, value, type, sort_key)
		VALUES (?, ?, ?, ?, ?, ?)
	`, worksheetUUID, nullable(it.BundleUUID), nullable(it.SubworksheetUUID), it.Value, it.Type, key)
	if err != nil {
		return 0, fmt.Errorf("failed to insert worksheet item: %w", err)
	}
	return result.LastInsertId()
}

// AddWorksheetItem appends an item to the end of a worksheet and returns its id
func (s *Store) AddWorksheetItem(ctx context.Context, worksheetUUID string, item worksheet.Item) (int64, error) {
	if err := item.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		if err := requireWorksheet(ctx, tx, worksheetUUID); err != nil {
			return err
		}
		var err error
		id, err = insertItem(ctx, tx, worksheetUUID, item, nil)
		return err
	})
	return id, err
}

// AddShadowWorksheetItems places newBundleUUID next to every occurrence of
// oldBundleUUID on any worksheet. The shadow shares the old item's order key.
func (s *Store) AddShadowWorksheetItems(ctx context.Context, oldBundleUUID, newBundleUUID string) (int, error) {
	var added int
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT worksheet_uuid, COALESCE(sort_key, id) FROM worksheet_item
			WHERE bundle_uuid = ? ORDER BY id
		`, oldBundleUUID)
		if err != nil {
			return fmt.Errorf("failed to find items for %s: %w", oldBundleUUID, err)
		}
		type occurrence struct {
			worksheetUUID string
			key           int64
		}
		var found []occurrence
		for rows.Next() {
			var o occurrence
			if err := rows.Scan(&o.worksheetUUID, &o.key); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan worksheet item: %w", err)
			}
			found = append(found, o)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, o := range found {
			key := o.key
			if _, err := insertItem(ctx, tx, o.worksheetUUID, worksheet.BundleItem(newBundleUUID), &key); err != nil {
				return err
			}
		}
		added = len(found)
		return nil
	})
	return added, err
}

// UpdateWorksheet replaces every item with id <= lastItemID by newItems. The
// caller read expectedLength such items; if fewer are found the worksheet
// changed concurrently and nothing is applied. Items added after lastItemID
// are kept and still sort after the replacement.
func (s *Store) UpdateWorksheet(ctx context.Context, worksheetUUID string, lastItemID int64, expectedLength int, newItems []worksheet.Item) error {
	for _, it := range newItems {
		if err := it.Validate(); err != nil {
			return err
		}
	}
	keys := worksheet.ReplacementSortKeys(lastItemID, len(newItems))

	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if err := requireWorksheet(ctx, tx, worksheetUUID); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx,
			"DELETE FROM worksheet_item WHERE worksheet_uuid = ? AND id <= ?", worksheetUUID, lastItemID)
		if err != nil {
			return fmt.Errorf("failed to delete worksheet items: %w", err)
		}
		deleted, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count deleted items: %w", err)
		}
		switch {
		case deleted > int64(expectedLength):
			return util.Integrityf("found %d extra items for worksheet %s", deleted-int64(expectedLength), worksheetUUID)
		case deleted < int64(expectedLength):
			return util.Usagef(util.ErrConflict, "worksheet %s was updated concurrently", worksheetUUID)
		}

		for i, it := range newItems {
			if _, err := insertItem(ctx, tx, worksheetUUID, it, &keys[i]); err != nil {
				return err
			}
		}
		util.DebugLog("replaced %d items of worksheet %s with %d", deleted, worksheetUUID, len(newItems))
		return nil
	})
}

// RenameWorksheet changes the name of w
func (s *Store) RenameWorksheet(ctx context.Context, w *worksheet.Worksheet, name string) error {
	next := *w
	next.Name = name
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.updateWorksheetColumn(ctx, w.UUID, "name", name); err != nil {
		return err
	}
	w.Name = name
	return nil
}

// ChownWorksheet changes the owner of w
func (s *Store) ChownWorksheet(ctx context.Context, w *worksheet.Worksheet, ownerID string) error {
	next := *w
	next.OwnerID = ownerID
	if err := next.Validate(); err != nil {
		return err
	}
	if err := s.updateWorksheetColumn(ctx, w.UUID, "owner_id", nullable(ownerID)); err != nil {
		return err
	}
	w.OwnerID = ownerID
	return nil
}

func (s *Store) updateWorksheetColumn(ctx context.Context, uuid, column string, value any) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "UPDATE worksheet SET "+column+" = ? WHERE uuid = ?", value, uuid)
		if err != nil {
			return fmt.Errorf("failed to update worksheet %s: %w", column, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return util.Usagef(util.ErrNotFound, "could not find worksheet with uuid %s", uuid)
		}
		return nil
	})
}

// DeleteWorksheet deletes a worksheet, its permissions, its items and every
// item on other worksheets that references it.
func (s *Store) DeleteWorksheet(ctx context.Context, uuid string) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if err := requireWorksheet(ctx, tx, uuid); err != nil {
			return err
		}
		statements := []string{
			"DELETE FROM group_object_permission WHERE object_uuid = ?",
			"DELETE FROM worksheet_item WHERE worksheet_uuid = ?",
			"DELETE FROM worksheet_item WHERE subworksheet_uuid = ?",
			"DELETE FROM worksheet WHERE uuid = ?",
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt, uuid); err != nil {
				return fmt.Errorf("failed to delete worksheet: %w", err)
			}
		}
		return nil
	})
}
