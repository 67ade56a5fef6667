package store

import (
	"context"
	"database/sql"
	"fmt"
)

// BundleAction is a queued instruction for the worker running a bundle.
type BundleAction struct {
	ID         int64
	BundleUUID string
	Action     string
}

// AddBundleAction queues one action
func (s *Store) AddBundleAction(ctx context.Context, bundleUUID, action string) error {
	return s.AddBundleActions(ctx, []BundleAction{{BundleUUID: bundleUUID, Action: action}})
}

// AddBundleActions queues actions in one transaction
func (s *Store) AddBundleActions(ctx context.Context, actions []BundleAction) error {
	if len(actions) == 0 {
		return nil
	}
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "INSERT INTO bundle_action (bundle_uuid, action) VALUES (?, ?)")
		if err != nil {
			return fmt.Errorf("failed to prepare action insert: %w", err)
		}
		defer stmt.Close()

		for _, a := range actions {
			if _, err := stmt.ExecContext(ctx, a.BundleUUID, a.Action); err != nil {
				return fmt.Errorf("failed to insert action: %w", err)
			}
		}
		return nil
	})
}

// PopBundleActions returns every queued action and clears the queue. Read
// and delete share one transaction, and only rows that were read are
// deleted.
func (s *Store) PopBundleActions(ctx context.Context) ([]BundleAction, error) {
	var actions []BundleAction
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT id, bundle_uuid, action FROM bundle_action ORDER BY id")
		if err != nil {
			return fmt.Errorf("failed to query actions: %w", err)
		}
		var maxID int64
		for rows.Next() {
			var a BundleAction
			if err := rows.Scan(&a.ID, &a.BundleUUID, &a.Action); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan action: %w", err)
			}
			actions = append(actions, a)
			maxID = a.ID
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(actions) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM bundle_action WHERE id <= ?", maxID); err != nil {
			return fmt.Errorf("failed to clear actions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return actions, nil
}
