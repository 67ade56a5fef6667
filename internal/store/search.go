package store

import (
	"context"
	"database/sql"

	"github.com/franz/bundle-store/internal/search"
	"github.com/franz/bundle-store/internal/util"
)

// SearchBundleUUIDs runs a keyword search as userID in one transaction.
// worksheetUUID does not narrow the result.
func (s *Store) SearchBundleUUIDs(ctx context.Context, userID, worksheetUUID string, keywords []string) (*search.Result, error) {
	plan, err := search.Parse(keywords)
	if err != nil {
		return nil, err
	}
	util.DebugLog("search %q as user %q", keywords, userID)

	var result *search.Result
	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = s.compiler.Run(ctx, tx, userID, worksheetUUID, plan)
		return err
	})
	return result, err
}
