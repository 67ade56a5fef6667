package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/franz/bundle-store/internal/store"
)

var searchCmd = &cobra.Command{
	Use:   "search KEYWORD...",
	Short: "Search bundles you can read",
	Long: `Search bundles with keywords. All keywords must match.

  key=value       value may use % or .* as wildcards
  key=.sort       sort ascending by a numeric column or metadata key
  key=.sort-      sort descending
  key=.sum        print the sum over all matches instead of uuids
  .count          print the number of matches
  .offset=N       skip N results
  .limit=N        at most N results (default 10)
  .orphan         bundles that are on no worksheet
  word            free text over uuid, command and metadata

Shortcuts: type=bundle_type, size=data_size, worksheet=host worksheet uuid.
dependency=UUID matches children of UUID; dependency/SLOT=UUID only through SLOT.`,
	Args: cobra.ArbitraryArgs,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringP("worksheet", "w", "", "worksheet the search is run from")
	searchCmd.Flags().BoolP("long", "l", false, "print name, type and size with each uuid")
}

func runSearch(cmd *cobra.Command, args []string) error {
	wsUUID, _ := cmd.Flags().GetString("worksheet")
	long, _ := cmd.Flags().GetBool("long")

	return withEnv(func(ctx context.Context, e *env) error {
		start := time.Now()
		result, err := e.db.SearchBundleUUIDs(ctx, e.cfg.User, wsUUID, args)
		if err != nil {
			e.events.LogError("search", err)
			return err
		}

		w := cmd.OutOrStdout()
		switch {
		case result.Count != nil:
			e.events.LogSearch(args, int(*result.Count), time.Since(start))
			fmt.Fprintln(w, *result.Count)
			return nil
		case result.Sum != nil:
			e.events.LogSearch(args, 1, time.Since(start))
			fmt.Fprintln(w, strconv.FormatFloat(*result.Sum, 'f', -1, 64))
			return nil
		}

		e.events.LogSearch(args, len(result.UUIDs), time.Since(start))
		if !long {
			printList(w, result.UUIDs)
			return nil
		}

		bundles, err := e.db.BatchGetBundles(ctx, store.Filter{"uuid": result.UUIDs})
		if err != nil {
			return err
		}
		byUUID := make(map[string]*store.Bundle, len(bundles))
		for _, b := range bundles {
			byUUID[b.UUID] = b
		}
		for _, uuid := range result.UUIDs {
			b := byUUID[uuid]
			if b == nil {
				continue
			}
			size := "-"
			if v := b.Metadata["data_size"]; len(v) > 0 {
				size = formatSize(v[0])
			}
			fmt.Fprintf(w, "%s  %-24s %-12s %-8s %s\n", b.UUID, orDash(b.Name()), b.BundleType, b.State, size)
		}
		return nil
	})
}
