package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/franz/bundle-store/internal/permission"
	"github.com/franz/bundle-store/internal/report"
	"github.com/franz/bundle-store/internal/store"
	"github.com/franz/bundle-store/internal/util"
	"github.com/franz/bundle-store/internal/worksheet"
)

var worksheetCmd = &cobra.Command{
	Use:     "worksheet",
	Aliases: []string{"ws"},
	Short:   "Create, edit and list worksheets",
}

func init() {
	rootCmd.AddCommand(worksheetCmd)

	newCmd := &cobra.Command{
		Use:   "new NAME",
		Short: "Create an empty worksheet",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorksheetNew,
	}

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List worksheets you can read",
		Args:  cobra.NoArgs,
		RunE:  runWorksheetLs,
	}

	showCmd := &cobra.Command{
		Use:   "show WORKSHEET",
		Short: "Show a worksheet's items",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorksheetShow,
	}
	showCmd.Flags().String("base", "", "resolve names among subworksheets of this worksheet first")

	addCmd := &cobra.Command{
		Use:   "add WORKSHEET",
		Short: "Append items to a worksheet",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorksheetAdd,
	}
	addCmd.Flags().StringArrayP("bundle", "b", nil, "bundle uuid (repeatable)")
	addCmd.Flags().StringArray("subworksheet", nil, "worksheet uuid (repeatable)")
	addCmd.Flags().StringArrayP("markup", "m", nil, "markup text (repeatable)")
	addCmd.Flags().StringArray("directive", nil, "directive text (repeatable)")

	replaceCmd := &cobra.Command{
		Use:   "replace WORKSHEET FILE",
		Short: "Replace a worksheet's items with the contents of FILE (- for stdin)",
		Long: `Replace every item of a worksheet with the items in FILE, one per line:

  bundle 0x...      a bundle
  worksheet 0x...   a subworksheet
  % text            a directive
  anything else     markup

The replacement applies only if the worksheet still holds the items it had
when it was read. Items appended by others after that read are kept.`,
		Args: cobra.ExactArgs(2),
		RunE: runWorksheetReplace,
	}
	replaceCmd.Flags().Int64("last-item", -1, "last item id seen when the worksheet was read")
	replaceCmd.Flags().Int("length", -1, "number of items seen when the worksheet was read")

	renameCmd := &cobra.Command{
		Use:   "rename WORKSHEET NAME",
		Short: "Rename a worksheet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setWorksheetColumn(cmd, args, "rename", (*store.Store).RenameWorksheet)
		},
	}

	chownCmd := &cobra.Command{
		Use:   "chown WORKSHEET OWNER",
		Short: "Give a worksheet to another user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setWorksheetColumn(cmd, args, "chown", (*store.Store).ChownWorksheet)
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm WORKSHEET",
		Short: "Delete a worksheet, its items and its grants",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorksheetRm,
	}

	shadowCmd := &cobra.Command{
		Use:   "shadow OLD NEW",
		Short: "Add bundle NEW right after every occurrence of bundle OLD",
		Args:  cobra.ExactArgs(2),
		RunE:  runWorksheetShadow,
	}

	worksheetCmd.AddCommand(newCmd, lsCmd, showCmd, addCmd, replaceCmd, renameCmd, chownCmd, rmCmd, shadowCmd)
}

// resolveWorksheet accepts a worksheet uuid or name.
func resolveWorksheet(ctx context.Context, e *env, spec, base string, fetchItems bool) (*worksheet.Worksheet, error) {
	key := "name"
	if util.IsValidUUID(spec) {
		key = "uuid"
	}
	worksheets, err := e.db.BatchGetWorksheets(ctx, fetchItems, store.Filter{key: spec}, base)
	if err != nil {
		return nil, err
	}
	uuids := make([]string, len(worksheets))
	for i, w := range worksheets {
		uuids[i] = w.UUID
	}
	visible, err := readable(ctx, e, permission.Worksheets, uuids)
	if err != nil {
		return nil, err
	}
	switch len(visible) {
	case 0:
		return nil, util.Usagef(util.ErrNotFound, "worksheet %s not found", spec)
	case 1:
		for _, w := range worksheets {
			if w.UUID == visible[0] {
				return w, nil
			}
		}
	}
	return nil, util.Usagef(util.ErrInvalid, "%d worksheets are named %s, use a uuid", len(visible), spec)
}

// writableWorksheet resolves spec and requires all permission on it.
func writableWorksheet(ctx context.Context, e *env, spec string, fetchItems bool) (*worksheet.Worksheet, error) {
	w, err := resolveWorksheet(ctx, e, spec, "", fetchItems)
	if err != nil {
		return nil, err
	}
	if err := e.db.CheckPermission(ctx, permission.Worksheets, e.cfg.User, []string{w.UUID}, permission.All); err != nil {
		return nil, err
	}
	return w, nil
}

func runWorksheetNew(cmd *cobra.Command, args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		if e.cfg.User == "" {
			return util.Usagef(util.ErrPermission, "anonymous users cannot create worksheets")
		}
		w := worksheet.New(args[0], e.cfg.User)
		err := e.do(ctx, "save worksheet", func() error { return e.db.SaveWorksheet(ctx, w) })
		e.events.LogMutation(report.EventWorksheetCreate, w.UUID, err, map[string]string{"name": w.Name})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), w.UUID)
		return nil
	})
}

func runWorksheetLs(cmd *cobra.Command, args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		summaries, err := e.db.ListWorksheets(ctx, e.cfg.User)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, s := range summaries {
			var groups []string
			for _, g := range s.GroupPermissions {
				groups = append(groups, fmt.Sprintf("%s(%s)", orDash(g.GroupName), g.Permission))
			}
			fmt.Fprintf(w, "%s  %-24s %-12s %-4s %s\n", s.UUID, s.Name, orDash(s.OwnerID), s.Permission, strings.Join(groups, " "))
		}
		return nil
	})
}

func runWorksheetShow(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("base")

	return withEnv(func(ctx context.Context, e *env) error {
		ws, err := resolveWorksheet(ctx, e, args[0], base, true)
		if err != nil {
			return err
		}

		var bundles []string
		for _, it := range ws.Items {
			if it.Type == worksheet.TypeBundle {
				bundles = append(bundles, it.BundleUUID)
			}
		}
		names, err := e.db.GetBundleNames(ctx, bundles)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s (owner %s, last item %d)\n", ws, orDash(ws.OwnerID), ws.Snapshot().LastItemID)
		writeItems(w, ws.Items, names)
		return nil
	})
}

// writeItems renders items in the format parseItems reads.
func writeItems(w io.Writer, items []worksheet.Item, names map[string]string) {
	for _, it := range items {
		switch it.Type {
		case worksheet.TypeBundle:
			if name := names[it.BundleUUID]; name != "" {
				fmt.Fprintf(w, "bundle %s  # %s\n", it.BundleUUID, name)
			} else {
				fmt.Fprintf(w, "bundle %s\n", it.BundleUUID)
			}
		case worksheet.TypeWorksheet:
			fmt.Fprintf(w, "worksheet %s\n", it.SubworksheetUUID)
		case worksheet.TypeDirective:
			fmt.Fprintf(w, "%% %s\n", it.Value)
		default:
			fmt.Fprintln(w, it.Value)
		}
	}
}

// parseItems reads one item per line. A trailing "# comment" on bundle and
// worksheet lines is ignored.
func parseItems(r io.Reader) ([]worksheet.Item, error) {
	var items []worksheet.Item
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := scanner.Text()
		kind, rest, _ := strings.Cut(line, " ")
		ref := strings.TrimSpace(strings.SplitN(rest, "#", 2)[0])

		var item worksheet.Item
		switch {
		case kind == "bundle" && util.IsValidUUID(ref):
			item = worksheet.BundleItem(ref)
		case kind == "worksheet" && util.IsValidUUID(ref):
			item = worksheet.SubworksheetItem(ref)
		case kind == "%":
			item = worksheet.DirectiveItem(rest)
		default:
			item = worksheet.MarkupItem(line)
		}
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}
	return items, nil
}

func runWorksheetAdd(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	var items []worksheet.Item
	bundles, _ := flags.GetStringArray("bundle")
	for _, b := range bundles {
		items = append(items, worksheet.BundleItem(b))
	}
	subs, _ := flags.GetStringArray("subworksheet")
	for _, s := range subs {
		items = append(items, worksheet.SubworksheetItem(s))
	}
	markups, _ := flags.GetStringArray("markup")
	for _, m := range markups {
		items = append(items, worksheet.MarkupItem(m))
	}
	directives, _ := flags.GetStringArray("directive")
	for _, d := range directives {
		items = append(items, worksheet.DirectiveItem(d))
	}
	if len(items) == 0 {
		return util.Usagef(util.ErrInvalid, "nothing to add")
	}

	return withEnv(func(ctx context.Context, e *env) error {
		ws, err := writableWorksheet(ctx, e, args[0], false)
		if err != nil {
			return err
		}
		if err := e.db.CheckPermission(ctx, permission.Bundles, e.cfg.User, bundles, permission.Read); err != nil {
			return err
		}

		for _, item := range items {
			var id int64
			err := e.do(ctx, "add worksheet item", func() error {
				var err error
				id, err = e.db.AddWorksheetItem(ctx, ws.UUID, item)
				return err
			})
			if err != nil {
				e.events.LogMutation(report.EventWorksheetUpdate, ws.UUID, err, nil)
				return err
			}
			util.DebugLog("Added item %d to %s", id, ws.UUID)
		}
		e.events.LogMutation(report.EventWorksheetUpdate, ws.UUID, nil, map[string]string{"added": strconv.Itoa(len(items))})
		util.SuccessLog("Added %d items to %s", len(items), ws.Name)
		return nil
	})
}

func runWorksheetReplace(cmd *cobra.Command, args []string) error {
	lastItem, _ := cmd.Flags().GetInt64("last-item")
	length, _ := cmd.Flags().GetInt("length")

	var in io.Reader = cmd.InOrStdin()
	if args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[1], err)
		}
		defer f.Close()
		in = f
	}
	items, err := parseItems(in)
	if err != nil {
		return util.Usagef(util.ErrInvalid, "%v", err)
	}

	return withEnv(func(ctx context.Context, e *env) error {
		ws, err := writableWorksheet(ctx, e, args[0], true)
		if err != nil {
			return err
		}
		snap := ws.Snapshot()
		if lastItem >= 0 {
			snap.LastItemID = lastItem
		}
		if length >= 0 {
			snap.Length = length
		}

		// a conflict is final: the caller must re-read
		err = e.do(ctx, "update worksheet", func() error {
			return e.db.UpdateWorksheet(ctx, ws.UUID, snap.LastItemID, snap.Length, items)
		})
		e.events.LogMutation(report.EventWorksheetUpdate, ws.UUID, err, map[string]string{
			"last_item": strconv.FormatInt(snap.LastItemID, 10),
			"items":     strconv.Itoa(len(items)),
		})
		if err != nil {
			return err
		}
		util.SuccessLog("Replaced %d items of %s with %d", snap.Length, ws.Name, len(items))
		return nil
	})
}

func setWorksheetColumn(cmd *cobra.Command, args []string, what string, set func(*store.Store, context.Context, *worksheet.Worksheet, string) error) error {
	return withEnv(func(ctx context.Context, e *env) error {
		ws, err := writableWorksheet(ctx, e, args[0], false)
		if err != nil {
			return err
		}
		err = e.do(ctx, what+" worksheet", func() error { return set(e.db, ctx, ws, args[1]) })
		e.events.LogMutation(report.EventWorksheetUpdate, ws.UUID, err, map[string]string{what: args[1]})
		if err != nil {
			return err
		}
		util.SuccessLog("%s: %s", what, ws)
		return nil
	})
}

func runWorksheetRm(cmd *cobra.Command, args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		ws, err := writableWorksheet(ctx, e, args[0], false)
		if err != nil {
			return err
		}
		err = e.do(ctx, "delete worksheet", func() error { return e.db.DeleteWorksheet(ctx, ws.UUID) })
		e.events.LogMutation(report.EventWorksheetDelete, ws.UUID, err, nil)
		if err != nil {
			return err
		}
		util.SuccessLog("Deleted %s", ws)
		return nil
	})
}

func runWorksheetShadow(cmd *cobra.Command, args []string) error {
	oldUUID, newUUID := args[0], args[1]

	return withEnv(func(ctx context.Context, e *env) error {
		if err := e.db.CheckPermission(ctx, permission.Bundles, e.cfg.User, args, permission.Read); err != nil {
			return err
		}
		hosts, err := e.db.GetHostWorksheetUUIDs(ctx, []string{oldUUID})
		if err != nil {
			return err
		}
		if err := e.db.CheckPermission(ctx, permission.Worksheets, e.cfg.User, hosts[oldUUID], permission.All); err != nil {
			return err
		}

		var added int
		err = e.do(ctx, "add shadow items", func() error {
			var err error
			added, err = e.db.AddShadowWorksheetItems(ctx, oldUUID, newUUID)
			return err
		})
		e.events.LogBatch(report.EventWorksheetUpdate, hosts[oldUUID], err)
		if err != nil {
			return err
		}
		util.SuccessLog("Added %s after %d occurrences of %s", newUUID, added, oldUUID)
		return nil
	})
}
