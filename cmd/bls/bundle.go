package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/franz/bundle-store/internal/graph"
	"github.com/franz/bundle-store/internal/permission"
	"github.com/franz/bundle-store/internal/report"
	"github.com/franz/bundle-store/internal/store"
	"github.com/franz/bundle-store/internal/util"
	"github.com/franz/bundle-store/internal/worksheet"
)

var bundleCmd = &cobra.Command{
	Use:     "bundle",
	Aliases: []string{"b"},
	Short:   "Create, inspect and remove bundles",
}

func init() {
	rootCmd.AddCommand(bundleCmd)

	createCmd := &cobra.Command{
		Use:   "create TYPE",
		Short: "Create a bundle",
		Args:  cobra.ExactArgs(1),
		RunE:  runBundleCreate,
	}
	createCmd.Flags().String("name", "", "bundle name")
	createCmd.Flags().String("command", "", "command that produces the bundle")
	createCmd.Flags().String("data-hash", "", "content hash of the bundle's data")
	createCmd.Flags().StringArray("meta", nil, "metadata key=value (repeatable)")
	createCmd.Flags().StringArray("dep", nil, "dependency slot=parent-uuid (repeatable)")
	createCmd.Flags().StringP("worksheet", "w", "", "worksheet to add the bundle to")

	showCmd := &cobra.Command{
		Use:   "show UUID...",
		Short: "Show bundles",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runBundleShow,
	}

	updateCmd := &cobra.Command{
		Use:   "update UUID",
		Short: "Change mutable columns and metadata of a bundle",
		Args:  cobra.ExactArgs(1),
		RunE:  runBundleUpdate,
	}
	updateCmd.Flags().StringArray("set", nil, "column=value for command, data_hash, state or owner_id (repeatable)")
	updateCmd.Flags().StringArray("meta", nil, "replace metadata key=value (repeatable)")
	updateCmd.Flags().StringArray("unset", nil, "remove a metadata key (repeatable)")

	stateCmd := &cobra.Command{
		Use:   "set-state STATE UUID...",
		Short: "Move bundles to STATE, all or none",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runBundleSetState,
	}
	stateCmd.Flags().String("if-state", "", "only apply if every bundle is in this state")

	rmCmd := &cobra.Command{
		Use:   "rm UUID...",
		Short: "Delete bundles",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runBundleRm,
	}
	rmCmd.Flags().BoolP("recursive", "r", false, "also delete every descendant")
	rmCmd.Flags().BoolP("force", "f", false, "delete even if other bundles depend on these")
	rmCmd.Flags().Bool("data-only", false, "keep the bundles, drop their data hash")

	resolveCmd := &cobra.Command{
		Use:   "resolve SPEC",
		Short: "Resolve a uuid, uuid prefix or name (% wildcards) to bundle uuids",
		Args:  cobra.ExactArgs(1),
		RunE:  runBundleResolve,
	}
	resolveCmd.Flags().StringP("worksheet", "w", "", "resolve names among bundles on this worksheet")
	resolveCmd.Flags().Int("max", 0, "maximum number of results (0 for all)")

	bundleCmd.AddCommand(createCmd, showCmd, updateCmd, stateCmd, rmCmd, resolveCmd)

	for _, rel := range []struct {
		use, short string
		get        func(*store.Store, context.Context, []string) (map[string][]string, error)
	}{
		{"children UUID...", "List bundles that depend on these", (*store.Store).GetChildrenUUIDs},
		{"parents UUID...", "List bundles these depend on", (*store.Store).GetParentUUIDs},
		{"hosts UUID...", "List worksheets that contain these", (*store.Store).GetHostWorksheetUUIDs},
	} {
		get := rel.get
		bundleCmd.AddCommand(&cobra.Command{
			Use:   rel.use,
			Short: rel.short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEnv(func(ctx context.Context, e *env) error {
					if err := e.db.CheckPermission(ctx, permission.Bundles, e.cfg.User, args, permission.Read); err != nil {
						return err
					}
					related, err := get(e.db, ctx, args)
					if err != nil {
						return err
					}
					for _, uuid := range args {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", uuid, strings.Join(related[uuid], " "))
					}
					return nil
				})
			},
		})
	}

	for _, walk := range []struct {
		use, short string
		up         bool
	}{
		{"descendants UUID...", "List these bundles and everything built from them", false},
		{"ancestors UUID...", "List these bundles and everything they were built from", true},
	} {
		up := walk.up
		walkCmd := &cobra.Command{
			Use:   walk.use,
			Short: walk.short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				depth, _ := cmd.Flags().GetInt("depth")
				return withEnv(func(ctx context.Context, e *env) error {
					if err := e.db.CheckPermission(ctx, permission.Bundles, e.cfg.User, args, permission.Read); err != nil {
						return err
					}
					var uuids []string
					var err error
					if up {
						uuids, err = e.db.GetSelfAndAncestors(ctx, args, depth)
					} else {
						uuids, err = e.db.GetSelfAndDescendants(ctx, args, depth)
					}
					if err != nil {
						return err
					}
					visible, err := readable(ctx, e, permission.Bundles, uuids)
					if err != nil {
						return err
					}
					printList(cmd.OutOrStdout(), visible)
					return nil
				})
			},
		}
		walkCmd.Flags().Int("depth", graph.Unbounded, "levels to follow (-1 for unbounded)")
		bundleCmd.AddCommand(walkCmd)
	}
}

func runBundleCreate(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	name, _ := flags.GetString("name")
	command, _ := flags.GetString("command")
	dataHash, _ := flags.GetString("data-hash")
	metaPairs, _ := flags.GetStringArray("meta")
	depPairs, _ := flags.GetStringArray("dep")
	wsUUID, _ := flags.GetString("worksheet")

	metadata, err := parseKeyValues(metaPairs)
	if err != nil {
		return err
	}
	deps, err := parseKeyValues(depPairs)
	if err != nil {
		return err
	}

	return withEnv(func(ctx context.Context, e *env) error {
		if e.cfg.User == "" {
			return util.Usagef(util.ErrPermission, "anonymous users cannot create bundles")
		}

		b := store.NewBundle(args[0], e.cfg.User)
		b.Command = command
		b.DataHash = dataHash
		for k, v := range metadata {
			b.Metadata[k] = v
		}
		if name != "" {
			b.Metadata["name"] = []string{name}
		}

		var parents []string
		for _, slot := range sortedKeys(deps) {
			for _, parent := range deps[slot] {
				b.Dependencies = append(b.Dependencies, store.Dependency{
					ChildUUID:  b.UUID,
					ChildPath:  slot,
					ParentUUID: parent,
				})
				parents = append(parents, parent)
			}
		}
		if err := e.db.CheckPermission(ctx, permission.Bundles, e.cfg.User, parents, permission.Read); err != nil {
			return err
		}
		if wsUUID != "" {
			if err := e.db.CheckPermission(ctx, permission.Worksheets, e.cfg.User, []string{wsUUID}, permission.All); err != nil {
				return err
			}
		}

		err := e.do(ctx, "save bundle", func() error { return e.db.SaveBundle(ctx, b) })
		e.events.LogMutation(report.EventBundleCreate, b.UUID, err, map[string]string{"type": b.BundleType})
		if err != nil {
			return err
		}

		if wsUUID != "" {
			err := e.do(ctx, "add worksheet item", func() error {
				_, err := e.db.AddWorksheetItem(ctx, wsUUID, worksheet.BundleItem(b.UUID))
				return err
			})
			e.events.LogMutation(report.EventWorksheetUpdate, wsUUID, err, map[string]string{"added": b.UUID})
			if err != nil {
				return err
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), b.UUID)
		return nil
	})
}

func runBundleShow(cmd *cobra.Command, args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		if err := e.db.CheckPermission(ctx, permission.Bundles, e.cfg.User, args, permission.Read); err != nil {
			return err
		}

		owners, err := e.db.GetBundleOwnerIDs(ctx, args)
		if err != nil {
			return err
		}
		levels, err := e.db.GetUserPermissions(ctx, permission.Bundles, e.cfg.User, args, owners)
		if err != nil {
			return err
		}
		hosts, err := e.db.GetHostWorksheetUUIDs(ctx, args)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		for i, uuid := range args {
			b, err := e.db.GetBundle(ctx, uuid)
			if err != nil {
				return err
			}
			var parents []string
			for _, dep := range b.Dependencies {
				parents = append(parents, dep.ParentUUID)
			}
			names, err := e.db.GetBundleNames(ctx, parents)
			if err != nil {
				return err
			}

			if i > 0 {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "uuid:       %s\n", b.UUID)
			fmt.Fprintf(w, "name:       %s\n", orDash(b.Name()))
			fmt.Fprintf(w, "type:       %s\n", b.BundleType)
			fmt.Fprintf(w, "state:      %s\n", b.State)
			fmt.Fprintf(w, "owner:      %s\n", orDash(b.OwnerID))
			fmt.Fprintf(w, "command:    %s\n", orDash(b.Command))
			fmt.Fprintf(w, "data_hash:  %s\n", orDash(b.DataHash))
			fmt.Fprintf(w, "permission: %s\n", levels[uuid])

			if len(b.Metadata) > 0 {
				fmt.Fprintln(w, "metadata:")
				for _, key := range sortedKeys(b.Metadata) {
					for _, value := range b.Metadata[key] {
						if key == "data_size" {
							value = formatSize(value)
						}
						fmt.Fprintf(w, "  %s: %s\n", key, value)
					}
				}
			}
			if len(b.Dependencies) > 0 {
				fmt.Fprintln(w, "dependencies:")
				for _, dep := range b.Dependencies {
					fmt.Fprintf(w, "  %s -> %s (%s)\n", dep.ChildPath, dep.ParentUUID, orDash(names[dep.ParentUUID]))
				}
			}
			if len(hosts[uuid]) > 0 {
				fmt.Fprintf(w, "worksheets: %s\n", strings.Join(hosts[uuid], " "))
			}
		}
		return nil
	})
}

func runBundleUpdate(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	setPairs, _ := flags.GetStringArray("set")
	metaPairs, _ := flags.GetStringArray("meta")
	unset, _ := flags.GetStringArray("unset")

	columns, err := parseKeyValues(setPairs)
	if err != nil {
		return err
	}
	metadata, err := parseKeyValues(metaPairs)
	if err != nil {
		return err
	}

	update := store.BundleUpdate{Columns: map[string]any{}, Metadata: metadata}
	for col, values := range columns {
		update.Columns[col] = values[len(values)-1]
	}
	for _, key := range unset {
		update.Metadata[key] = nil
	}

	return withEnv(func(ctx context.Context, e *env) error {
		uuid := args[0]
		if err := e.db.CheckPermission(ctx, permission.Bundles, e.cfg.User, args, permission.All); err != nil {
			return err
		}
		b, err := e.db.GetBundle(ctx, uuid)
		if err != nil {
			return err
		}

		err = e.do(ctx, "update bundle", func() error { return e.db.UpdateBundle(ctx, b, update) })
		e.events.LogMutation(report.EventBundleUpdate, uuid, err, map[string]string{
			"columns":  strings.Join(sortedKeys(update.Columns), ","),
			"metadata": strings.Join(sortedKeys(update.Metadata), ","),
		})
		if err != nil {
			return err
		}
		util.SuccessLog("Updated %s", uuid)
		return nil
	})
}

func runBundleSetState(cmd *cobra.Command, args []string) error {
	state, uuids := args[0], args[1:]
	ifState, _ := cmd.Flags().GetString("if-state")

	return withEnv(func(ctx context.Context, e *env) error {
		if err := e.db.CheckPermission(ctx, permission.Bundles, e.cfg.User, uuids, permission.All); err != nil {
			return err
		}
		bundles, err := e.db.BatchGetBundles(ctx, store.Filter{"uuid": uuids})
		if err != nil {
			return err
		}
		if len(bundles) != len(uuids) {
			return util.Usagef(util.ErrNotFound, "found %d of %d bundles", len(bundles), len(uuids))
		}

		var condition store.Filter
		if ifState != "" {
			condition = store.Filter{"state": ifState}
		}

		var applied bool
		err = e.do(ctx, "batch update bundles", func() error {
			var err error
			applied, err = e.db.BatchUpdateBundles(ctx, bundles, map[string]any{"state": state}, condition)
			return err
		})
		e.events.LogBatch(report.EventBundleUpdate, uuids, err)
		if err != nil {
			return err
		}
		if !applied {
			return util.Usagef(util.ErrConflict, "not every bundle is in state %s, nothing changed", ifState)
		}
		util.SuccessLog("%d bundles now %s", len(bundles), state)
		return nil
	})
}

func runBundleRm(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	recursive, _ := flags.GetBool("recursive")
	force, _ := flags.GetBool("force")
	dataOnly, _ := flags.GetBool("data-only")

	return withEnv(func(ctx context.Context, e *env) error {
		uuids := args
		if recursive {
			var err error
			uuids, err = e.db.GetSelfAndDescendants(ctx, args, graph.Unbounded)
			if err != nil {
				return err
			}
		}
		if err := e.db.CheckPermission(ctx, permission.Bundles, e.cfg.User, uuids, permission.All); err != nil {
			return err
		}

		if dataOnly {
			err := e.do(ctx, "remove data hashes", func() error { return e.db.RemoveDataHashReferences(ctx, uuids) })
			e.events.LogBatch(report.EventBundleUpdate, uuids, err)
			return err
		}

		if !force {
			children, err := e.db.GetChildrenUUIDs(ctx, uuids)
			if err != nil {
				return err
			}
			deleting := map[string]bool{}
			for _, uuid := range uuids {
				deleting[uuid] = true
			}
			for _, parent := range sortedKeys(children) {
				for _, child := range children[parent] {
					if !deleting[child] {
						return util.Usagef(util.ErrInvalid, "%s has dependent %s (use --recursive or --force)", parent, child)
					}
				}
			}
		}

		err := e.do(ctx, "delete bundles", func() error { return e.db.DeleteBundles(ctx, uuids) })
		e.events.LogBatch(report.EventBundleDelete, uuids, err)
		if err != nil {
			return err
		}
		printList(cmd.OutOrStdout(), uuids)
		return nil
	})
}

// lookupFor turns a bundle spec into a lookup. A 0x prefix short of a full
// uuid matches by prefix; % in a name matches by pattern.
func lookupFor(spec, worksheetUUID string) store.BundleLookup {
	if strings.HasPrefix(spec, "0x") {
		if util.IsValidUUID(spec) {
			return store.BundleLookup{UUID: spec}
		}
		return store.BundleLookup{UUID: store.Like(spec + "%")}
	}
	var name any = spec
	if strings.Contains(spec, "%") {
		name = store.Like(spec)
	}
	return store.BundleLookup{Name: name, WorksheetUUID: worksheetUUID}
}

func runBundleResolve(cmd *cobra.Command, args []string) error {
	wsUUID, _ := cmd.Flags().GetString("worksheet")
	max, _ := cmd.Flags().GetInt("max")

	return withEnv(func(ctx context.Context, e *env) error {
		if wsUUID != "" {
			if err := e.db.CheckPermission(ctx, permission.Worksheets, e.cfg.User, []string{wsUUID}, permission.Read); err != nil {
				return err
			}
		}
		uuids, err := e.db.GetBundleUUIDs(ctx, lookupFor(args[0], wsUUID), max)
		if err != nil {
			return err
		}
		visible, err := readable(ctx, e, permission.Bundles, uuids)
		if err != nil {
			return err
		}
		if len(visible) == 0 {
			return util.Usagef(util.ErrNotFound, "no bundle matches %q", args[0])
		}
		printList(cmd.OutOrStdout(), visible)
		return nil
	})
}
