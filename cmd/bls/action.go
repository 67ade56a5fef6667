package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/franz/bundle-store/internal/permission"
	"github.com/franz/bundle-store/internal/report"
	"github.com/franz/bundle-store/internal/store"
	"github.com/franz/bundle-store/internal/util"
)

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Queue and drain actions for running bundles",
}

func init() {
	rootCmd.AddCommand(actionCmd)

	actionCmd.AddCommand(
		&cobra.Command{
			Use:   "add UUID ACTION...",
			Short: "Queue actions (such as kill) for a bundle",
			Args:  cobra.MinimumNArgs(2),
			RunE:  runActionAdd,
		},
		&cobra.Command{
			Use:   "pop",
			Short: "Print and remove every queued action",
			Args:  cobra.NoArgs,
			RunE:  runActionPop,
		},
	)
}

func runActionAdd(cmd *cobra.Command, args []string) error {
	uuid, names := args[0], args[1:]

	return withEnv(func(ctx context.Context, e *env) error {
		if err := e.db.CheckPermission(ctx, permission.Bundles, e.cfg.User, []string{uuid}, permission.All); err != nil {
			return err
		}
		if _, err := e.db.GetBundle(ctx, uuid); err != nil {
			return err
		}

		err := e.do(ctx, "add bundle actions", func() error {
			if len(names) == 1 {
				return e.db.AddBundleAction(ctx, uuid, names[0])
			}
			actions := make([]store.BundleAction, len(names))
			for i, name := range names {
				actions[i] = store.BundleAction{BundleUUID: uuid, Action: name}
			}
			return e.db.AddBundleActions(ctx, actions)
		})
		e.events.LogMutation(report.EventBundleUpdate, uuid, err, map[string]string{"actions": fmt.Sprint(names)})
		if err != nil {
			return err
		}
		util.SuccessLog("Queued %d actions for %s", len(names), uuid)
		return nil
	})
}

func runActionPop(cmd *cobra.Command, args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		if e.cfg.User == "" || e.cfg.User != e.db.RootUserID() {
			return util.Usagef(util.ErrPermission, "only the root user can drain the action queue")
		}
		var actions []store.BundleAction
		err := e.do(ctx, "pop bundle actions", func() error {
			var err error
			actions, err = e.db.PopBundleActions(ctx)
			return err
		})
		if err != nil {
			return err
		}
		uuids := make([]string, len(actions))
		w := cmd.OutOrStdout()
		for i, a := range actions {
			uuids[i] = a.BundleUUID
			fmt.Fprintf(w, "%d\t%s\t%s\n", a.ID, a.BundleUUID, a.Action)
		}
		e.events.LogBatch(report.EventActionPop, uuids, nil)
		return nil
	})
}
