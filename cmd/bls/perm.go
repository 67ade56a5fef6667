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

var permCmd = &cobra.Command{
	Use:   "perm",
	Short: "Grant, revoke and inspect group permissions",
	Long: `Grant, revoke and inspect what groups may do with a bundle or worksheet.

KIND is "bundle" or "worksheet". LEVEL is none, read or all. Owners always
hold all on their objects; everyone else gets the highest level granted to
any group they belong to, including the public group.`,
}

func init() {
	rootCmd.AddCommand(permCmd)

	permCmd.AddCommand(
		&cobra.Command{
			Use:   "grant KIND GROUP UUID LEVEL",
			Short: "Grant LEVEL on an object to a group, replacing any earlier grant",
			Args:  cobra.ExactArgs(4),
			RunE:  runPermGrant,
		},
		&cobra.Command{
			Use:   "revoke KIND GROUP UUID",
			Short: "Remove a group's grant on an object",
			Args:  cobra.ExactArgs(3),
			RunE:  runPermRevoke,
		},
		&cobra.Command{
			Use:   "show KIND UUID...",
			Short: "Show group grants and your effective level",
			Args:  cobra.MinimumNArgs(2),
			RunE:  runPermShow,
		},
	)
}

// userLevels resolves the current user's level on each object.
func userLevels(ctx context.Context, e *env, t permission.Table, uuids []string) (map[string]permission.Level, error) {
	var owners map[string]string
	var err error
	if t == permission.Bundles {
		owners, err = e.db.GetBundleOwnerIDs(ctx, uuids)
	} else {
		owners, err = e.db.GetWorksheetOwnerIDs(ctx, uuids)
	}
	if err != nil {
		return nil, err
	}
	return e.db.GetUserPermissions(ctx, t, e.cfg.User, uuids, owners)
}

// readable keeps the uuids the current user may read, in order.
func readable(ctx context.Context, e *env, t permission.Table, uuids []string) ([]string, error) {
	levels, err := userLevels(ctx, e, t, uuids)
	if err != nil {
		return nil, err
	}
	visible := make([]string, 0, len(uuids))
	for _, uuid := range uuids {
		if levels[uuid] >= permission.Read {
			visible = append(visible, uuid)
		}
	}
	return visible, nil
}

// resolveGroup accepts a group uuid or name.
func resolveGroup(ctx context.Context, db *store.Store, spec string) (*store.Group, error) {
	key := "name"
	if util.IsValidUUID(spec) {
		key = "uuid"
	}
	groups, err := db.BatchGetGroups(ctx, store.Filter{key: spec})
	if err != nil {
		return nil, err
	}
	switch len(groups) {
	case 0:
		return nil, util.Usagef(util.ErrNotFound, "group %s not found", spec)
	case 1:
		return groups[0], nil
	}
	return nil, util.Usagef(util.ErrInvalid, "%d groups are named %s, use a uuid", len(groups), spec)
}

// requireGroupAdmin passes for root, the group owner and group admins.
func requireGroupAdmin(ctx context.Context, e *env, g *store.Group) error {
	user := e.cfg.User
	if (user != "" && user == e.db.RootUserID()) || (user != "" && user == g.OwnerID) {
		return nil
	}
	memberships, err := e.db.BatchGetUserInGroup(ctx, store.Filter{"group_uuid": g.UUID, "user_id": user, "is_admin": true})
	if err != nil {
		return err
	}
	if user == "" || len(memberships) == 0 {
		return util.Usagef(util.ErrPermission, "only admins of group %s can change it", g.Name)
	}
	return nil
}

func runPermGrant(cmd *cobra.Command, args []string) error {
	t, err := permission.TableFor(args[0])
	if err != nil {
		return err
	}
	level, err := permission.ParseLevel(args[3])
	if err != nil {
		return err
	}

	return withEnv(func(ctx context.Context, e *env) error {
		g, err := resolveGroup(ctx, e.db, args[1])
		if err != nil {
			return err
		}
		objectUUID := args[2]
		if err := e.db.CheckPermission(ctx, t, e.cfg.User, []string{objectUUID}, permission.All); err != nil {
			return err
		}

		err = e.do(ctx, "add permission", func() error {
			return e.db.AddPermission(ctx, t, g.UUID, objectUUID, level)
		})
		if err != nil {
			e.events.LogError("perm grant", err)
			return err
		}
		e.events.LogPermission(report.EventPermGrant, t.Name(), g.UUID, objectUUID, level.String())
		util.SuccessLog("Granted %s on %s to %s", level, objectUUID, g.Name)
		return nil
	})
}

func runPermRevoke(cmd *cobra.Command, args []string) error {
	t, err := permission.TableFor(args[0])
	if err != nil {
		return err
	}

	return withEnv(func(ctx context.Context, e *env) error {
		g, err := resolveGroup(ctx, e.db, args[1])
		if err != nil {
			return err
		}
		objectUUID := args[2]
		if err := e.db.CheckPermission(ctx, t, e.cfg.User, []string{objectUUID}, permission.All); err != nil {
			return err
		}

		err = e.do(ctx, "delete permission", func() error {
			return e.db.DeletePermission(ctx, t, g.UUID, objectUUID)
		})
		if err != nil {
			e.events.LogError("perm revoke", err)
			return err
		}
		e.events.LogPermission(report.EventPermRevoke, t.Name(), g.UUID, objectUUID, permission.None.String())
		util.SuccessLog("Revoked %s's access to %s", g.Name, objectUUID)
		return nil
	})
}

func runPermShow(cmd *cobra.Command, args []string) error {
	t, err := permission.TableFor(args[0])
	if err != nil {
		return err
	}
	uuids := args[1:]

	return withEnv(func(ctx context.Context, e *env) error {
		if err := e.db.CheckPermission(ctx, t, e.cfg.User, uuids, permission.Read); err != nil {
			return err
		}
		grants, err := e.db.BatchGetGroupPermissions(ctx, t, uuids)
		if err != nil {
			return err
		}
		mine, err := userLevels(ctx, e, t, uuids)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		for _, uuid := range uuids {
			fmt.Fprintf(w, "%s (you: %s)\n", uuid, mine[uuid])
			for _, g := range grants[uuid] {
				fmt.Fprintf(w, "  %-36s %-16s %s\n", g.GroupUUID, orDash(g.GroupName), g.Permission)
			}
		}
		return nil
	})
}
