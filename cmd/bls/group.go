package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/franz/bundle-store/internal/report"
	"github.com/franz/bundle-store/internal/store"
	"github.com/franz/bundle-store/internal/util"
)

var groupCmd = &cobra.Command{
	Use:     "group",
	Aliases: []string{"g"},
	Short:   "Manage groups and their members",
}

func init() {
	rootCmd.AddCommand(groupCmd)

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List the public group, groups you own and groups you belong to",
		Args:  cobra.NoArgs,
		RunE:  runGroupLs,
	}
	lsCmd.Flags().String("name", "", "only groups with this name (% wildcards)")
	lsCmd.Flags().String("owner", "", "list every group owned by this user instead")

	addUserCmd := &cobra.Command{
		Use:   "add-user GROUP USER",
		Short: "Add a user to a group, or change their admin flag",
		Args:  cobra.ExactArgs(2),
		RunE:  runGroupAddUser,
	}
	addUserCmd.Flags().Bool("admin", false, "make the user a group admin")

	groupCmd.AddCommand(
		&cobra.Command{
			Use:   "new NAME",
			Short: "Create a group you own",
			Args:  cobra.ExactArgs(1),
			RunE:  runGroupNew,
		},
		lsCmd,
		&cobra.Command{
			Use:   "members GROUP",
			Short: "List a group's members",
			Args:  cobra.ExactArgs(1),
			RunE:  runGroupMembers,
		},
		&cobra.Command{
			Use:   "rm GROUP",
			Short: "Delete a group with its memberships and grants",
			Args:  cobra.ExactArgs(1),
			RunE:  runGroupRm,
		},
		addUserCmd,
		&cobra.Command{
			Use:   "rm-user GROUP USER",
			Short: "Remove a user from a group",
			Args:  cobra.ExactArgs(2),
			RunE:  runGroupRmUser,
		},
	)
}

func runGroupNew(cmd *cobra.Command, args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		if e.cfg.User == "" {
			return util.Usagef(util.ErrPermission, "anonymous users cannot create groups")
		}
		g := &store.Group{Name: args[0], OwnerID: e.cfg.User, UserDefined: true}
		err := e.do(ctx, "create group", func() error { return e.db.CreateGroup(ctx, g) })
		e.events.LogMutation(report.EventGroupCreate, g.UUID, err, map[string]string{"name": g.Name})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), g.UUID)
		return nil
	})
}

func runGroupLs(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	owner, _ := cmd.Flags().GetString("owner")

	return withEnv(func(ctx context.Context, e *env) error {
		var spec store.Filter
		if name != "" {
			spec = store.Filter{"name": store.Like(name)}
		}

		var memberships []*store.GroupMembership
		if owner != "" || (e.cfg.User != "" && e.cfg.User == e.db.RootUserID()) {
			var groups []*store.Group
			var err error
			if owner != "" {
				groups, err = e.db.ListGroups(ctx, owner)
			} else {
				groups, err = e.db.BatchGetGroups(ctx, spec)
			}
			if err != nil {
				return err
			}
			for _, g := range groups {
				memberships = append(memberships, &store.GroupMembership{Group: *g, UserID: g.OwnerID, IsAdmin: true})
			}
		} else {
			var owned, member store.Filter
			if e.cfg.User != "" {
				owned = store.Filter{"owner_id": e.cfg.User}
				member = store.Filter{"user_id": e.cfg.User}
			}
			var err error
			memberships, err = e.db.BatchGetAllGroups(ctx, spec, owned, member)
			if err != nil {
				return err
			}
		}

		w := cmd.OutOrStdout()
		for _, m := range memberships {
			role := "member"
			switch {
			case m.UUID == e.db.PublicGroupUUID():
				role = "public"
			case m.OwnerID == e.cfg.User:
				role = "owner"
			case m.IsAdmin:
				role = "admin"
			}
			fmt.Fprintf(w, "%s  %-24s %-12s %s\n", m.UUID, m.Name, orDash(m.OwnerID), role)
		}
		return nil
	})
}

func runGroupMembers(cmd *cobra.Command, args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		g, err := resolveGroup(ctx, e.db, args[0])
		if err != nil {
			return err
		}
		members, err := e.db.BatchGetUserInGroup(ctx, store.Filter{"group_uuid": g.UUID})
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, m := range members {
			admin := ""
			if m.IsAdmin {
				admin = "admin"
			}
			fmt.Fprintf(w, "%-24s %s\n", m.UserID, admin)
		}
		return nil
	})
}

func runGroupRm(cmd *cobra.Command, args []string) error {
	return withEnv(func(ctx context.Context, e *env) error {
		g, err := resolveGroup(ctx, e.db, args[0])
		if err != nil {
			return err
		}
		if e.cfg.User == "" || (e.cfg.User != g.OwnerID && e.cfg.User != e.db.RootUserID()) {
			return util.Usagef(util.ErrPermission, "only the owner can delete group %s", g.Name)
		}
		err = e.do(ctx, "delete group", func() error { return e.db.DeleteGroup(ctx, g.UUID) })
		e.events.LogMutation(report.EventGroupDelete, g.UUID, err, map[string]string{"name": g.Name})
		if err != nil {
			return err
		}
		util.SuccessLog("Deleted group %s", g.Name)
		return nil
	})
}

func runGroupAddUser(cmd *cobra.Command, args []string) error {
	admin, _ := cmd.Flags().GetBool("admin")
	user := args[1]

	return withEnv(func(ctx context.Context, e *env) error {
		g, err := resolveGroup(ctx, e.db, args[0])
		if err != nil {
			return err
		}
		if err := requireGroupAdmin(ctx, e, g); err != nil {
			return err
		}

		existing, err := e.db.BatchGetUserInGroup(ctx, store.Filter{"group_uuid": g.UUID, "user_id": user})
		if err != nil {
			return err
		}
		err = e.do(ctx, "add user to group", func() error {
			if len(existing) > 0 {
				return e.db.UpdateUserInGroup(ctx, user, g.UUID, admin)
			}
			return e.db.AddUserInGroup(ctx, user, g.UUID, admin)
		})
		e.events.LogMutation(report.EventGroupMember, g.UUID, err, map[string]string{
			"add":   user,
			"admin": fmt.Sprintf("%t", admin),
		})
		if err != nil {
			return err
		}
		util.SuccessLog("%s is in %s", user, g.Name)
		return nil
	})
}

func runGroupRmUser(cmd *cobra.Command, args []string) error {
	user := args[1]

	return withEnv(func(ctx context.Context, e *env) error {
		g, err := resolveGroup(ctx, e.db, args[0])
		if err != nil {
			return err
		}
		// members may always leave
		if user != e.cfg.User {
			if err := requireGroupAdmin(ctx, e, g); err != nil {
				return err
			}
		}
		err = e.do(ctx, "remove user from group", func() error { return e.db.DeleteUserInGroup(ctx, user, g.UUID) })
		e.events.LogMutation(report.EventGroupMember, g.UUID, err, map[string]string{"remove": user})
		if err != nil {
			return err
		}
		util.SuccessLog("%s left %s", user, g.Name)
		return nil
	})
}
