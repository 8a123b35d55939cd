package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"chatcore/internal/config"
	"chatcore/internal/store"
)

// openAdminStore opens the store at the configured database path for a
// one-shot admin CLI command.
func openAdminStore(configPath string) (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return store.New(cfg.DatabasePath, nil)
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print server statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Stats(context.Background())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:          %s\n", Version)
			fmt.Fprintf(out, "Users:            %d\n", stats.Users)
			fmt.Fprintf(out, "Groups:           %d\n", stats.Groups)
			fmt.Fprintf(out, "Messages:         %d\n", stats.Messages)
			fmt.Fprintf(out, "Pending offline:  %d\n", stats.PendingOffline)
			fmt.Fprintf(out, "Files:            %d\n", stats.Files)
			fmt.Fprintf(out, "Oldest pending:   %s\n", stats.OldestPendingAge)
			return nil
		},
	}
}

func newUsersCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "inspect and manage registered users",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list every registered user",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			users, err := st.ListUsers(context.Background())
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Fprintf(cmd.OutOrStdout(), "  [%d] %-20s online=%-5t banned=%-5t\n", u.ID, u.Username, u.IsOnline, u.IsBanned)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "delete a user by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("id must be numeric: %w", err)
			}
			st, err := openAdminStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			orphaned, err := st.DeleteUser(context.Background(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted user %d (%d orphaned file(s) left on disk)\n", id, len(orphaned))
			return nil
		},
	})
	return cmd
}

func newGroupsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "inspect and manage chat groups",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list every chat group",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAdminStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			groups, err := st.ListGroups(context.Background())
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Printf("  [%d] %-20s private=%-5t banned=%-5t\n", g.ID, g.Name, g.IsPrivateChat, g.IsBanned)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "delete a group by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("id must be numeric: %w", err)
			}
			st, err := openAdminStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			orphaned, err := st.DeleteGroup(context.Background(), id)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted group %d (%d orphaned file(s) left on disk)\n", id, len(orphaned))
			return nil
		},
	})
	return cmd
}

func newBansCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bans",
		Short: "ban or unban users and groups",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "user <id>",
		Short: "ban a user by id",
		Args:  cobra.ExactArgs(1),
		RunE:  banUserFunc(configPath, true),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unban-user <id>",
		Short: "unban a user by id",
		Args:  cobra.ExactArgs(1),
		RunE:  banUserFunc(configPath, false),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "group <id>",
		Short: "ban a group by id",
		Args:  cobra.ExactArgs(1),
		RunE:  banGroupFunc(configPath, true),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unban-group <id>",
		Short: "unban a group by id",
		Args:  cobra.ExactArgs(1),
		RunE:  banGroupFunc(configPath, false),
	})
	return cmd
}

func banUserFunc(configPath *string, ban bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("id must be numeric: %w", err)
		}
		st, err := openAdminStore(*configPath)
		if err != nil {
			return err
		}
		defer st.Close()

		if ban {
			err = st.Ban(context.Background(), id)
		} else {
			err = st.Unban(context.Background(), id)
		}
		if err != nil {
			return err
		}
		fmt.Printf("user %d: banned=%t\n", id, ban)
		return nil
	}
}

func banGroupFunc(configPath *string, ban bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("id must be numeric: %w", err)
		}
		st, err := openAdminStore(*configPath)
		if err != nil {
			return err
		}
		defer st.Close()

		if ban {
			err = st.BanGroup(context.Background(), id)
		} else {
			err = st.UnbanGroup(context.Background(), id)
		}
		if err != nil {
			return err
		}
		fmt.Printf("group %d: banned=%t\n", id, ban)
		return nil
	}
}
