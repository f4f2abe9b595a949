// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jeranaias/erimtech/internal/admin"
	"github.com/jeranaias/erimtech/internal/features"
)

// adminCmd operates directly on the document store, without a server.
func (a *app) adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage users, feature toggles and API logs",
		Long: `Manage the ERIMTECH AI store directly: list and promote users, switch
features on and off and read the developer API log. With the sqlite store a
running server picks up toggle changes made here on its next start; with
firestore they apply immediately.`,
	}
	cmd.AddCommand(
		a.adminOverviewCmd(),
		a.adminUsersCmd(),
		a.adminPromoteCmd(),
		a.adminFeaturesCmd(),
		a.adminFeatureCmd(),
		a.adminLogsCmd(),
	)
	return cmd
}

// withConsole opens the store for the duration of fn.
func (a *app) withConsole(ctx context.Context, fn func(*admin.Console) error) error {
	svc, err := openServices(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc.admin)
}

func (a *app) adminOverviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "Show dashboard counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConsole(cmd.Context(), func(c *admin.Console) error {
				o, err := c.Overview(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "Users\t%d\n", o.Users)
				fmt.Fprintf(w, "Admins\t%d\n", o.Admins)
				fmt.Fprintf(w, "Pending media\t%d\n", o.PendingMedia)
				fmt.Fprintf(w, "Recent API calls\t%d\n", o.RecentAPICalls)
				fmt.Fprintf(w, "Features enabled\t%d/%d\n", o.EnabledFeatures, o.TotalFeatures)
				return w.Flush()
			})
		},
	}
}

func (a *app) adminUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users [query]",
		Short: "List users, optionally filtered by email or name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			return a.withConsole(cmd.Context(), func(c *admin.Console) error {
				users, err := c.ListUsers(cmd.Context(), query)
				if err != nil {
					return err
				}
				if len(users) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("No users found."))
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "EMAIL\tNAME\tROLE\tPLAN\tSTATUS\tUID")
				for _, u := range users {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", u.Label(), u.DisplayName, u.Role, u.Plan, u.Status, u.UID)
				}
				return w.Flush()
			})
		},
	}
}

func (a *app) adminPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <email>",
		Short: "Give a user the admin role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConsole(cmd.Context(), func(c *admin.Console) error {
				u, err := c.PromoteByEmail(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(u.Email+" is now an admin"))
				return nil
			})
		},
	}
}

func (a *app) adminFeaturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "List feature toggles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConsole(cmd.Context(), func(c *admin.Console) error {
				toggles, err := c.ListFeatures(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATE")
				for _, t := range toggles {
					fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Name, onOff(t.Enabled))
				}
				return w.Flush()
			})
		},
	}
}

func (a *app) adminFeatureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feature <id> [on|off]",
		Short: "Switch a feature on or off; without a state the toggle is flipped",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withConsole(cmd.Context(), func(c *admin.Console) error {
				var (
					t   *features.Toggle
					err error
				)
				if len(args) == 1 {
					t, err = c.ToggleFeature(cmd.Context(), args[0])
				} else {
					on, perr := parseOnOff(args[1])
					if perr != nil {
						return perr
					}
					t, err = c.SetFeature(cmd.Context(), args[0], on)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", t.ID, onOff(t.Enabled))
				return nil
			})
		},
	}
}

func (a *app) adminLogsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs [query]",
		Short: "Show recent developer API calls",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			return a.withConsole(cmd.Context(), func(c *admin.Console) error {
				rows, err := c.ListLogs(cmd.Context(), query)
				if err != nil {
					return err
				}
				return writeLogs(cmd.OutOrStdout(), rows, limit)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows to print")
	return cmd
}

func writeLogs(out io.Writer, rows []admin.LogRow, limit int) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, dimStyle.Render("No API calls logged."))
		return nil
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tUSER\tENDPOINT\tSTATUS\tIP")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.UserEmail, r.Endpoint, r.Status, r.IPAddress)
	}
	return w.Flush()
}

func onOff(on bool) string {
	if on {
		return successStyle.Render("on")
	}
	return dimStyle.Render("off")
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "enable", "enabled", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "0":
		return false, nil
	}
	return false, fmt.Errorf("state must be on or off, got %q", s)
}
