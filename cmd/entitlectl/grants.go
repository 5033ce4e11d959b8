package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/entitlement-engine/internal/grants"
	"github.com/PortNumber53/entitlement-engine/internal/models"
)

var (
	grantOrg     string
	grantUser    string
	grantFlag    string
	grantValue   string
	grantSource  string
	grantExpires string
	grantReason  string

	orgName    string
	orgID      string
	orgHistory bool
	orgLimit   int
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Issue an operator grant",
	Long: `Issue a manual_override, addon or promo grant. The new grant supersedes the active
grant with the same org, user, flag and source.`,
	Example: `  entitlectl grant --org 2b0c... --flag api_access --value true --expires 720h
  entitlectl grant --org 2b0c... --flag seats --value unlimited --source addon`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := parseValue(grantValue)
		if err != nil {
			return err
		}
		req := grants.AdminRequest{
			OrgID:  grantOrg,
			Flag:   grantFlag,
			Value:  value,
			Source: grantSource,
			Reason: grantReason,
		}
		if grantUser != "" {
			u := grantUser
			req.UserID = &u
		}
		if grantExpires != "" {
			at, err := parseExpiry(grantExpires, time.Now().UTC())
			if err != nil {
				return err
			}
			req.ExpiresAt = &at
		}

		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			g, err := grants.NewAdmin(b.store, b.bus, nil).Grant(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), g)
		})
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <grant-id>",
	Short: "Revoke a grant without replacing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			g, err := grants.NewAdmin(b.store, b.bus, nil).Revoke(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s (%s on org %s)\n", g.ID, g.Flag, g.OrgID)
			return nil
		})
	},
}

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Manage organizations",
}

var orgCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an organization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.TrimSpace(orgName)
		if name == "" {
			return fmt.Errorf("--name is required")
		}
		id := orgID
		if id == "" {
			id = uuid.NewString()
		} else if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("--id must be a uuid")
		}
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			org, err := b.store.CreateOrg(ctx, id, name)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), org)
		})
	},
}

var orgGrantsCmd = &cobra.Command{
	Use:   "grants <org-id>",
	Short: "List the grants recorded for an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			list, err := b.store.ListGrants(ctx, args[0], orgHistory, orgLimit)
			if err != nil {
				return err
			}
			writeGrantTable(cmd.OutOrStdout(), list)
			return nil
		})
	},
}

func init() {
	grantCmd.Flags().StringVar(&grantOrg, "org", "", "Organization id")
	grantCmd.Flags().StringVar(&grantUser, "user", "", "Limit the grant to one user")
	grantCmd.Flags().StringVar(&grantFlag, "flag", "", "Flag or quota name")
	grantCmd.Flags().StringVar(&grantValue, "value", "true", "true, false, an integer or unlimited")
	grantCmd.Flags().StringVar(&grantSource, "source", string(models.SourceManualOverride), "manual_override, addon or promo")
	grantCmd.Flags().StringVar(&grantExpires, "expires", "", "Expiry as a duration from now (720h) or an RFC 3339 time")
	grantCmd.Flags().StringVar(&grantReason, "reason", "", "Note recorded in the audit log")

	orgCreateCmd.Flags().StringVar(&orgName, "name", "", "Organization name")
	orgCreateCmd.Flags().StringVar(&orgID, "id", "", "Organization id (generated when empty)")
	orgGrantsCmd.Flags().BoolVar(&orgHistory, "history", false, "Include superseded and expired grants")
	orgGrantsCmd.Flags().IntVar(&orgLimit, "limit", 100, "Maximum number of grants")

	orgCmd.AddCommand(orgCreateCmd)
	orgCmd.AddCommand(orgGrantsCmd)
}

func parseValue(raw string) (models.Value, error) {
	switch s := strings.ToLower(strings.TrimSpace(raw)); s {
	case "true", "false":
		return models.BoolValue(s == "true"), nil
	case "unlimited":
		return models.QuotaValue(models.Unlimited), nil
	default:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return models.Value{}, fmt.Errorf("invalid value %q: want true, false, an integer or unlimited", raw)
		}
		return models.QuotaValue(n), nil
	}
}

func parseExpiry(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(d), nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --expires %q: want a duration or an RFC 3339 time", raw)
	}
	return at.UTC(), nil
}

func writeGrantTable(w io.Writer, list []models.Grant) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFLAG\tVALUE\tSOURCE\tUSER\tGRANTED\tEXPIRES\tSTATE")
	for _, g := range list {
		user := "-"
		if g.UserID != nil {
			user = *g.UserID
		}
		expires := "-"
		if g.ExpiresAt != nil {
			expires = g.ExpiresAt.Format(time.RFC3339)
		}
		state := "active"
		switch {
		case g.SupersededAt != nil:
			state = "superseded"
		case g.InactiveAt != nil:
			state = "expired"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			g.ID, g.Flag, g.Value, g.Source, user, g.GrantedAt.Format(time.RFC3339), expires, state)
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
