package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/PortNumber53/entitlement-engine/internal/migrations"
)

var errNoDatabase = errors.New("this command needs a postgres database")

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
	Long:  `Apply pending migrations, inspect the recorded version or recover from a failed migration.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			if b.db == nil {
				return errNoDatabase
			}
			if err := migrations.Up(b.db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recorded schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			if b.db == nil {
				return errNoDatabase
			}
			st, err := migrations.Current(b.db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case st.Fresh:
				fmt.Fprintln(out, "No migrations applied")
			case st.Dirty:
				fmt.Fprintf(out, "Version %d (dirty: run `entitlectl migrate fix`)\n", st.Version)
			default:
				fmt.Fprintf(out, "Version %d\n", st.Version)
			}
			return nil
		})
	},
}

var migrateFixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Clear a dirty migration so it is retried",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			if b.db == nil {
				return errNoDatabase
			}
			if err := migrations.FixDirtyDatabase(b.db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database fixed")
			return nil
		})
	},
}

var migrateForceCmd = &cobra.Command{
	Use:     "force <version>",
	Short:   "Record a schema version without running SQL",
	Example: "  entitlectl migrate force 3",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[0])
		}
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			if b.db == nil {
				return errNoDatabase
			}
			if err := migrations.ForceVersion(b.db, uint(v)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database version forced to %d\n", v)
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateFixCmd)
	migrateCmd.AddCommand(migrateForceCmd)
}
