package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"clinicore.org/internal/config"
	"clinicore.org/internal/migrate"
	"clinicore.org/internal/obs"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage SQL schema migrations for the postgres and sqlite stores",
}

func migrateRun(run func(cmd *cobra.Command, mgr *migrate.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var dialect migrate.Dialect
		switch cfg.Store.Driver {
		case config.DriverPostgres:
			dialect = migrate.Postgres
		case config.DriverSQLite:
			dialect = migrate.SQLite
		default:
			return fmt.Errorf("store driver %q has no schema to migrate", cfg.Store.Driver)
		}
		// openStore would apply migrations itself.
		cfg.Store.Migrate = false
		st, err := openStore(cmd.Context(), cfg.Store, obs.Discard())
		if err != nil {
			return err
		}
		defer st.close()
		if st.db == nil {
			return errors.New("store exposes no SQL connection")
		}
		return run(cmd, migrate.NewManager(st.db, dialect))
	}
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: migrateRun(func(cmd *cobra.Command, mgr *migrate.Manager) error {
		applied, err := mgr.Up(cmd.Context())
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
		}
		for _, name := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
		}
		return nil
	}),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: migrateRun(func(cmd *cobra.Command, mgr *migrate.Manager) error {
		name, err := mgr.Down(cmd.Context())
		if err != nil {
			return err
		}
		if name == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
		return nil
	}),
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied and pending migrations",
	RunE: migrateRun(func(cmd *cobra.Command, mgr *migrate.Manager) error {
		applied, err := mgr.Status(cmd.Context())
		if err != nil {
			return err
		}
		pending, err := mgr.Pending(cmd.Context())
		if err != nil {
			return err
		}
		for _, item := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied  %s\n", item)
		}
		for _, item := range pending {
			fmt.Fprintf(cmd.OutOrStdout(), "pending  %s\n", item)
		}
		return nil
	}),
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
