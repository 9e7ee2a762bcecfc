package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/agentgate/internal/db"
	"github.com/lucasnoah/agentgate/internal/pgstore"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := db.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Migrate(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sqlite %s migrated\n", d.Path())

		if cfg.Storage.Backend != "postgres" {
			return nil
		}
		pg, err := pgstore.Open(cmd.Context(), cfg.Storage.PostgresDSN.Value())
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "postgres migrated")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the sqlite tables (destructive!)",
	Long: `Drop pending confirmations and audit events and recreate the schema.
Chain state is not touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := db.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sqlite %s reset\n", d.Path())
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
