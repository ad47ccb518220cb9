package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cncaiprojem/freecad-core/repository"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate environment configuration and exit nonzero on failure",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration valid for environment %q\n", cfg.Environment)

		if cfg.PostgresDSN != "" {
			db, err := repository.OpenPostgres(cfg.PostgresDSN)
			if err != nil {
				return fail(ExitConnectivityError, "connecting to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return fail(ExitConnectivityError, "postgres handle: %w", err)
			}
			defer sqlDB.Close()
			if err := sqlDB.Ping(); err != nil {
				return fail(ExitConnectivityError, "pinging postgres: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "postgres connection OK")
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	RootCmd.AddCommand(configCmd)
}
