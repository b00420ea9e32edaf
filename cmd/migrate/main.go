package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ToniYenC11/CDSS/config"
	"github.com/ToniYenC11/CDSS/internal/repository/postgres"
	"github.com/ToniYenC11/CDSS/pkg/logger"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the CDSS database schema",
		SilenceUsage: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(func(r *postgres.MigrationRunner) error {
					return r.Up()
				})
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations, one step by default",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n <= 0 {
						return fmt.Errorf("invalid step count %q", args[0])
					}
					steps = n
				}
				return withRunner(func(r *postgres.MigrationRunner) error {
					return r.Down(steps)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRunner(func(r *postgres.MigrationRunner) error {
					version, dirty, err := r.Version()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
					return nil
				})
			},
		},
	)
	return root
}

// withRunner opens the configured database, runs fn and closes the connection.
func withRunner(fn func(*postgres.MigrationRunner) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrations need the postgres driver, got %q", cfg.Database.Driver)
	}

	log := logger.NewLogger(&logger.Config{
		Level: logger.ParseLevel(cfg.Logging.Level),
		JSON:  cfg.Logging.Format == "json",
	})

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	runner, err := postgres.NewMigrationRunner(db, log)
	if err != nil {
		return err
	}
	return fn(runner)
}
