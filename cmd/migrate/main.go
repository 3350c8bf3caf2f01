package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kdimtricp/imgcaption/internal/cli"
	"github.com/kdimtricp/imgcaption/internal/config"
	"github.com/kdimtricp/imgcaption/internal/database"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := config.New()
	var status bool

	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply pending database migrations",
		SilenceUsage: true,
	}

	configPath := cli.Flags(cmd, v)
	cli.DatabaseFlags(cmd, v)
	cmd.Flags().String("migrations", "", "Path to migrations directory")
	cmd.Flags().BoolVar(&status, "status", false, "Show migration status only")
	cli.BindFlags(cmd, v, map[string]string{"migrations": "migrations_path"})

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		env, err := cli.Load(v, *configPath)
		if err != nil {
			return err
		}
		defer env.Log.Sync()

		cfg := env.Config
		db, err := database.NewDB(cfg.Database, env.Log.Named("database"))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		out := cmd.OutOrStdout()

		if status {
			migrator := database.NewMigrator(db.Conn(), db.Type()).WithLogger(env.Log.Named("migrator"))
			statuses, err := migrator.Status(cfg.MigrationsPath)
			if err != nil {
				return err
			}

			fmt.Fprintln(out, "Migration Status:")
			fmt.Fprintln(out, "=================")
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied"
				}
				fmt.Fprintf(out, "%s - %s [%s]\n", s.Version, s.Name, state)
			}
			if db.Type() != "postgres" {
				fmt.Fprintln(out, "(sqlite schema is managed by GORM, migrations are not tracked)")
			}
			return nil
		}

		fmt.Fprintf(out, "Running migrations from %s...\n", cfg.MigrationsPath)
		if err := db.RunMigrations(cfg.MigrationsPath); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		fmt.Fprintln(out, "Migrations completed successfully!")
		return nil
	}
	return cmd
}
