package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// migrateFlags 在 migrate 子命令间共享
type migrateFlags struct {
	dbType string
	dbURL  string
}

func newMigrateCommand() *cobra.Command {
	flags := &migrateFlags{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the versioned database schema",
		Long: `Apply or roll back the embedded schema migrations.

Only postgres and mysql carry versioned migrations. SQLite databases are
created with auto-migrate when the server starts.`,
		Example: `  agentmesh migrate up
  agentmesh migrate up --config /etc/agentmesh/config.yaml
  agentmesh migrate status --db-type postgres --db-url postgres://localhost/agentmesh
  agentmesh migrate force 1`,
	}
	cmd.PersistentFlags().StringVar(&flags.dbType, "db-type", "", "Database type: postgres, mysql (default: from config)")
	cmd.PersistentFlags().StringVar(&flags.dbURL, "db-url", "", "Database connection URL (default: from config)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrationCLI(cmd, flags, func(cli *migration.CLI) error {
					return cli.RunUp(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrationCLI(cmd, flags, func(cli *migration.CLI) error {
					return cli.RunDown(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrationCLI(cmd, flags, func(cli *migration.CLI) error {
					return cli.RunStatus(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force set the migration version and clear the dirty flag",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return withMigrationCLI(cmd, flags, func(cli *migration.CLI) error {
					return cli.RunForce(cmd.Context(), version)
				})
			},
		},
	)
	return cmd
}

// withMigrationCLI 创建迁移器并在执行 fn 后关闭
func withMigrationCLI(cmd *cobra.Command, flags *migrateFlags, fn func(*migration.CLI) error) error {
	migrator, err := createMigrator(cmd, flags)
	if err != nil {
		return err
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(cmd.OutOrStdout())
	if err := fn(cli); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// createMigrator 优先使用 --db-type/--db-url，否则从配置文件读取
func createMigrator(cmd *cobra.Command, flags *migrateFlags) (*migration.DefaultMigrator, error) {
	logger := zap.NewNop()

	if flags.dbType != "" && flags.dbURL != "" {
		return migration.NewMigratorFromURL(flags.dbType, flags.dbURL, logger)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if flags.dbType != "" {
		cfg.Database.Driver = flags.dbType
	}

	m, err := migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
	if errors.Is(err, migration.ErrNoVersionedSchema) {
		return nil, fmt.Errorf("%s: schema is created by `agentmesh serve`: %w", cfg.Database.Driver, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}
