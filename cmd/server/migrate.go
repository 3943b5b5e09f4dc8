package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/irfndi/optiroute/internal/catalog"
	"github.com/irfndi/optiroute/internal/config"
	"github.com/irfndi/optiroute/internal/database"
	"github.com/irfndi/optiroute/internal/logging"
	"github.com/irfndi/optiroute/internal/services/distributedlock"
)

const migrationLock = "schema-migrations"

// runMigrate applies pending migrations and, with --seed, loads a catalog
// file into the database.
func runMigrate(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return migrateCommand(context.Background(), cfg, logging.NewStandardLogger(cfg.LogLevel, cfg.Environment), args, os.Stdout)
}

func migrateCommand(ctx context.Context, cfg *config.Config, logger *logging.StandardLogger, args []string, out io.Writer) error {
	var seedPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--seed":
			if i+1 >= len(args) {
				return fmt.Errorf("--seed requires a catalog file")
			}
			seedPath = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	var seed catalog.Source
	if seedPath != "" {
		static, err := catalog.LoadStaticCatalog(seedPath)
		if err != nil {
			return fmt.Errorf("failed to load seed catalog: %w", err)
		}
		seed = static
	}

	db, err := database.NewDatabaseConnection(ctx, &cfg.Database, logger.WithComponent("database"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() { _ = db.Close() }()

	migrate := func(ctx context.Context) error {
		applied, err := database.Migrate(ctx, db, logger.WithComponent("migrations"))
		if err != nil {
			return err
		}
		version, err := database.CurrentVersion(ctx, db)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Applied %d migrations, schema at version %d\n", applied, version)

		if seed != nil {
			if err := database.NewCatalogRepository(db).Seed(ctx, seed); err != nil {
				return fmt.Errorf("failed to seed catalog: %w", err)
			}
			fmt.Fprintf(out, "Seeded catalog from %s\n", seedPath)
		}
		return nil
	}

	// Several replicas may start at once; with Redis available only one of
	// them migrates at a time.
	if cfg.Redis.Enabled {
		redisConn, err := database.NewRedisConnection(ctx, cfg.Redis, logger.WithComponent("redis"))
		if err == nil {
			defer redisConn.Close()
			locker := distributedlock.NewLocker(redisConn.Client, distributedlock.WithLogger(logger.WithComponent("lock")))
			defer func() { _ = locker.Close() }()
			opts := distributedlock.DefaultOptions()
			opts.WaitTimeout = 2 * time.Minute
			return locker.WithLock(ctx, migrationLock, opts, migrate)
		}
		logger.Logger().Warn("Redis unavailable, migrating without a lock", zap.Error(err))
	}
	return migrate(ctx)
}
