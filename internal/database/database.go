package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/irfndi/optiroute/internal/config"
	"github.com/irfndi/optiroute/internal/utils"
	"go.uber.org/zap"
)

// ErrNotFound is returned by updates that matched no row.
var ErrNotFound = errors.New("not found")

// Database abstracts both PostgreSQL and SQLite connections.
type Database interface {
	DBPool
	Close() error
	IsReady() bool
	HealthCheck(ctx context.Context) error
}

// DBType enumerates supported database drivers.
type DBType string

const (
	DBTypeSQLite   DBType = "sqlite"
	DBTypePostgres DBType = "postgres"
)

// NewDatabaseConnection opens the database named by cfg.Driver.
func NewDatabaseConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch DetectDBType(cfg.Driver) {
	case DBTypeSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = "optiroute.db"
		}
		logger.Info("connecting to SQLite database", zap.String("path", path))
		return NewSQLiteConnection(path)

	case DBTypePostgres:
		target := cfg.DatabaseURL
		if target == "" {
			target = fmt.Sprintf("%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.DBName)
		}
		logger.Info("connecting to PostgreSQL database", zap.String("target", utils.MaskConnectionString(target)))
		return NewPostgresConnection(ctx, cfg, logger)

	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres)", cfg.Driver)
	}
}

// DetectDBType maps driver aliases to a DBType. Empty means SQLite.
func DetectDBType(driver string) DBType {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return DBTypeSQLite
	case "postgres", "postgresql", "pgx":
		return DBTypePostgres
	default:
		return DBType(driver)
	}
}
