package bootstrap

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
)

// DatabaseComponents holds the connection and every repository built on it.
type DatabaseComponents struct {
	DB          *sqlx.DB
	JobRepo     *database.JobRepository
	RunRepo     *database.RunRepository
	SourceRepo  *database.SourceRepository
	ContentRepo *database.ContentRepository
	LedgerRepo  *database.LedgerRepository
}

// SetupDatabase connects to PostgreSQL, optionally applies pending migrations,
// and creates the repositories.
func SetupDatabase(ctx context.Context, deps *CommandDeps, migrate bool) (*DatabaseComponents, error) {
	db, err := database.NewPostgresConnection(ctx, deps.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	deps.Logger.Info("Connected to database",
		logger.String("host", deps.Config.Database.Host),
		logger.String("database", deps.Config.Database.Database),
	)

	if migrate {
		if err = RunMigrations(deps, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &DatabaseComponents{
		DB:          db,
		JobRepo:     database.NewJobRepository(db),
		RunRepo:     database.NewRunRepository(db),
		SourceRepo:  database.NewSourceRepository(db),
		ContentRepo: database.NewContentRepository(db),
		LedgerRepo:  database.NewLedgerRepository(db),
	}, nil
}

// NewMigrator binds the embedded migrations to db.
func NewMigrator(deps *CommandDeps, db *sqlx.DB) (*database.Migrator, error) {
	migrator, err := database.NewMigrator(db.DB, deps.Logger.With(logger.Component("migrate")))
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return migrator, nil
}

// RunMigrations applies every pending migration.
func RunMigrations(deps *CommandDeps, db *sqlx.DB) error {
	migrator, err := NewMigrator(deps, db)
	if err != nil {
		return err
	}
	if err = migrator.Up(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (c *DatabaseComponents) Close() {
	if c == nil || c.DB == nil {
		return
	}
	_ = c.DB.Close()
}
