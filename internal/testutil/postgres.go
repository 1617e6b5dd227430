//go:build integration

// Package testutil holds shared helpers for integration tests.
package testutil

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	infraconfig "github.com/jonesrussell/north-cloud/harvester/infrastructure/config"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/internal/database"
)

const postgresStartupTimeout = 90 * time.Second

// StartPostgres runs a disposable PostgreSQL container, applies the embedded
// migrations and returns a connection that is closed when the test ends.
func StartPostgres(t *testing.T) *sqlx.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "harvester",
				"POSTGRES_PASSWORD": "harvester",
				"POSTGRES_DB":       "harvester",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(postgresStartupTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}
	portNum, err := strconv.Atoi(port.Port())
	if err != nil {
		t.Fatalf("invalid mapped port %q: %v", port.Port(), err)
	}

	db, err := database.NewPostgresConnection(ctx, infraconfig.DatabaseConfig{
		Host:     host,
		Port:     portNum,
		User:     "harvester",
		Password: "harvester",
		Database: "harvester",
		SSLMode:  "disable",
	})
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	migrator, err := database.NewMigrator(db.DB, logger.NewNop())
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}
	if err = migrator.Up(); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	return db
}
