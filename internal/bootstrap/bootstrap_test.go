package bootstrap_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/health"
	"github.com/jonesrussell/north-cloud/harvester/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/harvester/internal/config"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

func TestLoadConfig_CommandLineOverridesFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))

	cfg, err := bootstrap.LoadConfig(bootstrap.Options{ConfigPath: path, LogLevel: "debug", Development: true})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, "harvester", cfg.Logging.Service)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	_, err := bootstrap.LoadConfig(bootstrap.Options{ConfigPath: filepath.Join(t.TempDir(), "nope.yml")})
	require.Error(t, err)
}

func TestNewCatalog_AppliesConfiguredPrices(t *testing.T) {
	catalog := bootstrap.NewCatalog(config.GatewayConfig{
		Models: map[string]config.ModelPrice{
			"house-model": {ProviderModel: "claude-house", InputPerMTok: 2, OutputPerMTok: 4},
		},
	})

	m, err := catalog.Lookup("house-model")
	require.NoError(t, err)
	assert.Equal(t, "claude-house", m.ProviderModel)
	assert.InDelta(t, 4.0, m.OutputPerMTok, 0.0001)

	_, err = catalog.Lookup("claude-3-haiku")
	require.NoError(t, err, "built-in models stay available")
}

func TestNewRegistry_HandlesEveryJobType(t *testing.T) {
	registry := bootstrap.NewRegistry(nil, nil)

	for _, jobType := range []domain.JobType{domain.JobHarvestSource, domain.JobEnrichItem, domain.JobTest} {
		_, ok := registry.Lookup(jobType)
		assert.True(t, ok, jobType)
	}
}

func TestNewHealthChecker_PingsBothStores(t *testing.T) {
	rawDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rawDB.Close() })
	mock.ExpectPing()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db := &bootstrap.DatabaseComponents{DB: sqlx.NewDb(rawDB, "postgres")}
	report := bootstrap.NewHealthChecker(db, rdb).Check(context.Background())

	assert.Equal(t, health.StatusHealthy, report.Status)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "postgres", report.Checks[0].Name)
	assert.Equal(t, "redis", report.Checks[1].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewHealthChecker_RedisDownIsUnhealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	report := bootstrap.NewHealthChecker(nil, rdb).Check(context.Background())

	assert.Equal(t, health.StatusUnhealthy, report.Status)
	require.Len(t, report.Checks, 1)
	assert.False(t, report.Checks[0].OK)
}
