package telemetry_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
)

func TestProvider_HandlerExposesHarvesterMetrics(t *testing.T) {
	t.Parallel()

	p := telemetry.NewProvider()
	p.Metrics.HarvestRuns.WithLabelValues("succeeded").Inc()
	p.Metrics.CreditsMoved.WithLabelValues("bonus", "credit").Add(10000)

	assert.InDelta(t, 10000, testutil.ToFloat64(p.Metrics.CreditsMoved.WithLabelValues("bonus", "credit")), 0)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `harvester_harvest_runs_total{outcome="succeeded"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
