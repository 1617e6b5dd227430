package scraper_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/circuitbreaker"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/retry"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/scraper"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
)

const (
	startPath   = "/v2/acts/apify~instagram-scraper/runs"
	runPath     = "/v2/actor-runs/run-1"
	datasetPath = "/v2/actor-runs/run-1/dataset/items"
)

func newClient(t *testing.T, handler http.Handler) (*scraper.Client, *telemetry.Metrics) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	metrics := telemetry.NewNopProvider().Metrics
	client := scraper.NewClient(scraper.Config{
		BaseURL:      srv.URL,
		Token:        "apify-token",
		PollInterval: time.Millisecond,
		MaxPolls:     3,
		Retry:        retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond},
		Breaker:      circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour},
	}, srv.Client(), logger.NewNop(), metrics)
	return client, metrics
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func runStatus(status string) map[string]any {
	return map[string]any{"data": map[string]any{"id": "run-1", "status": status}}
}

func requireFetchError(t *testing.T, err error) *domain.ProviderFetchError {
	t.Helper()
	var fetchErr *domain.ProviderFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, scraper.ProviderName, fetchErr.Provider)
	return fetchErr
}

func TestFetchPosts_RunsActorAndDecodesItems(t *testing.T) {
	var polls atomic.Int32
	since := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+startPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer apify-token", r.Header.Get("Authorization"))

		var input map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		assert.Equal(t, []any{"https://www.instagram.com/creator/"}, input["directUrls"])
		assert.Equal(t, "posts", input["resultsType"])
		assert.InDelta(t, 20, input["resultsLimit"], 0)
		assert.Equal(t, "2024-04-01T00:00:00Z", input["onlyPostsNewerThan"])

		writeJSON(w, runStatus("READY"))
	})
	mux.HandleFunc("GET "+runPath, func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) < 2 {
			writeJSON(w, runStatus("RUNNING"))
			return
		}
		writeJSON(w, runStatus("SUCCEEDED"))
	})
	mux.HandleFunc("GET "+datasetPath, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id": "111", "shortCode": "AbC", "url": "https://www.instagram.com/p/AbC/", "type": "Video",
			 "caption": "hook", "displayUrl": "https://cdn/cover.jpg", "videoUrl": "https://cdn/v.mp4",
			 "likesCount": 40, "commentsCount": 3, "videoPlayCount": null, "playCount": "1500",
			 "videoViewCount": 900, "timestamp": "2024-05-01T10:00:00.000Z", "ownerUsername": "creator"},
			{"shortCode": "XyZ", "type": "Image", "likesCount": -1, "timestamp": "2024-05-02T10:00:00Z"},
			{"error": "not_found", "errorDescription": "profile is private"},
			{"caption": "no identity"}
		]`))
	})

	client, _ := newClient(t, mux)

	posts, err := client.FetchPosts(t.Context(), "@creator", since, 20)
	require.NoError(t, err)
	require.Len(t, posts, 2)

	video := posts[0]
	assert.Equal(t, "111", video.NativeID)
	assert.Equal(t, domain.MediaVideo, video.MediaType)
	assert.Equal(t, int64(1500), video.Views)
	assert.Equal(t, int64(40), video.Likes)
	assert.Equal(t, "https://cdn/cover.jpg", video.CoverURL)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), video.PublishedAt)

	image := posts[1]
	assert.Equal(t, "XyZ", image.NativeID)
	assert.Equal(t, "https://www.instagram.com/p/XyZ/", image.URL)
	assert.Equal(t, "creator", image.OwnerUsername)
	assert.Zero(t, image.Likes)
	assert.Zero(t, image.Views)
}

func TestFetchPosts_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"type":"record-not-found"}}`, http.StatusNotFound)
	}))

	_, err := client.FetchPosts(t.Context(), "creator", time.Now(), 10)

	fetchErr := requireFetchError(t, err)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	assert.False(t, fetchErr.Retryable)
	assert.False(t, domain.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchPosts_ServerErrorsAreRetryable(t *testing.T) {
	var calls atomic.Int32
	client, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.FetchPosts(t.Context(), "creator", time.Now(), 10)

	fetchErr := requireFetchError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, fetchErr.StatusCode)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchPosts_FailedRunIsRetryable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+startPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, runStatus("READY"))
	})
	mux.HandleFunc("GET "+runPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, runStatus("ABORTED"))
	})
	client, _ := newClient(t, mux)

	_, err := client.FetchPosts(t.Context(), "creator", time.Now(), 10)

	fetchErr := requireFetchError(t, err)
	assert.True(t, fetchErr.Retryable)
	assert.Contains(t, err.Error(), "ABORTED")
}

func TestFetchPosts_GivesUpAfterMaxPolls(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+startPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, runStatus("READY"))
	})
	mux.HandleFunc("GET "+runPath, func(w http.ResponseWriter, _ *http.Request) {
		polls.Add(1)
		writeJSON(w, runStatus("RUNNING"))
	})
	client, _ := newClient(t, mux)

	_, err := client.FetchPosts(t.Context(), "creator", time.Now(), 10)

	fetchErr := requireFetchError(t, err)
	assert.True(t, fetchErr.Retryable)
	assert.Equal(t, int32(3), polls.Load())
}

func TestFetchPosts_MalformedResponseIsNotRetryable(t *testing.T) {
	client, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": `))
	}))

	_, err := client.FetchPosts(t.Context(), "creator", time.Now(), 10)

	fetchErr := requireFetchError(t, err)
	assert.False(t, fetchErr.Retryable)
}

func TestFetchPosts_BreakerOpensAfterRepeatedOutages(t *testing.T) {
	var calls atomic.Int32
	client, metrics := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.FetchPosts(t.Context(), "creator", time.Now(), 10)
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, client.BreakerState())
	assert.InDelta(t, float64(circuitbreaker.StateOpen),
		promtestutil.ToFloat64(metrics.ScraperBreakers.WithLabelValues(scraper.ProviderName)), 0)

	_, err = client.FetchPosts(t.Context(), "creator", time.Now(), 10)
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchPosts_RateLimitBoundsRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, runStatus("RUNNING"))
	}))
	t.Cleanup(srv.Close)

	client := scraper.NewClient(scraper.Config{
		BaseURL:           srv.URL,
		Token:             "apify-token",
		PollInterval:      time.Millisecond,
		MaxPolls:          3,
		RequestsPerSecond: 0.001,
		Burst:             1,
		Retry:             retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond},
		Breaker:           circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour},
	}, srv.Client(), logger.NewNop(), telemetry.NewNopProvider().Metrics)

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	_, err := client.FetchPosts(ctx, "creator", time.Now(), 10)
	fetchErr := requireFetchError(t, err)
	assert.True(t, fetchErr.Retryable)
	assert.Equal(t, int32(1), calls.Load(), "only the burst token is spent")
	assert.Equal(t, circuitbreaker.StateClosed, client.BreakerState())
}
