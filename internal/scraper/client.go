// Package scraper fetches profile posts from the Apify instagram-scraper actor.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/circuitbreaker"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/retry"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
	"github.com/jonesrussell/north-cloud/harvester/internal/telemetry"
)

// ProviderName labels errors and metrics of this client.
const ProviderName = "apify"

const (
	defaultBaseURL      = "https://api.apify.com"
	defaultActorID      = "apify~instagram-scraper"
	defaultPollInterval = 5 * time.Second
	defaultMaxPolls     = 60
	maxErrorBody        = 512
)

// Apify actor run states.
const (
	runSucceeded = "SUCCEEDED"
	runFailed    = "FAILED"
	runAborted   = "ABORTED"
	runTimedOut  = "TIMED-OUT"
)

var (
	errItemError     = errors.New("dataset item reports an error")
	errItemWithoutID = errors.New("dataset item has neither id nor shortCode")
)

// Config configures the Apify client.
type Config struct {
	BaseURL      string
	Token        string
	ActorID      string
	PollInterval time.Duration
	MaxPolls     int
	// RequestsPerSecond caps API calls across all harvests sharing the client. Zero is unlimited.
	RequestsPerSecond float64
	Burst             int
	Retry             retry.Config
	Breaker           circuitbreaker.Config
}

// Client runs the actor for one profile and collects the resulting posts.
type Client struct {
	http    *http.Client
	cfg     Config
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	log     logger.Logger
}

// NewClient creates an Apify client over httpClient.
func NewClient(cfg Config, httpClient *http.Client, log logger.Logger, metrics *telemetry.Metrics) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ActorID == "" {
		cfg.ActorID = defaultActorID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = defaultMaxPolls
	}
	cfg.Retry.IsRetryable = isTransient

	log = log.With(logger.Component("scraper"), logger.String("provider", ProviderName))

	gauge := metrics.ScraperBreakers.WithLabelValues(ProviderName)
	gauge.Set(float64(circuitbreaker.StateClosed))
	cfg.Breaker.Counts = isTransient
	cfg.Breaker.OnStateChange = func(from, to circuitbreaker.State) {
		gauge.Set(float64(to))
		log.Warn("Scraper circuit breaker changed state",
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	}

	return &Client{
		http:    httpClient,
		cfg:     cfg,
		limiter: newLimiter(cfg.RequestsPerSecond, cfg.Burst),
		breaker: circuitbreaker.New(cfg.Breaker),
		log:     log,
	}
}

// BreakerState reports the circuit position.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// FetchPosts returns up to limit posts of handle published after since. Every failure
// is a *domain.ProviderFetchError.
func (c *Client) FetchPosts(ctx context.Context, handle string, since time.Time, limit int) ([]domain.RawPost, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return nil, &domain.ProviderFetchError{Provider: ProviderName, Op: "start run", Err: errors.New("empty handle")}
	}

	runID, err := c.startRun(ctx, handle, since, limit)
	if err != nil {
		return nil, err
	}
	c.log.Info("Actor run started", logger.String("handle", handle), logger.String("run_id", runID))

	if err = c.awaitRun(ctx, runID); err != nil {
		return nil, err
	}

	items, err := c.datasetItems(ctx, runID)
	if err != nil {
		return nil, err
	}

	posts := make([]domain.RawPost, 0, len(items))
	for i, item := range items {
		post, decodeErr := decodePost(item, handle)
		if decodeErr != nil {
			c.log.Debug("Skipping dataset item",
				logger.String("run_id", runID),
				logger.Int("index", i),
				logger.Error(decodeErr),
			)
			continue
		}
		posts = append(posts, post)
	}

	c.log.Info("Actor run collected",
		logger.String("handle", handle),
		logger.String("run_id", runID),
		logger.Int("items", len(items)),
		logger.Int("posts", len(posts)),
	)
	return posts, nil
}

type runEnvelope struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

func (c *Client) startRun(ctx context.Context, handle string, since time.Time, limit int) (string, error) {
	input := map[string]any{
		"directUrls":         []string{"https://www.instagram.com/" + handle + "/"},
		"resultsType":        "posts",
		"resultsLimit":       limit,
		"addParentData":      false,
		"onlyPostsNewerThan": since.UTC().Format(time.RFC3339),
		"proxy": map[string]any{
			"useApifyProxy":    true,
			"apifyProxyGroups": []string{"RESIDENTIAL"},
		},
	}

	var run runEnvelope
	path := "/v2/acts/" + url.PathEscape(c.cfg.ActorID) + "/runs"
	if err := c.call(ctx, "start run", http.MethodPost, path, input, &run); err != nil {
		return "", err
	}
	if run.Data.ID == "" {
		return "", &domain.ProviderFetchError{
			Provider: ProviderName, Op: "start run", Err: errors.New("response carries no run id"),
		}
	}
	return run.Data.ID, nil
}

// awaitRun polls the run every PollInterval until it leaves the running states.
func (c *Client) awaitRun(ctx context.Context, runID string) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for poll := 1; poll <= c.cfg.MaxPolls; poll++ {
		select {
		case <-ctx.Done():
			return &domain.ProviderFetchError{Provider: ProviderName, Op: "poll run", Retryable: true, Err: ctx.Err()}
		case <-ticker.C:
		}

		var run runEnvelope
		if err := c.call(ctx, "poll run", http.MethodGet, "/v2/actor-runs/"+url.PathEscape(runID), nil, &run); err != nil {
			return err
		}

		switch run.Data.Status {
		case runSucceeded:
			return nil
		case runFailed, runAborted, runTimedOut:
			return &domain.ProviderFetchError{
				Provider:  ProviderName,
				Op:        "poll run",
				Retryable: true,
				Err:       fmt.Errorf("run %s finished with status %s", runID, run.Data.Status),
			}
		default:
			c.log.Debug("Actor run pending",
				logger.String("run_id", runID),
				logger.String("status", run.Data.Status),
				logger.Int("poll", poll),
			)
		}
	}

	return &domain.ProviderFetchError{
		Provider:  ProviderName,
		Op:        "poll run",
		Retryable: true,
		Err:       fmt.Errorf("run %s not finished after %d polls", runID, c.cfg.MaxPolls),
	}
}

func (c *Client) datasetItems(ctx context.Context, runID string) ([]map[string]any, error) {
	var items []map[string]any
	path := "/v2/actor-runs/" + url.PathEscape(runID) + "/dataset/items"
	if err := c.call(ctx, "fetch dataset", http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// call performs one API request through the breaker with retries.
func (c *Client) call(ctx context.Context, op, method, path string, body, out any) error {
	err := retry.Retry(ctx, c.cfg.Retry, func() error {
		if waitErr := c.limiter.Wait(ctx); waitErr != nil {
			return waitErr
		}
		return c.breaker.Execute(func() error {
			return c.do(ctx, op, method, path, body, out)
		})
	})
	if err == nil {
		return nil
	}

	var fetchErr *domain.ProviderFetchError
	if errors.As(err, &fetchErr) {
		return fetchErr
	}
	// Circuit open, rate limit wait abandoned, or ctx ended between attempts.
	return &domain.ProviderFetchError{Provider: ProviderName, Op: op, Retryable: true, Err: err}
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &domain.ProviderFetchError{Provider: ProviderName, Op: op, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return &domain.ProviderFetchError{Provider: ProviderName, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.ProviderFetchError{Provider: ProviderName, Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		detail := strings.TrimSpace(string(snippet))
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		return &domain.ProviderFetchError{
			Provider:   ProviderName,
			Op:         op,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        errors.New(detail),
		}
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.ProviderFetchError{
			Provider:   ProviderName,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("malformed response: %w", err),
		}
	}
	return nil
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// retryableStatus treats rate limiting and server errors as transient.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// isTransient reports whether err is a provider failure worth another attempt.
func isTransient(err error) bool {
	var fetchErr *domain.ProviderFetchError
	return errors.As(err, &fetchErr) && fetchErr.Retryable
}
