package elasticsearch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/retry"
)

// NewClient creates an Elasticsearch client and verifies the connection, retrying the
// ping with backoff until cfg.Retry gives up.
func NewClient(ctx context.Context, cfg Config, log logger.Logger) (*es.Client, error) {
	cfg.SetDefaults()

	addresses := make([]string, len(cfg.Addresses))
	for i, addr := range cfg.Addresses {
		addresses[i] = normalizeURL(addr)
	}

	clientConfig := es.Config{
		Addresses:  addresses,
		Transport:  createTransport(cfg.InsecureSkipVerify),
		MaxRetries: cfg.MaxRetries,
	}
	switch {
	case cfg.APIKey != "":
		clientConfig.APIKey = cfg.APIKey
	case cfg.Username != "" && cfg.Password != "":
		clientConfig.Username = cfg.Username
		clientConfig.Password = cfg.Password
	}

	client, err := es.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	log.Info("Verifying Elasticsearch connection", logger.Strings("addresses", addresses))

	if err := retry.Retry(ctx, *cfg.Retry, func() error {
		return ping(ctx, client, cfg.PingTimeout, log)
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}

	log.Info("Elasticsearch connection established")
	return client, nil
}

func normalizeURL(url string) string {
	if url == "" {
		return "http://localhost:9200"
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "http://" + url
	}
	return url
}

func createTransport(insecure bool) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for dev clusters
	}
	return transport
}

func ping(ctx context.Context, client *es.Client, timeout time.Duration, log logger.Logger) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := client.Ping(client.Ping.WithContext(pingCtx))
	if err != nil {
		log.Debug("Elasticsearch ping failed", logger.Error(err))
		return fmt.Errorf("ping failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		log.Debug("Elasticsearch ping returned error",
			logger.String("status", res.Status()),
			logger.String("body", string(body)),
		)
		return fmt.Errorf("ping returned error [%s]: %s", res.Status(), body)
	}
	return nil
}
