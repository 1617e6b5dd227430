package elasticsearch

import (
	"time"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/retry"
)

// Config holds Elasticsearch client configuration.
type Config struct {
	// Addresses are the node URLs. Entries without a scheme get http://.
	Addresses []string

	// Username and Password enable basic auth when both are set.
	Username string
	Password string

	// APIKey takes precedence over basic auth.
	APIKey string

	// InsecureSkipVerify disables certificate checks on https addresses.
	InsecureSkipVerify bool

	// MaxRetries is the transport retry count per request (default: 3)
	MaxRetries int

	// PingTimeout bounds each connection check (default: 5s)
	PingTimeout time.Duration

	// Retry governs the connection check at startup.
	Retry *retry.Config
}

// SetDefaults applies default values to the config if not set.
func (c *Config) SetDefaults() {
	if len(c.Addresses) == 0 {
		c.Addresses = []string{"http://localhost:9200"}
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.Retry == nil {
		c.Retry = &retry.Config{
			MaxAttempts:  5,
			InitialDelay: 2 * time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		}
	}
}
