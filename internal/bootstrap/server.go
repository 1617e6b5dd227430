package bootstrap

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	infragin "github.com/jonesrussell/north-cloud/harvester/infrastructure/gin"
	"github.com/jonesrussell/north-cloud/harvester/infrastructure/health"
)

// ServerComponents holds the ops server and its error channel. Both are nil when
// the listener is disabled.
type ServerComponents struct {
	Server    *infragin.Server
	ErrorChan <-chan error
}

// SetupOpsServer starts the /health, /metrics and /status listener.
func SetupOpsServer(
	deps *CommandDeps,
	db *DatabaseComponents,
	redisClient *goredis.Client,
	services *ServiceComponents,
) (*ServerComponents, error) {
	cfg := deps.Config.Ops
	if !cfg.IsEnabled() {
		deps.Logger.Info("Ops listener disabled")
		return &ServerComponents{}, nil
	}

	checker := NewHealthChecker(db, redisClient)
	server := infragin.NewServer(infragin.Config{
		Address:     cfg.Address,
		Debug:       cfg.GinDebug,
		ServiceName: deps.Config.Service.Name,
	}, deps.Logger, func(router *gin.Engine) {
		health.RegisterRoutes(router, checker)
		router.GET("/metrics", gin.WrapH(services.Telemetry.Handler()))
		router.GET("/status", statusHandler(services))
	})

	errChan, err := server.StartAsync()
	if err != nil {
		return nil, err
	}
	return &ServerComponents{Server: server, ErrorChan: errChan}, nil
}

// NewHealthChecker registers a ping check per backing store.
func NewHealthChecker(db *DatabaseComponents, redisClient *goredis.Client) *health.Checker {
	checker := health.NewChecker()
	if db != nil && db.DB != nil {
		checker.Register("postgres", func(ctx context.Context) error {
			return db.DB.PingContext(ctx)
		})
	}
	if redisClient != nil {
		checker.Register("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	return checker
}

func statusHandler(services *ServiceComponents) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := services.Queue.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"worker_id": services.Worker.ID(),
			"pool":      services.Worker.Stats(),
			"queue":     stats,
			"scheduler": services.Scheduler != nil,
		})
	}
}
