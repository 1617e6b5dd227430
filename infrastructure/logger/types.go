package logger

// Config is the logging section of a service configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn, error or fatal.
	Level string `env:"LOG_LEVEL" yaml:"level"`
	// Development disables sampling so every entry is written.
	Development bool `env:"LOG_DEVELOPMENT" yaml:"development"`
	// OutputPaths lists zap sinks (stdout, stderr or file paths).
	OutputPaths []string `yaml:"output_paths"`
	// Service is attached to every entry as the "service" field.
	Service string `yaml:"-"`
}

const defaultLevel = "info"

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = defaultLevel
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stdout"}
	}
}
