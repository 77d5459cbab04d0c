package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds process-level configuration, read from environment variables.
// The worker roster and dispatcher parameters live in a separate file loaded
// with LoadRoster.
type Config struct {
	HTTPPort int    `env:"AGYC_HTTP_PORT" envDefault:"8088"`
	GRPCPort int    `env:"AGYC_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Path to the YAML/JSON roster file.
	RosterFile string `env:"AGYC_CONFIG_FILE" envDefault:"config.yaml"`

	// Backends for the completed-task archive and the event bus.
	HistoryBackend string        `env:"HISTORY_BACKEND" envDefault:"memory"`
	EventsBackend  string        `env:"EVENTS_BACKEND" envDefault:"memory"`
	HistoryTTL     time.Duration `env:"HISTORY_TTL" envDefault:"24h"`

	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`

	Redis RedisConfig
}

// RedisConfig holds Redis connection configuration, used when the history or
// events backend is set to "redis".
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// Load reads process configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the process configuration is valid.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	switch c.HistoryBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid history backend: %s (must be memory or redis)", c.HistoryBackend)
	}
	switch c.EventsBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid events backend: %s (must be memory or redis)", c.EventsBackend)
	}

	if (c.HistoryBackend == "redis" || c.EventsBackend == "redis") && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required for redis backends")
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address.
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// Roster is the file-based configuration: dispatcher parameters plus the
// static worker list.
type Roster struct {
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Workers    []WorkerConfig   `mapstructure:"workers" validate:"min=1,dive"`
}

// DispatcherConfig holds the dispatcher parameters from the roster file.
type DispatcherConfig struct {
	MaxQueueSize        int              `mapstructure:"maxQueueSize" validate:"gte=1"`
	WorkerQueueSize     int              `mapstructure:"workerQueueSize" validate:"gte=1"`
	DefaultPolicy       string           `mapstructure:"defaultPolicy"`
	DegradedThreshold   float64          `mapstructure:"degradedThreshold" validate:"gte=0,lte=1"`
	UnhealthyThreshold  int              `mapstructure:"unhealthyThreshold" validate:"gte=1"`
	ProbeInterval       time.Duration    `mapstructure:"probeInterval"`
	RecoveryRampSteps   int              `mapstructure:"recoveryRampSteps" validate:"gte=1"`
	MaxDispatchAttempts int              `mapstructure:"maxDispatchAttempts" validate:"gte=1"`
	DispatchRetryDelay  time.Duration    `mapstructure:"dispatchRetryDelay"`
	TaskTimeout         time.Duration    `mapstructure:"taskTimeout"`
	Redispatch          RedispatchConfig `mapstructure:"redispatch"`
}

// RedispatchConfig bounds automatic re-routing of failed tasks.
type RedispatchConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MaxAttempts int  `mapstructure:"maxAttempts"`
}

// WorkerConfig describes one worker session in the roster file.
type WorkerConfig struct {
	ID               string  `mapstructure:"id" validate:"required"`
	Backend          string  `mapstructure:"backend" validate:"required,oneof=subprocess anthropic"`
	ConcurrencyLimit int     `mapstructure:"concurrencyLimit" validate:"gte=1"`
	RoutingWeight    float64 `mapstructure:"routingWeight" validate:"gte=0"`

	// Subprocess backend.
	StateDir      string            `mapstructure:"stateDir"`
	StartCommand  []string          `mapstructure:"startCommand"`
	HealthCommand []string          `mapstructure:"healthCommand"`
	TaskCommand   []string          `mapstructure:"taskCommand"`
	Env           map[string]string `mapstructure:"env"`

	// Anthropic backend.
	Model  string `mapstructure:"model"`
	APIKey string `mapstructure:"apiKey"`
}

// LoadRoster reads the worker roster and dispatcher parameters from a
// YAML or JSON file.
func LoadRoster(path string) (*Roster, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("dispatcher.maxQueueSize", 200)
	v.SetDefault("dispatcher.workerQueueSize", 50)
	v.SetDefault("dispatcher.defaultPolicy", "round-robin")
	v.SetDefault("dispatcher.degradedThreshold", 0.5)
	v.SetDefault("dispatcher.unhealthyThreshold", 3)
	v.SetDefault("dispatcher.probeInterval", "10s")
	v.SetDefault("dispatcher.recoveryRampSteps", 3)
	v.SetDefault("dispatcher.maxDispatchAttempts", 5)
	v.SetDefault("dispatcher.dispatchRetryDelay", "100ms")
	v.SetDefault("dispatcher.taskTimeout", "600s")
	v.SetDefault("dispatcher.redispatch.enabled", false)
	v.SetDefault("dispatcher.redispatch.maxAttempts", 2)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read roster file %s: %w", path, err)
	}

	var roster Roster
	if err := v.Unmarshal(&roster); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roster: %w", err)
	}

	if err := roster.Validate(); err != nil {
		return nil, fmt.Errorf("invalid roster: %w", err)
	}

	return &roster, nil
}

// Validate runs struct-tag validation plus the cross-field checks the tags
// cannot express.
func (r *Roster) Validate() error {
	for i := range r.Workers {
		if r.Workers[i].ConcurrencyLimit < 1 {
			r.Workers[i].ConcurrencyLimit = 1
		}
		if r.Workers[i].RoutingWeight == 0 {
			r.Workers[i].RoutingWeight = 1.0
		}
	}

	if err := validator.New().Struct(r); err != nil {
		return err
	}

	seen := make(map[string]bool, len(r.Workers))
	for i := range r.Workers {
		w := &r.Workers[i]
		if seen[w.ID] {
			return fmt.Errorf("duplicate worker id: %s", w.ID)
		}
		seen[w.ID] = true

		switch w.Backend {
		case "subprocess":
			if len(w.TaskCommand) == 0 {
				return fmt.Errorf("worker %s: taskCommand is required for the subprocess backend", w.ID)
			}
			if w.StateDir == "" {
				return fmt.Errorf("worker %s: stateDir is required for the subprocess backend", w.ID)
			}
		case "anthropic":
			if w.Model == "" {
				return fmt.Errorf("worker %s: model is required for the anthropic backend", w.ID)
			}
			if w.APIKey == "" {
				return fmt.Errorf("worker %s: apiKey is required for the anthropic backend", w.ID)
			}
		}
	}

	return nil
}
