package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/businessdeveloper69/agyc/pkg/adapters/session/anthropic"
	"github.com/businessdeveloper69/agyc/pkg/adapters/session/subprocess"
	"github.com/businessdeveloper69/agyc/pkg/ports"
)

// Config holds session backend configuration for one worker.
type Config struct {
	WorkerID string
	Backend  string
	Logger   *zap.Logger

	// Subprocess backend.
	StateDir      string
	StartCommand  []string
	HealthCommand []string
	TaskCommand   []string
	Env           map[string]string

	// Anthropic backend.
	Model  string
	APIKey string
}

// New creates a session based on the configured backend.
func New(cfg *Config) (ports.Session, error) {
	switch cfg.Backend {
	case "subprocess":
		return subprocess.New(&subprocess.Config{
			WorkerID:      cfg.WorkerID,
			StateDir:      cfg.StateDir,
			StartCommand:  cfg.StartCommand,
			HealthCommand: cfg.HealthCommand,
			TaskCommand:   cfg.TaskCommand,
			Env:           cfg.Env,
		}, cfg.Logger), nil
	case "anthropic":
		return anthropic.New(&anthropic.Config{
			WorkerID: cfg.WorkerID,
			Model:    cfg.Model,
			APIKey:   cfg.APIKey,
		}, cfg.Logger)
	default:
		return nil, fmt.Errorf("unsupported session backend: %s", cfg.Backend)
	}
}
