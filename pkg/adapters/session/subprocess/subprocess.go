package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// stopGracePeriod is how long Stop waits after SIGTERM before killing the
// long-lived process.
const stopGracePeriod = 5 * time.Second

// Config holds subprocess session configuration for one worker.
type Config struct {
	WorkerID      string
	StateDir      string
	StartCommand  []string // optional long-lived process
	HealthCommand []string // optional liveness command, exit 0 means healthy
	TaskCommand   []string // executed once per task
	Env           map[string]string
}

// Session executes tasks by spawning the task command per request, isolated
// by env and state dir. An optional long-lived process is started alongside
// and supervised through liveness checks.
type Session struct {
	cfg    *Config
	logger *zap.Logger

	mu     sync.Mutex
	proc   *exec.Cmd
	exited chan struct{}
}

// New creates a subprocess session.
func New(cfg *Config, logger *zap.Logger) *Session {
	return &Session{
		cfg:    cfg,
		logger: logger.With(zap.String("worker_id", cfg.WorkerID)),
	}
}

func (s *Session) env() []string {
	env := os.Environ()
	hasConfigDir := false
	for k, v := range s.cfg.Env {
		if k == "AG_CONFIG_DIR" {
			hasConfigDir = true
		}
		env = append(env, k+"="+v)
	}
	if !hasConfigDir {
		env = append(env, "AG_CONFIG_DIR="+s.cfg.StateDir)
	}
	return env
}

// Start creates the state dir and launches the long-lived process when one
// is configured.
func (s *Session) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if len(s.cfg.StartCommand) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil && !s.hasExited() {
		return nil
	}

	cmd := exec.Command(s.cfg.StartCommand[0], s.cfg.StartCommand[1:]...)
	cmd.Env = s.env()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start session process: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	s.proc = cmd
	s.exited = exited
	s.logger.Info("session process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Stop terminates the long-lived process: SIGTERM first, SIGKILL after the
// grace period.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil || s.hasExited() {
		s.proc = nil
		return nil
	}

	_ = s.proc.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.exited:
	case <-time.After(stopGracePeriod):
		_ = s.proc.Process.Kill()
		<-s.exited
	case <-ctx.Done():
		_ = s.proc.Process.Kill()
		<-s.exited
	}
	s.proc = nil
	return nil
}

// hasExited reports whether the long-lived process has terminated. Callers
// hold s.mu.
func (s *Session) hasExited() bool {
	if s.exited == nil {
		return true
	}
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// IsHealthy checks process liveness and, when configured, runs the health
// command.
func (s *Session) IsHealthy(ctx context.Context) bool {
	if len(s.cfg.StartCommand) > 0 {
		s.mu.Lock()
		alive := s.proc != nil && !s.hasExited()
		s.mu.Unlock()
		if !alive {
			return false
		}
	}
	if len(s.cfg.HealthCommand) > 0 {
		cmd := exec.CommandContext(ctx, s.cfg.HealthCommand[0], s.cfg.HealthCommand[1:]...)
		cmd.Env = s.env()
		return cmd.Run() == nil
	}
	return true
}

// Execute spawns the task command with the payload on stdin and returns its
// stdout. Non-JSON output is wrapped so callers always get valid JSON.
func (s *Session) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if len(s.cfg.TaskCommand) == 0 {
		return nil, fmt.Errorf("worker %s has no task command configured", s.cfg.WorkerID)
	}

	cmd := exec.CommandContext(ctx, s.cfg.TaskCommand[0], s.cfg.TaskCommand[1:]...)
	cmd.Env = s.env()
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("task command failed for %s: %w: %s",
			s.cfg.WorkerID, err, stderr.String())
	}

	out := stdout.Bytes()
	if !json.Valid(out) {
		wrapped, err := json.Marshal(map[string]string{"raw": string(out)})
		if err != nil {
			return nil, fmt.Errorf("failed to wrap task output: %w", err)
		}
		return wrapped, nil
	}
	return json.RawMessage(out), nil
}
