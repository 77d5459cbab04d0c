package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const defaultMaxTokens = 4096

// Config holds Anthropic session configuration for one worker.
type Config struct {
	WorkerID string
	Model    string
	APIKey   string
}

// Session executes task payloads as Anthropic Messages API calls. The
// payload carries an Anthropic-shaped request; the configured model is used
// when the payload does not name one.
type Session struct {
	cfg    *Config
	client anthropic.Client
	logger *zap.Logger
}

// request is the subset of the Messages API request the session reads from
// the task payload.
type request struct {
	Model     string    `json:"model"`
	System    string    `json:"system"`
	MaxTokens int64     `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// New creates an Anthropic-backed session.
func New(cfg *Config, logger *zap.Logger) (*Session, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("worker %s: anthropic api key is required", cfg.WorkerID)
	}
	return &Session{
		cfg:    cfg,
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		logger: logger.With(zap.String("worker_id", cfg.WorkerID)),
	}, nil
}

// Start is a no-op; the client is stateless.
func (s *Session) Start(ctx context.Context) error { return nil }

// Stop is a no-op.
func (s *Session) Stop(ctx context.Context) error { return nil }

// IsHealthy reports client-side liveness. The API is not called: outcome
// tracking in the dispatcher covers remote failures.
func (s *Session) IsHealthy(ctx context.Context) bool { return true }

// Execute runs the payload as one Messages API call and returns the API
// response as JSON.
func (s *Session) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid task payload: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("task payload has no messages")
	}

	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("messages call failed: %w", err)
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return out, nil
}
