package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrUnavailable signals the model endpoint is unreachable or timed out.
// The AI detector treats this as "contributes nothing".
var ErrUnavailable = errors.New("insight service unavailable")

// Request is one structured-output generation request
type Request struct {
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Temperature  float32
}

// Response carries generated content plus generation metadata
type Response struct {
	Content      string
	ModelVersion string
	PromptTokens int
	Truncated    bool
}

// Generator is the AI collaborator contract
type Generator interface {
	Generate(ctx context.Context, tenantID, userID string, req Request) (*Response, error)
	Available(ctx context.Context) bool
}

// OpenAIGenerator implements Generator on the OpenAI chat-completion API
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

func NewOpenAIGenerator(cfg Config, logger *slog.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Available reports whether the client is configured. The actual endpoint
// health is discovered on first call; a failed call degrades the detector.
func (g *OpenAIGenerator) Available(ctx context.Context) bool {
	return g.client != nil
}

// Generate runs a chat completion bounded by the configured timeout
func (g *OpenAIGenerator) Generate(ctx context.Context, tenantID, userID string, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	chatReq := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		User: fmt.Sprintf("%s/%s", tenantID, userID),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}

	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timeout after %s", ErrUnavailable, g.timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrUnavailable)
	}

	choice := resp.Choices[0]
	g.logger.Debug("insight generation complete",
		"model", g.model,
		"tenant", tenantID,
		"finish_reason", choice.FinishReason,
		"prompt_tokens", resp.Usage.PromptTokens)

	return &Response{
		Content:      choice.Message.Content,
		ModelVersion: resp.Model,
		PromptTokens: resp.Usage.PromptTokens,
		Truncated:    choice.FinishReason == openai.FinishReasonLength,
	}, nil
}
