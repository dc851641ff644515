package llmclient

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/cortexmind/cortex/internal/config"
)

// GeminiClient implements Client on top of the Google GenAI SDK.
type GeminiClient struct {
	client *genai.Client
	cfg    config.LLMModelConfig
	logger *zap.Logger
}

var _ Client = (*GeminiClient)(nil)

// NewGeminiClient initializes the client for one model tier.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{
		client: client,
		cfg:    cfg,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

func (c *GeminiClient) buildContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}

func (c *GeminiClient) buildConfig(req Request) *genai.GenerateContentConfig {
	gcfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		gcfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}
	gcfg.Temperature = genai.Ptr(temperature)
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if maxTokens > 0 {
		gcfg.MaxOutputTokens = int32(maxTokens)
	}
	return gcfg
}

// Generate calls the model once, retrying transient failures with
// exponential backoff bounded well inside the caller's soft timeout.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	contents := c.buildContents(req)
	gcfg := c.buildConfig(req)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 90 * time.Second
	b.MaxInterval = 15 * time.Second

	var text string
	operation := func() error {
		start := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, contents, gcfg)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("Gemini request failed, retrying", zap.Error(err))
			return err
		}
		text = resp.Text()
		c.logger.Debug("Gemini request completed",
			zap.String("model", c.cfg.Model),
			zap.Duration("duration", time.Since(start)),
			zap.Int("response_chars", len(text)))
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}
	return text, nil
}

// GenerateStream emits the model's response token chunks as they arrive.
func (c *GeminiClient) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	contents := c.buildContents(req)
	gcfg := c.buildConfig(req)

	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(out)
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.cfg.Model, contents, gcfg) {
			if err != nil {
				select {
				case out <- Chunk{Err: fmt.Errorf("gemini stream failed: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case out <- Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
