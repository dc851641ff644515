package llmclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCallTimeout = 150 * time.Second
	retryCallTimeout   = 180 * time.Second

	compactSystemLimit  = 600
	compactContentLimit = 1500
)

// ResilientClient wraps a Client with a soft call timeout and a single retry.
// The retry sends a compacted prompt on the theory that the first attempt
// timed out on input size. A second failure surfaces the error to the caller,
// which is expected to degrade gracefully rather than crash the cycle.
type ResilientClient struct {
	inner       Client
	logger      *zap.Logger
	callTimeout time.Duration
}

// NewResilientClient wraps inner with retry and timeout handling. A zero
// callTimeout selects the default.
func NewResilientClient(inner Client, logger *zap.Logger, callTimeout time.Duration) *ResilientClient {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &ResilientClient{
		inner:       inner,
		logger:      logger.Named("resilient_llm"),
		callTimeout: callTimeout,
	}
}

// Generate performs a bounded call, retrying once with a compacted prompt.
func (c *ResilientClient) Generate(ctx context.Context, req Request) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	text, err := c.inner.Generate(attemptCtx, req)
	cancel()
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	c.logger.Warn("LLM call failed, retrying with compacted prompt", zap.Error(err))

	retryCtx, cancel := context.WithTimeout(ctx, retryCallTimeout)
	defer cancel()
	text, retryErr := c.inner.Generate(retryCtx, compactRequest(req))
	if retryErr != nil {
		return "", fmt.Errorf("llm call failed after retry: %w", retryErr)
	}
	return text, nil
}

// GenerateStream passes through to the inner client with the call timeout
// attached. Streams are not retried: a partial stream has already been
// consumed by the caller, so a mid-stream failure is reported on the channel.
func (c *ResilientClient) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	streamCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	inner, err := c.inner.GenerateStream(streamCtx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer cancel()
		defer close(out)
		for chunk := range inner {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// compactRequest shrinks a request for the retry attempt.
func compactRequest(req Request) Request {
	compact := req
	compact.System = truncateText(req.System, compactSystemLimit)
	compact.Messages = make([]Message, len(req.Messages))
	for i, msg := range req.Messages {
		compact.Messages[i] = Message{
			Role:    msg.Role,
			Content: truncateText(msg.Content, compactContentLimit),
		}
	}
	return compact
}

func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[...truncated]"
}
