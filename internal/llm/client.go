// Package llm provides the narrow chat-completion client interface the
// agents consume, with Ollama and Gemini backends and transport-level
// retries.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"

	"classifica/internal/config"
	"classifica/internal/logging"
)

// ErrTransport marks failures worth retrying (connection refused, timeouts,
// 5xx). Content and validation failures are never wrapped with it.
var ErrTransport = errors.New("llm: transport failure")

// Request is a single completion request.
type Request struct {
	Prompt      string
	System      string
	Stop        []string
	Temperature float64
	MaxTokens   int
}

// Response carries the completion text and the token accounting the backend
// reported, when it reports any.
type Response struct {
	Text       string
	TokensUsed int
	Model      string
}

// Client is the minimal interface agents call. Implementations must be safe
// for concurrent use.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// New builds a provider-specific client wrapped with retries.
func New(cfg config.LLMConfig) (Client, error) {
	var inner Client
	switch cfg.Provider {
	case "ollama", "":
		inner = NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Timeout)
	case "gemini":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: gemini provider requires an API key")
		}
		inner = NewGeminiClient(cfg.APIKey, cfg.Model, cfg.Timeout)
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", cfg.Provider)
	}
	return WithRetry(inner, cfg.MaxRetries), nil
}

// retryClient retries Generate on transport errors with exponential backoff.
type retryClient struct {
	inner      Client
	maxRetries int
	logger     *zap.Logger
}

// WithRetry wraps a client with up-to-maxRetries retries on ErrTransport.
// Content errors pass through untouched.
func WithRetry(inner Client, maxRetries int) Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &retryClient{inner: inner, maxRetries: maxRetries, logger: logging.For("llm")}
}

func (c *retryClient) Generate(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
			c.logger.Warn("retrying llm call",
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))
		}

		resp, err := c.inner.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransport) {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("llm: %d attempts failed: %w", c.maxRetries, lastErr)
}

// transportErr classifies an HTTP round-trip failure as retryable.
func transportErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	// Connection-level failures from the http package wrap net errors; treat
	// everything that is not a content error as transport here.
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

func statusErr(status int, body string) error {
	if status >= 500 {
		return fmt.Errorf("%w: status %d: %s", ErrTransport, status, body)
	}
	return fmt.Errorf("llm: status %d: %s", status, body)
}
