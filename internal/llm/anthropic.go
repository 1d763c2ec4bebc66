package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/healthinsight/orchestrator/internal/domain"
)

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	BaseURL string

	// MaxRetries bounds retries of a RATE_LIMITED/transient PROVIDER_ERROR
	// stream-start failure. Default 1, per configuration key
	// llm_provider_retries.
	MaxRetries int

	// RetryDelay is the base exponential-backoff delay. Default 1s.
	RetryDelay time.Duration

	// DefaultModel is used when a Request leaves Model empty.
	DefaultModel string
}

// AnthropicClient is the production Client backend, wrapping
// anthropic-sdk-go's streaming Messages API.
type AnthropicClient struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewAnthropicClient validates cfg, applies defaults, and returns a ready
// client.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: anthropic API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Complete implements Client. It retries a failed stream start up to
// maxRetries times with exponential backoff when the failure classifies as
// RATE_LIMITED or PROVIDER_ERROR, then streams converted chunks until the
// message completes.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (CompletionStream, error) {
	ch := make(chan Chunk)

	go func() {
		defer close(ch)

		params, err := c.buildParams(req)
		if err != nil {
			ch <- Chunk{Err: domain.NewRunError(domain.ErrProviderError, "", err)}
			return
		}

		var stream *anthropicStream
		for attempt := 0; ; attempt++ {
			stream, err = c.startStream(ctx, params)
			if err == nil {
				break
			}
			kind := domain.ClassifyProviderError(err)
			if kind != domain.ErrRateLimited && kind != domain.ErrProviderError {
				ch <- Chunk{Err: domain.NewRunError(kind, "", err)}
				return
			}
			if attempt >= c.maxRetries {
				ch <- Chunk{Err: domain.NewRunError(kind, "", fmt.Errorf("max retries exceeded: %w", err))}
				return
			}
			backoff := time.Duration(float64(c.retryDelay) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				ch <- Chunk{Err: domain.NewRunError(domain.ErrCancelled, "", ctx.Err())}
				return
			case <-time.After(backoff):
			}
		}

		c.drainStream(ctx, stream, ch)
	}()

	return ch, nil
}

func (c *AnthropicClient) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.defaultModel
}

func (c *AnthropicClient) maxTokens(req Request) int64 {
	if req.Budget.MaxTokens > 0 {
		return int64(req.Budget.MaxTokens)
	}
	return 4096
}
