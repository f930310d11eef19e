// Package llm talks to the Anthropic Messages API on behalf of the
// reflection loop (delta generation) and the evidence gate (rule judging).
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-haiku-4-5"

var (
	// ErrAPIKeyRequired is returned when no key is configured or in the environment.
	ErrAPIKeyRequired = errors.New("API key required")
	// ErrEmptyResponse is returned when the model answers without text.
	ErrEmptyResponse = errors.New("empty model response")
)

// Config configures the Anthropic client.
type Config struct {
	APIKey            string        `koanf:"api_key"`
	Model             string        `koanf:"model"`
	BaseURL           string        `koanf:"base_url"`
	MaxTokens         int64         `koanf:"max_tokens"`
	Timeout           time.Duration `koanf:"timeout"`
	MaxRetries        int           `koanf:"max_retries"`
	RetryInitial      time.Duration `koanf:"retry_initial"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
}

// DefaultConfig returns conservative client settings.
func DefaultConfig() Config {
	return Config{
		Model:             DefaultModel,
		MaxTokens:         4096,
		Timeout:           60 * time.Second,
		MaxRetries:        3,
		RetryInitial:      time.Second,
		RequestsPerSecond: 1,
		Burst:             3,
	}
}

// Client sends single-turn prompts and returns the text reply.
type Client struct {
	api          anthropic.Client
	model        anthropic.Model
	maxTokens    int64
	timeout      time.Duration
	maxRetries   int
	retryInitial time.Duration
	limiter      *rate.Limiter
	logger       *zap.Logger
	metrics      *Metrics
}

// New creates a client. ANTHROPIC_API_KEY is used when cfg.APIKey is empty.
// Extra request options are applied last, which lets tests point the client
// at a local server.
func New(cfg Config, logger *zap.Logger, opts ...option.RequestOption) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or llm.api_key", ErrAPIKeyRequired)
	}

	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	// Retries are ours, so the SDK's own retry loop is switched off.
	reqOpts := []option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	return &Client{
		api:          anthropic.NewClient(reqOpts...),
		model:        anthropic.Model(cfg.Model),
		maxTokens:    cfg.MaxTokens,
		timeout:      cfg.Timeout,
		maxRetries:   cfg.MaxRetries,
		retryInitial: cfg.RetryInitial,
		limiter:      rate.NewLimiter(limit, cfg.Burst),
		logger:       logger,
		metrics:      NewMetrics(logger),
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return string(c.model) }

// Complete sends prompt and returns the first text block of the reply.
// Rate limits, overloads and timeouts are retried with exponential backoff.
func (c *Client) Complete(ctx context.Context, operation, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var (
		text     string
		attempts int
	)
	op := func() error {
		attempts++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		start := time.Now()
		msg, err := c.api.Messages.New(callCtx, params)
		cancel()
		c.metrics.RecordCall(ctx, string(c.model), operation, time.Since(start), msg, err)

		if err != nil {
			if ctx.Err() == nil && (isRetryable(err) || errors.Is(err, context.DeadlineExceeded)) {
				c.logger.Debug("anthropic call failed, retrying",
					zap.String("operation", operation),
					zap.Int("attempt", attempts),
					zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				text = block.Text
				return nil
			}
		}
		return backoff.Permanent(ErrEmptyResponse)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx))
	if err != nil {
		return "", fmt.Errorf("%s: anthropic request failed after %d attempt(s): %w", operation, attempts, err)
	}
	return text, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
