package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrDisabled is returned by the provider configured with model "none".
	ErrDisabled = errors.New("embeddings disabled")
)

// ModelNone disables embedding entirely.
const ModelNone = "none"

// Provider generates embeddings.
type Provider interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// BatchEmbed returns one vector per text, in order.
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Model returns the model name.
	Model() string
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is "fastembed" (default), "tei" or "none".
	Provider string `koanf:"provider"`
	// Model is the embedding model name, or "none".
	Model string `koanf:"model"`
	// BaseURL is the TEI URL (tei only).
	BaseURL string `koanf:"base_url"`
	// CacheDir is the model cache directory (fastembed only).
	CacheDir string `koanf:"cache_dir"`
	// Timeout bounds a single HTTP request (tei only).
	Timeout time.Duration `koanf:"timeout"`
}

// Disabled reports whether the configuration turns embeddings off.
func (c ProviderConfig) Disabled() bool {
	return strings.EqualFold(c.Model, ModelNone) || strings.EqualFold(c.Provider, ModelNone)
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Disabled() {
		return Disabled{}, nil
	}
	switch cfg.Provider {
	case "fastembed", "":
		p, err := NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
		if err != nil {
			return nil, err
		}
		return Instrument(p, "fastembed", NewMetrics(logger)), nil
	case "tei":
		svc, err := NewService(Config{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return Instrument(svc, "tei", NewMetrics(logger)), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// IsDisabled reports whether p is nil or the disabled provider.
func IsDisabled(p Provider) bool {
	if p == nil {
		return true
	}
	_, ok := p.(Disabled)
	return ok
}

// Disabled is the provider for model "none". Every call fails with ErrDisabled.
type Disabled struct{}

func (Disabled) Embed(context.Context, string) ([]float32, error)          { return nil, ErrDisabled }
func (Disabled) BatchEmbed(context.Context, []string) ([][]float32, error) { return nil, ErrDisabled }
func (Disabled) Dimension() int                                           { return 0 }
func (Disabled) Model() string                                            { return ModelNone }
func (Disabled) Close() error                                             { return nil }

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384 if model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	switch {
	case strings.Contains(model, "base"):
		return 768
	case strings.Contains(model, "large"):
		return 1024
	default:
		return 384
	}
}

// knownDimensions maps supported model names to their vector size.
var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"fast-bge-small-en-v1.5":                 384,
	"fast-bge-base-en-v1.5":                  768,
	"fast-all-MiniLM-L6-v2":                  384,
}
