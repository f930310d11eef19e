// Package config loads playbookd configuration.
//
// Precedence, highest first: PLAYBOOK_* environment variables, the YAML
// file, then the defaults from Default. Each section is the owning
// package's own Config type, so a component never sees a config struct
// it does not understand.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/playbookd/internal/curation"
	"github.com/fyrsmithlabs/playbookd/internal/embeddings"
	"github.com/fyrsmithlabs/playbookd/internal/evidence"
	"github.com/fyrsmithlabs/playbookd/internal/history"
	"github.com/fyrsmithlabs/playbookd/internal/llm"
	"github.com/fyrsmithlabs/playbookd/internal/logging"
	"github.com/fyrsmithlabs/playbookd/internal/reflection"
	"github.com/fyrsmithlabs/playbookd/internal/secrets"
	"github.com/fyrsmithlabs/playbookd/internal/similarity"
	"github.com/fyrsmithlabs/playbookd/internal/telemetry"
)

// Config is the complete configuration.
type Config struct {
	Store      StoreConfig               `koanf:"store"`
	Server     ServerConfig              `koanf:"server"`
	Logging    logging.Config            `koanf:"logging"`
	Curation   curation.Config           `koanf:"curation"`
	Similarity similarity.Config         `koanf:"similarity"`
	Embeddings embeddings.ProviderConfig `koanf:"embeddings"`
	Evidence   evidence.Config           `koanf:"evidence"`
	Reflection reflection.Config         `koanf:"reflection"`
	History    history.Config            `koanf:"history"`
	LLM        LLMConfig                 `koanf:"llm"`
	Secrets    secrets.Config            `koanf:"secrets"`
	Telemetry  telemetry.Config          `koanf:"telemetry"`
}

// StoreConfig locates the on-disk state. File names are relative to Dir
// unless absolute.
type StoreConfig struct {
	Dir            string   `koanf:"dir"`
	Playbook       string   `koanf:"playbook"`
	FeedbackLog    string   `koanf:"feedback_log"`
	BlockList      string   `koanf:"block_list"`
	EmbeddingCache string   `koanf:"embedding_cache"`
	LockTimeout    Duration `koanf:"lock_timeout"`
}

// Path resolves name against Dir.
func (s StoreConfig) Path(name string) string {
	if filepath.IsAbs(name) || s.Dir == "" {
		return name
	}
	return filepath.Join(s.Dir, name)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// Watch reloads the served snapshot when the playbook file changes.
	Watch bool `koanf:"watch"`
	// Gate runs the evidence gate on add deltas in server-side reflection.
	Gate bool `koanf:"gate"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig configures the model client. APIKey is a Secret so it never
// shows up in logs or dumps.
type LLMConfig struct {
	Enabled           bool     `koanf:"enabled"`
	APIKey            Secret   `koanf:"api_key"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	MaxTokens         int64    `koanf:"max_tokens"`
	Timeout           Duration `koanf:"timeout"`
	MaxRetries        int      `koanf:"max_retries"`
	RetryInitial      Duration `koanf:"retry_initial"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
}

// Client converts to the llm package config.
func (c LLMConfig) Client() llm.Config {
	return llm.Config{
		APIKey:            c.APIKey.Value(),
		Model:             c.Model,
		BaseURL:           c.BaseURL,
		MaxTokens:         c.MaxTokens,
		Timeout:           c.Timeout.Duration(),
		MaxRetries:        c.MaxRetries,
		RetryInitial:      c.RetryInitial.Duration(),
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
	}
}

// Default returns the built-in configuration rooted at dir.
func Default(dir string) *Config {
	llmDef := llm.DefaultConfig()
	return &Config{
		Store: StoreConfig{
			Dir:            dir,
			Playbook:       "playbook.json",
			FeedbackLog:    "feedback.jsonl",
			BlockList:      "blocklist.jsonl",
			EmbeddingCache: "embeddings.json",
			LockTimeout:    Duration(10 * time.Second),
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8787,
			ShutdownTimeout: Duration(10 * time.Second),
			Watch:           true,
		},
		Logging:    *logging.NewDefaultConfig(),
		Curation:   curation.DefaultConfig(),
		Similarity: similarity.DefaultConfig(),
		Embeddings: embeddings.ProviderConfig{
			Provider: "fastembed",
			Model:    "BAAI/bge-small-en-v1.5",
			Timeout:  30 * time.Second,
		},
		Evidence:   evidence.DefaultConfig(),
		Reflection: reflection.DefaultConfig(),
		History:    history.DefaultConfig(filepath.Join(dir, "history")),
		LLM: LLMConfig{
			Enabled:           true,
			Model:             llmDef.Model,
			MaxTokens:         llmDef.MaxTokens,
			Timeout:           Duration(llmDef.Timeout),
			MaxRetries:        llmDef.MaxRetries,
			RetryInitial:      Duration(llmDef.RetryInitial),
			RequestsPerSecond: llmDef.RequestsPerSecond,
			Burst:             llmDef.Burst,
		},
		Secrets:   secrets.DefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
}

// Validate checks ranges across sections.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Dir == "" {
		errs = append(errs, errors.New("store.dir is required"))
	}
	if c.Store.Playbook == "" {
		errs = append(errs, errors.New("store.playbook is required"))
	}
	if c.Store.LockTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("store.lock_timeout must be positive"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Curation.Scoring.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("curation.scoring: %w", err))
	}
	if c.Curation.StaleDays < 0 {
		errs = append(errs, errors.New("curation.stale_days cannot be negative"))
	}
	if t := c.Similarity.Threshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("similarity.threshold must be in (0,1], got %v", t))
	}
	th := c.Evidence.Thresholds
	if th.RejectFailureRatio < 0 || th.RejectFailureRatio > 1 || th.AcceptSuccessRatio < 0 || th.AcceptSuccessRatio > 1 {
		errs = append(errs, errors.New("evidence ratios must be between 0 and 1"))
	}
	if c.Reflection.MaxIterations < 1 {
		errs = append(errs, errors.New("reflection.max_iterations must be at least 1"))
	}
	if c.Reflection.MaxDeltas < 1 {
		errs = append(errs, errors.New("reflection.max_deltas must be at least 1"))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
