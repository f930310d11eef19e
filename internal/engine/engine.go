// Package engine owns the long-lived collaborators (store, logs, embedding
// provider, similarity cache, history index, LLM client) and exposes the
// playbook operations on top of them. Open it once per process, reuse it,
// and Close it on exit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/config"
	"github.com/fyrsmithlabs/playbookd/internal/curation"
	"github.com/fyrsmithlabs/playbookd/internal/embeddings"
	"github.com/fyrsmithlabs/playbookd/internal/evidence"
	"github.com/fyrsmithlabs/playbookd/internal/history"
	"github.com/fyrsmithlabs/playbookd/internal/llm"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/reflection"
	"github.com/fyrsmithlabs/playbookd/internal/secrets"
	"github.com/fyrsmithlabs/playbookd/internal/similarity"
	"github.com/fyrsmithlabs/playbookd/internal/store"
)

var (
	// ErrNoGenerator is returned by Reflect when no delta generator is
	// configured (LLM disabled or no API key).
	ErrNoGenerator = errors.New("no delta generator configured")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine is closed")
)

// Engine wires the playbook components together.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	store     *store.PlaybookStore
	feedback  *store.Log[store.FeedbackRecord]
	blocklist *store.Log[store.BlockRecord]

	provider   embeddings.Provider
	similarity *similarity.Service
	curator    *curation.Curator
	scrubber   *secrets.Scrubber
	index      *history.Index
	searcher   history.Searcher
	gate       *evidence.Gate
	generator  reflection.Generator
	reasoner   evidence.Reasoner

	closed bool
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	now       func() time.Time
	provider  embeddings.Provider
	searcher  history.Searcher
	generator reflection.Generator
	reasoner  evidence.Reasoner
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock used for every timestamp the engine writes.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithProvider uses p instead of building one from config.
func WithProvider(p embeddings.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithSearcher uses s for the evidence gate instead of the history index.
func WithSearcher(s history.Searcher) Option {
	return func(o *options) { o.searcher = s }
}

// WithGenerator uses g for reflection instead of the LLM client.
func WithGenerator(g reflection.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithReasoner uses r for ambiguous evidence instead of the LLM client.
func WithReasoner(r evidence.Reasoner) Option {
	return func(o *options) { o.reasoner = r }
}

// Open builds an engine from cfg. Collaborators that cannot be built
// (no API key, no embedding runtime) are logged and left out; the
// operations that need them degrade or return ErrNoGenerator.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	o := &options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger.With(zap.String("component", "engine"))

	lockTimeout := cfg.Store.LockTimeout.Duration()
	st, err := store.NewPlaybookStore(cfg.Store.Path(cfg.Store.Playbook),
		store.WithLockTimeout(lockTimeout),
		store.WithLogger(o.logger),
		store.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("creating playbook store: %w", err)
	}

	provider := o.provider
	if provider == nil {
		provider, err = embeddings.NewProvider(cfg.Embeddings, o.logger)
		if err != nil {
			logger.Warn("embeddings unavailable, similarity falls back to keyword overlap", zap.Error(err))
			provider = embeddings.Disabled{}
		}
	}

	cache := similarity.LoadCache(cfg.Store.Path(cfg.Store.EmbeddingCache), provider.Model(), o.logger)
	sim := similarity.NewService(provider, cache, cfg.Similarity, o.logger,
		similarity.WithMetrics(embeddings.NewMetrics(o.logger)))

	curator, err := curation.NewCurator(sim, cfg.Curation,
		curation.WithLogger(o.logger),
		curation.WithClock(o.now),
		curation.WithMetrics(curation.NewMetrics(o.logger)))
	if err != nil {
		return nil, fmt.Errorf("creating curator: %w", err)
	}

	scrubber, err := secrets.New(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("creating secret scrubber: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		now:        o.now,
		store:      st,
		feedback:   store.NewLog[store.FeedbackRecord](cfg.Store.Path(cfg.Store.FeedbackLog), lockTimeout, o.logger),
		blocklist:  store.NewLog[store.BlockRecord](cfg.Store.Path(cfg.Store.BlockList), lockTimeout, o.logger),
		provider:   provider,
		similarity: sim,
		curator:    curator,
		scrubber:   scrubber,
		searcher:   o.searcher,
		generator:  o.generator,
		reasoner:   o.reasoner,
	}

	if e.searcher == nil {
		ix, err := history.Open(cfg.History, provider, o.logger)
		if err != nil {
			logger.Warn("history index unavailable", zap.Error(err))
		} else {
			e.index = ix
			e.searcher = ix
		}
	}

	if (e.generator == nil || e.reasoner == nil) && cfg.LLM.Enabled {
		client, err := llm.New(cfg.LLM.Client(), o.logger)
		switch {
		case err != nil:
			logger.Warn("LLM client unavailable, reflection disabled", zap.Error(err))
		default:
			if e.generator == nil {
				e.generator = llm.NewGenerator(client, o.logger)
			}
			if e.reasoner == nil {
				e.reasoner = llm.NewReasoner(client)
			}
		}
	}

	gateOpts := []evidence.Option{evidence.WithLogger(o.logger)}
	if e.reasoner != nil {
		gateOpts = append(gateOpts, evidence.WithReasoner(e.reasoner))
	}
	e.gate = evidence.NewGate(e.searcher, cfg.Evidence, gateOpts...)

	logger.Debug("engine opened",
		zap.String("playbook", st.Path()),
		zap.String("embedding_model", provider.Model()),
		zap.Bool("history", e.searcher != nil),
		zap.Bool("reflection", e.generator != nil))
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Close persists the similarity cache and releases the embedding provider.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	if err := e.saveCache(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if err := e.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing embedding provider: %w", err))
	}
	return errors.Join(errs...)
}

// Init creates the store directory and an empty playbook if missing.
func (e *Engine) Init(ctx context.Context, name string) (bool, error) {
	if err := os.MkdirAll(e.cfg.Store.Dir, 0o755); err != nil {
		return false, fmt.Errorf("creating store directory: %w", err)
	}
	created, err := e.store.Init(ctx, name)
	if err != nil {
		return false, err
	}
	if created {
		e.logger.Info("initialized playbook", zap.String("path", e.store.Path()))
	}
	return created, nil
}

// Playbook loads the current playbook without locking.
func (e *Engine) Playbook(ctx context.Context) (*playbook.Playbook, error) {
	if e.closed {
		return nil, ErrClosed
	}
	return e.store.Load(ctx)
}

// StorePath returns the playbook file path.
func (e *Engine) StorePath() string {
	return e.store.Path()
}

// saveCache drops vectors for content no longer in the playbook and writes
// the cache file.
func (e *Engine) saveCache(ctx context.Context) error {
	if !e.similarity.EmbeddingsEnabled() {
		return nil
	}
	pb, err := e.store.Load(ctx)
	if err == nil {
		keep := make(map[string]bool, len(pb.Bullets))
		for _, b := range pb.Bullets {
			if b.Servable() {
				keep[b.Hash()] = true
			}
		}
		e.similarity.Cache().Retain(keep)
	}
	if err := e.similarity.Cache().Save(ctx, e.cfg.Store.Path(e.cfg.Store.EmbeddingCache), e.cfg.Store.LockTimeout.Duration(), e.logger); err != nil {
		return fmt.Errorf("saving embedding cache: %w", err)
	}
	return nil
}
