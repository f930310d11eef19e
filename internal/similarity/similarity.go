// Package similarity decides whether a proposed bullet duplicates or
// contradicts an existing one.
//
// Three tiers run in order: trimmed exact equality, normalized content hash,
// and embedding cosine similarity. The embedding tier is skipped when no
// provider is configured or the provider fails; that outcome is reported as
// "no match", never as an error.
package similarity

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/playbookd/internal/embeddings"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

// Verdict is the outcome of a similarity check.
type Verdict string

const (
	VerdictNone      Verdict = "none"
	VerdictDuplicate Verdict = "duplicate"
	VerdictConflict  Verdict = "conflict"
)

// Tier names the check that produced a match.
type Tier string

const (
	TierExact     Tier = "exact"
	TierHash      Tier = "hash"
	TierEmbedding Tier = "embedding"
)

// Candidate is the text and polarity being checked.
type Candidate struct {
	Content  string
	Category string
	Kind     playbook.Kind
	Tags     []string
}

// Match is the result of a check. MatchID is empty for VerdictNone.
type Match struct {
	Verdict    Verdict
	MatchID    string
	Similarity float64
	Tier       Tier
}

// Checker checks a candidate against existing bullets.
type Checker interface {
	Check(ctx context.Context, c Candidate, existing []*playbook.Bullet) Match
}

// Config tunes the service.
type Config struct {
	// Threshold is the minimum cosine similarity for the embedding tier.
	Threshold float64 `koanf:"threshold"`

	// BatchSize is the number of texts per BatchEmbed call in Prepare.
	BatchSize int `koanf:"batch_size"`

	// Concurrency bounds parallel BatchEmbed calls in Prepare.
	Concurrency int `koanf:"concurrency"`
}

// DefaultConfig returns the default similarity settings.
func DefaultConfig() Config {
	return Config{Threshold: 0.85, BatchSize: 64, Concurrency: 2}
}

// Service implements Checker over an embedding provider and cache.
type Service struct {
	provider embeddings.Provider
	cache    *Cache
	cfg      Config
	logger   *zap.Logger
	metrics  *embeddings.Metrics
	offline  bool

	warnOnce *sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records cache hits and misses for embedding lookups.
func WithMetrics(m *embeddings.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a similarity service. provider may be nil or the
// disabled provider; cache may be nil.
func NewService(provider embeddings.Provider, cache *Cache, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		model := ""
		if provider != nil {
			model = provider.Model()
		}
		cache = NewCache(model)
	}
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	s := &Service{
		provider: provider,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		warnOnce: &sync.Once{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Offline returns a view that answers embedding lookups from the cache only.
// Use it while holding the store lock.
func (s *Service) Offline() *Service {
	c := *s
	c.offline = true
	return &c
}

// Cache returns the embedding cache.
func (s *Service) Cache() *Cache {
	return s.cache
}

// EmbeddingsEnabled reports whether the embedding tier can run at all.
func (s *Service) EmbeddingsEnabled() bool {
	return !embeddings.IsDisabled(s.provider)
}

// Prepare embeds every text and bullet whose vector is not cached yet, in
// concurrent batches. Errors are returned so the caller can log them; the
// service still works without the missing vectors.
func (s *Service) Prepare(ctx context.Context, texts []string, bullets []*playbook.Bullet) error {
	if !s.EmbeddingsEnabled() || s.offline {
		return nil
	}

	seen := make(map[string]bool)
	var hashes, pending []string
	add := func(text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		h := playbook.ContentHash(text)
		if seen[h] {
			return
		}
		seen[h] = true
		_, hit := s.cache.Get(h)
		s.metrics.RecordCacheLookup(ctx, hit)
		if hit {
			return
		}
		hashes = append(hashes, h)
		pending = append(pending, text)
	}
	for _, b := range bullets {
		if b.Servable() && len(b.Embedding) == 0 {
			add(b.Content)
		}
	}
	for _, t := range texts {
		add(t)
	}
	if len(pending) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for start := 0; start < len(pending); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(pending))
		batch, batchHashes := pending[start:end], hashes[start:end]
		g.Go(func() error {
			vecs, err := s.provider.BatchEmbed(gctx, batch)
			if err != nil {
				return err
			}
			for i, v := range vecs {
				s.cache.Put(batchHashes[i], v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Debug("embedded texts for similarity", zap.Int("count", len(pending)))
	return nil
}

// Check runs the three tiers against the servable bullets in existing.
func (s *Service) Check(ctx context.Context, c Candidate, existing []*playbook.Bullet) Match {
	content := strings.TrimSpace(c.Content)
	if content == "" {
		return Match{Verdict: VerdictNone}
	}

	live := make([]*playbook.Bullet, 0, len(existing))
	for _, b := range existing {
		if b.Servable() {
			live = append(live, b)
		}
	}

	for _, b := range live {
		if strings.TrimSpace(b.Content) == content {
			return Match{Verdict: VerdictDuplicate, MatchID: b.ID, Similarity: 1, Tier: TierExact}
		}
	}

	hash := playbook.ContentHash(content)
	for _, b := range live {
		if b.Hash() == hash {
			return Match{Verdict: VerdictDuplicate, MatchID: b.ID, Similarity: 1, Tier: TierHash}
		}
	}

	if !s.EmbeddingsEnabled() || len(live) == 0 {
		return Match{Verdict: VerdictNone}
	}
	cv, ok := s.vector(ctx, content, hash, nil)
	if !ok {
		return Match{Verdict: VerdictNone}
	}

	var (
		best    *playbook.Bullet
		bestSim float64
	)
	for _, b := range live {
		bv, ok := s.vector(ctx, b.Content, b.Hash(), b.Embedding)
		if !ok {
			continue
		}
		if sim := CosineSimilarity(cv, bv); sim > bestSim {
			best, bestSim = b, sim
		}
	}
	if best == nil || bestSim < s.cfg.Threshold {
		return Match{Verdict: VerdictNone, Similarity: bestSim}
	}

	candKind := c.Kind
	if candKind == "" {
		candKind = playbook.KindRule
	}
	if candKind == best.Kind {
		return Match{Verdict: VerdictDuplicate, MatchID: best.ID, Similarity: bestSim, Tier: TierEmbedding}
	}
	if overlaps(c, best) {
		return Match{Verdict: VerdictConflict, MatchID: best.ID, Similarity: bestSim, Tier: TierEmbedding}
	}
	return Match{Verdict: VerdictNone, Similarity: bestSim}
}

// vector resolves an embedding from the cache, the bullet's stored vector or
// the provider, in that order.
func (s *Service) vector(ctx context.Context, text, hash string, stored []float32) ([]float32, bool) {
	v, ok := s.cache.Get(hash)
	s.metrics.RecordCacheLookup(ctx, ok)
	if ok {
		return v, true
	}
	if len(stored) > 0 {
		return stored, true
	}
	if s.offline {
		return nil, false
	}
	v, err := s.provider.Embed(ctx, text)
	if err != nil {
		if !errors.Is(err, embeddings.ErrDisabled) {
			s.warnOnce.Do(func() {
				s.logger.Warn("embedding unavailable, using exact and hash matching only", zap.Error(err))
			})
		}
		return nil, false
	}
	s.cache.Put(hash, v)
	return v, true
}

// overlaps reports whether the candidate and bullet share a category or tag.
func overlaps(c Candidate, b *playbook.Bullet) bool {
	if c.Category != "" && strings.EqualFold(c.Category, b.Category) {
		return true
	}
	for _, t := range c.Tags {
		for _, bt := range b.Tags {
			if strings.EqualFold(t, bt) {
				return true
			}
		}
	}
	return false
}

// CosineSimilarity returns the cosine of the angle between two vectors, or 0
// for mismatched or zero-length input.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, ma, mb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		ma += x * x
		mb += y * y
	}
	if ma == 0 || mb == 0 {
		return 0
	}
	return dot / (math.Sqrt(ma) * math.Sqrt(mb))
}
