package reflection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/secrets"
	"github.com/fyrsmithlabs/playbookd/internal/similarity"
)

// Request is one generation pass.
type Request struct {
	Diary           string
	PlaybookSummary string
	// Previous holds the deltas accumulated by earlier passes.
	Previous  []playbook.Delta
	Iteration int
}

// Generator proposes deltas for a diary.
type Generator interface {
	GenerateDeltas(ctx context.Context, req Request) ([]playbook.Delta, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) ([]playbook.Delta, error)

func (f GeneratorFunc) GenerateDeltas(ctx context.Context, req Request) ([]playbook.Delta, error) {
	return f(ctx, req)
}

// StopReason says why the loop ended.
type StopReason string

const (
	StopNoNewDeltas    StopReason = "no_new_deltas"
	StopMaxIterations  StopReason = "max_iterations"
	StopMaxDeltas      StopReason = "max_deltas"
	StopTimeout        StopReason = "timeout"
	StopGeneratorError StopReason = "generator_error"
)

// Config bounds a reflection.
type Config struct {
	MaxIterations int           `koanf:"max_iterations"`
	MaxDeltas     int           `koanf:"max_deltas"`
	Timeout       time.Duration `koanf:"timeout"`
	// SummaryLimit caps the bullets shown to the generator.
	SummaryLimit int `koanf:"summary_limit"`
}

// DefaultConfig returns the default reflection budget.
func DefaultConfig() Config {
	return Config{MaxIterations: 3, MaxDeltas: 50, Timeout: 2 * time.Minute, SummaryLimit: 200}
}

// Outcome is the result of a reflection.
type Outcome struct {
	Deltas     []playbook.Delta
	Iterations int
	StopReason StopReason
	// Dropped counts deltas discarded as repeats or existing bullets.
	Dropped int
	// Invalid counts deltas that failed validation.
	Invalid int
}

// Loop runs reflections.
type Loop struct {
	gen      Generator
	checker  similarity.Checker
	scrubber *secrets.Scrubber
	cfg      Config
	logger   *zap.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithChecker drops add deltas that duplicate existing bullets.
func WithChecker(c similarity.Checker) Option {
	return func(l *Loop) { l.checker = c }
}

// WithScrubber redacts secrets from the diary before generation.
func WithScrubber(s *secrets.Scrubber) Option {
	return func(l *Loop) { l.scrubber = s }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoop creates a Loop.
func NewLoop(gen Generator, cfg Config, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxDeltas <= 0 {
		cfg.MaxDeltas = def.MaxDeltas
	}
	if cfg.SummaryLimit <= 0 {
		cfg.SummaryLimit = def.SummaryLimit
	}
	l := &Loop{gen: gen, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reflect runs generation passes over diary until one of the stop
// conditions holds. An error is returned only when the first pass fails
// for a reason other than the time budget.
func (l *Loop) Reflect(ctx context.Context, diary string, pb *playbook.Playbook) (Outcome, error) {
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}
	if l.scrubber != nil {
		diary = l.scrubber.String(diary)
	}

	var existing []*playbook.Bullet
	summary := "(empty playbook)\n"
	if pb != nil {
		existing = pb.Servable()
		summary = pb.Summary(l.cfg.SummaryLimit)
	}

	var out Outcome
	seen := make(deltaSet)

	for i := 0; ; i++ {
		if ctx.Err() != nil {
			out.StopReason = StopTimeout
			break
		}

		deltas, err := l.gen.GenerateDeltas(ctx, Request{
			Diary:           diary,
			PlaybookSummary: summary,
			Previous:        slices.Clone(out.Deltas),
			Iteration:       i,
		})
		out.Iterations = i + 1
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				out.StopReason = StopTimeout
				break
			}
			if i == 0 {
				return out, fmt.Errorf("generating deltas: %w", err)
			}
			l.logger.Warn("delta generation failed, keeping earlier passes",
				zap.Int("iteration", i), zap.Error(err))
			out.StopReason = StopGeneratorError
			break
		}

		fresh := 0
		for _, d := range deltas {
			if d == nil {
				continue
			}
			if err := d.Validate(); err != nil {
				out.Invalid++
				l.logger.Debug("dropping invalid delta", zap.String("type", string(d.Type())), zap.Error(err))
				continue
			}
			if !seen.add(d) || l.existingBullet(ctx, d, existing) {
				out.Dropped++
				continue
			}
			out.Deltas = append(out.Deltas, d)
			fresh++
			if len(out.Deltas) >= l.cfg.MaxDeltas {
				break
			}
		}

		l.logger.Debug("reflection pass",
			zap.Int("iteration", i),
			zap.Int("proposed", len(deltas)),
			zap.Int("new", fresh))

		if len(out.Deltas) >= l.cfg.MaxDeltas {
			out.StopReason = StopMaxDeltas
			break
		}
		if fresh == 0 {
			out.StopReason = StopNoNewDeltas
			break
		}
		if i >= l.cfg.MaxIterations-1 {
			out.StopReason = StopMaxIterations
			break
		}
	}

	l.logger.Info("reflection finished",
		zap.Int("deltas", len(out.Deltas)),
		zap.Int("iterations", out.Iterations),
		zap.String("stop", string(out.StopReason)))
	return out, nil
}

func (l *Loop) existingBullet(ctx context.Context, d playbook.Delta, existing []*playbook.Bullet) bool {
	add, ok := d.(playbook.AddDelta)
	if !ok || l.checker == nil || len(existing) == 0 {
		return false
	}
	m := l.checker.Check(ctx, similarity.Candidate{
		Content:  add.Bullet.Content,
		Category: add.Bullet.Category,
		Kind:     add.Bullet.Kind,
		Tags:     add.Bullet.Tags,
	}, existing)
	return m.Verdict == similarity.VerdictDuplicate
}
