// Package evidence decides whether a proposed rule is supported by past
// sessions before it is added to the playbook.
//
// A cheap lexicon pass over historical snippets settles clear cases. Only
// ambiguous rules reach the optional Reasoner, and any failure along the
// way degrades to Ambiguous so the rule goes to manual review.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/history"
)

// Verdict is the gate's decision about a proposed rule.
type Verdict string

const (
	VerdictAccept            Verdict = "ACCEPT"
	VerdictReject            Verdict = "REJECT"
	VerdictAmbiguous         Verdict = "AMBIGUOUS"
	VerdictAcceptWithCaution Verdict = "ACCEPT_WITH_CAUTION"
)

// Decision is what an external reasoner may answer.
type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionReject Decision = "REJECT"
	DecisionRefine Decision = "REFINE"
)

// ErrInvalidDecision is returned when a reasoner answers outside the
// Decision set.
var ErrInvalidDecision = errors.New("invalid reasoner decision")

// Judgement is a reasoner's answer.
type Judgement struct {
	Decision    Decision `json:"decision"`
	RefinedRule string   `json:"refinedRule,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// Reasoner is the expensive fallback consulted for ambiguous rules.
type Reasoner interface {
	Judge(ctx context.Context, rule string, evidence []history.Hit) (Judgement, error)
}

// Thresholds tune the heuristic pass.
type Thresholds struct {
	MinFailures        int     `koanf:"min_failures"`
	RejectFailureRatio float64 `koanf:"reject_failure_ratio"`
	MinSuccesses       int     `koanf:"min_successes"`
	AcceptSuccessRatio float64 `koanf:"accept_success_ratio"`
}

// DefaultThresholds returns the default heuristic thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinFailures:        3,
		RejectFailureRatio: 0.7,
		MinSuccesses:       5,
		AcceptSuccessRatio: 0.8,
	}
}

// Result is the outcome of evaluating one rule.
type Result struct {
	Verdict      Verdict  `json:"verdict"`
	Confidence   float64  `json:"confidence"`
	SuccessCount int      `json:"successCount"`
	FailureCount int      `json:"failureCount"`
	Keywords     []string `json:"keywords,omitempty"`
	// RefinedRule is set for VerdictAcceptWithCaution.
	RefinedRule string `json:"refinedRule,omitempty"`
	Reason      string `json:"reason,omitempty"`
	// Unavailable is set when history could not be searched.
	Unavailable *history.Unavailable `json:"unavailable,omitempty"`
	// Reasoned reports whether the reasoner was consulted.
	Reasoned bool `json:"reasoned,omitempty"`
}

// Classify applies the heuristic thresholds to evidence snippets.
func Classify(rule string, evidence []history.Hit, th Thresholds) Result {
	res := Result{Verdict: VerdictAmbiguous}
	for _, hit := range evidence {
		switch ClassifySnippet(hit.Snippet) {
		case OutcomeSuccess:
			res.SuccessCount++
		case OutcomeFailure:
			res.FailureCount++
		}
	}

	total := res.SuccessCount + res.FailureCount
	if total == 0 {
		res.Reason = "no classified evidence"
		return res
	}
	failureRatio := float64(res.FailureCount) / float64(total)
	successRatio := float64(res.SuccessCount) / float64(total)

	switch {
	case res.FailureCount >= th.MinFailures && failureRatio >= th.RejectFailureRatio:
		res.Verdict = VerdictReject
		res.Confidence = failureRatio
		res.Reason = fmt.Sprintf("%d of %d snippets indicate failure", res.FailureCount, total)
	case res.SuccessCount >= th.MinSuccesses && successRatio >= th.AcceptSuccessRatio:
		res.Verdict = VerdictAccept
		res.Confidence = successRatio
		res.Reason = fmt.Sprintf("%d of %d snippets indicate success", res.SuccessCount, total)
	default:
		res.Reason = fmt.Sprintf("mixed evidence: %d success, %d failure", res.SuccessCount, res.FailureCount)
	}
	return res
}

// Config controls a Gate.
type Config struct {
	Thresholds    `koanf:",squash"`
	MaxKeywords   int           `koanf:"max_keywords"`
	MaxSnippets   int           `koanf:"max_snippets"`
	SearchTimeout time.Duration `koanf:"search_timeout"`
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds:    DefaultThresholds(),
		MaxKeywords:   5,
		MaxSnippets:   20,
		SearchTimeout: 5 * time.Second,
	}
}

// Gate evaluates proposed rules. It never touches the playbook.
type Gate struct {
	searcher history.Searcher
	reasoner Reasoner
	cfg      Config
	logger   *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithReasoner sets the fallback for ambiguous rules.
func WithReasoner(r Reasoner) Option {
	return func(g *Gate) { g.reasoner = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGate creates a gate. A nil searcher makes every rule ambiguous.
func NewGate(searcher history.Searcher, cfg Config, opts ...Option) *Gate {
	if cfg.MaxKeywords <= 0 {
		cfg.MaxKeywords = 5
	}
	if cfg.MaxSnippets <= 0 {
		cfg.MaxSnippets = 20
	}
	g := &Gate{searcher: searcher, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate searches history for the rule's keywords, classifies the
// snippets and consults the reasoner when the heuristic is inconclusive.
func (g *Gate) Evaluate(ctx context.Context, rule string) Result {
	keywords := ExtractKeywords(rule, g.cfg.MaxKeywords)
	if len(keywords) == 0 {
		return Result{Verdict: VerdictAmbiguous, Reason: "no keywords"}
	}
	if g.searcher == nil {
		return Result{
			Verdict:     VerdictAmbiguous,
			Keywords:    keywords,
			Reason:      "history search not configured",
			Unavailable: &history.Unavailable{Reason: history.ReasonDisabled},
		}
	}

	found := g.searcher.SearchHistory(ctx, strings.Join(keywords, " "), history.Options{
		Limit:   g.cfg.MaxSnippets,
		Timeout: g.cfg.SearchTimeout,
	})
	if !found.Available() {
		g.logger.Debug("history unavailable, rule needs manual review",
			zap.String("reason", string(found.Unavailable.Reason)))
		return Result{
			Verdict:     VerdictAmbiguous,
			Keywords:    keywords,
			Reason:      found.Unavailable.Error(),
			Unavailable: found.Unavailable,
		}
	}

	var evidence []history.Hit
	for _, hit := range found.Hits {
		if mentionsAny(hit.Snippet, keywords) {
			evidence = append(evidence, hit)
		}
	}

	res := Classify(rule, evidence, g.cfg.Thresholds)
	res.Keywords = keywords
	if res.Verdict != VerdictAmbiguous || g.reasoner == nil {
		return res
	}
	return g.reason(ctx, rule, evidence, res)
}

func (g *Gate) reason(ctx context.Context, rule string, evidence []history.Hit, res Result) Result {
	j, err := g.reasoner.Judge(ctx, rule, evidence)
	if err != nil {
		g.logger.Warn("reasoner failed, rule needs manual review", zap.Error(err))
		res.Reason = fmt.Sprintf("reasoner failed: %v", err)
		return res
	}
	res.Reasoned = true
	if j.Reason != "" {
		res.Reason = j.Reason
	}
	switch j.Decision {
	case DecisionAccept:
		res.Verdict = VerdictAccept
	case DecisionReject:
		res.Verdict = VerdictReject
	case DecisionRefine:
		if strings.TrimSpace(j.RefinedRule) == "" {
			res.Reason = "reasoner refined without a rule"
			return res
		}
		res.Verdict = VerdictAcceptWithCaution
		res.RefinedRule = strings.TrimSpace(j.RefinedRule)
	default:
		g.logger.Warn("reasoner returned unknown decision", zap.String("decision", string(j.Decision)))
		res.Reason = fmt.Sprintf("%v: %q", ErrInvalidDecision, j.Decision)
	}
	return res
}
