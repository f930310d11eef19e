package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/evidence"
	"github.com/fyrsmithlabs/playbookd/internal/history"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/reflection"
)

// Completer is the text completion call the adapters need.
type Completer interface {
	Complete(ctx context.Context, operation, prompt string) (string, error)
}

const (
	maxDiaryChars   = 60000
	maxSnippetChars = 400
	maxJudgeHits    = 10
)

// Generator implements reflection.Generator with a model.
type Generator struct {
	llm    Completer
	logger *zap.Logger
}

// NewGenerator wraps a Completer.
func NewGenerator(c Completer, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{llm: c, logger: logger}
}

// GenerateDeltas asks the model for deltas. Malformed entries in an
// otherwise valid reply are dropped with a warning.
func (g *Generator) GenerateDeltas(ctx context.Context, req reflection.Request) ([]playbook.Delta, error) {
	previous := make([]string, 0, len(req.Previous))
	for _, d := range req.Previous {
		b, err := playbook.MarshalDelta(d)
		if err != nil {
			continue
		}
		previous = append(previous, string(b))
	}

	prompt, err := render(reflectPrompt, struct {
		Summary   string
		Previous  []string
		Iteration int
		Diary     string
	}{req.PlaybookSummary, previous, req.Iteration + 1, truncate(req.Diary, maxDiaryChars)})
	if err != nil {
		return nil, fmt.Errorf("rendering reflect prompt: %w", err)
	}

	reply, err := g.llm.Complete(ctx, "reflect", prompt)
	if err != nil {
		return nil, err
	}
	raw, err := extractJSON(reply, '[', ']')
	if err != nil {
		return nil, fmt.Errorf("parsing deltas: %w", err)
	}
	deltas, bad, err := playbook.DecodeDeltas([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing deltas: %w", err)
	}
	for _, e := range bad {
		g.logger.Warn("model proposed a malformed delta", zap.Int("index", e.Index), zap.Error(e.Err))
	}
	return deltas, nil
}

// Reasoner implements evidence.Reasoner with a model.
type Reasoner struct {
	llm Completer
}

// NewReasoner wraps a Completer.
func NewReasoner(c Completer) *Reasoner {
	return &Reasoner{llm: c}
}

// Judge asks the model whether the evidence supports rule.
func (r *Reasoner) Judge(ctx context.Context, rule string, hits []history.Hit) (evidence.Judgement, error) {
	if len(hits) > maxJudgeHits {
		hits = hits[:maxJudgeHits]
	}
	trimmed := make([]history.Hit, len(hits))
	for i, h := range hits {
		h.Snippet = truncate(strings.Join(strings.Fields(h.Snippet), " "), maxSnippetChars)
		trimmed[i] = h
	}

	prompt, err := render(judgePrompt, struct {
		Rule     string
		Evidence []history.Hit
	}{rule, trimmed})
	if err != nil {
		return evidence.Judgement{}, fmt.Errorf("rendering judge prompt: %w", err)
	}

	reply, err := r.llm.Complete(ctx, "judge", prompt)
	if err != nil {
		return evidence.Judgement{}, err
	}
	raw, err := extractJSON(reply, '{', '}')
	if err != nil {
		return evidence.Judgement{}, fmt.Errorf("parsing judgement: %w", err)
	}
	var j evidence.Judgement
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return evidence.Judgement{}, fmt.Errorf("parsing judgement: %w", err)
	}
	j.Decision = evidence.Decision(strings.ToUpper(strings.TrimSpace(string(j.Decision))))
	switch j.Decision {
	case evidence.DecisionAccept, evidence.DecisionReject, evidence.DecisionRefine:
		return j, nil
	default:
		return evidence.Judgement{}, fmt.Errorf("%w: %q", evidence.ErrInvalidDecision, j.Decision)
	}
}
