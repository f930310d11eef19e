package evidence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/playbookd/internal/history"
)

func hits(snippets ...string) []history.Hit {
	out := make([]history.Hit, len(snippets))
	for i, s := range snippets {
		out[i] = history.Hit{SessionPath: "s.md", Snippet: s, Score: 0.9}
	}
	return out
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func TestExtractKeywords(t *testing.T) {
	kw := ExtractKeywords("Always use prepared statements for SQL queries; prepared statements stop injection.", 3)
	assert.Equal(t, []string{"prepared", "statements", "injection"}, kw)

	assert.Empty(t, ExtractKeywords("to be or not", 5))
	assert.Len(t, ExtractKeywords("alpha beta gamma delta epsilon zeta", 0), 6)
}

func TestExtractKeywordsNonASCII(t *testing.T) {
	kw := ExtractKeywords("Überprüfe Datenbankverbindungen; Datenbankverbindungen brauchen Zeitlimits", 0)
	assert.Equal(t, []string{"datenbankverbindungen", "brauchen", "zeitlimits", "überprüfe"}, kw)

	assert.Equal(t, []string{"数据库"}, ExtractKeywords("数据库", 0))
	assert.Empty(t, ExtractKeywords("öl öl", 5), "length counts runes, not bytes")
}

func TestClassifySnippet(t *testing.T) {
	tests := []struct {
		name    string
		snippet string
		want    Outcome
	}{
		{"success", "Switched to pgx and the tests passed, bug fixed.", OutcomeSuccess},
		{"failure", "The build failed with an error and crashed.", OutcomeFailure},
		{"negation", "Retrying the migration didn't help, it still doesn't work.", OutcomeFailure},
		{"curly apostrophe", "That change didn’t work.", OutcomeFailure},
		{"neutral", "Read the config file.", OutcomeNeutral},
		{"tie", "It failed once then worked.", OutcomeNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifySnippet(tt.snippet))
		})
	}
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds()

	t.Run("reject on dominant failures", func(t *testing.T) {
		ev := append(repeat("deploy failed with error", 3), "deploy fixed")
		res := Classify("rule", hits(ev...), th)
		assert.Equal(t, VerdictReject, res.Verdict)
		assert.Equal(t, 3, res.FailureCount)
		assert.Equal(t, 1, res.SuccessCount)
		assert.InDelta(t, 0.75, res.Confidence, 1e-9)
	})

	t.Run("too few failures stays ambiguous", func(t *testing.T) {
		res := Classify("rule", hits(repeat("it crashed", 2)...), th)
		assert.Equal(t, VerdictAmbiguous, res.Verdict)
	})

	t.Run("accept on dominant successes", func(t *testing.T) {
		res := Classify("rule", hits(repeat("resolved and tests passed", 5)...), th)
		assert.Equal(t, VerdictAccept, res.Verdict)
		assert.InDelta(t, 1.0, res.Confidence, 1e-9)
	})

	t.Run("success ratio below threshold", func(t *testing.T) {
		ev := append(repeat("fixed", 5), repeat("broken", 2)...)
		res := Classify("rule", hits(ev...), th)
		assert.Equal(t, VerdictAmbiguous, res.Verdict)
		assert.Contains(t, res.Reason, "mixed evidence")
	})

	t.Run("no evidence", func(t *testing.T) {
		res := Classify("rule", nil, th)
		assert.Equal(t, VerdictAmbiguous, res.Verdict)
		assert.Zero(t, res.Confidence)
	})
}

type stubSearcher struct {
	result history.Result
	query  string
}

func (s *stubSearcher) SearchHistory(_ context.Context, query string, _ history.Options) history.Result {
	s.query = query
	return s.result
}

type stubReasoner struct {
	j     Judgement
	err   error
	calls int
}

func (r *stubReasoner) Judge(context.Context, string, []history.Hit) (Judgement, error) {
	r.calls++
	return r.j, r.err
}

func TestGate_HeuristicSkipsReasoner(t *testing.T) {
	s := &stubSearcher{result: history.Result{Hits: hits(repeat("docker cache failed, error again", 4)...)}}
	r := &stubReasoner{j: Judgement{Decision: DecisionAccept}}
	g := NewGate(s, DefaultConfig(), WithReasoner(r))

	res := g.Evaluate(context.Background(), "Pin the docker cache image")
	assert.Equal(t, VerdictReject, res.Verdict)
	assert.Zero(t, r.calls)
	assert.Contains(t, s.query, "docker")
}

func TestGate_FiltersUnrelatedSnippets(t *testing.T) {
	ev := append(repeat("docker error", 3), repeat("kubernetes fixed", 5)...)
	s := &stubSearcher{result: history.Result{Hits: hits(ev...)}}
	g := NewGate(s, DefaultConfig())

	res := g.Evaluate(context.Background(), "docker")
	assert.Equal(t, VerdictReject, res.Verdict)
	assert.Equal(t, 0, res.SuccessCount)
}

func TestGate_ReasonerMapping(t *testing.T) {
	tests := []struct {
		name        string
		judgement   Judgement
		err         error
		wantVerdict Verdict
		wantRefined string
	}{
		{"accept", Judgement{Decision: DecisionAccept}, nil, VerdictAccept, ""},
		{"reject", Judgement{Decision: DecisionReject}, nil, VerdictReject, ""},
		{"refine", Judgement{Decision: DecisionRefine, RefinedRule: " Use pgx pools "}, nil, VerdictAcceptWithCaution, "Use pgx pools"},
		{"refine without text", Judgement{Decision: DecisionRefine}, nil, VerdictAmbiguous, ""},
		{"unknown", Judgement{Decision: "MAYBE"}, nil, VerdictAmbiguous, ""},
		{"error", Judgement{}, errors.New("rate limited"), VerdictAmbiguous, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &stubSearcher{result: history.Result{Hits: hits("pgx fixed", "pgx failed")}}
			r := &stubReasoner{j: tt.judgement, err: tt.err}
			res := NewGate(s, DefaultConfig(), WithReasoner(r)).Evaluate(context.Background(), "prefer pgx")
			assert.Equal(t, 1, r.calls)
			assert.Equal(t, tt.wantVerdict, res.Verdict)
			assert.Equal(t, tt.wantRefined, res.RefinedRule)
		})
	}
}

func TestGate_Unavailable(t *testing.T) {
	r := &stubReasoner{j: Judgement{Decision: DecisionAccept}}

	s := &stubSearcher{result: history.Result{Unavailable: &history.Unavailable{Reason: history.ReasonTimeout}}}
	res := NewGate(s, DefaultConfig(), WithReasoner(r)).Evaluate(context.Background(), "prefer pgx")
	assert.Equal(t, VerdictAmbiguous, res.Verdict)
	require.NotNil(t, res.Unavailable)
	assert.Equal(t, history.ReasonTimeout, res.Unavailable.Reason)
	assert.Zero(t, r.calls)

	res = NewGate(nil, DefaultConfig()).Evaluate(context.Background(), "prefer pgx")
	assert.Equal(t, VerdictAmbiguous, res.Verdict)
	require.NotNil(t, res.Unavailable)
	assert.Equal(t, history.ReasonDisabled, res.Unavailable.Reason)
}
