package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/playbookd/internal/evidence"
	"github.com/fyrsmithlabs/playbookd/internal/history"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/reflection"
)

type fakeCompleter struct {
	reply   string
	err     error
	prompts []string
	ops     []string
}

func (f *fakeCompleter) Complete(_ context.Context, op, prompt string) (string, error) {
	f.ops = append(f.ops, op)
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func TestGenerator_ParsesDeltas(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	fc := &fakeCompleter{reply: "Sure.\n```json\n" + `[
		{"type":"add","bullet":{"content":"Run go vet","category":"go"}},
		{"type":"helpful","bulletId":"b1"},
		{"type":"teleport","bulletId":"b2"}
	]` + "\n```"}
	g := NewGenerator(fc, zap.New(core))

	deltas, err := g.GenerateDeltas(context.Background(), reflection.Request{
		Diary:           "worked on the linter",
		PlaybookSummary: "- [b1] (RULE, candidate, +0/-0) go: Use gofmt\n",
		Previous:        []playbook.Delta{playbook.HelpfulDelta{BulletID: "b0"}},
		Iteration:       1,
	})
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, playbook.DeltaAdd, deltas[0].Type())
	assert.Equal(t, playbook.DeltaHelpful, deltas[1].Type())
	assert.Equal(t, 1, logs.FilterMessage("model proposed a malformed delta").Len())

	require.Len(t, fc.prompts, 1)
	p := fc.prompts[0]
	assert.Equal(t, "reflect", fc.ops[0])
	assert.Contains(t, p, "worked on the linter")
	assert.Contains(t, p, "Use gofmt")
	assert.Contains(t, p, `"bulletId":"b0"`)
	assert.Contains(t, p, "pass 2")
}

func TestGenerator_Errors(t *testing.T) {
	_, err := NewGenerator(&fakeCompleter{reply: "I have no idea"}, nil).
		GenerateDeltas(context.Background(), reflection.Request{Diary: "d"})
	assert.ErrorIs(t, err, ErrNoJSON)

	boom := errors.New("overloaded")
	_, err = NewGenerator(&fakeCompleter{err: boom}, nil).
		GenerateDeltas(context.Background(), reflection.Request{Diary: "d"})
	assert.ErrorIs(t, err, boom)
}

func TestGenerator_TruncatesLongDiary(t *testing.T) {
	fc := &fakeCompleter{reply: "[]"}
	diary := strings.Repeat("a", maxDiaryChars) + "THE END"
	_, err := NewGenerator(fc, nil).GenerateDeltas(context.Background(), reflection.Request{Diary: diary})
	require.NoError(t, err)
	assert.Contains(t, fc.prompts[0], "THE END")
	assert.Less(t, len(fc.prompts[0]), len(diary)+2000)
}

func TestReasoner_Judge(t *testing.T) {
	fc := &fakeCompleter{reply: `{"decision":"refine","refinedRule":"Use pgx pools for Postgres","reason":"too broad"}`}
	j, err := NewReasoner(fc).Judge(context.Background(), "Use pools", []history.Hit{
		{SessionPath: "s1.md", Snippet: "pool   exhausted\n\nfixed by pgxpool"},
	})
	require.NoError(t, err)
	assert.Equal(t, evidence.DecisionRefine, j.Decision)
	assert.Equal(t, "Use pgx pools for Postgres", j.RefinedRule)
	assert.Contains(t, fc.prompts[0], "(s1.md) pool exhausted fixed by pgxpool")
	assert.Equal(t, "judge", fc.ops[0])
}

func TestReasoner_RejectsUnknownDecision(t *testing.T) {
	fc := &fakeCompleter{reply: `{"decision":"maybe"}`}
	_, err := NewReasoner(fc).Judge(context.Background(), "rule", nil)
	assert.ErrorIs(t, err, evidence.ErrInvalidDecision)
	assert.Contains(t, fc.prompts[0], "(no evidence found)")
}
