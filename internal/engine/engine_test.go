package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/config"
	"github.com/fyrsmithlabs/playbookd/internal/curation"
	"github.com/fyrsmithlabs/playbookd/internal/embeddings"
	"github.com/fyrsmithlabs/playbookd/internal/evidence"
	"github.com/fyrsmithlabs/playbookd/internal/history"
	"github.com/fyrsmithlabs/playbookd/internal/logging"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/reflection"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var now = time.Date(2026, 7, 15, 10, 0, 0, 0, time.UTC)

type fakeSearcher struct {
	result history.Result
}

func (f fakeSearcher) SearchHistory(context.Context, string, history.Options) history.Result {
	return f.result
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Embeddings.Provider = embeddings.ModelNone
	cfg.LLM.Enabled = false
	return cfg
}

func openEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	e, err := Open(testConfig(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	_, err = e.Init(context.Background(), "test")
	require.NoError(t, err)
	return e
}

func add(content string) playbook.AddDelta {
	return playbook.AddDelta{Bullet: playbook.NewBulletData{Content: content, Category: "testing"}}
}

func repeatGenerator(deltas ...playbook.Delta) reflection.Generator {
	return reflection.GeneratorFunc(func(context.Context, reflection.Request) ([]playbook.Delta, error) {
		return deltas, nil
	})
}

func TestInitIsIdempotent(t *testing.T) {
	e := openEngine(t)
	created, err := e.Init(context.Background(), "test")
	require.NoError(t, err)
	assert.False(t, created)

	pb, err := e.Playbook(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pb.Bullets)
}

func TestCurateAndServe(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)

	res, err := e.Curate(ctx, []playbook.Delta{
		add("Run database migrations inside a transaction"),
		add("Prefer table driven tests for parsers"),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Nil(t, res.Playbook)

	got, err := e.Context(ctx, "database migrations", 5)
	require.NoError(t, err)
	require.Len(t, got.Bullets, 1)
	assert.Contains(t, got.Bullets[0].Bullet.Content, "migrations")

	stats, err := e.Stats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}

func TestCurateDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)

	res, err := e.Curate(ctx, []playbook.Delta{add("Pin tool versions in CI")}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	pb, err := e.Playbook(ctx)
	require.NoError(t, err)
	assert.Empty(t, pb.Bullets)
}

func TestReflectWithoutGenerator(t *testing.T) {
	e := openEngine(t)
	_, err := e.Reflect(context.Background(), ReflectRequest{Diary: "did things"})
	assert.ErrorIs(t, err, ErrNoGenerator)
}

func TestReflectAppliesDeltasAndCountsSession(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, WithGenerator(repeatGenerator(add("Check error returns from Close"))))

	res, err := e.Reflect(ctx, ReflectRequest{Diary: "session diary", SessionPath: "sessions/a.jsonl"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Proposed)
	assert.Equal(t, reflection.StopNoNewDeltas, res.StopReason)
	assert.Equal(t, 1, res.Curation.Applied)

	pb, err := e.Playbook(ctx)
	require.NoError(t, err)
	require.Len(t, pb.Bullets, 1)
	assert.Equal(t, []string{"sessions/a.jsonl"}, pb.Bullets[0].SourceSessions)
	assert.Equal(t, 1, pb.Metadata.TotalReflections)
	assert.Equal(t, 1, pb.Metadata.TotalSessionsProcessed)
	require.NotNil(t, pb.Metadata.LastReflection)
	assert.True(t, pb.Metadata.LastReflection.Equal(now))
}

func TestReflectLogsWithoutDiaryText(t *testing.T) {
	tl := logging.NewTestLogger()
	ctx := logging.WithLogger(context.Background(), tl.Logger)
	e := openEngine(t, WithGenerator(repeatGenerator(add("Pin tool versions in go.mod"))))

	_, err := e.Reflect(ctx, ReflectRequest{Diary: "the deploy key is hunter2", SessionPath: "s.jsonl"})
	require.NoError(t, err)
	tl.AssertLogged(t, zap.InfoLevel, "reflecting on session")
	tl.AssertNoSubstring(t, "hunter2")
}

func TestReflectGateDropsRejectedRules(t *testing.T) {
	ctx := context.Background()
	failing := history.Result{}
	for i := 0; i < 5; i++ {
		failing.Hits = append(failing.Hits, history.Hit{Snippet: "migrations inside a transaction failed with an error"})
	}
	e := openEngine(t,
		WithGenerator(repeatGenerator(add("Run migrations inside a transaction"))),
		WithSearcher(fakeSearcher{result: failing}))

	res, err := e.Reflect(ctx, ReflectRequest{Diary: "diary", Gate: true})
	require.NoError(t, err)
	require.Len(t, res.Gate, 1)
	assert.Equal(t, evidence.VerdictReject, res.Gate[0].Result.Verdict)
	assert.True(t, res.Gate[0].Dropped)
	assert.Equal(t, 0, res.Curation.Applied)

	pb, err := e.Playbook(ctx)
	require.NoError(t, err)
	assert.Empty(t, pb.Bullets)
}

func TestReflectGateTagsAmbiguousRules(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t,
		WithGenerator(repeatGenerator(add("Vendor generated protobuf code"))),
		WithSearcher(fakeSearcher{result: history.Result{
			Unavailable: &history.Unavailable{Reason: history.ReasonIndexMissing},
		}}))

	res, err := e.Reflect(ctx, ReflectRequest{Diary: "diary", Gate: true})
	require.NoError(t, err)
	require.Len(t, res.Gate, 1)
	assert.Equal(t, evidence.VerdictAmbiguous, res.Gate[0].Result.Verdict)

	pb, err := e.Playbook(ctx)
	require.NoError(t, err)
	require.Len(t, pb.Bullets, 1)
	assert.Contains(t, pb.Bullets[0].Tags, UnverifiedTag)
}

func TestMarkRecordsFeedbackLog(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	_, err := e.Curate(ctx, []playbook.Delta{add("Use context deadlines on outbound calls")}, false)
	require.NoError(t, err)
	pb, err := e.Playbook(ctx)
	require.NoError(t, err)
	id := pb.Bullets[0].ID

	_, err = e.Mark(ctx, MarkRequest{BulletID: id, Type: playbook.FeedbackHelpful, Context: "saved a hung request"})
	require.NoError(t, err)
	_, err = e.Mark(ctx, MarkRequest{BulletID: id, Type: playbook.FeedbackHarmful, Reason: playbook.ReasonWastedTime})
	require.NoError(t, err)

	recs, err := e.FeedbackLog(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, playbook.FeedbackHelpful, recs[0].Type)
	assert.Equal(t, playbook.FeedbackHarmful, recs[1].Type)
	assert.Equal(t, playbook.ReasonWastedTime, recs[1].Reason)

	pb, err = e.Playbook(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pb.Bullets[0].HelpfulCount)
	assert.Equal(t, 1, pb.Bullets[0].HarmfulCount)
}

func TestMarkUnknownBullet(t *testing.T) {
	e := openEngine(t)
	_, err := e.Mark(context.Background(), MarkRequest{BulletID: "missing", Type: playbook.FeedbackHelpful})
	assert.ErrorIs(t, err, playbook.ErrBulletNotFound)

	_, err = e.Mark(context.Background(), MarkRequest{BulletID: "x", Type: "meh"})
	assert.Error(t, err)
}

func TestForgetBlocksReAdd(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	content := "Disable the race detector to speed up tests"
	_, err := e.Curate(ctx, []playbook.Delta{add(content)}, false)
	require.NoError(t, err)
	pb, err := e.Playbook(ctx)
	require.NoError(t, err)

	forgotten, err := e.Forget(ctx, pb.Bullets[0].ID, "bad advice")
	require.NoError(t, err)
	assert.True(t, forgotten.Deprecated)

	blocked, err := e.Blocked(ctx)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, forgotten.Hash(), blocked[0].ContentHash)

	res, err := e.Curate(ctx, []playbook.Delta{add(content)}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 1, res.Skipped)

	pb, err = e.Playbook(ctx)
	require.NoError(t, err)
	assert.Len(t, pb.Bullets, 1)
}

func TestInvertPersistsPair(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)
	_, err := e.Curate(ctx, []playbook.Delta{add("Mock the database in integration tests")}, false)
	require.NoError(t, err)
	pb, err := e.Playbook(ctx)
	require.NoError(t, err)
	id := pb.Bullets[0].ID

	report, err := e.Invert(ctx, id, "hid a migration bug")
	require.NoError(t, err)

	pb, err = e.Playbook(ctx)
	require.NoError(t, err)
	orig := pb.Find(id)
	anti := pb.Find(report.AntiPatternID)
	require.NotNil(t, anti)
	assert.True(t, orig.Deprecated)
	assert.Equal(t, anti.ID, orig.ReplacedBy)
	assert.Equal(t, "AVOID: Mock the database in integration tests", anti.Content)

	_, err = e.Invert(ctx, id, "again")
	assert.ErrorIs(t, err, curation.ErrAlreadyDeprecated)
}

func TestValidate(t *testing.T) {
	e := openEngine(t)
	_, err := e.Validate(context.Background(), "   ")
	assert.Error(t, err)

	// Embeddings are disabled in tests, so history search is too.
	res, err := e.Validate(context.Background(), "Always wrap errors with context")
	require.NoError(t, err)
	assert.Equal(t, evidence.VerdictAmbiguous, res.Verdict)
	require.NotNil(t, res.Unavailable)
	assert.Equal(t, history.ReasonDisabled, res.Unavailable.Reason)
}

func TestIndexHistoryNeedsEmbeddings(t *testing.T) {
	e := openEngine(t)
	path := filepath.Join(t.TempDir(), "s.txt")
	require.NoError(t, os.WriteFile(path, []byte("fixed the flaky test"), 0o600))

	_, err := e.IndexHistory(context.Background(), []string{path})
	assert.ErrorIs(t, err, embeddings.ErrDisabled)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t)

	var (
		mu   sync.Mutex
		seen []int
	)
	w, err := newWatcher(ctx, e.store, func(pb *playbook.Playbook) {
		mu.Lock()
		seen = append(seen, len(pb.Bullets))
		mu.Unlock()
	}, 10*time.Millisecond, e.logger)
	require.NoError(t, err)
	defer w.Stop()

	_, err = e.Curate(ctx, []playbook.Delta{add("Keep handlers thin")}, false)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClosedEngine(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.Playbook(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
