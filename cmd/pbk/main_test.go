package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/playbookd/internal/engine"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/reflection"
	"github.com/fyrsmithlabs/playbookd/internal/serving"
	"github.com/fyrsmithlabs/playbookd/internal/store"
)

type cli struct {
	t    *testing.T
	dir  string
	opts []engine.Option
}

func newCLI(t *testing.T, opts ...engine.Option) *cli {
	t.Helper()
	t.Setenv("PLAYBOOK_EMBEDDINGS_PROVIDER", "none")
	t.Setenv("PLAYBOOK_LLM_ENABLED", "false")
	return &cli{t: t, dir: t.TempDir(), opts: opts}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	root := newRootCmd(c.opts...)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{
		"--config", filepath.Join(c.dir, "missing.yaml"),
		"--dir", c.dir,
		"--log-level", "error",
	}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	return out
}

func (c *cli) writeDeltas(deltas ...playbook.Delta) string {
	c.t.Helper()
	data, err := playbook.EncodeDeltas(deltas)
	require.NoError(c.t, err)
	path := filepath.Join(c.t.TempDir(), "deltas.json")
	require.NoError(c.t, os.WriteFile(path, data, 0o600))
	return path
}

func addDelta(content string) playbook.AddDelta {
	return playbook.AddDelta{Bullet: playbook.NewBulletData{Content: content, Category: "go"}}
}

func TestCommandsRegistered(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"init", "reflect", "curate", "mark", "forget", "invert", "validate", "context", "stats", "index", "log"} {
		assert.Contains(t, names, want)
	}
}

func TestInit(t *testing.T) {
	c := newCLI(t)
	out := c.mustRun("init")
	assert.Contains(t, out, "Initialized playbook")
	assert.FileExists(t, filepath.Join(c.dir, "playbook.json"))

	out = c.mustRun("init")
	assert.Contains(t, out, "already exists")
}

func TestCurateContextAndStats(t *testing.T) {
	c := newCLI(t)
	c.mustRun("init")
	path := c.writeDeltas(addDelta("Close response bodies in a defer"), addDelta("Prefer errgroup for fan-out"))

	out := c.mustRun("curate", path)
	assert.Contains(t, out, "Applied 2, skipped 0")

	out = c.mustRun("--json", "context", "response", "bodies")
	var res engine.ContextResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Bullets, 1)
	assert.Equal(t, "Close response bodies in a defer", res.Bullets[0].Bullet.Content)

	out = c.mustRun("--json", "stats")
	var st serving.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 2, st.Total)
}

func TestCurateDryRun(t *testing.T) {
	c := newCLI(t)
	c.mustRun("init")
	out := c.mustRun("curate", "--dry-run", c.writeDeltas(addDelta("Pin tool versions")))
	assert.Contains(t, out, "(dry run) Applied 1")

	out = c.mustRun("--json", "stats")
	var st serving.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 0, st.Total)
}

func TestMarkForgetAndLog(t *testing.T) {
	c := newCLI(t)
	c.mustRun("init")
	c.mustRun("curate", c.writeDeltas(addDelta("Run go vet before pushing")))

	id := firstBulletID(t, c)

	_, err := c.run("mark", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of")

	c.mustRun("mark", id, "--helpful", "--context", "caught a printf bug")
	c.mustRun("mark", id, "--harmful", "--reason", "wasted_time")

	out := c.mustRun("--json", "log")
	var recs []store.FeedbackRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, playbook.FeedbackHarmful, recs[1].Type)

	out = c.mustRun("forget", id, "--reason", "noise")
	assert.Contains(t, out, "Forgot "+id)

	out = c.mustRun("curate", c.writeDeltas(addDelta("Run go vet before pushing")))
	assert.Contains(t, out, "Applied 0, skipped 1")
}

func TestInvert(t *testing.T) {
	c := newCLI(t)
	c.mustRun("init")
	c.mustRun("curate", c.writeDeltas(addDelta("Mock the database in tests")))
	id := firstBulletID(t, c)

	out := c.mustRun("invert", id, "--reason", "hid real bugs")
	assert.Contains(t, out, "Inverted "+id)

	_, err := c.run("invert", "no-such-bullet")
	assert.Error(t, err)
}

func TestReflect(t *testing.T) {
	gen := reflection.GeneratorFunc(func(context.Context, reflection.Request) ([]playbook.Delta, error) {
		return []playbook.Delta{addDelta("Set timeouts on outbound http clients")}, nil
	})
	c := newCLI(t, engine.WithGenerator(gen))
	c.mustRun("init")

	session := filepath.Join(t.TempDir(), "session.txt")
	require.NoError(t, os.WriteFile(session, []byte("the request hung until a timeout was added"), 0o600))

	out := c.mustRun("reflect", session)
	assert.Contains(t, out, "delta(s) proposed")
	assert.Contains(t, out, "Applied 1")
}

func TestReflectWithoutGenerator(t *testing.T) {
	c := newCLI(t)
	c.mustRun("init")
	session := filepath.Join(t.TempDir(), "session.txt")
	require.NoError(t, os.WriteFile(session, []byte("text"), 0o600))

	_, err := c.run("reflect", session)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrNoGenerator)
}

func TestValidateWithoutHistory(t *testing.T) {
	c := newCLI(t)
	c.mustRun("init")
	out := c.mustRun("validate", "Always", "wrap", "errors")
	assert.Contains(t, out, "Verdict: AMBIGUOUS")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	got := truncate(strings.Repeat("é", 20), 5)
	assert.Equal(t, 5, len([]rune(got)))
}

func firstBulletID(t *testing.T, c *cli) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(c.dir, "playbook.json"))
	require.NoError(t, err)
	var pb playbook.Playbook
	require.NoError(t, json.Unmarshal(data, &pb))
	require.NotEmpty(t, pb.Bullets)
	return pb.Bullets[0].ID
}
