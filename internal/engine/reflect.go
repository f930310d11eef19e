package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/curation"
	"github.com/fyrsmithlabs/playbookd/internal/evidence"
	"github.com/fyrsmithlabs/playbookd/internal/logging"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/reflection"
	"github.com/fyrsmithlabs/playbookd/internal/store"
)

// UnverifiedTag marks bullets added while the evidence gate could not
// decide either way.
const UnverifiedTag = "unverified"

// ReflectRequest describes one session to reflect on.
type ReflectRequest struct {
	Diary       string
	SessionPath string
	// Gate runs the evidence gate over proposed add deltas.
	Gate bool
	// DryRun curates against a snapshot and writes nothing.
	DryRun bool
}

// GateDecision records what the evidence gate did with one add delta.
type GateDecision struct {
	Content string          `json:"content"`
	Result  evidence.Result `json:"result"`
	Dropped bool            `json:"dropped"`
}

// ReflectResult is the outcome of Reflect.
type ReflectResult struct {
	Iterations int                   `json:"iterations"`
	StopReason reflection.StopReason `json:"stopReason"`
	Proposed   int                   `json:"proposed"`
	Gate       []GateDecision        `json:"gate,omitempty"`
	Curation   *curation.Result      `json:"curation"`
}

// Reflect turns a session diary into curated playbook changes. Generation,
// embedding and evidence search run against a snapshot before the store
// lock is taken; only the reconciliation runs under the lock.
func (e *Engine) Reflect(ctx context.Context, req ReflectRequest) (*ReflectResult, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if e.generator == nil {
		return nil, ErrNoGenerator
	}
	log := logging.FromContext(ctx, e.logger)
	log.Info("reflecting on session",
		zap.String("session", req.SessionPath),
		logging.RedactedString("diary", req.Diary),
		zap.Bool("gate", req.Gate),
		zap.Bool("dry_run", req.DryRun))

	snapshot, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.similarity.Prepare(ctx, nil, snapshot.Bullets); err != nil {
		log.Warn("embedding playbook failed, using lexical similarity", zap.Error(err))
	}

	loop := reflection.NewLoop(e.generator, e.cfg.Reflection,
		reflection.WithChecker(e.similarity),
		reflection.WithScrubber(e.scrubber),
		reflection.WithLogger(log))
	out, err := loop.Reflect(ctx, req.Diary, snapshot)
	if err != nil {
		return nil, fmt.Errorf("reflecting: %w", err)
	}

	deltas := stampSession(out.Deltas, req.SessionPath)
	res := &ReflectResult{
		Iterations: out.Iterations,
		StopReason: out.StopReason,
		Proposed:   len(deltas),
	}
	if req.Gate {
		deltas, res.Gate = e.gateAdds(ctx, deltas)
	}

	res.Curation, err = e.apply(ctx, deltas, req.DryRun, func(pb *playbook.Playbook) {
		now := e.now().UTC()
		pb.Metadata.LastReflection = &now
		pb.Metadata.TotalReflections++
		pb.Metadata.TotalSessionsProcessed++
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Curate applies an externally produced delta batch.
func (e *Engine) Curate(ctx context.Context, deltas []playbook.Delta, dryRun bool) (*curation.Result, error) {
	if e.closed {
		return nil, ErrClosed
	}
	snapshot, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.similarity.Prepare(ctx, nil, snapshot.Bullets); err != nil {
		e.logger.Warn("embedding playbook failed, using lexical similarity", zap.Error(err))
	}
	return e.apply(ctx, deltas, dryRun, nil)
}

// apply embeds the delta contents, then reconciles them under the store
// lock with the similarity service in offline mode. after runs on the
// curated playbook before it is written.
func (e *Engine) apply(ctx context.Context, deltas []playbook.Delta, dryRun bool, after func(*playbook.Playbook)) (*curation.Result, error) {
	if err := e.similarity.Prepare(ctx, deltaTexts(deltas), nil); err != nil {
		e.logger.Warn("embedding deltas failed, using lexical similarity", zap.Error(err))
	}
	blocked, err := store.BlockedHashes(ctx, e.blocklist)
	if err != nil {
		return nil, fmt.Errorf("reading block list: %w", err)
	}
	curator := e.curator.WithChecker(e.similarity.Offline()).WithBlocked(blocked)

	if dryRun {
		snapshot, err := e.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		return curator.Curate(ctx, snapshot, deltas)
	}

	var (
		result   *curation.Result
		feedback []store.FeedbackRecord
	)
	_, err = e.store.Update(ctx, func(pb *playbook.Playbook) error {
		r, err := curator.Curate(ctx, pb, deltas)
		if err != nil {
			return err
		}
		if after != nil {
			after(r.Playbook)
		}
		feedback = newFeedback(pb, r.Playbook)
		*pb = *r.Playbook
		result = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating playbook: %w", err)
	}
	result.Playbook = nil

	if len(feedback) > 0 {
		if err := e.feedback.Append(ctx, feedback...); err != nil {
			e.logger.Warn("appending feedback log", zap.Error(err))
		}
	}
	if err := e.saveCache(ctx); err != nil {
		e.logger.Warn("saving embedding cache", zap.Error(err))
	}
	return result, nil
}

// gateAdds runs the evidence gate over each add delta. Rejected rules are
// dropped, cautious accepts carry the refined text, and ambiguous ones are
// kept with the unverified tag.
func (e *Engine) gateAdds(ctx context.Context, deltas []playbook.Delta) ([]playbook.Delta, []GateDecision) {
	var (
		kept      = make([]playbook.Delta, 0, len(deltas))
		decisions []GateDecision
	)
	for _, d := range deltas {
		add, ok := d.(playbook.AddDelta)
		if !ok {
			kept = append(kept, d)
			continue
		}
		r := e.gate.Evaluate(ctx, add.Bullet.Content)
		dec := GateDecision{Content: add.Bullet.Content, Result: r}
		switch r.Verdict {
		case evidence.VerdictReject:
			dec.Dropped = true
		case evidence.VerdictAcceptWithCaution:
			if r.RefinedRule != "" {
				add.Bullet.Content = r.RefinedRule
			}
			kept = append(kept, add)
		case evidence.VerdictAmbiguous:
			add.Bullet.Tags = playbook.MergeStrings(add.Bullet.Tags, []string{UnverifiedTag})
			kept = append(kept, add)
		default:
			kept = append(kept, add)
		}
		e.logger.Debug("evidence gate",
			zap.String("verdict", string(r.Verdict)),
			zap.Bool("dropped", dec.Dropped),
			zap.String("reason", r.Reason))
		decisions = append(decisions, dec)
	}
	return kept, decisions
}

// stampSession fills in the source session of deltas that lack one.
func stampSession(deltas []playbook.Delta, session string) []playbook.Delta {
	if session == "" {
		return deltas
	}
	out := make([]playbook.Delta, len(deltas))
	for i, d := range deltas {
		switch d := d.(type) {
		case playbook.AddDelta:
			if d.SourceSession == "" {
				d.SourceSession = session
			}
			out[i] = d
		case playbook.HelpfulDelta:
			if d.SourceSession == "" {
				d.SourceSession = session
			}
			out[i] = d
		case playbook.HarmfulDelta:
			if d.SourceSession == "" {
				d.SourceSession = session
			}
			out[i] = d
		default:
			out[i] = d
		}
	}
	return out
}

// deltaTexts returns the contents a delta batch will be compared on.
func deltaTexts(deltas []playbook.Delta) []string {
	var texts []string
	for _, d := range deltas {
		switch d := d.(type) {
		case playbook.AddDelta:
			texts = append(texts, d.Bullet.Content)
		case playbook.ReplaceDelta:
			texts = append(texts, d.NewContent)
		case playbook.MergeDelta:
			texts = append(texts, d.MergedContent)
		}
	}
	return texts
}

// newFeedback returns log records for the events curation appended to
// bullets that already existed in before.
func newFeedback(before, after *playbook.Playbook) []store.FeedbackRecord {
	var recs []store.FeedbackRecord
	for _, prev := range before.Bullets {
		cur := after.Find(prev.ID)
		if cur == nil || len(cur.FeedbackEvents) <= len(prev.FeedbackEvents) {
			continue
		}
		for _, ev := range cur.FeedbackEvents[len(prev.FeedbackEvents):] {
			recs = append(recs, store.FeedbackRecord{
				Timestamp:   ev.Timestamp,
				BulletID:    cur.ID,
				Type:        ev.Type,
				Reason:      ev.Reason,
				Context:     ev.Context,
				SessionPath: ev.SessionPath,
			})
		}
	}
	return recs
}
