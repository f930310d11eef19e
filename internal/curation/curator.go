// Package curation reconciles proposed deltas against a playbook.
//
// Deltas are applied in a fixed phase order regardless of input order:
// adds, then helpful/harmful feedback, then replacements, deprecations and
// merges, followed by a pruning pass over the whole playbook. Every delta
// yields at least one Decision so a run can be audited afterwards. Given the
// same playbook, deltas and clock reading, the decision log is identical.
package curation

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/scoring"
	"github.com/fyrsmithlabs/playbookd/internal/similarity"
)

// Curator applies delta batches.
type Curator struct {
	checker similarity.Checker
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	metrics *Metrics
	blocked map[string]bool
}

// Option configures a Curator.
type Option func(*Curator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Curator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the clock. Curate reads it once per run.
func WithClock(now func() time.Time) Option {
	return func(c *Curator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(c *Curator) {
		c.metrics = m
	}
}

// NewCurator creates a curator. checker may be nil, in which case only
// exact and hash duplicate detection runs.
func NewCurator(checker similarity.Checker, cfg Config, opts ...Option) (*Curator, error) {
	if err := cfg.Scoring.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring config: %w", err)
	}
	if cfg.StaleDays <= 0 {
		return nil, fmt.Errorf("stale_days must be positive, got %d", cfg.StaleDays)
	}
	if checker == nil {
		checker = similarity.NewService(nil, nil, similarity.DefaultConfig(), nil)
	}
	c := &Curator{
		checker: checker,
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithChecker returns a copy of the curator using checker.
func (c *Curator) WithChecker(checker similarity.Checker) *Curator {
	cp := *c
	cp.checker = checker
	return &cp
}

// WithBlocked returns a copy of the curator that refuses to add content
// whose hash is in blocked.
func (c *Curator) WithBlocked(blocked map[string]bool) *Curator {
	cp := *c
	cp.blocked = blocked
	return &cp
}

// Config returns the curator configuration.
func (c *Curator) Config() Config {
	return c.cfg
}

// run holds the state of a single Curate call.
type run struct {
	*Curator
	ctx    context.Context
	now    time.Time
	pb     *playbook.Playbook
	result *Result
}

// Curate applies deltas to a copy of pb. It only fails when ctx is done;
// individual bad deltas are skipped and logged in the decision log.
func (c *Curator) Curate(ctx context.Context, pb *playbook.Playbook, deltas []playbook.Delta) (*Result, error) {
	r := &run{
		Curator: c,
		ctx:     ctx,
		now:     c.now().UTC(),
		pb:      pb.Clone(),
		result: &Result{
			Conflicts:   []ConflictReport{},
			Promotions:  []PromotionReport{},
			Inversions:  []InversionReport{},
			Pruned:      []PruneReport{},
			DecisionLog: []Decision{},
		},
	}
	r.result.Playbook = r.pb

	var (
		adds, feedback, replaces []playbook.Delta
		deprecates, merges       []playbook.Delta
	)
	for _, d := range deltas {
		switch d.(type) {
		case playbook.AddDelta:
			adds = append(adds, d)
		case playbook.HelpfulDelta, playbook.HarmfulDelta:
			feedback = append(feedback, d)
		case playbook.ReplaceDelta:
			replaces = append(replaces, d)
		case playbook.DeprecateDelta:
			deprecates = append(deprecates, d)
		case playbook.MergeDelta:
			merges = append(merges, d)
		default:
			r.skip(PhaseValidate, "", fmt.Sprintf("unsupported delta %T", d), nil)
		}
	}

	for _, group := range [][]playbook.Delta{adds, feedback, replaces, deprecates, merges} {
		for _, d := range group {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r.apply(d)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.prune()

	c.logger.Info("curation complete",
		zap.Int("deltas", len(deltas)),
		zap.Int("applied", r.result.Applied),
		zap.Int("skipped", r.result.Skipped),
		zap.Int("conflicts", len(r.result.Conflicts)),
		zap.Int("promotions", len(r.result.Promotions)),
		zap.Int("inversions", len(r.result.Inversions)),
		zap.Int("pruned", len(r.result.Pruned)))
	if c.metrics != nil {
		c.metrics.RecordRun(ctx, r.result)
	}
	return r.result, nil
}

func (r *run) apply(d playbook.Delta) {
	if err := d.Validate(); err != nil {
		r.skip(phaseOf(d), deltaTarget(d), err.Error(), map[string]string{"type": string(d.Type())})
		return
	}
	switch d := d.(type) {
	case playbook.AddDelta:
		r.applyAdd(d)
	case playbook.HelpfulDelta:
		r.applyFeedback(d.BulletID, playbook.FeedbackEvent{
			Type:        playbook.FeedbackHelpful,
			Timestamp:   r.now,
			Context:     d.Context,
			SessionPath: d.SourceSession,
		})
	case playbook.HarmfulDelta:
		r.applyFeedback(d.BulletID, playbook.FeedbackEvent{
			Type:        playbook.FeedbackHarmful,
			Timestamp:   r.now,
			Reason:      d.Reason,
			Context:     d.Context,
			SessionPath: d.SourceSession,
		})
	case playbook.ReplaceDelta:
		r.applyReplace(d)
	case playbook.DeprecateDelta:
		r.applyDeprecate(d)
	case playbook.MergeDelta:
		r.applyMerge(d)
	}
}

func (r *run) applyAdd(d playbook.AddDelta) {
	content := strings.TrimSpace(d.Bullet.Content)
	if r.blocked[playbook.ContentHash(content)] {
		r.skip(PhaseAdd, "", "content is on the block list", map[string]string{"content": content})
		return
	}

	kind := d.Bullet.Kind
	if kind == "" {
		kind = playbook.KindRule
	}
	match := r.checker.Check(r.ctx, similarity.Candidate{
		Content:  content,
		Category: d.Bullet.Category,
		Kind:     kind,
		Tags:     d.Bullet.Tags,
	}, r.pb.Bullets)

	if match.Verdict == similarity.VerdictDuplicate {
		if match.Tier == similarity.TierEmbedding {
			r.result.Conflicts = append(r.result.Conflicts, ConflictReport{
				ExistingID: match.MatchID,
				Similarity: match.Similarity,
				Content:    content,
				Resolution: ResolutionSkippedDuplicate,
			})
		}
		r.skip(PhaseAdd, match.MatchID, "duplicate of existing bullet", map[string]string{
			"tier":       string(match.Tier),
			"similarity": formatSimilarity(match.Similarity),
		})
		return
	}

	id := r.uniqueID(content, d.Bullet.Category, d.SourceSession)
	b, err := playbook.NewBullet(id, d.Bullet.Scope, d.Bullet.Category, content, kind, r.now)
	if err != nil {
		r.skip(PhaseAdd, "", err.Error(), nil)
		return
	}
	b.ScopeKey = d.Bullet.ScopeKey
	b.Tags = playbook.MergeStrings(d.Bullet.Tags)
	b.SourceSessions = playbook.MergeStrings([]string{d.SourceSession})
	b.SourceAgents = playbook.MergeStrings([]string{d.SourceAgent})
	if err := r.pb.Add(b); err != nil {
		r.skip(PhaseAdd, id, err.Error(), nil)
		return
	}

	if match.Verdict == similarity.VerdictConflict {
		r.result.Conflicts = append(r.result.Conflicts, ConflictReport{
			BulletID:   id,
			ExistingID: match.MatchID,
			Similarity: match.Similarity,
			Content:    content,
			Resolution: ResolutionKeptDraft,
		})
		r.accept(PhaseAdd, id, "added as draft despite conflict", map[string]string{
			"conflictsWith": match.MatchID,
			"similarity":    formatSimilarity(match.Similarity),
		})
		return
	}
	details := map[string]string{"category": b.Category}
	if d.Reason != "" {
		details["rationale"] = d.Reason
	}
	r.accept(PhaseAdd, id, "new bullet added", details)
}

func (r *run) applyFeedback(id string, ev playbook.FeedbackEvent) {
	b := r.pb.Find(id)
	if b == nil {
		r.skip(PhaseFeedback, id, "bullet not found", map[string]string{"type": string(ev.Type)})
		return
	}
	if b.HasFeedback(ev) {
		r.skip(PhaseFeedback, id, "feedback already recorded", map[string]string{"type": string(ev.Type)})
		return
	}

	b.RecordFeedback(ev)
	details := map[string]string{"type": string(ev.Type)}
	if ev.Reason != "" {
		details["reason"] = string(ev.Reason)
	}
	if b.Deprecated {
		details["note"] = "bullet already deprecated"
	}
	r.accept(PhaseFeedback, id, "feedback recorded", details)
	if !b.Deprecated {
		r.reassess(PhaseFeedback, b)
	}
}

// reassess applies the scoring engine's maturity suggestion to b.
func (r *run) reassess(phase Phase, b *playbook.Bullet) {
	score := scoring.Score(b, r.now, r.cfg.Scoring)
	if !score.Changed(b.Maturity) {
		return
	}

	if score.Maturity == playbook.MaturityDeprecated {
		r.autoDeprecate(phase, b, score.Reason)
		return
	}

	from := b.Maturity
	b.Maturity = score.Maturity
	if b.State == playbook.StateDraft {
		b.State = playbook.StateActive
	}
	b.UpdatedAt = r.now
	r.result.Promotions = append(r.result.Promotions, PromotionReport{
		BulletID: b.ID,
		From:     from,
		To:       score.Maturity,
		Reason:   score.Reason,
	})
	r.record(phase, ActionModified, b.ID, fmt.Sprintf("promoted from %s to %s", from, score.Maturity), map[string]string{
		"reason":         score.Reason,
		"effectiveScore": formatSimilarity(score.EffectiveScore),
	})
}

// autoDeprecate retires b on the scoring engine's behalf, inverting it into
// an anti-pattern when configured.
func (r *run) autoDeprecate(phase Phase, b *playbook.Bullet, reason string) {
	if b.Pinned {
		r.record(phase, ActionRejected, b.ID, "pinned bullet exempt from automatic deprecation", map[string]string{"reason": reason})
		return
	}

	if r.cfg.InvertOnHarmful && b.Kind == playbook.KindRule && b.HarmfulCount > b.HelpfulCount {
		inv, err := Invert(r.pb, b.ID, reason, r.now, r.cfg.InvertedPrefix)
		if err == nil {
			r.result.Inversions = append(r.result.Inversions, *inv)
			r.result.Pruned = append(r.result.Pruned, PruneReport{BulletID: b.ID, Reason: reason})
			r.record(phase, ActionModified, b.ID, "inverted to anti-pattern", map[string]string{
				"antiPatternId": inv.AntiPatternID,
				"reason":        reason,
			})
			return
		}
		r.logger.Warn("inversion failed, deprecating instead", zap.String("bullet_id", b.ID), zap.Error(err))
	}

	b.Deprecate(reason, "", r.now)
	r.result.Pruned = append(r.result.Pruned, PruneReport{BulletID: b.ID, Reason: reason})
	r.record(phase, ActionModified, b.ID, "deprecated", map[string]string{"reason": reason})
}

func (r *run) applyReplace(d playbook.ReplaceDelta) {
	b := r.pb.Find(d.BulletID)
	if b == nil {
		r.skip(PhaseReplace, d.BulletID, "bullet not found", nil)
		return
	}
	if b.Deprecated {
		r.skip(PhaseReplace, d.BulletID, "cannot replace a deprecated bullet", nil)
		return
	}
	content := strings.TrimSpace(d.NewContent)
	if content == b.Content {
		r.skip(PhaseReplace, d.BulletID, "content unchanged", nil)
		return
	}
	if r.blocked[playbook.ContentHash(content)] {
		r.skip(PhaseReplace, d.BulletID, "content is on the block list", nil)
		return
	}

	others := make([]*playbook.Bullet, 0, len(r.pb.Bullets))
	for _, o := range r.pb.Bullets {
		if o.ID != b.ID {
			others = append(others, o)
		}
	}
	match := r.checker.Check(r.ctx, similarity.Candidate{
		Content:  content,
		Category: b.Category,
		Kind:     b.Kind,
		Tags:     b.Tags,
	}, others)
	if match.Verdict == similarity.VerdictDuplicate {
		r.skip(PhaseReplace, d.BulletID, "new content duplicates another bullet", map[string]string{
			"duplicateOf": match.MatchID,
			"tier":        string(match.Tier),
		})
		return
	}

	previous := b.Content
	b.Content = content
	b.Embedding = nil
	b.UpdatedAt = r.now
	details := map[string]string{"previous": previous}
	if d.Reason != "" {
		details["rationale"] = d.Reason
	}
	r.accept(PhaseReplace, b.ID, "content replaced", details)
}

func (r *run) applyDeprecate(d playbook.DeprecateDelta) {
	b := r.pb.Find(d.BulletID)
	if b == nil {
		r.skip(PhaseDeprecate, d.BulletID, "bullet not found", nil)
		return
	}
	if b.Deprecated {
		r.skip(PhaseDeprecate, d.BulletID, "bullet already deprecated", nil)
		return
	}
	if d.ReplacedBy != "" {
		repl := r.pb.Find(d.ReplacedBy)
		if repl == nil {
			r.skip(PhaseDeprecate, d.BulletID, "replacement bullet not found", map[string]string{"replacedBy": d.ReplacedBy})
			return
		}
		if repl.Deprecated {
			r.skip(PhaseDeprecate, d.BulletID, "replacement bullet is deprecated", map[string]string{"replacedBy": d.ReplacedBy})
			return
		}
	}

	reason := d.Reason
	if reason == "" {
		reason = "deprecated during curation"
	}
	b.Deprecate(reason, d.ReplacedBy, r.now)
	details := map[string]string{}
	if d.ReplacedBy != "" {
		details["replacedBy"] = d.ReplacedBy
	}
	r.accept(PhaseDeprecate, b.ID, reason, details)
}

func (r *run) applyMerge(d playbook.MergeDelta) {
	sources := make([]*playbook.Bullet, 0, len(d.BulletIDs))
	for _, id := range d.BulletIDs {
		b := r.pb.Find(id)
		if b == nil {
			r.skip(PhaseMerge, "", "merge source not found", map[string]string{"missing": id})
			return
		}
		if b.Deprecated {
			r.skip(PhaseMerge, "", "merge source is deprecated", map[string]string{"deprecated": id})
			return
		}
		sources = append(sources, b)
	}

	ids := slices.Clone(d.BulletIDs)
	slices.Sort(ids)
	content := strings.TrimSpace(d.MergedContent)

	kind := playbook.KindAntiPattern
	scope, scopeKey := sources[0].Scope, sources[0].ScopeKey
	var tags, sessions, agents [][]string
	for _, s := range sources {
		if s.Kind != playbook.KindAntiPattern {
			kind = playbook.KindRule
		}
		if s.Scope != scope || s.ScopeKey != scopeKey {
			scope, scopeKey = playbook.ScopeGlobal, ""
		}
		tags = append(tags, s.Tags)
		sessions = append(sessions, s.SourceSessions)
		agents = append(agents, s.SourceAgents)
	}

	id := r.uniqueID("merge", strings.Join(ids, ","), content)
	merged, err := playbook.NewBullet(id, scope, sources[0].Category, content, kind, r.now)
	if err != nil {
		r.skip(PhaseMerge, "", err.Error(), nil)
		return
	}
	merged.ScopeKey = scopeKey
	merged.Tags = playbook.MergeStrings(tags...)
	merged.SourceSessions = playbook.MergeStrings(sessions...)
	merged.SourceAgents = playbook.MergeStrings(agents...)
	if err := r.pb.Add(merged); err != nil {
		r.skip(PhaseMerge, id, err.Error(), nil)
		return
	}

	reason := "merged into " + id
	if d.Reason != "" {
		reason += ": " + d.Reason
	}
	for _, s := range sources {
		s.Deprecate(reason, id, r.now)
	}
	r.accept(PhaseMerge, id, "bullets merged", map[string]string{"sources": strings.Join(ids, ",")})
}

// prune retires bullets the scoring engine marks deprecated and established
// bullets that went stale with a negative score.
func (r *run) prune() {
	window := scoring.StaleDays(r.cfg.StaleDays)
	for _, b := range slices.Clone(r.pb.Bullets) {
		if b.Deprecated || b.Pinned {
			continue
		}
		score := scoring.Score(b, r.now, r.cfg.Scoring)
		if score.Maturity == playbook.MaturityDeprecated {
			r.autoDeprecate(PhasePrune, b, score.Reason)
			continue
		}
		if b.Maturity != playbook.MaturityEstablished && b.Maturity != playbook.MaturityProven {
			continue
		}
		if score.EffectiveScore < 0 && scoring.IsStale(b, r.now, window) {
			reason := fmt.Sprintf("no feedback for %d days and negative score %.2f", r.cfg.StaleDays, score.EffectiveScore)
			b.Deprecate(reason, "", r.now)
			r.result.Pruned = append(r.result.Pruned, PruneReport{BulletID: b.ID, Reason: reason})
			r.record(PhasePrune, ActionModified, b.ID, "pruned", map[string]string{"reason": reason})
		}
	}
}

// uniqueID derives a deterministic id, disambiguating the rare collision.
func (r *run) uniqueID(parts ...string) string {
	id := playbook.NewBulletID(parts...)
	for n := 1; r.pb.Find(id) != nil; n++ {
		id = playbook.NewBulletID(append(parts, strconv.Itoa(n))...)
	}
	return id
}

func (r *run) accept(phase Phase, id, reason string, details map[string]string) {
	r.result.Applied++
	r.record(phase, ActionAccepted, id, reason, details)
}

func (r *run) skip(phase Phase, id, reason string, details map[string]string) {
	r.result.Skipped++
	r.record(phase, ActionSkipped, id, reason, details)
}

func (r *run) record(phase Phase, action Action, id, reason string, details map[string]string) {
	if len(details) == 0 {
		details = nil
	}
	r.result.DecisionLog = append(r.result.DecisionLog, Decision{
		Timestamp: r.now,
		Phase:     phase,
		Action:    action,
		BulletID:  id,
		Reason:    reason,
		Details:   details,
	})
	r.logger.Debug("curation decision",
		zap.String("phase", string(phase)),
		zap.String("action", string(action)),
		zap.String("bullet_id", id),
		zap.String("reason", reason))
}

func phaseOf(d playbook.Delta) Phase {
	switch d.Type() {
	case playbook.DeltaAdd:
		return PhaseAdd
	case playbook.DeltaHelpful, playbook.DeltaHarmful:
		return PhaseFeedback
	case playbook.DeltaReplace:
		return PhaseReplace
	case playbook.DeltaDeprecate:
		return PhaseDeprecate
	case playbook.DeltaMerge:
		return PhaseMerge
	}
	return PhaseValidate
}

func deltaTarget(d playbook.Delta) string {
	switch d := d.(type) {
	case playbook.HelpfulDelta:
		return d.BulletID
	case playbook.HarmfulDelta:
		return d.BulletID
	case playbook.ReplaceDelta:
		return d.BulletID
	case playbook.DeprecateDelta:
		return d.BulletID
	}
	return ""
}

func formatSimilarity(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
