package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/curation"
	"github.com/fyrsmithlabs/playbookd/internal/evidence"
	"github.com/fyrsmithlabs/playbookd/internal/history"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/scoring"
	"github.com/fyrsmithlabs/playbookd/internal/serving"
	"github.com/fyrsmithlabs/playbookd/internal/store"
)

// ErrHistoryUnavailable is returned by IndexHistory when no index is open.
var ErrHistoryUnavailable = errors.New("history index unavailable")

// MarkRequest is direct feedback on one bullet.
type MarkRequest struct {
	BulletID    string                 `json:"bulletId"`
	Type        playbook.FeedbackType  `json:"type"`
	Reason      playbook.HarmfulReason `json:"reason,omitempty"`
	Context     string                 `json:"context,omitempty"`
	SessionPath string                 `json:"sessionPath,omitempty"`
}

// Delta converts the request into the equivalent feedback delta.
func (r MarkRequest) Delta() (playbook.Delta, error) {
	switch r.Type {
	case playbook.FeedbackHelpful:
		return playbook.HelpfulDelta{BulletID: r.BulletID, Context: r.Context, SourceSession: r.SessionPath}, nil
	case playbook.FeedbackHarmful:
		return playbook.HarmfulDelta{BulletID: r.BulletID, Reason: r.Reason, Context: r.Context, SourceSession: r.SessionPath}, nil
	default:
		return nil, fmt.Errorf("invalid feedback type %q", r.Type)
	}
}

// Mark records feedback through the reconciler, so promotion, automatic
// deprecation and inversion apply exactly as for reflected feedback.
func (e *Engine) Mark(ctx context.Context, req MarkRequest) (*curation.Result, error) {
	d, err := req.Delta()
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	pb, err := e.Playbook(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := pb.Get(req.BulletID); err != nil {
		return nil, err
	}
	return e.apply(ctx, []playbook.Delta{d}, false, nil)
}

// Forget deprecates a bullet and puts its content on the block list so
// curation never re-adds it.
func (e *Engine) Forget(ctx context.Context, id, reason string) (*playbook.Bullet, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if reason == "" {
		reason = "forgotten"
	}
	var forgotten *playbook.Bullet
	_, err := e.store.Update(ctx, func(pb *playbook.Playbook) error {
		b, err := pb.Get(id)
		if err != nil {
			return err
		}
		if !b.Deprecated {
			b.Deprecate(reason, "", e.now().UTC())
		}
		forgotten = b.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec := store.BlockRecord{
		Timestamp:   e.now().UTC(),
		BulletID:    forgotten.ID,
		ContentHash: forgotten.Hash(),
		Content:     forgotten.Content,
		Reason:      reason,
	}
	if err := e.blocklist.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("appending block list: %w", err)
	}
	e.logger.Info("bullet forgotten", zap.String("bullet_id", id), zap.String("reason", reason))
	return forgotten, nil
}

// Invert turns a rule into an anti-pattern in one store write.
func (e *Engine) Invert(ctx context.Context, id, reason string) (*curation.InversionReport, error) {
	if e.closed {
		return nil, ErrClosed
	}
	var report *curation.InversionReport
	_, err := e.store.Update(ctx, func(pb *playbook.Playbook) error {
		r, err := curation.Invert(pb, id, reason, e.now().UTC(), e.cfg.Curation.InvertedPrefix)
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("bullet inverted",
		zap.String("bullet_id", report.OriginalID),
		zap.String("anti_pattern_id", report.AntiPatternID))
	return report, nil
}

// ContextResult is what an agent is served for a task.
type ContextResult struct {
	Bullets  []serving.Ranked  `json:"bullets"`
	Warnings []serving.Warning `json:"warnings,omitempty"`
}

// Context ranks the servable bullets against query and checks it for
// deprecated patterns.
func (e *Engine) Context(ctx context.Context, query string, limit int) (*ContextResult, error) {
	pb, err := e.Playbook(ctx)
	if err != nil {
		return nil, err
	}
	return Serve(pb, query, limit, e.now(), e.cfg.Curation.Scoring), nil
}

// Serve builds a ContextResult from an already loaded playbook.
func Serve(pb *playbook.Playbook, query string, limit int, now time.Time, cfg scoring.Config) *ContextResult {
	return &ContextResult{
		Bullets:  serving.Relevant(pb, query, limit, now, cfg),
		Warnings: serving.CheckDeprecated(query, pb.DeprecatedPatterns),
	}
}

// Stats summarises the playbook.
func (e *Engine) Stats(ctx context.Context, top int) (serving.Stats, error) {
	pb, err := e.Playbook(ctx)
	if err != nil {
		return serving.Stats{}, err
	}
	return serving.Compute(pb, top, e.now(), e.cfg.Curation.Scoring), nil
}

// Validate runs the evidence gate on a candidate rule. It never touches
// the store.
func (e *Engine) Validate(ctx context.Context, rule string) (evidence.Result, error) {
	if strings.TrimSpace(rule) == "" {
		return evidence.Result{}, errors.New("rule cannot be empty")
	}
	return e.gate.Evaluate(ctx, rule), nil
}

// IndexHistory scrubs and indexes session transcripts for the evidence
// gate. It returns the number of chunks written.
func (e *Engine) IndexHistory(ctx context.Context, paths []string) (int, error) {
	if e.index == nil {
		return 0, ErrHistoryUnavailable
	}
	sessions := make([]history.Session, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return 0, fmt.Errorf("reading session %s: %w", p, err)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return 0, fmt.Errorf("reading session %s: %w", p, err)
		}
		sessions = append(sessions, history.Session{
			Path:      p,
			Timestamp: info.ModTime().UTC(),
			Text:      e.scrubber.String(string(data)),
		})
	}
	return e.index.IndexSessions(ctx, sessions)
}

// FeedbackLog returns the last n feedback records, all when n <= 0.
func (e *Engine) FeedbackLog(ctx context.Context, n int) ([]store.FeedbackRecord, error) {
	return e.feedback.Tail(ctx, n)
}

// Blocked returns the block list.
func (e *Engine) Blocked(ctx context.Context) ([]store.BlockRecord, error) {
	recs, _, err := e.blocklist.ReadAll(ctx)
	return recs, err
}
