package curation

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

// InvertedTag marks anti-patterns produced by inversion.
const InvertedTag = "inverted"

// Invert turns the rule id into an anti-pattern: a new bullet carrying the
// negated content is added and the original is deprecated with replacedBy
// pointing at it. Both changes are validated before either is applied, so
// on error pb is untouched.
func Invert(pb *playbook.Playbook, id, reason string, now time.Time, prefix string) (*InversionReport, error) {
	orig, err := pb.Get(id)
	if err != nil {
		return nil, err
	}
	if orig.Deprecated {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDeprecated, id)
	}
	if orig.Kind == playbook.KindAntiPattern {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAntiPattern, id)
	}

	if prefix == "" {
		prefix = DefaultConfig().InvertedPrefix
	}
	content := orig.Content
	if !strings.HasPrefix(content, prefix) {
		content = prefix + content
	}

	newID := playbook.NewBulletID("invert", orig.ID)
	if pb.Find(newID) != nil {
		return nil, fmt.Errorf("%w: %s", playbook.ErrDuplicateID, newID)
	}
	anti, err := playbook.NewBullet(newID, orig.Scope, orig.Category, content, playbook.KindAntiPattern, now)
	if err != nil {
		return nil, fmt.Errorf("building anti-pattern: %w", err)
	}
	anti.ScopeKey = orig.ScopeKey
	anti.Tags = playbook.MergeStrings(orig.Tags, []string{InvertedTag})
	anti.SourceSessions = playbook.MergeStrings(orig.SourceSessions)
	anti.SourceAgents = playbook.MergeStrings(orig.SourceAgents)

	if reason == "" {
		reason = "marked harmful"
	}
	if err := pb.Add(anti); err != nil {
		return nil, err
	}
	orig.Deprecate("inverted to anti-pattern: "+reason, newID, now)

	return &InversionReport{OriginalID: orig.ID, AntiPatternID: newID, Reason: reason}, nil
}
