package playbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// bulletNamespace seeds name-based bullet IDs so that the same input always
// yields the same identifier.
var bulletNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("playbookd/bullet"))

// NewBulletID derives a deterministic UUID from the given parts.
func NewBulletID(parts ...string) string {
	return uuid.NewSHA1(bulletNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

// NormalizeContent lower-cases, trims and collapses internal whitespace.
func NormalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// ContentHash returns the hex SHA-256 of the normalized content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}

// NewBullet creates a draft candidate bullet with no feedback.
func NewBullet(id string, scope Scope, category, content string, kind Kind, now time.Time) (*Bullet, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if strings.TrimSpace(category) == "" {
		return nil, ErrEmptyCategory
	}
	if scope == "" {
		scope = ScopeGlobal
	}
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	if kind == "" {
		kind = KindRule
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	return &Bullet{
		ID:             id,
		Scope:          scope,
		Category:       strings.TrimSpace(category),
		Content:        strings.TrimSpace(content),
		Kind:           kind,
		IsNegative:     kind == KindAntiPattern,
		State:          StateDraft,
		Maturity:       MaturityCandidate,
		FeedbackEvents: []FeedbackEvent{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Validate checks the bullet's fields and internal consistency.
func (b *Bullet) Validate() error {
	if b.ID == "" {
		return ErrEmptyID
	}
	if strings.TrimSpace(b.Content) == "" {
		return ErrEmptyContent
	}
	if strings.TrimSpace(b.Category) == "" {
		return ErrEmptyCategory
	}
	if !b.Scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, b.Scope)
	}
	if !b.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, b.Kind)
	}
	if !b.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, b.State)
	}
	if !b.Maturity.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMaturity, b.Maturity)
	}
	for i, ev := range b.FeedbackEvents {
		if !ev.Type.Valid() {
			return fmt.Errorf("event %d: %w", i, ErrInvalidFeedback)
		}
	}
	return nil
}

// Hash returns the content hash of the bullet.
func (b *Bullet) Hash() string {
	return ContentHash(b.Content)
}

// SetKind updates the polarity and keeps IsNegative in sync.
func (b *Bullet) SetKind(k Kind) {
	b.Kind = k
	b.IsNegative = k == KindAntiPattern
}

// RecordFeedback appends an event and refreshes the cached counts.
func (b *Bullet) RecordFeedback(ev FeedbackEvent) {
	b.FeedbackEvents = append(b.FeedbackEvents, ev)
	switch ev.Type {
	case FeedbackHelpful:
		b.HelpfulCount++
	case FeedbackHarmful:
		b.HarmfulCount++
	}
	if ev.Timestamp.After(b.UpdatedAt) {
		b.UpdatedAt = ev.Timestamp
	}
}

// HasFeedback reports whether an equivalent event (same type, session and
// context) is already recorded.
func (b *Bullet) HasFeedback(ev FeedbackEvent) bool {
	if ev.SessionPath == "" && ev.Context == "" {
		return false
	}
	for _, e := range b.FeedbackEvents {
		if e.Type == ev.Type && e.SessionPath == ev.SessionPath && e.Context == ev.Context {
			return true
		}
	}
	return false
}

// RecomputeCounts rebuilds HelpfulCount and HarmfulCount from the events.
// It reports whether the cached values were out of sync.
func (b *Bullet) RecomputeCounts() bool {
	var helpful, harmful int
	for _, ev := range b.FeedbackEvents {
		switch ev.Type {
		case FeedbackHelpful:
			helpful++
		case FeedbackHarmful:
			harmful++
		}
	}
	drift := helpful != b.HelpfulCount || harmful != b.HarmfulCount
	b.HelpfulCount = helpful
	b.HarmfulCount = harmful
	return drift
}

// LastFeedbackAt returns the timestamp of the most recent event, or the zero
// time when there is none.
func (b *Bullet) LastFeedbackAt() time.Time {
	var last time.Time
	for _, ev := range b.FeedbackEvents {
		if ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}
	return last
}

// Servable reports whether the bullet may be returned by relevance queries.
func (b *Bullet) Servable() bool {
	return !b.Deprecated && b.Maturity != MaturityDeprecated && b.State != StateRetired
}

// Deprecate marks the bullet deprecated and retired.
func (b *Bullet) Deprecate(reason, replacedBy string, now time.Time) {
	at := now
	b.Deprecated = true
	b.DeprecatedAt = &at
	b.DeprecationReason = reason
	b.ReplacedBy = replacedBy
	b.Maturity = MaturityDeprecated
	b.State = StateRetired
	b.UpdatedAt = now
}

// AddTag adds a tag if not already present.
func (b *Bullet) AddTag(tag string) {
	if tag == "" || slices.Contains(b.Tags, tag) {
		return
	}
	b.Tags = append(b.Tags, tag)
}

// Clone returns a deep copy.
func (b *Bullet) Clone() *Bullet {
	c := *b
	c.FeedbackEvents = slices.Clone(b.FeedbackEvents)
	if c.FeedbackEvents == nil {
		c.FeedbackEvents = []FeedbackEvent{}
	}
	c.Embedding = slices.Clone(b.Embedding)
	c.SourceSessions = slices.Clone(b.SourceSessions)
	c.SourceAgents = slices.Clone(b.SourceAgents)
	c.Tags = slices.Clone(b.Tags)
	if b.DeprecatedAt != nil {
		at := *b.DeprecatedAt
		c.DeprecatedAt = &at
	}
	return &c
}

// MergeStrings returns the sorted union of the given slices without empties.
func MergeStrings(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		for _, s := range l {
			if s != "" && !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	slices.Sort(out)
	return out
}
