package playbook

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// New returns an empty playbook.
func New(name string, now time.Time) *Playbook {
	return &Playbook{
		SchemaVersion:      SchemaVersion,
		Name:               name,
		Metadata:           Metadata{CreatedAt: now},
		DeprecatedPatterns: []DeprecatedPattern{},
		Bullets:            []*Bullet{},
	}
}

// Find returns the bullet with the given id, or nil.
func (p *Playbook) Find(id string) *Bullet {
	for _, b := range p.Bullets {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// Get is Find with an error for a missing bullet.
func (p *Playbook) Get(id string) (*Bullet, error) {
	if b := p.Find(id); b != nil {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrBulletNotFound, id)
}

// Add appends a bullet, rejecting duplicate ids.
func (p *Playbook) Add(b *Bullet) error {
	if p.Find(b.ID) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateID, b.ID)
	}
	p.Bullets = append(p.Bullets, b)
	return nil
}

// Servable returns the bullets eligible for relevance queries, in stored order.
func (p *Playbook) Servable() []*Bullet {
	out := make([]*Bullet, 0, len(p.Bullets))
	for _, b := range p.Bullets {
		if b.Servable() {
			out = append(out, b)
		}
	}
	return out
}

// Clone returns a deep copy of the playbook.
func (p *Playbook) Clone() *Playbook {
	c := *p
	if p.Metadata.LastReflection != nil {
		at := *p.Metadata.LastReflection
		c.Metadata.LastReflection = &at
	}
	c.DeprecatedPatterns = slices.Clone(p.DeprecatedPatterns)
	if c.DeprecatedPatterns == nil {
		c.DeprecatedPatterns = []DeprecatedPattern{}
	}
	c.Bullets = make([]*Bullet, len(p.Bullets))
	for i, b := range p.Bullets {
		c.Bullets[i] = b.Clone()
	}
	return &c
}

// IntegrityIssue describes a data problem found on read.
type IntegrityIssue struct {
	BulletID string
	Problem  string
}

// Integrity reports dangling replacedBy references, duplicate ids and count
// drift. It never modifies the playbook.
func (p *Playbook) Integrity() []IntegrityIssue {
	var issues []IntegrityIssue
	seen := make(map[string]bool, len(p.Bullets))
	for _, b := range p.Bullets {
		if seen[b.ID] {
			issues = append(issues, IntegrityIssue{BulletID: b.ID, Problem: "duplicate id"})
		}
		seen[b.ID] = true
	}
	for _, b := range p.Bullets {
		if b.ReplacedBy != "" && !seen[b.ReplacedBy] {
			issues = append(issues, IntegrityIssue{
				BulletID: b.ID,
				Problem:  fmt.Sprintf("replacedBy references missing bullet %s", b.ReplacedBy),
			})
		}
		c := b.Clone()
		if c.RecomputeCounts() {
			issues = append(issues, IntegrityIssue{BulletID: b.ID, Problem: "feedback counts out of sync with events"})
		}
	}
	return issues
}

// Summary renders the servable bullets as a compact list for prompts.
// At most limit bullets are included when limit > 0.
func (p *Playbook) Summary(limit int) string {
	var sb strings.Builder
	n := 0
	for _, b := range p.Servable() {
		if limit > 0 && n >= limit {
			break
		}
		marker := "RULE"
		if b.Kind == KindAntiPattern {
			marker = "AVOID"
		}
		fmt.Fprintf(&sb, "- [%s] (%s, %s, +%d/-%d) %s: %s\n",
			b.ID, marker, b.Maturity, b.HelpfulCount, b.HarmfulCount, b.Category, b.Content)
		n++
	}
	if n == 0 {
		return "(empty playbook)\n"
	}
	return sb.String()
}
