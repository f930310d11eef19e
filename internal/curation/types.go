package curation

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/scoring"
)

// Errors returned by Invert.
var (
	ErrAlreadyDeprecated  = errors.New("bullet is already deprecated")
	ErrAlreadyAntiPattern = errors.New("bullet is already an anti-pattern")
)

// Phase is the reconciliation step that produced a decision.
type Phase string

const (
	PhaseValidate  Phase = "validate"
	PhaseAdd       Phase = "add"
	PhaseFeedback  Phase = "feedback"
	PhaseReplace   Phase = "replace"
	PhaseDeprecate Phase = "deprecate"
	PhaseMerge     Phase = "merge"
	PhasePrune     Phase = "prune"
)

// Action is what happened to a delta or bullet.
type Action string

const (
	ActionAccepted Action = "accepted"
	ActionRejected Action = "rejected"
	ActionSkipped  Action = "skipped"
	ActionModified Action = "modified"
)

// Decision is one entry of the decision log.
type Decision struct {
	Timestamp time.Time         `json:"timestamp"`
	Phase     Phase             `json:"phase"`
	Action    Action            `json:"action"`
	BulletID  string            `json:"bulletId,omitempty"`
	Reason    string            `json:"reason"`
	Details   map[string]string `json:"details,omitempty"`
}

// Resolution says what curation did with an add that matched an existing
// bullet semantically.
type Resolution string

const (
	// ResolutionKeptDraft: opposite polarity, added as a draft anyway.
	ResolutionKeptDraft Resolution = "kept_draft"
	// ResolutionSkippedDuplicate: same polarity, not added.
	ResolutionSkippedDuplicate Resolution = "skipped_duplicate"
)

// ConflictReport records an add that the embedding tier matched to an
// existing bullet. BulletID is empty when the add was skipped.
type ConflictReport struct {
	BulletID   string     `json:"bulletId,omitempty"`
	ExistingID string     `json:"existingId"`
	Similarity float64    `json:"similarity"`
	Content    string     `json:"content"`
	Resolution Resolution `json:"resolution"`
}

// PromotionReport records a forward maturity transition.
type PromotionReport struct {
	BulletID string            `json:"bulletId"`
	From     playbook.Maturity `json:"from"`
	To       playbook.Maturity `json:"to"`
	Reason   string            `json:"reason"`
}

// InversionReport records a rule turned into an anti-pattern.
type InversionReport struct {
	OriginalID    string `json:"originalId"`
	AntiPatternID string `json:"antiPatternId"`
	Reason        string `json:"reason"`
}

// PruneReport records an automatic deprecation.
type PruneReport struct {
	BulletID string `json:"bulletId"`
	Reason   string `json:"reason"`
}

// Result is the outcome of one curation run.
type Result struct {
	// Playbook is the curated copy. The input playbook is never modified.
	Playbook *playbook.Playbook `json:"-"`

	Applied     int               `json:"applied"`
	Skipped     int               `json:"skipped"`
	Conflicts   []ConflictReport  `json:"conflicts"`
	Promotions  []PromotionReport `json:"promotions"`
	Inversions  []InversionReport `json:"inversions"`
	Pruned      []PruneReport     `json:"pruned"`
	DecisionLog []Decision        `json:"decisionLog"`
}

// Config tunes the reconciler.
type Config struct {
	Scoring scoring.Config `koanf:"scoring"`

	// StaleDays is how long an established bullet may go without feedback
	// before a negative score gets it pruned.
	StaleDays int `koanf:"stale_days"`

	// InvertOnHarmful turns a rule deprecated by harmful feedback into an
	// anti-pattern when its harmful count exceeds its helpful count.
	InvertOnHarmful bool `koanf:"invert_on_harmful"`

	// InvertedPrefix is prepended to the content of inverted rules.
	InvertedPrefix string `koanf:"inverted_prefix"`
}

// DefaultConfig returns the default reconciler settings.
func DefaultConfig() Config {
	return Config{
		Scoring:         scoring.DefaultConfig(),
		StaleDays:       90,
		InvertOnHarmful: true,
		InvertedPrefix:  "AVOID: ",
	}
}
