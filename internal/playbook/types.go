// Package playbook defines the data model of a curated playbook: bullets,
// their feedback history, and the deltas that change them.
package playbook

import (
	"errors"
	"time"
)

// SchemaVersion is the current on-disk playbook schema version.
const SchemaVersion = 2

// Common errors for playbook operations.
var (
	ErrBulletNotFound   = errors.New("bullet not found")
	ErrDuplicateID      = errors.New("duplicate bullet id")
	ErrEmptyID          = errors.New("bullet id cannot be empty")
	ErrEmptyContent     = errors.New("bullet content cannot be empty")
	ErrEmptyCategory    = errors.New("bullet category cannot be empty")
	ErrInvalidScope     = errors.New("invalid bullet scope")
	ErrInvalidKind      = errors.New("kind must be 'rule' or 'anti-pattern'")
	ErrInvalidState     = errors.New("invalid bullet state")
	ErrInvalidMaturity  = errors.New("invalid bullet maturity")
	ErrInvalidFeedback  = errors.New("feedback type must be 'helpful' or 'harmful'")
	ErrInvalidDelta     = errors.New("invalid delta")
	ErrUnknownDeltaType = errors.New("unknown delta type")
)

// Scope is the applicability of a bullet.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeWorkspace Scope = "workspace"
	ScopeLanguage  Scope = "language"
	ScopeFramework Scope = "framework"
	ScopeTask      Scope = "task"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeWorkspace, ScopeLanguage, ScopeFramework, ScopeTask:
		return true
	}
	return false
}

// Kind is the polarity of a bullet.
type Kind string

const (
	// KindRule is something to do.
	KindRule Kind = "rule"

	// KindAntiPattern is something to avoid.
	KindAntiPattern Kind = "anti-pattern"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindRule || k == KindAntiPattern
}

// State is the lifecycle state of a bullet.
type State string

const (
	StateDraft   State = "draft"
	StateActive  State = "active"
	StateRetired State = "retired"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == StateDraft || s == StateActive || s == StateRetired
}

// Maturity is the confidence tier of a bullet.
type Maturity string

const (
	MaturityCandidate   Maturity = "candidate"
	MaturityEstablished Maturity = "established"
	MaturityProven      Maturity = "proven"
	MaturityDeprecated  Maturity = "deprecated"
)

// Valid reports whether m is a known maturity.
func (m Maturity) Valid() bool {
	switch m {
	case MaturityCandidate, MaturityEstablished, MaturityProven, MaturityDeprecated:
		return true
	}
	return false
}

// FeedbackType is the direction of a feedback event.
type FeedbackType string

const (
	FeedbackHelpful FeedbackType = "helpful"
	FeedbackHarmful FeedbackType = "harmful"
)

// Valid reports whether t is a known feedback type.
func (t FeedbackType) Valid() bool {
	return t == FeedbackHelpful || t == FeedbackHarmful
}

// HarmfulReason explains why a bullet was marked harmful.
type HarmfulReason string

const (
	ReasonCausedBug                HarmfulReason = "caused_bug"
	ReasonWastedTime               HarmfulReason = "wasted_time"
	ReasonContradictedRequirements HarmfulReason = "contradicted_requirements"
	ReasonWrongContext             HarmfulReason = "wrong_context"
	ReasonOutdated                 HarmfulReason = "outdated"
	ReasonOther                    HarmfulReason = "other"
)

// Valid reports whether r is a known reason code. The empty reason is valid.
func (r HarmfulReason) Valid() bool {
	switch r {
	case "", ReasonCausedBug, ReasonWastedTime, ReasonContradictedRequirements,
		ReasonWrongContext, ReasonOutdated, ReasonOther:
		return true
	}
	return false
}

// FeedbackEvent is a single immutable helpful/harmful observation.
type FeedbackEvent struct {
	Type        FeedbackType  `json:"type"`
	Timestamp   time.Time     `json:"timestamp"`
	Reason      HarmfulReason `json:"reason,omitempty"`
	Context     string        `json:"context,omitempty"`
	SessionPath string        `json:"sessionPath,omitempty"`
}

// Bullet is one curated rule or anti-pattern.
//
// FeedbackEvents is the source of truth for HelpfulCount and HarmfulCount;
// the counts are cached projections kept in sync by RecordFeedback and
// RecomputeCounts.
type Bullet struct {
	ID       string `json:"id"`
	Scope    Scope  `json:"scope"`
	ScopeKey string `json:"scopeKey,omitempty"`
	Category string `json:"category"`
	Content  string `json:"content"`

	Kind       Kind `json:"kind"`
	IsNegative bool `json:"isNegative"`

	State    State    `json:"state"`
	Maturity Maturity `json:"maturity"`

	FeedbackEvents []FeedbackEvent `json:"feedbackEvents"`
	HelpfulCount   int             `json:"helpfulCount"`
	HarmfulCount   int             `json:"harmfulCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Embedding []float32 `json:"embedding,omitempty"`

	Deprecated        bool       `json:"deprecated,omitempty"`
	DeprecatedAt      *time.Time `json:"deprecatedAt,omitempty"`
	DeprecationReason string     `json:"deprecationReason,omitempty"`
	ReplacedBy        string     `json:"replacedBy,omitempty"`

	// Pinned bullets are never deprecated automatically.
	Pinned bool `json:"pinned,omitempty"`

	SourceSessions []string `json:"sourceSessions,omitempty"`
	SourceAgents   []string `json:"sourceAgents,omitempty"`
	Tags           []string `json:"tags,omitempty"`

	// ConfidenceDecayHalfLifeDays overrides the configured half-life when > 0.
	ConfidenceDecayHalfLifeDays float64 `json:"confidenceDecayHalfLifeDays,omitempty"`
}

// DeprecatedPattern is a content pattern that triggers a warning at serving
// time, optionally suggesting a replacement.
type DeprecatedPattern struct {
	Pattern      string    `json:"pattern"`
	Replacement  string    `json:"replacement,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	DeprecatedAt time.Time `json:"deprecatedAt"`
	Regex        bool      `json:"regex,omitempty"`
}

// Metadata tracks playbook-level bookkeeping.
type Metadata struct {
	CreatedAt              time.Time  `json:"createdAt"`
	LastReflection         *time.Time `json:"lastReflection,omitempty"`
	TotalReflections       int        `json:"totalReflections"`
	TotalSessionsProcessed int        `json:"totalSessionsProcessed"`
}

// Playbook is the persisted collection of bullets.
type Playbook struct {
	SchemaVersion      int                 `json:"schema_version"`
	Name               string              `json:"name,omitempty"`
	Description        string              `json:"description,omitempty"`
	Metadata           Metadata            `json:"metadata"`
	DeprecatedPatterns []DeprecatedPattern `json:"deprecatedPatterns"`
	Bullets            []*Bullet           `json:"bullets"`
}
