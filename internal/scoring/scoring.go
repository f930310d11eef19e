// Package scoring computes decay-weighted confidence for bullets and suggests
// maturity transitions. All functions are pure.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
)

const day = 24 * time.Hour

// Config holds the scoring thresholds.
type Config struct {
	// DecayHalfLifeDays is the age at which an event counts half.
	DecayHalfLifeDays float64 `koanf:"decay_half_life_days"`

	// HarmfulMultiplier weights harmful evidence against helpful evidence.
	HarmfulMultiplier float64 `koanf:"harmful_multiplier"`

	// MinFeedbackForActive is the event count a candidate needs before it
	// can become established.
	MinFeedbackForActive int `koanf:"min_feedback_for_active"`

	// MinHelpfulForProven is the helpful count required for proven.
	MinHelpfulForProven int `koanf:"min_helpful_for_proven"`

	// MaxHarmfulRatioForProven caps harmful/(helpful+harmful) for proven.
	MaxHarmfulRatioForProven float64 `koanf:"max_harmful_ratio_for_proven"`

	// PruneHarmfulThreshold deprecates a bullet once its harmful count
	// exceeds it.
	PruneHarmfulThreshold int `koanf:"prune_harmful_threshold"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		DecayHalfLifeDays:        90,
		HarmfulMultiplier:        4,
		MinFeedbackForActive:     3,
		MinHelpfulForProven:      10,
		MaxHarmfulRatioForProven: 0.1,
		PruneHarmfulThreshold:    3,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.DecayHalfLifeDays <= 0 {
		return fmt.Errorf("decay_half_life_days must be positive, got %v", c.DecayHalfLifeDays)
	}
	if c.HarmfulMultiplier <= 1 {
		return fmt.Errorf("harmful_multiplier must be greater than 1, got %v", c.HarmfulMultiplier)
	}
	if c.MinFeedbackForActive < 0 || c.MinHelpfulForProven < 0 || c.PruneHarmfulThreshold < 0 {
		return fmt.Errorf("feedback thresholds cannot be negative")
	}
	if c.MaxHarmfulRatioForProven < 0 || c.MaxHarmfulRatioForProven > 1 {
		return fmt.Errorf("max_harmful_ratio_for_proven must be between 0 and 1, got %v", c.MaxHarmfulRatioForProven)
	}
	return nil
}

// Result is the score of one bullet at one instant.
type Result struct {
	HelpfulWeight  float64
	HarmfulWeight  float64
	EffectiveScore float64

	// Maturity is the suggested maturity; Reason explains a change.
	Maturity playbook.Maturity
	Reason   string
}

// Changed reports whether the suggestion differs from current.
func (r Result) Changed(current playbook.Maturity) bool {
	return r.Maturity != current
}

// Decay returns 0.5^(age/halfLife) for an event at ts. Events in the future
// count fully.
func Decay(ts, now time.Time, halfLifeDays float64) float64 {
	age := now.Sub(ts)
	if age <= 0 || halfLifeDays <= 0 {
		return 1
	}
	return math.Pow(0.5, age.Hours()/24/halfLifeDays)
}

// HalfLife returns the bullet's own half-life when set, else the default.
func HalfLife(b *playbook.Bullet, cfg Config) float64 {
	if b.ConfidenceDecayHalfLifeDays > 0 {
		return b.ConfidenceDecayHalfLifeDays
	}
	return cfg.DecayHalfLifeDays
}

// Score computes weights, effective score and the suggested maturity.
func Score(b *playbook.Bullet, now time.Time, cfg Config) Result {
	halfLife := HalfLife(b, cfg)
	var r Result
	for _, ev := range b.FeedbackEvents {
		w := Decay(ev.Timestamp, now, halfLife)
		switch ev.Type {
		case playbook.FeedbackHelpful:
			r.HelpfulWeight += w
		case playbook.FeedbackHarmful:
			r.HarmfulWeight += w
		}
	}
	r.EffectiveScore = r.HelpfulWeight - cfg.HarmfulMultiplier*r.HarmfulWeight
	r.Maturity, r.Reason = SuggestMaturity(b, r.EffectiveScore, cfg)
	return r
}

// SuggestMaturity applies the transition rules to the bullet's raw counts.
// Maturity only moves forward; the single way back is deprecation once the
// harmful count exceeds the prune threshold.
func SuggestMaturity(b *playbook.Bullet, effectiveScore float64, cfg Config) (playbook.Maturity, string) {
	current := b.Maturity
	if current == "" {
		current = playbook.MaturityCandidate
	}
	if current == playbook.MaturityDeprecated {
		return current, ""
	}
	if b.HarmfulCount > cfg.PruneHarmfulThreshold {
		return playbook.MaturityDeprecated,
			fmt.Sprintf("harmful count %d exceeds prune threshold %d", b.HarmfulCount, cfg.PruneHarmfulThreshold)
	}

	next, reason := current, ""
	total := b.HelpfulCount + b.HarmfulCount
	if next == playbook.MaturityCandidate && total >= cfg.MinFeedbackForActive && effectiveScore > 0 {
		next = playbook.MaturityEstablished
		reason = fmt.Sprintf("%d feedback events with positive score %.2f", total, effectiveScore)
	}
	if next == playbook.MaturityEstablished && b.HelpfulCount >= cfg.MinHelpfulForProven &&
		HarmfulRatio(b) <= cfg.MaxHarmfulRatioForProven {
		next = playbook.MaturityProven
		reason = fmt.Sprintf("%d helpful with harmful ratio %.2f", b.HelpfulCount, HarmfulRatio(b))
	}
	return next, reason
}

// HarmfulRatio is harmful/(helpful+harmful), 0 with no feedback.
func HarmfulRatio(b *playbook.Bullet) float64 {
	total := b.HelpfulCount + b.HarmfulCount
	if total == 0 {
		return 0
	}
	return float64(b.HarmfulCount) / float64(total)
}

// IsStale reports whether the bullet has had no feedback within window.
// A bullet with no feedback at all is measured from its creation time.
func IsStale(b *playbook.Bullet, now time.Time, window time.Duration) bool {
	last := b.LastFeedbackAt()
	if last.IsZero() {
		last = b.CreatedAt
	}
	return now.Sub(last) > window
}

// StaleDays converts a day count to a duration.
func StaleDays(days int) time.Duration {
	return time.Duration(days) * day
}
