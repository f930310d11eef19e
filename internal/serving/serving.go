// Package serving answers read-only queries against a playbook snapshot:
// which bullets are relevant to a task, which text uses a deprecated
// pattern, and how the playbook looks overall. Nothing here takes the
// store lock, so results may lag a concurrent curation run.
package serving

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/playbookd/internal/evidence"
	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/scoring"
)

// Ranked is a bullet with its relevance to a query.
type Ranked struct {
	Bullet    *playbook.Bullet `json:"bullet"`
	Relevance float64          `json:"relevance"`
	Score     scoring.Result   `json:"score"`
	Matched   []string         `json:"matched,omitempty"`
}

var maturityBoost = map[playbook.Maturity]float64{
	playbook.MaturityCandidate:   1.0,
	playbook.MaturityEstablished: 1.25,
	playbook.MaturityProven:      1.5,
}

// Relevant ranks servable bullets for query. Relevance is the fraction of
// query keywords found in the bullet, scaled by maturity and by the
// positive part of the effective score. An empty query ranks every
// servable bullet on trust alone.
func Relevant(pb *playbook.Playbook, query string, limit int, now time.Time, cfg scoring.Config) []Ranked {
	if pb == nil {
		return nil
	}
	terms := evidence.ExtractKeywords(query, 0)

	var out []Ranked
	for _, b := range pb.Servable() {
		overlap := 1.0
		var matched []string
		if len(terms) > 0 {
			text := strings.ToLower(b.Content + " " + b.Category + " " + strings.Join(b.Tags, " "))
			for _, t := range terms {
				if strings.Contains(text, t) {
					matched = append(matched, t)
				}
			}
			if len(matched) == 0 {
				continue
			}
			overlap = float64(len(matched)) / float64(len(terms))
		}

		sc := scoring.Score(b, now, cfg)
		boost, ok := maturityBoost[b.Maturity]
		if !ok {
			boost = 1
		}
		if b.Pinned {
			boost *= 1.5
		}
		rel := overlap * boost * (1 + max(sc.EffectiveScore, 0)/10)
		if sc.EffectiveScore < 0 {
			rel /= 1 - sc.EffectiveScore
		}
		out = append(out, Ranked{Bullet: b, Relevance: rel, Score: sc, Matched: matched})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].Bullet.ID < out[j].Bullet.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Warning flags text that uses a deprecated pattern.
type Warning struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Match       string `json:"match"`
}

// CheckDeprecated returns one warning per pattern found in text. Plain
// patterns match case-insensitively; regex patterns that fail to compile
// are ignored.
func CheckDeprecated(text string, patterns []playbook.DeprecatedPattern) []Warning {
	var out []Warning
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if p.Pattern == "" {
			continue
		}
		var match string
		if p.Regex {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				continue
			}
			match = re.FindString(text)
		} else if i := strings.Index(lower, strings.ToLower(p.Pattern)); i >= 0 {
			match = p.Pattern
			if end := i + len(p.Pattern); len(lower) == len(text) && end <= len(text) {
				match = text[i:end]
			}
		}
		if match == "" {
			continue
		}
		out = append(out, Warning{
			Pattern:     p.Pattern,
			Replacement: p.Replacement,
			Reason:      p.Reason,
			Match:       match,
		})
	}
	return out
}
