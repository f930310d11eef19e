package serving

import (
	"sort"
	"time"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/scoring"
)

// Stats summarizes a playbook.
type Stats struct {
	Total              int                       `json:"total"`
	Servable           int                       `json:"servable"`
	Pinned             int                       `json:"pinned"`
	ByMaturity         map[playbook.Maturity]int `json:"byMaturity"`
	ByState            map[playbook.State]int    `json:"byState"`
	ByKind             map[playbook.Kind]int     `json:"byKind"`
	FeedbackEvents     int                       `json:"feedbackEvents"`
	DeprecatedPatterns int                       `json:"deprecatedPatterns"`
	// Top holds the highest scoring servable bullets.
	Top []Ranked `json:"top,omitempty"`
	// AtRisk holds servable bullets with a negative effective score,
	// most negative first.
	AtRisk []Ranked `json:"atRisk,omitempty"`
}

// Compute gathers Stats, keeping at most n entries in Top and AtRisk.
func Compute(pb *playbook.Playbook, n int, now time.Time, cfg scoring.Config) Stats {
	st := Stats{
		ByMaturity: make(map[playbook.Maturity]int),
		ByState:    make(map[playbook.State]int),
		ByKind:     make(map[playbook.Kind]int),
	}
	if pb == nil {
		return st
	}
	st.DeprecatedPatterns = len(pb.DeprecatedPatterns)

	var scored []Ranked
	for _, b := range pb.Bullets {
		st.Total++
		st.ByMaturity[b.Maturity]++
		st.ByState[b.State]++
		st.ByKind[b.Kind]++
		st.FeedbackEvents += len(b.FeedbackEvents)
		if b.Pinned {
			st.Pinned++
		}
		if !b.Servable() {
			continue
		}
		st.Servable++
		sc := scoring.Score(b, now, cfg)
		scored = append(scored, Ranked{Bullet: b, Relevance: sc.EffectiveScore, Score: sc})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Relevance != scored[j].Relevance {
			return scored[i].Relevance > scored[j].Relevance
		}
		return scored[i].Bullet.ID < scored[j].Bullet.ID
	})
	for _, r := range scored {
		if len(st.Top) >= n {
			break
		}
		if r.Relevance > 0 {
			st.Top = append(st.Top, r)
		}
	}
	for i := len(scored) - 1; i >= 0 && len(st.AtRisk) < n; i-- {
		if scored[i].Relevance < 0 {
			st.AtRisk = append(st.AtRisk, scored[i])
		}
	}
	return st
}
