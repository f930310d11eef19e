// Package history searches past session transcripts for evidence about a
// proposed rule.
//
// Search never fails with an error. When history cannot be consulted the
// Result carries an Unavailable value naming the reason, and callers treat
// that as "no evidence" rather than aborting.
package history

import (
	"context"
	"fmt"
	"time"
)

// Reason explains why history was unavailable.
type Reason string

const (
	ReasonNotFound     Reason = "not_found"
	ReasonIndexMissing Reason = "index_missing"
	ReasonTimeout      Reason = "timeout"
	ReasonDisabled     Reason = "disabled"
	ReasonError        Reason = "error"
)

// Unavailable is the explicit "could not search" signal.
type Unavailable struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (u *Unavailable) Error() string {
	if u.Detail == "" {
		return fmt.Sprintf("history unavailable: %s", u.Reason)
	}
	return fmt.Sprintf("history unavailable: %s: %s", u.Reason, u.Detail)
}

// Hit is one matching snippet.
type Hit struct {
	SessionPath string    `json:"sessionPath"`
	Snippet     string    `json:"snippet"`
	Score       float64   `json:"score"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// Result is the outcome of a search.
type Result struct {
	Hits        []Hit        `json:"hits"`
	Unavailable *Unavailable `json:"unavailable,omitempty"`
}

// Available reports whether the search actually ran.
func (r Result) Available() bool {
	return r.Unavailable == nil
}

// Options bound a search.
type Options struct {
	// Limit is the maximum number of hits. Zero means 10.
	Limit int
	// Timeout bounds the search. Zero means no extra deadline.
	Timeout time.Duration
}

// Searcher looks up historical snippets.
type Searcher interface {
	SearchHistory(ctx context.Context, query string, opts Options) Result
}

func unavailable(reason Reason, detail string) Result {
	return Result{Unavailable: &Unavailable{Reason: reason, Detail: detail}}
}
