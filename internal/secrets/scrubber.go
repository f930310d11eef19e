package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultRedaction replaces each redacted span.
const DefaultRedaction = "[REDACTED]"

// Config configures a Scrubber.
type Config struct {
	Enabled   bool     `koanf:"enabled"`
	Redaction string   `koanf:"redaction"`
	Rules     []Rule   `koanf:"rules"`
	AllowList []string `koanf:"allow_list"`
}

// DefaultConfig enables the built-in rules.
func DefaultConfig() Config {
	return Config{Enabled: true, Redaction: DefaultRedaction, Rules: DefaultRules()}
}

// Finding locates a redacted secret.
type Finding struct {
	RuleID string `json:"ruleId"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Line   int    `json:"line"`
}

// Result is the outcome of scrubbing one string.
type Result struct {
	Scrubbed string         `json:"scrubbed"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"byRule,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r Result) HasFindings() bool { return len(r.Findings) > 0 }

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

// Scrubber redacts secrets. It is immutable after construction and safe
// for concurrent use.
type Scrubber struct {
	enabled   bool
	redaction string
	rules     []compiledRule
	allow     []*regexp.Regexp
}

// New compiles cfg into a Scrubber.
func New(cfg Config) (*Scrubber, error) {
	s := &Scrubber{enabled: cfg.Enabled, redaction: cfg.Redaction}
	if s.redaction == "" {
		s.redaction = DefaultRedaction
	}
	if !cfg.Enabled {
		return s, nil
	}

	for i, r := range cfg.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("secret rule %d: id is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil || r.Pattern == "" {
			return nil, fmt.Errorf("secret rule %s: invalid pattern: %v", r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, pattern: re, keywords: kws})
	}
	for i, p := range cfg.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: %w", i, err)
		}
		s.allow = append(s.allow, re)
	}
	return s, nil
}

// Disabled returns a Scrubber that passes content through.
func Disabled() *Scrubber {
	return &Scrubber{redaction: DefaultRedaction}
}

// Enabled reports whether scrubbing is active.
func (s *Scrubber) Enabled() bool { return s != nil && s.enabled }

// Scrub redacts every rule match not covered by the allow list.
// Overlapping matches collapse into one redaction.
func (s *Scrubber) Scrub(content string) Result {
	res := Result{Scrubbed: content}
	if !s.Enabled() || content == "" {
		return res
	}

	lower := strings.ToLower(content)
	type span struct{ start, end int }
	var spans []span
	for _, r := range s.rules {
		if len(r.keywords) > 0 && !containsAny(lower, r.keywords) {
			continue
		}
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			res.Findings = append(res.Findings, Finding{
				RuleID: r.id,
				Start:  m[0],
				End:    m[1],
				Line:   strings.Count(content[:m[0]], "\n") + 1,
			})
			if res.ByRule == nil {
				res.ByRule = make(map[string]int)
			}
			res.ByRule[r.id]++
			spans = append(spans, span{m[0], m[1]})
		}
	}
	if len(spans) == 0 {
		return res
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			last.end = max(last.end, sp.end)
			continue
		}
		merged = append(merged, sp)
	}

	var b strings.Builder
	pos := 0
	for _, sp := range merged {
		b.WriteString(content[pos:sp.start])
		b.WriteString(s.redaction)
		pos = sp.end
	}
	b.WriteString(content[pos:])
	res.Scrubbed = b.String()
	return res
}

// String is a convenience returning only the scrubbed text.
func (s *Scrubber) String(content string) string {
	return s.Scrub(content).Scrubbed
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
