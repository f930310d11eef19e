package evidence

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Outcome is the classification of one historical snippet.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeNeutral Outcome = "neutral"
)

var successWords = map[string]bool{
	"fixed": true, "fixes": true, "resolved": true, "resolves": true,
	"completed": true, "complete": true, "works": true, "worked": true,
	"working": true, "passed": true, "passes": true, "passing": true,
	"succeeded": true, "success": true, "successful": true,
	"successfully": true, "solved": true, "green": true,
}

var failureWords = map[string]bool{
	"error": true, "errors": true, "failed": true, "fails": true,
	"failing": true, "failure": true, "broken": true, "broke": true,
	"crashed": true, "crash": true, "crashes": true, "bug": true,
	"bugs": true, "exception": true, "panic": true, "regression": true,
	"reverted": true,
}

// Negation phrases count as failures even when they contain a success word.
var negationPhrases = []string{
	"doesn't work", "does not work", "didn't work", "did not work",
	"didn't help", "did not help", "not working", "no longer works",
	"still broken", "still failing", "couldn't fix", "could not fix",
	"wasn't fixed", "not fixed",
}

var stopWords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"from": true, "into": true, "this": true, "that": true, "these": true,
	"those": true, "are": true, "was": true, "were": true, "been": true,
	"being": true, "have": true, "has": true, "had": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "can": true, "when": true, "where": true,
	"which": true, "what": true, "who": true, "why": true, "how": true,
	"always": true, "never": true, "use": true, "using": true, "avoid": true,
	"instead": true, "before": true, "after": true, "not": true, "don't": true,
	"all": true, "any": true, "each": true, "every": true, "you": true,
	"your": true, "its": true, "than": true, "then": true, "them": true,
	"they": true, "their": true, "there": true, "about": true, "only": true,
	"also": true, "make": true, "sure": true,
}

func tokenize(text string) []string {
	text = strings.ToLower(strings.ReplaceAll(text, "’", "'"))
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '\'' && r != '-'
	})
}

// ExtractKeywords returns up to max salient terms from text ordered by
// frequency, then alphabetically.
func ExtractKeywords(text string, max int) []string {
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		tok = strings.Trim(tok, "'-")
		if utf8.RuneCountInString(tok) < 3 || stopWords[tok] {
			continue
		}
		counts[tok]++
	}
	keywords := make([]string, 0, len(counts))
	for k := range counts {
		keywords = append(keywords, k)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	if max > 0 && len(keywords) > max {
		keywords = keywords[:max]
	}
	return keywords
}

// ClassifySnippet labels a snippet by counting lexicon hits. Ties are neutral.
func ClassifySnippet(snippet string) Outcome {
	lower := strings.ToLower(strings.ReplaceAll(snippet, "’", "'"))
	var success, failure int
	for _, phrase := range negationPhrases {
		if n := strings.Count(lower, phrase); n > 0 {
			failure += n
			lower = strings.ReplaceAll(lower, phrase, " ")
		}
	}
	for _, tok := range tokenize(lower) {
		tok = strings.Trim(tok, "'-")
		switch {
		case successWords[tok]:
			success++
		case failureWords[tok]:
			failure++
		}
	}
	switch {
	case failure > success:
		return OutcomeFailure
	case success > failure:
		return OutcomeSuccess
	default:
		return OutcomeNeutral
	}
}

func mentionsAny(snippet string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(snippet)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
