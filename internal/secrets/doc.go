// Package secrets redacts credentials from session diaries and rule text
// before they reach a language model, the playbook file or the feedback log.
//
// Findings never carry the matched value, only the rule that fired and
// where it fired.
package secrets
