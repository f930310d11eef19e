package llm

import (
	"strings"
	"text/template"
)

const reflectPromptText = `You maintain a playbook of short, actionable rules for an AI coding agent.
Read the session diary and propose changes to the playbook.

## Current playbook
{{.Summary}}
{{- if .Previous}}
## Already proposed (do not repeat these)
{{range .Previous}}{{.}}
{{end}}
{{- end}}
## Session diary (pass {{.Iteration}})
{{.Diary}}

## Output
Reply with only a JSON array. Each element is one of:
{"type":"add","bullet":{"content":"...","category":"...","kind":"rule|anti-pattern","scope":"global|workspace|language|framework|task","tags":["..."]},"reason":"..."}
{"type":"helpful","bulletId":"...","context":"..."}
{"type":"harmful","bulletId":"...","reason":"caused_bug|wasted_time|contradicted_requirements|wrong_context|outdated|other","context":"..."}
{"type":"replace","bulletId":"...","newContent":"...","reason":"..."}
{"type":"deprecate","bulletId":"...","reason":"...","replacedBy":"..."}
{"type":"merge","bulletIds":["...","..."],"mergedContent":"...","reason":"..."}
Only reference bullet ids that appear in the playbook. Reply [] when nothing new was learned.
`

const judgePromptText = `Decide whether this proposed rule for an AI coding agent is supported by past sessions.

## Proposed rule
{{.Rule}}

## Evidence from past sessions
{{range .Evidence}}- ({{.SessionPath}}) {{.Snippet}}
{{else}}(no evidence found)
{{end}}
## Output
Reply with only a JSON object:
{"decision":"ACCEPT|REJECT|REFINE","refinedRule":"<only for REFINE>","reason":"<one sentence>"}
Use REFINE when the rule is right in spirit but too broad, too narrow or unclear.
`

var (
	reflectPrompt = template.Must(template.New("reflect").Parse(reflectPromptText))
	judgePrompt   = template.Must(template.New("judge").Parse(judgePromptText))
)

func render(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	// Keep the end of long text; the outcome of a session is usually there.
	cut := len(s) - n
	for cut < len(s) && !utf8Start(s[cut]) {
		cut++
	}
	return "…" + s[cut:]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
