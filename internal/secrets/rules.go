package secrets

// Rule is one detection pattern.
type Rule struct {
	ID          string `koanf:"id"`
	Description string `koanf:"description"`
	Pattern     string `koanf:"pattern"`
	// Keywords, when set, must appear (case-insensitively) somewhere in the
	// input before Pattern is tried.
	Keywords []string `koanf:"keywords"`
}

// DefaultRules returns the built-in rule set. It favors tokens with a
// recognizable prefix over entropy guesses so prose is left alone.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "private-key", Description: "PEM private key header",
			Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`},
		{ID: "aws-access-key-id", Description: "AWS access key id",
			Pattern: `\b(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}\b`},
		{ID: "aws-secret-access-key", Description: "AWS secret access key assignment",
			Pattern:  `(?i)(?:aws_secret_access_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
			Keywords: []string{"secret_access_key"}},
		{ID: "anthropic-api-key", Description: "Anthropic API key",
			Pattern: `sk-ant-[A-Za-z0-9_\-]{32,}`},
		{ID: "openai-api-key", Description: "OpenAI API key",
			Pattern: `\bsk-(?:proj-)?[A-Za-z0-9_\-]{40,}`},
		{ID: "github-token", Description: "GitHub token",
			Pattern: `\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b|\bgithub_pat_[A-Za-z0-9_]{22,}`},
		{ID: "gitlab-token", Description: "GitLab personal access token",
			Pattern: `\bglpat-[A-Za-z0-9\-]{20,}`},
		{ID: "slack-token", Description: "Slack token",
			Pattern: `\bxox[abprs]-[A-Za-z0-9\-]{10,}`},
		{ID: "stripe-key", Description: "Stripe key",
			Pattern: `\b(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`},
		{ID: "google-api-key", Description: "Google API key",
			Pattern: `\bAIza[A-Za-z0-9_\-]{35}`},
		{ID: "jwt", Description: "JSON web token",
			Pattern: `\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`},
		{ID: "connection-string", Description: "URL with embedded password",
			Pattern: `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqps?)://[^\s:/@]+:[^\s@]+@[^\s]+`},
		{ID: "bearer-token", Description: "Authorization bearer header",
			Pattern:  `(?i)bearer\s+[A-Za-z0-9_\-\.=]{20,}`,
			Keywords: []string{"bearer"}},
		{ID: "credential-assignment", Description: "password or secret assigned a literal",
			Pattern:  `(?i)\b(?:password|passwd|secret|api[_-]?key|access[_-]?token|auth[_-]?token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords: []string{"password", "passwd", "secret", "key", "token"}},
	}
}
