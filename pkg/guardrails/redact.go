package guardrails

import (
	"context"
	"regexp"
)

// Kind categorizes redacted content.
type Kind string

const (
	KindSecret     Kind = "secret"
	KindEmail      Kind = "email"
	KindCreditCard Kind = "credit_card"
	KindIPAddress  Kind = "ip_address"
)

// AllKinds lists every kind in pattern order.
var AllKinds = []Kind{KindSecret, KindEmail, KindCreditCard, KindIPAddress}

type pattern struct {
	kind Kind
	re   *regexp.Regexp
	mask string
	// group, when non-zero, masks only that submatch.
	group int
}

// Order matters: more specific patterns come first.
var defaultPatterns = []pattern{
	{kind: KindSecret, re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), mask: "[PRIVATE_KEY]"},
	{kind: KindSecret, re: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`), mask: "[AWS_KEY]"},
	{kind: KindSecret, re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), mask: "[GITHUB_TOKEN]"},
	{kind: KindSecret, re: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`), mask: "[API_KEY]"},
	{kind: KindSecret, re: regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9._~+/-]{16,}=*)`), mask: "[TOKEN]", group: 1},
	{kind: KindSecret, re: regexp.MustCompile(`(?i)(?:api[_-]?key|secret|password|passwd|token)\s*[:=]\s*["']?([^\s"']{6,})`), mask: "[SECRET]", group: 1},

	{kind: KindCreditCard, re: regexp.MustCompile(`\b[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}\b`), mask: "[CREDIT_CARD]"},
	{kind: KindEmail, re: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), mask: "[EMAIL]"},
	{kind: KindIPAddress, re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`), mask: "[IP_ADDRESS]"},
}

// Redactor masks secrets and personal data.
type Redactor struct {
	patterns []pattern
}

// NewRedactor creates a Redactor for kinds. With no kinds it masks secrets
// only.
func NewRedactor(kinds ...Kind) *Redactor {
	if len(kinds) == 0 {
		kinds = []Kind{KindSecret}
	}
	enabled := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		enabled[k] = true
	}
	r := &Redactor{}
	for _, p := range defaultPatterns {
		if enabled[p.kind] {
			r.patterns = append(r.patterns, p)
		}
	}
	return r
}

// Redact returns text with every match masked. Positions refer to the text
// as it was when the pattern ran.
func (r *Redactor) Redact(ctx context.Context, text string) (string, []Redaction) {
	var out []Redaction
	for _, p := range r.patterns {
		if ctx.Err() != nil {
			return text, out
		}
		matches := p.re.FindAllStringSubmatchIndex(text, -1)
		// Reverse order keeps earlier offsets valid.
		for i := len(matches) - 1; i >= 0; i-- {
			start, end := matches[i][0], matches[i][1]
			if p.group > 0 {
				start, end = matches[i][2*p.group], matches[i][2*p.group+1]
				if start < 0 {
					continue
				}
			}
			text = text[:start] + p.mask + text[end:]
			out = append(out, Redaction{Kind: p.kind, Replacement: p.mask, Position: start})
		}
	}
	return text, out
}
