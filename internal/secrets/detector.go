package secrets

import (
	"regexp"
	"sort"
)

// =============================================================================
// DETECTION
// =============================================================================

// finding is one secret located in content. start/end bound the region the
// reference token replaces; for keyed patterns that is the value, not the
// key.
type finding struct {
	kind        string
	description string
	value       string
	start, end  int
}

// pattern is one detector rule. group selects the submatch holding the
// secret; 0 takes the whole match.
type pattern struct {
	kind        string
	description string
	re          *regexp.Regexp
	group       int
}

// Ordered most-specific first: an API key inside a key=value assignment is
// claimed by the key pattern before the generic assignment rule sees it.
var patterns = []pattern{
	{
		kind:        "pem_block",
		description: "PEM private key",
		re:          regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.+?-----END [A-Z ]*PRIVATE KEY-----`),
	},
	{
		kind:        "aws_access_key",
		description: "AWS access key ID",
		re:          regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	},
	{
		kind:        "bearer_token",
		description: "bearer token",
		re:          regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9._~+/-]{20,}=*)`),
		group:       1,
	},
	{
		kind:        "api_key",
		description: "vendor API key",
		re:          regexp.MustCompile(`\b(?:sk|rk|pk|ghp|gho|ghu|xoxb|xoxp|xapp)[-_][A-Za-z0-9_-]{16,}\b`),
	},
	{
		kind:        "password_kv",
		description: "credential assignment",
		re:          regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|api[_-]?secret|secret[_-]?key|auth[_-]?token)\s*[=:]\s*["']?([^\s"',;{}]{8,})`),
		group:       1,
	},
}

// detect returns every non-overlapping secret in content, ordered by
// position. Earlier patterns win overlaps.
func detect(content string) []finding {
	var found []finding
	for _, p := range patterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(content, -1) {
			start, end := m[0], m[1]
			if p.group > 0 {
				start, end = m[2*p.group], m[2*p.group+1]
			}
			if start < 0 || overlaps(found, start, end) {
				continue
			}
			found = append(found, finding{
				kind:        p.kind,
				description: p.description,
				value:       content[start:end],
				start:       start,
				end:         end,
			})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })
	return found
}

func overlaps(fs []finding, start, end int) bool {
	for _, f := range fs {
		if start < f.end && f.start < end {
			return true
		}
	}
	return false
}
