// Package redact masks personal data in transcript text before it reaches
// logs. Transcripts sent to the client are never altered.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

type rule struct {
	re          *regexp.Regexp
	replacement string
}

// Order matters: long digit runs are card or account numbers and must be
// masked before the phone rule sees them.
var rules = []rule{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[EMAIL]"},
	{regexp.MustCompile(`\b\d(?:[ \-]?\d){14,18}\b`), "[NUMBER]"},
	{regexp.MustCompile(`\+?\d[\d \-]{7,}\d`), "[PHONE]"},
}

// SetEnabled toggles redaction process-wide.
func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text returns in with emails, long digit runs and phone numbers masked, or
// in unchanged when redaction is off.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.replacement)
	}
	return out
}
