package proxy

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// RedactedPlaceholder replaces every redacted value.
const RedactedPlaceholder = "[REDACTED]"

var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(Authorization:\s*Bearer\s+)([a-zA-Z0-9\-\._~+/]+=*)`),
	regexp.MustCompile(`(?i)(Authorization:\s*Basic\s+)([a-zA-Z0-9+/]+=*)`),
	regexp.MustCompile(`(?i)(Proxy-Authorization:\s*\S+\s+)(\S+)`),
}

// Redactor remembers released secrets and scrubs them from text bound for
// the requesting agent.
type Redactor struct {
	mu      sync.RWMutex
	secrets map[string]struct{}
	ordered []string
}

// NewRedactor creates a redactor that knows the supplied secrets.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{secrets: make(map[string]struct{})}
	for _, s := range secrets {
		r.Remember(s)
	}
	return r
}

// Remember adds secret to the set redacted from output.
func (r *Redactor) Remember(secret string) {
	if secret == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.secrets[secret]; ok {
		return
	}
	r.secrets[secret] = struct{}{}
	r.ordered = append(r.ordered, secret)
	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(r.ordered, func(i, j int) bool { return len(r.ordered[i]) > len(r.ordered[j]) })
}

// Redact replaces known secrets, then credential header patterns.
func (r *Redactor) Redact(input string) string {
	r.mu.RLock()
	res := input
	for _, secret := range r.ordered {
		res = strings.ReplaceAll(res, secret, RedactedPlaceholder)
	}
	r.mu.RUnlock()

	for _, re := range credentialPatterns {
		res = re.ReplaceAllString(res, "${1}"+RedactedPlaceholder)
	}
	return res
}
