package proxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestRedactorKnownSecrets(t *testing.T) {
	r := NewRedactor("sk-live-abc", "")
	r.Remember("sk-live-abc-extended")

	got := r.Redact("keys: sk-live-abc and sk-live-abc-extended")
	assert.Equal(t, "keys: [REDACTED] and [REDACTED]", got)
}

func TestRedactorPatterns(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		in   string
		want string
	}{
		{"Authorization: Bearer abc.def-ghi", "Authorization: Bearer [REDACTED]"},
		{"authorization: bearer xyz==", "authorization: bearer [REDACTED]"},
		{"Authorization: Basic dXNlcjpwYXNz", "Authorization: Basic [REDACTED]"},
		{"Proxy-Authorization: Digest opaque", "Proxy-Authorization: Digest [REDACTED]"},
		{"nothing to see", "nothing to see"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Redact(tt.in))
	}
}

// A remembered secret never survives redaction, wherever it is embedded.
func TestRedactorProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secret := rapid.StringMatching(`[A-Za-z0-9_\-]{6,24}`).Draw(t, "secret")
		prefix := rapid.String().Draw(t, "prefix")
		suffix := rapid.String().Draw(t, "suffix")

		r := NewRedactor(secret)
		out := r.Redact(prefix + secret + suffix)
		if strings.Contains(out, secret) {
			t.Fatalf("secret %q survived in %q", secret, out)
		}
	})
}
