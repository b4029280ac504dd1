package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/polisai/polis-broker/pkg/domain"
)

// DefaultCookieName is used for cookie credentials without a configured name.
const DefaultCookieName = "session"

// credentialHeaders are removed from caller-supplied headers before the
// scope credential is injected, together with hop-by-hop headers.
var credentialHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"X-Forwarded-Access-Token",
	"X-Forwarded-Authorization",
	"X-Identity-Token",
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"TE",
	"Trailer",
	"Upgrade",
}

// headerSanitizer removes credential-bearing headers from outbound requests.
type headerSanitizer struct {
	blocked map[string]struct{}
}

func newHeaderSanitizer(extra ...string) *headerSanitizer {
	s := &headerSanitizer{blocked: make(map[string]struct{}, len(credentialHeaders)+len(extra))}
	for _, name := range append(append([]string{}, credentialHeaders...), extra...) {
		canonical := http.CanonicalHeaderKey(strings.TrimSpace(name))
		if canonical != "" {
			s.blocked[canonical] = struct{}{}
		}
	}
	return s
}

// strip removes blocked headers and reports how many names were removed.
func (s *headerSanitizer) strip(headers http.Header) int {
	removed := 0
	for name := range headers {
		if _, blocked := s.blocked[http.CanonicalHeaderKey(name)]; blocked {
			delete(headers, name)
			removed++
		}
	}
	return removed
}

// injectCredential strips caller credentials from h and attaches secret
// according to the policy's credential type. An empty secret injects nothing.
func injectCredential(h http.Header, p domain.ScopePolicy, secret string) {
	newHeaderSanitizer(p.CustomHeaderName).strip(h)
	if secret == "" {
		return
	}

	switch p.CredentialType {
	case domain.CredentialHeader:
		h.Set(p.CustomHeaderName, secret)
	case domain.CredentialCookie:
		name := strings.TrimSpace(p.CustomHeaderName)
		if name == "" {
			name = DefaultCookieName
		}
		h.Set("Cookie", name+"="+secret)
	case domain.CredentialBasic:
		h.Set("Authorization", "Basic "+encodeBasic(secret))
	default:
		h.Set("Authorization", "Bearer "+secret)
	}
}

// encodeBasic encodes the complete identifier:secret material.
func encodeBasic(material string) string {
	return base64.StdEncoding.EncodeToString([]byte(material))
}

// resolveTarget returns the URL the credential is destined for. A URL
// without a scheme is treated as https; without a URL the target is the
// root of the requested host. The URL's host wins over Request.Host.
func resolveTarget(req Request) (*url.URL, error) {
	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		host := strings.TrimSpace(req.Host)
		if host == "" {
			return nil, fmt.Errorf("%w: a host or URL is required", ErrInvalidRequest)
		}
		raw = "https://" + host + "/"
	} else if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequest, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: URL %q has no host", ErrInvalidRequest, req.URL)
	}
	return u, nil
}

func methodOrDefault(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return http.MethodGet
	}
	return method
}

func buildRequest(ctx context.Context, req Request, target *url.URL) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	out, err := http.NewRequestWithContext(ctx, methodOrDefault(req.Method), target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for name, values := range req.Headers {
		out.Header[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out, nil
}

// DescribeRequest renders the request line and headers of r, sorted by
// header name. Callers pass the result through Redact before showing it.
func DescribeRequest(r *http.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", r.Method, r.URL.String())

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range r.Header[name] {
			fmt.Fprintf(&b, "%s: %s\n", name, value)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
