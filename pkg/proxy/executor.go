package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultEgressTimeout bounds one upstream call.
	DefaultEgressTimeout = 30 * time.Second
	// DefaultMaxBodyBytes caps how much of an upstream body is returned.
	DefaultMaxBodyBytes int64 = 1 << 20
)

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	// Transport is the base round tripper; nil uses http.DefaultTransport.
	Transport http.RoundTripper
	// Breaker suspends calls to a host after consecutive failures; nil uses
	// DefaultBreakerConfig.
	Breaker *BreakerConfig
	Logger  *slog.Logger
}

// Response is the part of an upstream response handed back to the agent.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	Truncated  bool
}

// Executor sends granted requests upstream.
type Executor struct {
	client   *http.Client
	breakers *hostBreakers
	maxBody  int64
	logger   *slog.Logger
}

// NewExecutor builds an executor whose transport is instrumented with
// OpenTelemetry.
func NewExecutor(opts ExecutorOptions) *Executor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultEgressTimeout
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breaker := DefaultBreakerConfig()
	if opts.Breaker != nil {
		breaker = *opts.Breaker
	}

	return &Executor{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(base),
			// Credentials are bound to the checked host; never follow a
			// redirect elsewhere with them attached.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breakers: newHostBreakers(breaker),
		maxBody:  maxBody,
		logger:   logger,
	}
}

// Do sends req and reads at most MaxBodyBytes of the response body. Transport
// errors and 5xx responses count as failures toward the host's circuit.
func (x *Executor) Do(req *http.Request) (Response, error) {
	host := req.URL.Host
	if err := x.breakers.allow(host); err != nil {
		x.logger.Warn("Upstream call suspended", "host", host, "error", err)
		return Response{}, fmt.Errorf("upstream request to %s: %w", host, err)
	}

	start := time.Now()
	resp, err := x.client.Do(req)
	if err != nil {
		x.breakers.record(host, true)
		return Response{}, fmt.Errorf("upstream request to %s: %w", host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, x.maxBody+1))
	if err != nil {
		x.breakers.record(host, true)
		return Response{}, fmt.Errorf("read upstream response from %s: %w", host, err)
	}
	x.breakers.record(host, resp.StatusCode >= http.StatusInternalServerError)
	truncated := int64(len(body)) > x.maxBody
	if truncated {
		body = body[:x.maxBody]
	}

	x.logger.Info("Upstream request completed",
		"host", host,
		"method", req.Method,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"truncated", truncated,
	)

	return Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Body:       body,
		Truncated:  truncated,
	}, nil
}
