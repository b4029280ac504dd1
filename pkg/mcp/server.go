// Package mcp exposes the broker to agents as a JSON-RPC 2.0 tool server in
// the Model Context Protocol style. Message processing is transport-agnostic
// (HandleMessage); Serve speaks newline-delimited JSON over a byte stream and
// Handler serves the same processor over HTTP.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/polisai/polis-broker/pkg/domain"
	"github.com/polisai/polis-broker/pkg/proxy"
)

// ServerName is reported in serverInfo.
const ServerName = "polis-broker"

// maxMessageBytes bounds a single newline-delimited message.
const maxMessageBytes = 1024 * 1024

// Issuer runs the approval flow for the credential proxy tool.
type Issuer interface {
	Issue(ctx context.Context, req proxy.Request) (proxy.Result, error)
	Redact(text string) string
}

// ScopeLister supplies the policies rendered by list_scopes.
type ScopeLister interface {
	Policies() []domain.ScopePolicy
}

// Doer sends a granted request upstream.
type Doer interface {
	Do(req *http.Request) (proxy.Response, error)
}

// RPCObserver records one processed request.
type RPCObserver interface {
	ObserveRPC(method, status string, duration time.Duration)
}

// Server processes JSON-RPC messages.
type Server struct {
	issuer   Issuer
	scopes   ScopeLister
	egress   Doer
	observer RPCObserver
	logger   *slog.Logger
	version  string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithEgress makes credential_proxy send granted requests that name a URL
// and return the redacted upstream response.
func WithEgress(d Doer) ServerOption {
	return func(s *Server) { s.egress = d }
}

// WithRPCObserver registers a metrics sink.
func WithRPCObserver(o RPCObserver) ServerOption {
	return func(s *Server) { s.observer = o }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version reported by initialize.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// NewServer creates a server over the proxy engine and policy store.
func NewServer(issuer Issuer, scopes ScopeLister, options ...ServerOption) *Server {
	s := &Server{
		issuer:  issuer,
		scopes:  scopes,
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// HandleMessage processes one JSON-RPC message. It reports false when the
// message needs no reply (notifications).
func (s *Server) HandleMessage(ctx context.Context, msg []byte) ([]byte, bool) {
	if !json.Valid(msg) {
		s.logger.Debug("Rejected unparseable message")
		s.observe("", "parse_error", 0)
		return s.encode(errorResponse(json.RawMessage("null"), CodeParseError, "parse error: invalid JSON")), true
	}
	// Well-formed JSON that is not an object, batches included, is an
	// invalid request rather than a parse error.
	if bytes.TrimSpace(msg)[0] != '{' {
		s.logger.Debug("Rejected non-object message")
		s.observe("", "invalid_request", 0)
		return s.encode(errorResponse(json.RawMessage("null"), CodeInvalidRequest, "request must be a JSON object")), true
	}
	var req request
	if err := json.Unmarshal(msg, &req); err != nil {
		s.logger.Debug("Rejected malformed request", "error", err)
		s.observe("", "invalid_request", 0)
		return s.encode(errorResponse(json.RawMessage("null"), CodeInvalidRequest, "invalid request: "+err.Error())), true
	}

	// Notifications have no ID and receive no response, whatever happens.
	if req.isNotification() {
		s.logger.Debug("Notification received", "method", req.Method)
		return nil, false
	}

	if !req.validID() {
		return s.encode(errorResponse(json.RawMessage("null"), CodeInvalidRequest, "id must be a string or a number")), true
	}
	if req.JSONRPC != "2.0" {
		return s.encode(errorResponse(req.ID, CodeInvalidRequest, "unsupported JSON-RPC version")), true
	}

	start := time.Now()
	resp := s.dispatch(ctx, &req)
	s.observe(req.Method, responseStatus(resp), time.Since(start))
	return s.encode(resp), true
}

func (s *Server) dispatch(ctx context.Context, req *request) response {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    serverCapabilities{Tools: &toolCapability{}},
			ServerInfo:      serverInfo{Name: ServerName, Version: s.version},
		})
	case "ping":
		return resultResponse(req.ID, struct{}{})
	case "tools/list":
		return resultResponse(req.ID, toolsListResult{Tools: toolCatalog()})
	case "tools/call":
		var params toolsCallParams
		if len(req.Params) == 0 {
			return errorResponse(req.ID, CodeInvalidParams, "tools/call requires params")
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "invalid tools/call params: "+err.Error())
		}
		if params.Name == "" {
			return errorResponse(req.ID, CodeInvalidParams, "tools/call requires a tool name")
		}
		return resultResponse(req.ID, s.callTool(ctx, params))
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) encode(resp response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode response", "error", err)
		data, _ = json.Marshal(errorResponse(resp.ID, CodeInternalError, "internal error"))
	}
	return data
}

func (s *Server) observe(method, status string, d time.Duration) {
	if s.observer != nil {
		s.observer.ObserveRPC(method, status, d)
	}
}

// Serve reads newline-delimited messages from r and writes each reply as one
// line to w, in order, until r reaches EOF or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	type line struct {
		data []byte
		err  error
	}
	lines := make(chan line)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)
		for scanner.Scan() {
			data := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line{data: data}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case lines <- line{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	bw := bufio.NewWriter(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			if l.err != nil {
				return fmt.Errorf("read message: %w", l.err)
			}
			if len(l.data) == 0 {
				continue
			}
			out, reply := s.HandleMessage(ctx, l.data)
			if !reply {
				continue
			}
			if _, err := bw.Write(append(out, '\n')); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
			if err := bw.Flush(); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
	}
}

func resultResponse(id json.RawMessage, result any) response {
	return response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) response {
	return response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func responseStatus(resp response) string {
	if resp.Error != nil {
		return "error"
	}
	if tr, ok := resp.Result.(toolResult); ok && tr.IsError {
		return "tool_error"
	}
	return "ok"
}

// classifyError maps broker errors to tool error categories.
func classifyError(err error) *errorInfo {
	switch {
	case errors.Is(err, domain.ErrUnknownScope), errors.Is(err, domain.ErrPendingNotFound):
		return &errorInfo{Category: "not_found"}
	case errors.Is(err, domain.ErrProviderDisabled),
		errors.Is(err, domain.ErrDomainNotAllowed),
		errors.Is(err, domain.ErrGuardDenied):
		return &errorInfo{Category: "forbidden"}
	case errors.Is(err, domain.ErrSecretUnavailable):
		return &errorInfo{Category: "transient", Retryable: true}
	case errors.Is(err, proxy.ErrInvalidRequest):
		return &errorInfo{Category: "validation"}
	default:
		return &errorInfo{Category: "internal"}
	}
}
