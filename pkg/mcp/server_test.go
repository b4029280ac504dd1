package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-broker/pkg/audit"
	"github.com/polisai/polis-broker/pkg/domain"
	"github.com/polisai/polis-broker/pkg/proxy"
	"github.com/polisai/polis-broker/pkg/storage"
)

type harness struct {
	server  *Server
	store   *storage.PolicyStore
	log     *audit.Log
	secrets *storage.MemorySecretStore
}

func newHarness(t *testing.T, opts ...ServerOption) *harness {
	t.Helper()
	log, err := audit.NewLog("", nil)
	require.NoError(t, err)
	h := &harness{
		store:   storage.NewMemoryPolicyStore(storage.WithAuditRecorder(log)),
		log:     log,
		secrets: storage.NewMemorySecretStore(),
	}
	engine := proxy.NewEngine(h.store, h.secrets, log)
	h.server = NewServer(engine, h.store, opts...)
	return h
}

func (h *harness) addOpenAI(t *testing.T, mode domain.ApprovalMode) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.secrets.Save(ctx, "openai", "sk-live-0123456789"))
	p := domain.NewScopePolicy("OpenAI", "openai")
	p.AllowedDomains = []string{"api.openai.com"}
	p.ApprovalMode = mode
	p.HasSecret = true
	_, err := h.store.AddPolicy(ctx, p)
	require.NoError(t, err)
}

func (h *harness) call(t *testing.T, msg string) map[string]any {
	t.Helper()
	out, ok := h.server.HandleMessage(context.Background(), []byte(msg))
	require.True(t, ok, "expected a response to %s", msg)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	return decoded
}

func toolText(t *testing.T, resp map[string]any) (string, bool) {
	t.Helper()
	result, ok := resp["result"].(map[string]any)
	require.True(t, ok, "no result in %v", resp)
	content := result["content"].([]any)
	require.Len(t, content, 1)
	return content[0].(map[string]any)["text"].(string), result["isError"].(bool)
}

func TestPingExactResponse(t *testing.T) {
	h := newHarness(t)
	out, ok := h.server.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.True(t, ok)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(out))
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(out))
}

func TestParseError(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, `{not valid json`)
	assert.Nil(t, resp["id"])
	assert.Contains(t, resp, "id")
	assert.EqualValues(t, CodeParseError, resp["error"].(map[string]any)["code"])
}

func TestWellFormedNonObjectIsInvalidRequest(t *testing.T) {
	h := newHarness(t)
	for _, msg := range []string{
		`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`,
		`42`,
		`"ping"`,
		`null`,
		`{"jsonrpc":"2.0","id":1,"method":5}`,
	} {
		resp := h.call(t, msg)
		assert.Nil(t, resp["id"], msg)
		assert.EqualValues(t, CodeInvalidRequest, resp["error"].(map[string]any)["code"], msg)
	}
}

func TestToolErrorLogsToolName(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))

	_, isErr := toolText(t, h.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"credential_proxy","arguments":{}}}`))
	require.True(t, isErr)

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record))
	assert.Equal(t, "Tool call failed", record["msg"])
	assert.Equal(t, ToolCredentialProxy, record["tool"])
}

func TestMethodNotFound(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, `{"jsonrpc":"2.0","id":8,"method":"bogus/method"}`)
	assert.EqualValues(t, 8, resp["id"])
	assert.EqualValues(t, CodeMethodNotFound, resp["error"].(map[string]any)["code"])
	assert.NotContains(t, resp, "result")
}

func TestInvalidRequests(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, `{"jsonrpc":"1.0","id":2,"method":"ping"}`)
	assert.EqualValues(t, CodeInvalidRequest, resp["error"].(map[string]any)["code"])

	resp = h.call(t, `{"jsonrpc":"2.0","id":{"nested":true},"method":"ping"}`)
	assert.EqualValues(t, CodeInvalidRequest, resp["error"].(map[string]any)["code"])

	resp = h.call(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call"}`)
	assert.EqualValues(t, CodeInvalidParams, resp["error"].(map[string]any)["code"])

	resp = h.call(t, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"arguments":{}}}`)
	assert.EqualValues(t, CodeInvalidParams, resp["error"].(map[string]any)["code"])
}

func TestNotificationsProduceNoOutput(t *testing.T) {
	h := newHarness(t)
	for _, msg := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"bogus/method"}`,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"credential_proxy","arguments":{"scope":"missing"}}}`,
		`{"jsonrpc":"1.0","method":"ping"}`,
	} {
		out, ok := h.server.HandleMessage(context.Background(), []byte(msg))
		assert.False(t, ok, msg)
		assert.Nil(t, out)
	}
	assert.Equal(t, 0, h.log.Len(), "notifications are not dispatched")
}

func TestInitialize(t *testing.T) {
	h := newHarness(t, WithVersion("1.2.3"))
	resp := h.call(t, `{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"2025-11-25"}}`)

	assert.Equal(t, "init", resp["id"])
	result := resp["result"].(map[string]any)
	assert.Equal(t, ProtocolVersion, result["protocolVersion"])
	assert.Contains(t, result["capabilities"].(map[string]any), "tools")
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, ServerName, info["name"])
	assert.Equal(t, "1.2.3", info["version"])
}

func TestToolsList(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	tools := resp["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 3)
	var names []string
	for _, raw := range tools {
		tool := raw.(map[string]any)
		names = append(names, tool["name"].(string))
		assert.NotEmpty(t, tool["description"])
		assert.Equal(t, "object", tool["inputSchema"].(map[string]any)["type"])
	}
	assert.Equal(t, []string{ToolCredentialProxy, ToolListScopes, ToolHealthCheck}, names)
}

func TestUnknownToolIsSoftError(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"bogus_tool"}}`)

	assert.NotContains(t, resp, "error")
	text, isErr := toolText(t, resp)
	assert.True(t, isErr)
	assert.Equal(t, "Unknown tool: bogus_tool", text)
}

func TestHealthCheckAndListScopes(t *testing.T) {
	h := newHarness(t)

	text, isErr := toolText(t, h.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"health_check"}}`))
	assert.False(t, isErr)
	assert.Equal(t, "OK", text)

	resp := h.call(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"list_scopes"}}`)
	assert.Equal(t, false, resp["result"].(map[string]any)["isError"], "isError is present and false")
	text, _ = toolText(t, resp)
	assert.Equal(t, "No scopes configured", text)

	h.addOpenAI(t, domain.ApprovalAuto)
	text, isErr = toolText(t, h.call(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_scopes"}}`))
	assert.False(t, isErr)
	assert.Contains(t, text, "1. openai (OpenAI) mode=auto")
	assert.Contains(t, text, "domains=api.openai.com")
	assert.NotContains(t, text, "sk-live")
}

func TestCredentialProxyScenario(t *testing.T) {
	h := newHarness(t)
	h.addOpenAI(t, domain.ApprovalAuto)

	text, isErr := toolText(t, h.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"credential_proxy","arguments":{"scope":"openai","host":"api.openai.com","reason":"chat"}}}`))
	assert.False(t, isErr)
	assert.Contains(t, text, "Access granted for scope openai")
	assert.Contains(t, text, "Authorization: Bearer [REDACTED]")
	assert.NotContains(t, text, "sk-live-0123456789")

	resp := h.call(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"credential_proxy","arguments":{"scope":"openai","host":"evil.example.com","reason":"exfil"}}}`)
	text, isErr = toolText(t, resp)
	assert.True(t, isErr)
	assert.Contains(t, text, "evil.example.com")
	info := resp["result"].(map[string]any)["errorInfo"].(map[string]any)
	assert.Equal(t, "forbidden", info["category"])
	assert.Equal(t, false, info["retryable"])

	entries := h.log.ReadEntries(0)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.AuditDenied, entries[0].Result)
	assert.Contains(t, entries[0].Detail, "evil.example.com")
	assert.Equal(t, domain.AuditApproved, entries[1].Result)
}

func TestCredentialProxyPendingAndErrors(t *testing.T) {
	h := newHarness(t)
	h.addOpenAI(t, domain.ApprovalManual)

	text, isErr := toolText(t, h.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"credential_proxy","arguments":{"scope":"openai","host":"api.openai.com"}}}`))
	assert.False(t, isErr)
	pending := h.store.PendingRequests()
	require.Len(t, pending, 1)
	assert.Contains(t, text, pending[0].ID)

	resp := h.call(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"credential_proxy","arguments":{"scope":"nope","host":"x.example"}}}`)
	_, isErr = toolText(t, resp)
	assert.True(t, isErr)
	assert.Equal(t, "not_found", resp["result"].(map[string]any)["errorInfo"].(map[string]any)["category"])

	resp = h.call(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"credential_proxy","arguments":{}}}`)
	_, isErr = toolText(t, resp)
	assert.True(t, isErr)
	assert.Equal(t, "validation", resp["result"].(map[string]any)["errorInfo"].(map[string]any)["category"])
}

type fakeDoer struct {
	got  *http.Request
	resp proxy.Response
	err  error
}

func (f *fakeDoer) Do(req *http.Request) (proxy.Response, error) {
	f.got = req
	return f.resp, f.err
}

func TestCredentialProxyEgress(t *testing.T) {
	doer := &fakeDoer{resp: proxy.Response{
		StatusCode: 200,
		Status:     "200 OK",
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(`{"echo":"Bearer sk-live-0123456789"}`),
	}}
	h := newHarness(t, WithEgress(doer))
	h.addOpenAI(t, domain.ApprovalAuto)

	text, isErr := toolText(t, h.call(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"credential_proxy","arguments":{"scope":"openai","url":"https://api.openai.com/v1/models","method":"GET","headers":{"Accept":"application/json"}}}}`))
	assert.False(t, isErr)
	assert.True(t, strings.HasPrefix(text, "HTTP 200 OK"))
	assert.NotContains(t, text, "sk-live-0123456789")

	require.NotNil(t, doer.got)
	assert.Equal(t, "Bearer sk-live-0123456789", doer.got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", doer.got.Header.Get("Accept"))

	doer.err = errors.New("dial tcp: connection refused")
	resp := h.call(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"credential_proxy","arguments":{"scope":"openai","url":"https://api.openai.com/v1/models"}}}`)
	_, isErr = toolText(t, resp)
	assert.True(t, isErr)
	assert.Equal(t, true, resp["result"].(map[string]any)["errorInfo"].(map[string]any)["retryable"])
}

type recordingObserver struct {
	calls []string
}

func (r *recordingObserver) ObserveRPC(method, status string, _ time.Duration) {
	r.calls = append(r.calls, method+":"+status)
}

func TestRPCObserver(t *testing.T) {
	obs := &recordingObserver{}
	h := newHarness(t, WithRPCObserver(obs))

	h.call(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	h.call(t, `{"jsonrpc":"2.0","id":2,"method":"nope"}`)
	h.call(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"bogus_tool"}}`)

	assert.Equal(t, []string{"ping:ok", "nope:error", "tools/call:tool_error"}, obs.calls)
}

func TestServeProcessesLinesInOrder(t *testing.T) {
	h := newHarness(t)
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		``,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{not json`,
		`{"jsonrpc":"2.0","id":"two","method":"tools/call","params":{"name":"health_check"}}`,
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, h.server.Serve(context.Background(), strings.NewReader(input), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, lines[0])
	assert.Contains(t, lines[1], `"code":-32700`)
	assert.Contains(t, lines[2], `"id":"two"`)
}

func TestServeStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, w := io.Pipe()
	defer w.Close()
	err := h.server.Serve(ctx, r, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

// Request ids come back byte-for-byte, numbers as numbers and strings as
// strings.
func TestIDEchoProperty(t *testing.T) {
	h := newHarness(t)
	rapid.Check(t, func(t *rapid.T) {
		var id string
		if rapid.Bool().Draw(t, "numeric") {
			id = fmt.Sprint(rapid.Int64().Draw(t, "n"))
		} else {
			raw, _ := json.Marshal(rapid.String().Draw(t, "s"))
			id = string(raw)
		}

		out, ok := h.server.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":`+id+`,"method":"ping"}`))
		if !ok {
			t.Fatalf("no response for id %s", id)
		}
		var resp struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(out, &resp); err != nil {
			t.Fatal(err)
		}
		if string(resp.ID) != id {
			t.Fatalf("id %s echoed as %s", id, resp.ID)
		}
	})
}
