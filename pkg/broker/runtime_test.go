package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-broker/pkg/config"
	"github.com/polisai/polis-broker/pkg/domain"
	"github.com/polisai/polis-broker/pkg/logging"
	"github.com/polisai/polis-broker/pkg/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SetDataDir(t.TempDir())
	cfg.Server.Transport = config.TransportHTTP
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = time.Second
	require.NoError(t, cfg.Validate())
	return cfg
}

func openRuntime(t *testing.T, cfg *config.Config, opts Options) *Runtime {
	t.Helper()
	rt, err := Open(context.Background(), cfg, logging.Discard(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func rpc(t *testing.T, h http.Handler, body string) map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestOpenWithSealedSecretsPersists(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	rt := openRuntime(t, cfg, Options{})
	_, err := rt.Service().AddScope(ctx, AddScopeParams{
		Scope:   "openai",
		Mode:    "auto",
		Domains: []string{"api.openai.com"},
		Secret:  "sk-sealed",
	})
	require.NoError(t, err)

	reopened := openRuntime(t, cfg, Options{})
	scopes := reopened.Service().ListScopes()
	require.Len(t, scopes, 1)
	assert.True(t, scopes[0].HasSecret)

	res, err := reopened.Service().IssueCredential(ctx, "openai", "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-sealed", res.Request.Header.Get("Authorization"))
	assert.Len(t, reopened.Service().ReadAudit(0), 1)
}

func TestRuntimeHandlerServesRPCAndMetrics(t *testing.T) {
	ctx := context.Background()
	rt := openRuntime(t, testConfig(t), Options{SecretStore: storage.NewMemorySecretStore()})

	_, err := rt.Service().AddScope(ctx, AddScopeParams{Scope: "github", Mode: "manual", Domains: []string{"api.github.com"}})
	require.NoError(t, err)

	h := rt.Handler()
	ping := rpc(t, h, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, map[string]any{}, ping["result"])

	call := rpc(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"credential_proxy","arguments":{"scope":"github","host":"api.github.com"}}}`)
	require.Contains(t, call, "result")
	assert.Len(t, rt.Service().PendingRequests(), 1)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `broker_rpc_requests_total{method="ping",status="ok"} 1`)
	assert.Contains(t, body, `broker_decisions_total{result="pending"} 1`)
	assert.Contains(t, body, "broker_pending_requests 1")
	assert.Contains(t, body, `broker_http_requests_total{endpoint="rpc",method="POST",status_code="200"} 2`)
}

func TestRuntimeHandlerWithoutMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	rt := openRuntime(t, cfg, Options{SecretStore: storage.NewMemorySecretStore()})

	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuntimeGuardBlocksPlainHTTP(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Guard.Enabled = true
	rt := openRuntime(t, cfg, Options{SecretStore: storage.NewMemorySecretStore()})

	_, err := rt.Service().AddScope(ctx, AddScopeParams{Scope: "internal", Mode: "auto", Secret: "s"})
	require.NoError(t, err)

	_, err = rt.Service().Issue(ctx, proxyRequest("internal", "http://files.example.com/report"))
	assert.ErrorIs(t, err, domain.ErrGuardDenied)

	entries := rt.Service().ReadAudit(1)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditDenied, entries[0].Result)
}

func TestOpenRejectsBrokenGuardModules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Guard.Enabled = true
	cfg.Guard.Modules = []string{t.TempDir() + "/missing"}

	_, err := Open(context.Background(), cfg, logging.Discard(), Options{SecretStore: storage.NewMemorySecretStore()})
	assert.Error(t, err)
}

func TestServeHTTPGracefulShutdown(t *testing.T) {
	rt := openRuntime(t, testConfig(t), Options{SecretStore: storage.NewMemorySecretStore()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.ServeHTTP(ctx) }()

	require.Eventually(t, func() bool { return rt.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	url := "http://" + rt.Addr().String()

	resp, err := http.Get(url + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK\n", string(body))

	resp, err = http.Post(url+"/rpc", "application/json", bytes.NewBufferString(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ServeHTTP did not return after cancellation")
	}
}

func TestServeStdio(t *testing.T) {
	rt := openRuntime(t, testConfig(t), Options{SecretStore: storage.NewMemorySecretStore()})

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" + `{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")
	var out bytes.Buffer
	require.NoError(t, rt.ServeStdio(context.Background(), in, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, lines[0])
	assert.Contains(t, lines[1], "credential_proxy")
}
