package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fblgit/claudebench/internal/audit"
	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/metrics"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/schema"
	"github.com/fblgit/claudebench/internal/store"
)

func testServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.New(st)
	reg := registry.New(registry.Options{
		Store:      st,
		Bus:        b,
		Auditor:    audit.New(st),
		Metrics:    metrics.New(prometheus.NewRegistry()),
		InstanceID: "test-1",
	})

	require.NoError(t, reg.Register(registry.Descriptor{
		Event: "echo.say",
		Input: schema.Shape{"text": schema.Str(true, 100)},
	}, func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
		return map[string]any{"text": inv.Input["text"], "actor": inv.Actor}, nil
	}))
	require.NoError(t, reg.Register(registry.Descriptor{Event: "echo.fail"},
		func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
			return nil, registry.Errorf(registry.KindInternal, "boom")
		}))
	require.NoError(t, reg.Register(registry.Descriptor{Event: "system.health"},
		func(ctx context.Context, inv *registry.Invocation) (map[string]any, error) {
			return map[string]any{"status": "healthy"}, nil
		}))

	srv := httptest.NewServer(NewServer(reg, b, Options{MaxBatch: 3}).Router())
	t.Cleanup(srv.Close)
	return srv, reg
}

func postRPC(t *testing.T, srv *httptest.Server, body string) (*http.Response, response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "w-1")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var out response
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestRPCRoundTrip(t *testing.T) {
	srv, _ := testServer(t)
	_, out := postRPC(t, srv, `{"jsonrpc":"2.0","method":"echo.say","params":{"text":"hi"},"id":1}`)
	require.Nil(t, out.Error)
	assert.Equal(t, "hi", out.Result["text"])
	assert.Equal(t, "w-1", out.Result["actor"])
	assert.Equal(t, "1", string(out.ID))
}

func TestRPCMethodNotFound(t *testing.T) {
	srv, _ := testServer(t)
	_, out := postRPC(t, srv, `{"jsonrpc":"2.0","method":"no.such","id":1}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, codeMethodNotFound, out.Error.Code)
}

func TestRPCInvalidParamsCarriesPath(t *testing.T) {
	srv, _ := testServer(t)
	_, out := postRPC(t, srv, `{"jsonrpc":"2.0","method":"echo.say","params":{},"id":7}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, codeInvalidParams, out.Error.Code)
	data, ok := out.Error.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "text", data["path"])
}

func TestRPCInternalError(t *testing.T) {
	srv, _ := testServer(t)
	_, out := postRPC(t, srv, `{"jsonrpc":"2.0","method":"echo.fail","id":2}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, codeInternal, out.Error.Code)
}

func TestRPCParseError(t *testing.T) {
	srv, _ := testServer(t)
	_, out := postRPC(t, srv, `{not json`)
	require.NotNil(t, out.Error)
	assert.Equal(t, codeParse, out.Error.Code)
}

func TestRPCInvalidRequest(t *testing.T) {
	srv, _ := testServer(t)
	_, out := postRPC(t, srv, `{"method":"echo.say","id":3}`)
	require.NotNil(t, out.Error)
	assert.Equal(t, codeInvalidRequest, out.Error.Code)
}

func TestRPCNotificationProducesNoBody(t *testing.T) {
	srv, _ := testServer(t)
	resp, _ := postRPC(t, srv, `{"jsonrpc":"2.0","method":"echo.say","params":{"text":"hi"}}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRPCBatch(t *testing.T) {
	srv, _ := testServer(t)
	body := `[
		{"jsonrpc":"2.0","method":"echo.say","params":{"text":"a"},"id":1},
		{"jsonrpc":"2.0","method":"no.such","id":2},
		{"jsonrpc":"2.0","method":"echo.say","params":{"text":"c"}}
	]`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", bytes.NewBufferString(body))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out []response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	// The notification contributes no entry.
	require.Len(t, out, 2)
	assert.Nil(t, out[0].Error)
	require.NotNil(t, out[1].Error)
	assert.Equal(t, codeMethodNotFound, out[1].Error.Code)
}

func TestRPCBatchTooLarge(t *testing.T) {
	srv, _ := testServer(t)
	_, out := postRPC(t, srv, `[
		{"jsonrpc":"2.0","method":"echo.say","id":1},
		{"jsonrpc":"2.0","method":"echo.say","id":2},
		{"jsonrpc":"2.0","method":"echo.say","id":3},
		{"jsonrpc":"2.0","method":"echo.say","id":4}
	]`)
	require.NotNil(t, out.Error)
	assert.Equal(t, codeInvalidRequest, out.Error.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "healthy", out["status"])
}

func TestEventsStreamDelivers(t *testing.T) {
	srv, _ := testServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events?types=task.*", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "event: connected")
}
