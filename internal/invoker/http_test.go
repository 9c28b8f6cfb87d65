package invoker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tripwire/gateway/internal/gateway"
	"github.com/tripwire/gateway/internal/invoker"
)

func TestHTTPInvoker_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	}))
	defer srv.Close()

	inv := invoker.NewHTTPInvoker(nil, func(string) string { return srv.URL })
	resp, latencyMs, err := inv.Invoke(context.Background(), gateway.Target{ID: "planner", Kind: gateway.TargetA2A},
		gateway.Request{JSONRPC: "2.0", Method: "tools/call"})

	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.JSONEq(t, `{"ok":true}`, string(resp.Result))
	require.GreaterOrEqual(t, latencyMs, int64(0))
}

func TestHTTPInvoker_ProtocolErrorPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer srv.Close()

	inv := invoker.NewHTTPInvoker(nil, func(string) string { return srv.URL })
	resp, _, err := inv.Invoke(context.Background(), gateway.Target{ID: "planner", Kind: gateway.TargetA2A},
		gateway.Request{JSONRPC: "2.0", Method: "missing"})

	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, -32601, resp.Error.Code)
}

func TestHTTPInvoker_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	inv := invoker.NewHTTPInvoker(nil, func(string) string { return srv.URL })
	_, _, err := inv.Invoke(context.Background(), gateway.Target{ID: "planner", Kind: gateway.TargetA2A},
		gateway.Request{JSONRPC: "2.0", Method: "tools/call"})

	require.Error(t, err)
}

func TestHTTPInvoker_RejectsMCPTarget(t *testing.T) {
	inv := invoker.NewHTTPInvoker(nil, func(string) string { return "http://unused" })
	_, _, err := inv.Invoke(context.Background(), gateway.Target{ID: "weather", Kind: gateway.TargetMCP},
		gateway.Request{JSONRPC: "2.0", Method: "tools/call"})

	require.Error(t, err)
}
