package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tripwire/gateway/internal/audit"
	"github.com/tripwire/gateway/internal/gateway"
	"github.com/tripwire/gateway/internal/gateway/queue"
	"github.com/tripwire/gateway/internal/store/sqlitestore"
)

type fakeInvoker struct {
	resp              gateway.Response
	upstreamLatencyMs int64
	err               error
}

func (f *fakeInvoker) Invoke(ctx context.Context, target gateway.Target, req gateway.Request) (gateway.Response, int64, error) {
	return f.resp, f.upstreamLatencyMs, f.err
}

func newDispatcher(t *testing.T, invoker gateway.UpstreamInvoker) *gateway.Dispatcher {
	t.Helper()
	s, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	qm := queue.NewManager(queue.Limits{MaxInflight: 2, MaxQueue: 4, Timeout: time.Second})
	t.Cleanup(qm.CloseAll)

	return gateway.New(qm, invoker, audit.New(s), nil)
}

func TestDispatch_Success(t *testing.T) {
	d := newDispatcher(t, &fakeInvoker{resp: gateway.Response{Result: json.RawMessage(`{"ok":true}`)}, upstreamLatencyMs: 5})

	resp, status := d.Dispatch(context.Background(), gateway.Target{ID: "weather", Kind: gateway.TargetMCP},
		"req-1", "trace-1", "client-1", []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`))

	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
	require.JSONEq(t, `{"ok":true}`, string(resp.Result))
}

func TestDispatch_ProtocolErrorPassesThroughAs200(t *testing.T) {
	d := newDispatcher(t, &fakeInvoker{resp: gateway.Response{Error: &gateway.RPCError{Code: -32601, Message: "method not found"}}})

	resp, status := d.Dispatch(context.Background(), gateway.Target{ID: "weather", Kind: gateway.TargetMCP},
		"req-1", "trace-1", "client-1", []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/nope"}`))

	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Error)
	require.Equal(t, -32601, resp.Error.Code)
}

func TestDispatch_MalformedJSON(t *testing.T) {
	d := newDispatcher(t, &fakeInvoker{})

	resp, status := d.Dispatch(context.Background(), gateway.Target{ID: "weather"}, "req-1", "trace-1", "client-1", []byte(`not json`))

	require.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
}

func TestDispatch_MissingMethod(t *testing.T) {
	d := newDispatcher(t, &fakeInvoker{})

	resp, status := d.Dispatch(context.Background(), gateway.Target{ID: "weather"}, "req-1", "trace-1", "client-1",
		[]byte(`{"jsonrpc":"2.0","id":1}`))

	require.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, resp.Error)
}

func TestDispatch_UpstreamFailure(t *testing.T) {
	d := newDispatcher(t, &fakeInvoker{err: errors.New("child process exited")})

	resp, status := d.Dispatch(context.Background(), gateway.Target{ID: "weather"}, "req-1", "trace-1", "client-1",
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`))

	require.Equal(t, http.StatusBadGateway, status)
	require.NotNil(t, resp.Error)
}

func TestDispatch_UnknownTargetReturns404(t *testing.T) {
	d := newDispatcher(t, &fakeInvoker{resp: gateway.Response{Result: json.RawMessage(`{}`)}})
	d.KnownTargets = map[string]bool{"weather": true}

	resp, status := d.Dispatch(context.Background(), gateway.Target{ID: "unregistered"}, "req-1", "trace-1", "client-1",
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`))

	require.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
}

func TestDispatch_QueueFullReturns503(t *testing.T) {
	s, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	qm := queue.NewManager(queue.Limits{MaxInflight: 0, MaxQueue: 1, Timeout: time.Minute})
	t.Cleanup(qm.CloseAll)
	d := gateway.New(qm, &fakeInvoker{resp: gateway.Response{Result: json.RawMessage(`{}`)}}, audit.New(s), nil)

	go d.Dispatch(context.Background(), gateway.Target{ID: "weather"}, "req-1", "trace-1", "client-1",
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`))

	require.Eventually(t, func() bool {
		return qm.Get("weather").Depth() == 1
	}, time.Second, time.Millisecond)

	resp, status := d.Dispatch(context.Background(), gateway.Target{ID: "weather"}, "req-2", "trace-2", "client-1",
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call"}`))

	require.Equal(t, http.StatusServiceUnavailable, status)
	require.NotNil(t, resp.Error)
}
