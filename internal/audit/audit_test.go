package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tripwire/gateway/internal/audit"
	"github.com/tripwire/gateway/internal/store"
	"github.com/tripwire/gateway/internal/store/sqlitestore"
)

func newLogger(t *testing.T) *audit.Logger {
	t.Helper()
	s, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return audit.New(s)
}

func TestLogRequest_AppendsEvent(t *testing.T) {
	l := newLogger(t)
	ctx := context.Background()

	e, err := l.LogRequest(ctx, "req-1", "trace-1", "client-1", "weather", store.ProtocolMCP, "tools/call")
	require.NoError(t, err)
	require.Equal(t, store.EventMCPRequest, e.Kind)
	require.NoError(t, l.VerifyChain(ctx))
}

func TestLogResponse_NormalizesDecisionFromStatusCode(t *testing.T) {
	l := newLogger(t)
	ctx := context.Background()
	latency := int64(12)
	upstream := int64(8)

	ok, err := l.LogResponse(ctx, "req-1", "trace-1", "client-1", "weather", store.ProtocolMCP, "tools/call", 200, &latency, &upstream, nil)
	require.NoError(t, err)
	require.Equal(t, store.EventMCPResponse, ok.Kind)
	require.Equal(t, "allow", ok.Decision)
	require.NotNil(t, ok.UpstreamLatencyMs)
	require.EqualValues(t, 8, *ok.UpstreamLatencyMs)

	failed, err := l.LogResponse(ctx, "req-2", "trace-2", "client-1", "weather", store.ProtocolA2A, "tools/call", 502, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, store.EventA2AResponse, failed.Kind)
	require.Empty(t, failed.Decision)
}

func TestLogError_ThenAuthFailure_ChainIntact(t *testing.T) {
	l := newLogger(t)
	ctx := context.Background()

	_, err := l.LogError(ctx, "req-1", "trace-1", "client-1", "weather", 503, "target queue is full", map[string]any{"depth": 10, "capacity": 10})
	require.NoError(t, err)
	_, err = l.LogAuthFailure(ctx, "req-2", "trace-2", "client-2", "weather", "missing_credential")
	require.NoError(t, err)
	require.NoError(t, l.VerifyChain(ctx))
}

func TestLogShutdown_UsesMintedIDs(t *testing.T) {
	l := newLogger(t)
	e, err := l.LogShutdown(context.Background(), 0, 3, 0)
	require.NoError(t, err)
	require.Equal(t, store.EventError, e.Kind)
	require.NotEmpty(t, e.RequestID)
}

func TestUnderlyingStore_QueryReflectsLoggedEvents(t *testing.T) {
	s, err := sqlitestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	l := audit.New(s)
	ctx := context.Background()

	_, err = l.LogRequest(ctx, "req-1", "trace-1", "client-1", "weather", store.ProtocolMCP, "tools/call")
	require.NoError(t, err)

	events, err := s.Query(ctx, store.EventQuery{
		From: time.Now().Add(-time.Minute),
		To:   time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, store.EventMCPRequest, events[0].Kind)
}
