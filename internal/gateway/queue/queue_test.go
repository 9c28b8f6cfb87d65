package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tripwire/gateway/internal/gateway/queue"
)

func TestSubmit_ReturnsRunResult(t *testing.T) {
	q := queue.New("weather", 2, 4, time.Second)
	defer q.Close()

	value, err := q.Submit(context.Background(), "req-1", "trace-1", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", value)
}

func TestSubmit_PropagatesRunError(t *testing.T) {
	q := queue.New("weather", 1, 4, time.Second)
	defer q.Close()

	wantErr := errors.New("upstream boom")
	_, err := q.Submit(context.Background(), "req-1", "trace-1", func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestSubmit_RejectsWhenQueueFull(t *testing.T) {
	// maxInflight=0 means every submission sits in the waiting room forever
	// (no worker drains it), so the next Submit past maxQueue capacity sees
	// ErrQueueFull deterministically.
	q := queue.New("weather", 0, 1, time.Minute)
	defer q.Close()

	blockDone := make(chan struct{})
	go func() {
		_, _ = q.Submit(context.Background(), "req-1", "trace-1", func(ctx context.Context) (any, error) {
			return nil, nil
		})
		close(blockDone)
	}()

	// Give the first Submit time to occupy the single waiting-room slot.
	require.Eventually(t, func() bool { return q.Depth() == 1 }, time.Second, time.Millisecond)

	_, err := q.Submit(context.Background(), "req-2", "trace-2", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, queue.ErrQueueFull)

	select {
	case <-blockDone:
		t.Fatal("first submit should still be blocked with no workers")
	default:
	}
}

func TestSubmit_TimesOutWhenStarved(t *testing.T) {
	q := queue.New("weather", 0, 4, 20*time.Millisecond)
	defer q.Close()

	_, err := q.Submit(context.Background(), "req-1", "trace-1", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, queue.ErrQueueTimeout)
}

func TestSubmit_CooperativeCancellation(t *testing.T) {
	q := queue.New("weather", 1, 4, time.Second)
	defer q.Close()

	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	resultCh := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, "req-1", "trace-1", func(jobCtx context.Context) (any, error) {
			close(started)
			<-jobCtx.Done()
			return nil, jobCtx.Err()
		})
		resultCh <- err
	}()

	<-started
	cancel()

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation to propagate")
	}
}

func TestDrain_RejectsNewSubmitsWithoutBlocking(t *testing.T) {
	q := queue.New("weather", 1, 4, time.Second)

	q.Drain()

	done := make(chan struct{})
	go func() {
		_, err := q.Submit(context.Background(), "req-1", "trace-1", func(ctx context.Context) (any, error) {
			return nil, nil
		})
		require.ErrorIs(t, err, queue.ErrShutdown)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit should return immediately after Drain, not block")
	}

	q.Wait()
}

func TestDrain_ThenWait_LetsInFlightJobFinish(t *testing.T) {
	q := queue.New("weather", 1, 4, time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	resultCh := make(chan error, 1)
	go func() {
		_, err := q.Submit(context.Background(), "req-1", "trace-1", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "ok", nil
		})
		resultCh <- err
	}()

	<-started
	q.Drain()
	close(release)

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("in-flight job should still complete after Drain")
	}

	q.Wait()
}

func TestManager_DrainThenWait(t *testing.T) {
	m := queue.NewManager(queue.Limits{MaxInflight: 1, MaxQueue: 4, Timeout: time.Second})
	m.Get("weather")
	m.Get("files")

	m.Drain()

	_, err := m.Get("weather").Submit(context.Background(), "req-1", "trace-1", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, queue.ErrShutdown)

	m.Wait()
}

func TestManager_ReusesQueuePerTarget(t *testing.T) {
	m := queue.NewManager(queue.Limits{MaxInflight: 1, MaxQueue: 4, Timeout: time.Second})
	defer m.CloseAll()

	q1 := m.Get("weather")
	q2 := m.Get("weather")
	require.Same(t, q1, q2)

	q3 := m.Get("files")
	require.NotSame(t, q1, q3)

	require.ElementsMatch(t, []string{"weather", "files"}, m.Targets())
}
