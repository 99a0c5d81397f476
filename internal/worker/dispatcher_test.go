package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func TestDispatcherRunsJob(t *testing.T) {
	d := newTestDispatcher(t, Config{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4})

	var ran bool
	err := d.Do(context.Background(), 1, KindChatReply, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	boom := errors.New("boom")
	err = d.Do(context.Background(), 1, KindChatReply, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestDispatcherRecoversPanic(t *testing.T) {
	d := newTestDispatcher(t, Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})

	err := d.Do(context.Background(), 1, KindIngest, func(ctx context.Context) error { panic("bad") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// the worker survives
	require.NoError(t, d.Do(context.Background(), 1, KindIngest, func(ctx context.Context) error { return nil }))
}

// block occupies the single worker until release is closed.
func block(t *testing.T, d *Dispatcher, userID int64) (release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	_, err := d.Submit(context.Background(), userID, KindChatReply, func(ctx context.Context) error {
		close(started)
		<-gate
		return nil
	})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("gate job did not start")
	}
	return func() { close(gate) }
}

func TestDispatcherFairAcrossUsers(t *testing.T) {
	d := newTestDispatcher(t, Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 16})
	release := block(t, d, 99)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(label string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return nil
		}
	}

	var results []<-chan error
	for _, job := range []struct {
		user  int64
		label string
	}{{1, "A1"}, {1, "A2"}, {1, "A3"}, {2, "B1"}} {
		ch, err := d.Submit(context.Background(), job.user, KindChatReply, record(job.label))
		require.NoError(t, err)
		results = append(results, ch)
	}
	release()
	for _, ch := range results {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("job did not finish")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	index := func(label string) int {
		for i, l := range order {
			if l == label {
				return i
			}
		}
		return -1
	}
	require.Len(t, order, 4)
	assert.Less(t, index("B1"), index("A3"), "order: %v", order)
	assert.Less(t, index("A1"), index("A2"))
	assert.Less(t, index("A2"), index("A3"))
}

func TestDispatcherBusyWhenQueueFull(t *testing.T) {
	d := newTestDispatcher(t, Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 2})
	release := block(t, d, 1)
	defer release()

	noop := func(ctx context.Context) error { return nil }
	_, err := d.Submit(context.Background(), 2, KindChatReply, noop)
	require.NoError(t, err)
	_, err = d.Submit(context.Background(), 3, KindChatReply, noop)
	require.NoError(t, err)
	_, err = d.Submit(context.Background(), 4, KindChatReply, noop)
	assert.ErrorIs(t, err, ErrDispatcherBusy)
}

func TestDispatcherCancelUser(t *testing.T) {
	d := newTestDispatcher(t, Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 8})
	release := block(t, d, 1)

	// the filler is taken by the run loop, which then waits for a free worker
	filler, err := d.Submit(context.Background(), 5, KindChatReply, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.jobQueue) == 0 && d.ready.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	ch, err := d.Submit(context.Background(), 7, KindChatReply, func(ctx context.Context) error {
		return fmt.Errorf("should not run")
	})
	require.NoError(t, err)
	other, err := d.Submit(context.Background(), 8, KindChatReply, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	d.CancelUser(7)
	select {
	case err := <-ch:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled job was not notified")
	}

	release()
	for _, done := range []<-chan error{filler, other} {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("remaining job did not run")
		}
	}
}

func TestDispatcherCancelUserKeepsIngestJobs(t *testing.T) {
	d := newTestDispatcher(t, Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 8})
	release := block(t, d, 1)

	filler, err := d.Submit(context.Background(), 5, KindChatReply, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.jobQueue) == 0 && d.ready.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	ingested := make(chan struct{}, 2)
	var ingestDone []<-chan error
	for i := 0; i < 2; i++ {
		ch, err := d.Submit(context.Background(), 7, KindIngest, func(ctx context.Context) error {
			ingested <- struct{}{}
			return nil
		})
		require.NoError(t, err)
		ingestDone = append(ingestDone, ch)
	}
	reply, err := d.Submit(context.Background(), 7, KindChatReply, func(ctx context.Context) error {
		return fmt.Errorf("should not run")
	})
	require.NoError(t, err)

	d.CancelUser(7)
	select {
	case err := <-reply:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("chat job was not cancelled")
	}
	assert.Equal(t, 3, d.Stats().Pending, "filler and both ingest jobs remain")

	release()
	for _, done := range append(ingestDone, filler) {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("queued job did not run")
		}
	}
	assert.Len(t, ingested, 2)
}

func TestDispatcherSkipsCancelledContext(t *testing.T) {
	d := newTestDispatcher(t, Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 8})
	release := block(t, d, 1)

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 1)
	ch, err := d.Submit(ctx, 2, KindChatReply, func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	cancel()
	release()

	select {
	case err := <-ch:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("job not finished")
	}
	assert.Empty(t, ran)
}

func TestDispatcherClose(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4})
	require.NoError(t, d.Do(context.Background(), 1, KindIngest, func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	_, err := d.Submit(context.Background(), 1, KindIngest, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrDispatcherClosed)
	assert.NoError(t, d.Close(ctx), "second close is a no-op")
}

func TestPoolRetiresIdleWorkersAboveMin(t *testing.T) {
	d := newTestDispatcher(t, Config{MinWorkers: 1, MaxWorkers: 3, QueueSize: 8, IdleTimeout: 20 * time.Millisecond})

	// run three overlapping jobs so the pool grows past min
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := int64(1); i <= 3; i++ {
		wg.Add(1)
		ch, err := d.Submit(context.Background(), i, KindIngest, func(ctx context.Context) error {
			<-gate
			return nil
		})
		require.NoError(t, err)
		go func() {
			defer wg.Done()
			<-ch
		}()
	}
	require.Eventually(t, func() bool { return d.Stats().Running == 3 }, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	require.Eventually(t, func() bool { return d.Stats().Running == 1 }, 2*time.Second, 10*time.Millisecond)
}
