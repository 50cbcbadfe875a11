package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/model"
)

// recorder collects the synchronization ids whose request was sent.
type recorder struct {
	mu   sync.Mutex
	sent []string
}

func (r *recorder) send(id string) func(context.Context) error {
	return func(context.Context) error {
		r.mu.Lock()
		r.sent = append(r.sent, id)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func key(account string) model.InstanceKey {
	return model.InstanceKey{AccountID: account, InstanceIndex: 0}
}

func newThrottler(subscribed int) *Throttler {
	cfg := DefaultConfig()
	return New(cfg, Hooks{Subscribed: func() int { return subscribed }}, nil, nil)
}

// scheduleAsync runs Schedule in a goroutine and returns its result channel.
func scheduleAsync(th *Throttler, k model.InstanceKey, id string, rec *recorder) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- th.Schedule(context.Background(), k, id, rec.send(id))
	}()
	return ch
}

func TestCapacity(t *testing.T) {
	tests := []struct {
		subscribed int
		want       int
	}{
		{0, 1},
		{1, 1},
		{10, 1},
		{11, 2},
		{95, 10},
		{1000, 15},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d accounts", tt.subscribed), func(t *testing.T) {
			assert.Equal(t, tt.want, newThrottler(tt.subscribed).Capacity())
		})
	}
}

func TestScheduleAdmitsUpToCapacity(t *testing.T) {
	th := newThrottler(30) // capacity 3
	defer th.Stop()
	rec := &recorder{}

	results := make([]<-chan error, 5)
	for i := range results {
		results[i] = scheduleAsync(th, key(fmt.Sprintf("acc-%d", i)), fmt.Sprintf("sync-%d", i), rec)
		// Keep arrival order deterministic.
		require.Eventually(t, func() bool {
			st := th.Stats()
			return st.Active+st.Queued == i+1
		}, time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(rec.ids()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"sync-0", "sync-1", "sync-2"}, rec.ids())
	assert.Equal(t, Stats{Active: 3, Queued: 2, Capacity: 3}, th.Stats())

	th.Remove("sync-1")
	require.Eventually(t, func() bool { return len(rec.ids()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, "sync-3", rec.ids()[3])

	// Slots that are never renewed expire and admit the rest.
	th.expire(time.Now().Add(11 * time.Second))
	require.Eventually(t, func() bool { return len(rec.ids()) == 5 }, time.Second, time.Millisecond)

	for _, ch := range results {
		assert.NoError(t, <-ch)
	}
}

func TestScheduleReplacesQueuedRequestForSameInstance(t *testing.T) {
	th := newThrottler(0) // capacity 1
	defer th.Stop()
	rec := &recorder{}

	require.NoError(t, th.Schedule(context.Background(), key("busy"), "busy-sync", rec.send("busy-sync")))

	first := scheduleAsync(th, key("acc"), "first", rec)
	require.Eventually(t, func() bool { return th.Stats().Queued == 1 }, time.Second, time.Millisecond)

	second := scheduleAsync(th, key("acc"), "second", rec)
	assert.ErrorIs(t, <-first, ErrReplaced)

	th.Remove("busy-sync")
	require.NoError(t, <-second)
	assert.Equal(t, []string{"busy-sync", "second"}, rec.ids())
}

func TestScheduleReplacesRunningSlotForSameInstance(t *testing.T) {
	th := newThrottler(0)
	defer th.Stop()
	rec := &recorder{}

	require.NoError(t, th.Schedule(context.Background(), key("acc"), "old", rec.send("old")))
	require.True(t, th.IsSynchronizing(key("acc")))

	// The old slot is dropped, so the new request gets capacity right away.
	require.NoError(t, th.Schedule(context.Background(), key("acc"), "new", rec.send("new")))
	assert.Equal(t, []string{"old", "new"}, rec.ids())
	assert.Equal(t, 1, th.Stats().Active)
}

func TestRenewKeepsSlot(t *testing.T) {
	th := newThrottler(0)
	defer th.Stop()
	rec := &recorder{}

	require.NoError(t, th.Schedule(context.Background(), key("acc"), "s", rec.send("s")))

	th.expire(time.Now().Add(5 * time.Second))
	assert.Equal(t, 1, th.Active())

	th.Renew("s")
	th.expire(time.Now().Add(9 * time.Second))
	assert.Equal(t, 1, th.Active())

	th.expire(time.Now().Add(11 * time.Second))
	assert.Equal(t, 0, th.Active())
}

func TestQueueTimeout(t *testing.T) {
	th := newThrottler(0)
	defer th.Stop()
	rec := &recorder{}

	require.NoError(t, th.Schedule(context.Background(), key("busy"), "busy", rec.send("busy")))
	waiting := scheduleAsync(th, key("acc"), "late", rec)
	require.Eventually(t, func() bool { return th.Queued() == 1 }, time.Second, time.Millisecond)

	th.expire(time.Now().Add(301 * time.Second))

	err := <-waiting
	assert.ErrorIs(t, err, api.ErrTimeout)
	assert.Equal(t, []string{"busy"}, rec.ids())
}

func TestGlobalCeilingAcrossThrottlers(t *testing.T) {
	var (
		mu  sync.Mutex
		all []*Throttler
	)
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1

	hooks := Hooks{
		Subscribed: func() int { return 100 },
		GlobalActive: func() int {
			mu.Lock()
			defer mu.Unlock()
			n := 0
			for _, th := range all {
				n += th.Active()
			}
			return n
		},
		OnRelease: func() {
			mu.Lock()
			list := append([]*Throttler(nil), all...)
			mu.Unlock()
			for _, th := range list {
				th.Poke()
			}
		},
	}
	t1 := New(cfg, hooks, nil, nil)
	t2 := New(cfg, hooks, nil, nil)
	all = []*Throttler{t1, t2}
	defer t1.Stop()
	defer t2.Stop()

	require.NoError(t, t1.Schedule(context.Background(), key("a"), "a", rec.send("a")))

	b := scheduleAsync(t2, key("b"), "b", rec)
	require.Eventually(t, func() bool { return t2.Queued() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a"}, rec.ids())

	t1.Remove("a")
	require.NoError(t, <-b)
	assert.Equal(t, []string{"a", "b"}, rec.ids())
}

func TestSendFailureFreesSlot(t *testing.T) {
	th := newThrottler(0)
	defer th.Stop()

	boom := errors.New("boom")
	err := th.Schedule(context.Background(), key("acc"), "s", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, th.Active())
}

func TestCancelledWaiterLeavesQueue(t *testing.T) {
	th := newThrottler(0)
	defer th.Stop()
	rec := &recorder{}

	require.NoError(t, th.Schedule(context.Background(), key("busy"), "busy", rec.send("busy")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- th.Schedule(ctx, key("acc"), "s", rec.send("s")) }()
	require.Eventually(t, func() bool { return th.Queued() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, th.Queued())
}

func TestRemoveAccountAndReset(t *testing.T) {
	th := newThrottler(0)
	defer th.Stop()
	rec := &recorder{}

	require.NoError(t, th.Schedule(context.Background(), key("acc"), "running", rec.send("running")))
	other := scheduleAsync(th, model.InstanceKey{AccountID: "other", InstanceIndex: 1}, "other", rec)
	require.Eventually(t, func() bool { return th.Queued() == 1 }, time.Second, time.Millisecond)

	th.RemoveAccount("acc")
	require.NoError(t, <-other)
	assert.False(t, th.IsSynchronizing(key("acc")))

	queued := scheduleAsync(th, key("third"), "third", rec)
	require.Eventually(t, func() bool { return th.Queued() == 1 }, time.Second, time.Millisecond)

	lost := errors.New("transport lost")
	th.Reset(lost)
	assert.ErrorIs(t, <-queued, lost)
	assert.Equal(t, Stats{Capacity: 1}, th.Stats())
}

func TestStopFailsQueued(t *testing.T) {
	th := newThrottler(0)
	rec := &recorder{}

	require.NoError(t, th.Schedule(context.Background(), key("busy"), "busy", rec.send("busy")))
	waiting := scheduleAsync(th, key("acc"), "s", rec)
	require.Eventually(t, func() bool { return th.Queued() == 1 }, time.Second, time.Millisecond)

	th.Stop()
	assert.ErrorIs(t, <-waiting, ErrClosed)
	assert.ErrorIs(t, th.Schedule(context.Background(), key("x"), "x", rec.send("x")), ErrClosed)
}
