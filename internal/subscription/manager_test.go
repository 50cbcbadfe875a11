package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/model"
)

type attempt struct {
	accountID string
	instance  int
	at        time.Time
}

type fakeSender struct {
	mu       sync.Mutex
	attempts []attempt
	err      error
	calls    chan attempt
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: make(chan attempt, 100)}
}

func (s *fakeSender) Send(_ context.Context, accountID string, req *api.Request, _ time.Duration) (*api.Packet, error) {
	a := attempt{accountID: accountID, instance: *req.InstanceIndex, at: time.Now()}
	s.mu.Lock()
	s.attempts = append(s.attempts, a)
	err := s.err
	s.mu.Unlock()
	s.calls <- a
	if err != nil {
		return nil, err
	}
	return &api.Packet{Type: api.PacketResponse}, nil
}

func (s *fakeSender) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func (s *fakeSender) next(t *testing.T) attempt {
	t.Helper()
	select {
	case a := <-s.calls:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe attempt")
		return attempt{}
	}
}

func (s *fakeSender) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case a := <-s.calls:
		t.Fatalf("unexpected subscribe attempt %+v", a)
	case <-time.After(within):
	}
}

func newTestManager(t *testing.T, s Sender) *Manager {
	m := NewManager(Config{
		RetryInterval:    20 * time.Millisecond,
		MaxRetryInterval: 60 * time.Millisecond,
		TimeoutDelay:     50 * time.Millisecond,
	}, s, nil, nil)
	t.Cleanup(m.Close)
	return m
}

func key(accountID string, idx int) model.InstanceKey {
	return model.InstanceKey{AccountID: accountID, InstanceIndex: idx}
}

func TestManager_SubscribeIsIdempotent(t *testing.T) {
	s := newFakeSender()
	m := newTestManager(t, s)

	m.Subscribe("acc", 1)
	m.Subscribe("acc", 1)

	a := s.next(t)
	assert.Equal(t, "acc", a.accountID)
	assert.Equal(t, 1, a.instance)
	assert.True(t, m.IsSubscribing(key("acc", 1)))

	m.CancelSubscribe(key("acc", 1))
	time.Sleep(30 * time.Millisecond)
	for len(s.calls) > 0 {
		<-s.calls
	}
	s.none(t, 100*time.Millisecond)

	assert.False(t, m.IsSubscribing(key("acc", 1)))
	assert.True(t, m.Wanted(key("acc", 1)), "authenticated instance stays wanted")
}

func TestManager_RetriesWithBackoffUntilCancelled(t *testing.T) {
	s := newFakeSender()
	s.setErr(api.NewTimeoutError("no answer"))
	m := newTestManager(t, s)

	m.Subscribe("acc", 0)
	times := make([]time.Time, 4)
	for i := range times {
		times[i] = s.next(t).at
	}
	m.CancelSubscribe(key("acc", 0))

	gaps := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond}
	for i, want := range gaps {
		got := times[i+1].Sub(times[i])
		assert.GreaterOrEqual(t, got, want-5*time.Millisecond, "gap %d", i)
	}
}

func TestManager_RateLimitWaitsForRetryTime(t *testing.T) {
	s := newFakeSender()
	s.setErr(&api.Error{
		Kind:     api.KindTooManyRequests,
		Metadata: &api.LimitMetadata{RecommendedRetryTime: time.Now().Add(150 * time.Millisecond)},
	})
	m := newTestManager(t, s)

	m.Subscribe("acc", 0)
	first := s.next(t)
	s.setErr(nil)
	second := s.next(t)

	assert.GreaterOrEqual(t, second.at.Sub(first.at), 140*time.Millisecond)
}

func TestManager_CancelAccount(t *testing.T) {
	s := newFakeSender()
	m := newTestManager(t, s)

	m.Subscribe("acc", 0)
	m.Subscribe("acc", 1)
	m.Subscribe("other", 0)
	for range 3 {
		s.next(t)
	}

	assert.Equal(t, []int{0, 1}, m.Cancel("acc"))
	assert.Empty(t, m.Cancel("acc"))
	assert.False(t, m.IsSubscribing(key("acc", 0)))
	assert.False(t, m.IsSubscribing(key("acc", 1)))
	assert.True(t, m.IsSubscribing(key("other", 0)))

	// A cancelled account is not resubscribed on disconnect.
	m.OnDisconnected(key("acc", 0))
	assert.False(t, m.IsSubscribing(key("acc", 0)))
}

func TestManager_OnDisconnectedAndTimeout(t *testing.T) {
	s := newFakeSender()
	m := newTestManager(t, s)

	m.Subscribe("acc", 0)
	s.next(t)
	m.CancelSubscribe(key("acc", 0))

	start := time.Now()
	m.OnDisconnected(key("acc", 0))
	s.next(t)
	assert.Less(t, time.Since(start), 40*time.Millisecond)
	m.CancelSubscribe(key("acc", 0))

	start = time.Now()
	m.OnTimeout(key("acc", 0))
	s.next(t)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)

	// Already running: no second task.
	m.OnTimeout(key("acc", 0))
	assert.True(t, m.IsSubscribing(key("acc", 0)))

	// Never subscribed: ignored.
	m.OnDisconnected(key("unknown", 0))
	assert.False(t, m.IsSubscribing(key("unknown", 0)))
}

func TestManager_OnReconnected(t *testing.T) {
	s := newFakeSender()
	m := newTestManager(t, s)

	m.Subscribe("a", 0)
	m.Subscribe("a", 1)
	m.Subscribe("b", 0)
	for range 3 {
		s.next(t)
	}
	m.CancelSubscribe(key("a", 0))
	m.CancelSubscribe(key("a", 1))
	m.CancelSubscribe(key("b", 0))
	for len(s.calls) > 0 {
		<-s.calls
	}

	m.OnReconnected(0, []string{"a"})

	got := map[int]bool{}
	for range 2 {
		a := s.next(t)
		require.Equal(t, "a", a.accountID)
		got[a.instance] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, got)
	assert.False(t, m.IsSubscribing(key("b", 0)))
}

func TestManager_Close(t *testing.T) {
	s := newFakeSender()
	m := NewManager(Config{RetryInterval: 10 * time.Millisecond}, s, nil, nil)

	m.Subscribe("acc", 0)
	s.next(t)
	m.Close()

	n := s.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, s.count())

	m.Subscribe("acc", 0)
	assert.False(t, m.IsSubscribing(key("acc", 0)))
}
