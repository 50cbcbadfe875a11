package router

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func packet(typ string, seq, ts int64) *api.Packet {
	p := &api.Packet{
		Type:              typ,
		AccountID:         "acc",
		InstanceIndex:     0,
		Host:              "ps-1",
		SequenceNumber:    &seq,
		SequenceTimestamp: &ts,
	}
	if typ == api.PacketSynchronizationStarted {
		p.SynchronizationID = "sync-1"
	}
	return p
}

func update(seq int64) *api.Packet {
	return packet(api.PacketUpdate, seq, 100)
}

func syncStarted(seq, ts int64) *api.Packet {
	return packet(api.PacketSynchronizationStarted, seq, ts)
}

func seqs(packets []*api.Packet) []int64 {
	out := make([]int64, 0, len(packets))
	for _, p := range packets {
		out = append(out, *p.SequenceNumber)
	}
	return out
}

func newTestOrderer() *Orderer {
	return NewOrderer(Config{WaitWindow: time.Minute, CheckInterval: time.Second}, nil, nil, nil)
}

func TestOrderer_UnsequencedPassThrough(t *testing.T) {
	o := newTestOrderer()
	p := &api.Packet{Type: api.PacketStatus, AccountID: "acc"}

	out := o.Submit(p, t0)
	require.Len(t, out, 1)
	assert.Same(t, p, out[0])
	assert.Zero(t, o.Stats().Streams)
}

func TestOrderer_Reorders(t *testing.T) {
	o := newTestOrderer()

	assert.Equal(t, []int64{1}, seqs(o.Submit(syncStarted(1, 100), t0)))
	assert.Empty(t, o.Submit(update(3), t0))
	assert.Empty(t, o.Submit(update(4), t0))
	assert.Equal(t, []int64{2, 3, 4}, seqs(o.Submit(update(2), t0)))
	assert.Equal(t, []int64{5}, seqs(o.Submit(update(5), t0)))
	assert.Zero(t, o.Stats().Buffered)
}

func TestOrderer_WaitsForSessionStart(t *testing.T) {
	o := newTestOrderer()

	assert.Empty(t, o.Submit(update(11), t0))
	assert.Empty(t, o.Submit(update(12), t0))
	assert.Equal(t, []int64{10, 11, 12}, seqs(o.Submit(syncStarted(10, 100), t0)))
}

func TestOrderer_NewSessionDiscardsOlderBuffered(t *testing.T) {
	o := newTestOrderer()

	o.Submit(syncStarted(1, 100), t0)
	assert.Empty(t, o.Submit(packet(api.PacketUpdate, 5, 100), t0))
	assert.Empty(t, o.Submit(packet(api.PacketUpdate, 3, 200), t0))

	// The buffered 5 predates the new session.
	out := o.Submit(syncStarted(2, 200), t0)
	assert.Equal(t, []int64{2, 3}, seqs(out))
	assert.Zero(t, o.Stats().Buffered)

	assert.Empty(t, o.Submit(packet(api.PacketUpdate, 4, 100), t0))
	assert.EqualValues(t, 1, o.Stats().Dropped)
}

func TestOrderer_OlderSessionStartIgnored(t *testing.T) {
	o := newTestOrderer()

	o.Submit(syncStarted(1, 200), t0)
	assert.Empty(t, o.Submit(syncStarted(7, 100), t0))
	assert.Equal(t, []int64{2}, seqs(o.Submit(packet(api.PacketUpdate, 2, 200), t0)))
}

func TestOrderer_DuplicateOfLastPasses(t *testing.T) {
	o := newTestOrderer()

	o.Submit(syncStarted(1, 100), t0)
	o.Submit(update(2), t0)
	assert.Equal(t, []int64{2}, seqs(o.Submit(update(2), t0)))
	assert.Empty(t, o.Submit(update(1), t0), "stale number is dropped")
}

func TestOrderer_StreamsAreIndependent(t *testing.T) {
	o := newTestOrderer()

	o.Submit(syncStarted(1, 100), t0)
	other := syncStarted(50, 100)
	other.Host = "ps-2"
	assert.Len(t, o.Submit(other, t0), 1)

	p := update(51)
	p.Host = "ps-2"
	assert.Len(t, o.Submit(p, t0), 1)
	assert.Empty(t, o.Submit(update(3), t0))
	assert.Equal(t, 2, o.Stats().Streams)
}

func TestOrderer_GapTimeoutReportedOnce(t *testing.T) {
	o := newTestOrderer()

	o.Submit(syncStarted(1, 100), t0)
	o.Submit(update(3), t0.Add(time.Second))
	o.Submit(update(4), t0.Add(2*time.Second))
	o.Submit(update(6), t0.Add(3*time.Second))

	gaps, released := o.CheckTimeouts(t0.Add(60 * time.Second))
	assert.Empty(t, gaps)
	assert.Empty(t, released)

	gaps, released = o.CheckTimeouts(t0.Add(62 * time.Second))
	require.Len(t, gaps, 1)
	assert.Equal(t, int64(2), gaps[0].Expected)
	assert.Equal(t, int64(3), gaps[0].Actual)
	assert.Equal(t, model.StreamID{AccountID: "acc", Host: "ps-1"}, gaps[0].Stream)
	assert.Equal(t, []int64{3, 4}, seqs(released))

	// 6 is still waiting but its gap timer started with the last delivery.
	gaps, _ = o.CheckTimeouts(t0.Add(63 * time.Second))
	assert.Empty(t, gaps)

	assert.Equal(t, []int64{5, 6}, seqs(o.Submit(update(5), t0.Add(64*time.Second))))
	assert.EqualValues(t, 1, o.Stats().OutOfOrder)
}

func TestOrderer_GapWithoutSessionStart(t *testing.T) {
	o := newTestOrderer()
	o.Submit(update(8), t0)

	gaps, released := o.CheckTimeouts(t0.Add(2 * time.Minute))
	require.Len(t, gaps, 1)
	assert.Zero(t, gaps[0].Expected)
	assert.Equal(t, int64(8), gaps[0].Actual)
	assert.Equal(t, []int64{8}, seqs(released))
	assert.Equal(t, []int64{9}, seqs(o.Submit(update(9), t0.Add(2*time.Minute))))
}

func TestOrderer_ShuffledArrivalIsAscending(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for round := range 20 {
		o := newTestOrderer()
		var out []*api.Packet
		out = append(out, o.Submit(syncStarted(1, 100), t0)...)

		order := rng.Perm(100)
		for _, i := range order {
			out = append(out, o.Submit(update(int64(i+2)), t0)...)
		}

		got := seqs(out)
		require.Len(t, got, 101, "round %d", round)
		for i, s := range got {
			require.Equal(t, int64(i+1), s, "round %d", round)
		}
	}
}

func TestOrderer_OnReconnectedAndStreamClosed(t *testing.T) {
	o := newTestOrderer()

	o.Submit(syncStarted(1, 100), t0)
	o.Submit(update(3), t0)
	p := update(9)
	p.AccountID = "other"
	o.Submit(p, t0)
	require.Equal(t, 2, o.Stats().Streams)

	o.OnReconnected([]string{"acc"})
	assert.Equal(t, 1, o.Stats().Streams)

	// Sequence restarts after resubscription.
	assert.Empty(t, o.Submit(update(2), t0))
	o.OnStreamClosed(model.StreamID{AccountID: "acc", Host: "ps-1"})
	o.OnStreamClosed(model.StreamID{AccountID: "other", Host: "ps-1"})
	assert.Zero(t, o.Stats().Streams)
}

type recordingHandler struct {
	mu      sync.Mutex
	ordered []int64
	gaps    []OutOfOrder
}

func (h *recordingHandler) OnOrdered(packets []*api.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ordered = append(h.ordered, seqs(packets)...)
}

func (h *recordingHandler) OnOutOfOrder(gap OutOfOrder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gaps = append(h.gaps, gap)
}

func TestOrderer_ProcessAndGapChecker(t *testing.T) {
	h := &recordingHandler{}
	o := NewOrderer(Config{WaitWindow: 50 * time.Millisecond, CheckInterval: 10 * time.Millisecond}, h, nil, nil)
	o.Start()
	defer o.Stop()

	now := time.Now()
	for _, p := range []*api.Packet{syncStarted(1, 100), update(2), update(4), update(5)} {
		p.ReceivedAt = now
		o.Process(p)
	}

	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.gaps) == 1 && len(h.ordered) == 4
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []int64{1, 2, 4, 5}, h.ordered)
	require.Len(t, h.gaps, 1)
	assert.Equal(t, int64(3), h.gaps[0].Expected)
	assert.Equal(t, int64(4), h.gaps[0].Actual)
}
