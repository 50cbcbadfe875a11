package router

import (
	"sync"
	"testing"
	"time"
)

func receiveAll(t *testing.T, buf *GrowableBuffer[int], want []int) {
	t.Helper()
	for _, w := range want {
		got, ok := buf.TryReceive()
		if !ok {
			t.Fatalf("TryReceive failed, expected %d", w)
		}
		if got != w {
			t.Errorf("got %d, want %d", got, w)
		}
	}
	if n := buf.Len(); n != 0 {
		t.Errorf("Len() = %d after draining, want 0", n)
	}
}

func TestGrowableBuffer_FIFO(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	for i := range 5 {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}
	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}
	receiveAll(t, buf, []int{0, 1, 2, 3, 4})
}

func TestGrowableBuffer_GrowsWhenFull(t *testing.T) {
	buf := NewGrowableBuffer[int](4)
	for i := range 4 {
		buf.Send(i)
	}
	if got := buf.Stats().ResizeCount; got != 0 {
		t.Errorf("ResizeCount = %d before overflow, want 0", got)
	}

	for i := 4; i < 100; i++ {
		buf.Send(i)
	}
	stats := buf.Stats()
	if stats.Count != 100 {
		t.Errorf("Count = %d, want 100", stats.Count)
	}
	if stats.Capacity != 128 || stats.ResizeCount != 5 {
		t.Errorf("Capacity = %d, ResizeCount = %d; want 128, 5", stats.Capacity, stats.ResizeCount)
	}

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	receiveAll(t, buf, want)
}

func TestGrowableBuffer_GrowWhileWrapped(t *testing.T) {
	buf := NewGrowableBuffer[int](4)
	buf.Send(1)
	buf.Send(2)
	buf.Send(3)
	buf.TryReceive()
	buf.TryReceive()

	// head is at 2, the next sends wrap to the front of the ring.
	for _, v := range []int{4, 5, 6, 7, 8} {
		buf.Send(v)
	}
	receiveAll(t, buf, []int{3, 4, 5, 6, 7, 8})
}

func TestGrowableBuffer_BlockingReceive(t *testing.T) {
	buf := NewGrowableBuffer[int](1)
	received := make(chan int, 1)

	go func() {
		if val, ok := buf.Receive(); ok {
			received <- val
		}
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Send(42)

	select {
	case val := <-received:
		if val != 42 {
			t.Errorf("received %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked receive")
	}
}

func TestGrowableBuffer_Close(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	buf.Send(1)
	buf.Send(2)
	buf.Close()

	if buf.Send(3) {
		t.Error("Send should return false after Close")
	}

	// Queued items survive the close.
	for _, want := range []int{1, 2} {
		if val, ok := buf.Receive(); !ok || val != want {
			t.Errorf("Receive() = %d, %v; want %d, true", val, ok, want)
		}
	}
	if _, ok := buf.Receive(); ok {
		t.Error("Receive should return false when closed and empty")
	}
}

func TestGrowableBuffer_CloseUnblocksReceive(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	done := make(chan bool, 1)

	go func() {
		_, ok := buf.Receive()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Receive should return false when closed and empty")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Receive")
	}
}

func TestGrowableBuffer_DrainTo(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	for i := range 10 {
		buf.Send(i)
	}

	tests := []struct {
		limit int
		want  []int
	}{
		{3, []int{0, 1, 2}},
		{0, []int{3, 4, 5, 6, 7, 8, 9}},
		{5, nil},
	}
	for _, tt := range tests {
		got := buf.DrainTo(tt.limit)
		if len(got) != len(tt.want) {
			t.Fatalf("DrainTo(%d) = %v, want %v", tt.limit, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("DrainTo(%d)[%d] = %d, want %d", tt.limit, i, got[i], tt.want[i])
			}
		}
	}
}

func TestGrowableBuffer_Discard(t *testing.T) {
	buf := NewGrowableBuffer[int](2)
	for i := range 5 {
		buf.Send(i)
	}
	buf.TryReceive()

	if n := buf.Discard(); n != 4 {
		t.Errorf("Discard() = %d, want 4", n)
	}
	if buf.Len() != 0 {
		t.Errorf("Len() = %d after Discard, want 0", buf.Len())
	}

	buf.Send(9)
	receiveAll(t, buf, []int{9})

	stats := buf.Stats()
	if stats.TotalReceived != 6 || stats.TotalSent != 2 || stats.Discarded != 4 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestGrowableBuffer_ConcurrentSendReceive(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	const senders, perSender = 4, 250

	var wg sync.WaitGroup
	for s := range senders {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := range perSender {
				buf.Send(s*perSender + i)
			}
		}(s)
	}

	seen := make(map[int]bool)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(seen) < senders*perSender {
			val, ok := buf.Receive()
			if !ok {
				return
			}
			seen[val] = true
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not get every item")
	}
	if len(seen) != senders*perSender {
		t.Errorf("received %d distinct items, want %d", len(seen), senders*perSender)
	}
}

func TestNewGrowableBuffer_MinCapacity(t *testing.T) {
	for _, c := range []int{0, -5} {
		if got := NewGrowableBuffer[int](c).Stats().Capacity; got != 1 {
			t.Errorf("Capacity = %d for initial capacity %d, want 1", got, c)
		}
	}
}
