package throttle

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/metrics"
	"github.com/rickgao/termsync/internal/model"
)

const expiryInterval = time.Second

// Throttler bounds concurrent synchronizations.
type Throttler struct {
	cfg     Config
	hooks   Hooks
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	slots  map[string]*slot
	queue  []*waiter
	closed bool

	// Mirrors len(slots) so GlobalActive can read it without locking.
	active atomic.Int64
	queued atomic.Int64

	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a Throttler.
func New(cfg Config, hooks Hooks, m *metrics.Metrics, logger *slog.Logger) *Throttler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.AccountsPerSlot < 1 {
		cfg.AccountsPerSlot = 1
	}
	return &Throttler{
		cfg:     cfg,
		hooks:   hooks,
		logger:  logger,
		metrics: m,
		slots:   make(map[string]*slot),
		done:    make(chan struct{}),
	}
}

// Start runs the expiry loop.
func (t *Throttler) Start() {
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go t.expiryLoop()
	})
}

// Stop fails every queued request and stops the expiry loop.
func (t *Throttler) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		t.closed = true
		t.failQueueLocked(ErrClosed)
		clear(t.slots)
		t.syncCountersLocked()
		t.mu.Unlock()
		t.wg.Wait()
	})
}

// Schedule waits for a slot, then calls send. It returns once send returns;
// the slot stays occupied until Remove or expiry. If send fails the slot is
// freed immediately.
func (t *Throttler) Schedule(ctx context.Context, key model.InstanceKey, synchronizationID string, send func(context.Context) error) error {
	w := &waiter{
		key:      key,
		id:       synchronizationID,
		queuedAt: time.Now(),
		result:   make(chan error, 1),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	freed := t.dropInstanceLocked(key, ErrReplaced, true)
	t.queue = append(t.queue, w)
	t.advanceLocked(w.queuedAt)
	t.mu.Unlock()

	if freed {
		t.release()
	}

	select {
	case err := <-w.result:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		t.abandon(w)
		return ctx.Err()
	}

	if err := send(ctx); err != nil {
		t.Remove(synchronizationID)
		return err
	}
	return nil
}

// Remove frees the slot of a finished synchronization, or drops it from the
// queue if it was never admitted.
func (t *Throttler) Remove(synchronizationID string) {
	t.mu.Lock()
	_, held := t.slots[synchronizationID]
	delete(t.slots, synchronizationID)
	t.queue = slices.DeleteFunc(t.queue, func(w *waiter) bool {
		if w.id != synchronizationID {
			return false
		}
		w.result <- ErrCancelled
		return true
	})
	t.advanceLocked(time.Now())
	t.mu.Unlock()

	if held {
		t.release()
	}
}

// Renew marks a running synchronization as alive.
func (t *Throttler) Renew(synchronizationID string) {
	t.mu.Lock()
	if s, ok := t.slots[synchronizationID]; ok {
		s.renewedAt = time.Now()
	}
	t.mu.Unlock()
}

// RemoveInstance cancels queued and running synchronizations of an instance.
func (t *Throttler) RemoveInstance(key model.InstanceKey) {
	t.mu.Lock()
	freed := t.dropInstanceLocked(key, ErrCancelled, false)
	t.advanceLocked(time.Now())
	t.mu.Unlock()

	if freed {
		t.release()
	}
}

// RemoveAccount cancels every synchronization of an account.
func (t *Throttler) RemoveAccount(accountID string) {
	t.mu.Lock()
	freed := false
	for id, s := range t.slots {
		if s.key.AccountID == accountID {
			delete(t.slots, id)
			freed = true
		}
	}
	t.queue = slices.DeleteFunc(t.queue, func(w *waiter) bool {
		if w.key.AccountID != accountID {
			return false
		}
		w.result <- ErrCancelled
		return true
	})
	t.advanceLocked(time.Now())
	t.mu.Unlock()

	if freed {
		t.release()
	}
}

// Reset drops all state after the owning transport disconnected.
// Queued requests fail with err.
func (t *Throttler) Reset(err error) {
	t.mu.Lock()
	freed := len(t.slots) > 0
	clear(t.slots)
	t.failQueueLocked(err)
	t.syncCountersLocked()
	t.mu.Unlock()

	if freed {
		t.release()
	}
}

// Poke admits queued requests if capacity became available elsewhere.
func (t *Throttler) Poke() {
	t.mu.Lock()
	t.advanceLocked(time.Now())
	t.mu.Unlock()
}

// Active returns the number of running synchronizations. It does not lock.
func (t *Throttler) Active() int {
	return int(t.active.Load())
}

// Queued returns the number of waiting requests. It does not lock.
func (t *Throttler) Queued() int {
	return int(t.queued.Load())
}

// IsSynchronizing reports whether an instance holds a slot.
func (t *Throttler) IsSynchronizing(key model.InstanceKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s.key == key {
			return true
		}
	}
	return false
}

// Stats returns current occupancy.
func (t *Throttler) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Active:   len(t.slots),
		Queued:   len(t.queue),
		Capacity: t.capacityLocked(),
	}
}

// Capacity returns the current slot count.
func (t *Throttler) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capacityLocked()
}

func (t *Throttler) capacityLocked() int {
	subscribed := 0
	if t.hooks.Subscribed != nil {
		subscribed = t.hooks.Subscribed()
	}
	n := (subscribed + t.cfg.AccountsPerSlot - 1) / t.cfg.AccountsPerSlot
	return min(max(n, 1), t.cfg.MaxConcurrent)
}

func (t *Throttler) availableLocked() bool {
	if len(t.slots) >= t.capacityLocked() {
		return false
	}
	if t.hooks.GlobalActive != nil && t.hooks.GlobalActive() >= t.cfg.MaxConcurrent {
		return false
	}
	return true
}

// advanceLocked admits queued requests in arrival order while capacity allows.
func (t *Throttler) advanceLocked(now time.Time) {
	for len(t.queue) > 0 && !t.closed {
		t.syncCountersLocked()
		if !t.availableLocked() {
			break
		}
		w := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.slots[w.id] = &slot{key: w.key, id: w.id, startedAt: now, renewedAt: now}
		w.result <- nil
	}
	t.syncCountersLocked()
}

// dropInstanceLocked removes queued and running entries for key. Queued
// waiters receive err. Reports whether a running slot was freed.
func (t *Throttler) dropInstanceLocked(key model.InstanceKey, err error, replacing bool) bool {
	freed := false
	for id, s := range t.slots {
		if s.key == key {
			delete(t.slots, id)
			freed = true
			if replacing {
				t.metrics.IncSyncReplaced()
			}
		}
	}
	t.queue = slices.DeleteFunc(t.queue, func(w *waiter) bool {
		if w.key != key {
			return false
		}
		if replacing {
			t.metrics.IncSyncReplaced()
		}
		w.result <- err
		return true
	})
	return freed
}

// abandon removes a waiter whose caller gave up.
func (t *Throttler) abandon(w *waiter) {
	t.mu.Lock()
	freed := false
	if s, ok := t.slots[w.id]; ok && s.key == w.key {
		delete(t.slots, w.id)
		freed = true
	}
	t.queue = slices.DeleteFunc(t.queue, func(q *waiter) bool { return q == w })
	t.advanceLocked(time.Now())
	t.mu.Unlock()

	if freed {
		t.release()
	}
}

// expire reclaims stale slots and times out long-queued requests.
func (t *Throttler) expire(now time.Time) {
	t.mu.Lock()
	freed := false
	for id, s := range t.slots {
		if now.Sub(s.renewedAt) > t.cfg.SlotTimeout {
			t.logger.Debug("synchronization slot expired",
				"account_id", s.key.AccountID,
				"instance_index", s.key.InstanceIndex,
				"synchronization_id", id,
			)
			delete(t.slots, id)
			t.metrics.IncSyncExpired()
			freed = true
		}
	}
	if t.cfg.QueueTimeout > 0 {
		t.queue = slices.DeleteFunc(t.queue, func(w *waiter) bool {
			if now.Sub(w.queuedAt) <= t.cfg.QueueTimeout {
				return false
			}
			w.result <- api.NewTimeoutError("timed out waiting for synchronization slot for account %s", w.key.AccountID)
			return true
		})
	}
	t.advanceLocked(now)
	t.mu.Unlock()

	if freed {
		t.release()
	}
}

func (t *Throttler) failQueueLocked(err error) {
	for _, w := range t.queue {
		w.result <- err
	}
	t.queue = nil
}

func (t *Throttler) syncCountersLocked() {
	t.active.Store(int64(len(t.slots)))
	t.queued.Store(int64(len(t.queue)))
}

func (t *Throttler) release() {
	if t.hooks.OnRelease != nil {
		t.hooks.OnRelease()
	} else {
		t.Poke()
	}
}

func (t *Throttler) expiryLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.expire(now)
		}
	}
}
