package engine

import (
	"github.com/rickgao/termsync/internal/api"
	"github.com/rickgao/termsync/internal/model"
	"github.com/rickgao/termsync/internal/router"
	"github.com/rickgao/termsync/internal/stream"
	"github.com/rickgao/termsync/internal/throttle"
)

var (
	_ stream.Controls = (*Client)(nil)
	_ router.Handler  = (*Client)(nil)
)

// OnOrdered hands sequenced packets to the processor.
func (c *Client) OnOrdered(pkts []*api.Packet) {
	for _, p := range pkts {
		c.processor.Process(p)
	}
}

// OnOutOfOrder resubscribes an instance whose sequence gap never filled.
func (c *Client) OnOutOfOrder(o router.OutOfOrder) {
	c.logger.Warn("resubscribing after sequence gap",
		"account_id", o.Stream.AccountID,
		"instance_index", o.Stream.InstanceIndex,
		"expected", o.Expected,
		"actual", o.Actual,
	)
	c.subs.OnDisconnected(o.Stream.Instance())
}

func (c *Client) SessionID(transport int) string {
	return c.pool.SessionID(transport)
}

func (c *Client) IsSubscribing(key model.InstanceKey) bool {
	return c.subs.IsSubscribing(key)
}

func (c *Client) CancelSubscribe(key model.InstanceKey) {
	c.subs.CancelSubscribe(key)
}

func (c *Client) Resubscribe(key model.InstanceKey) {
	c.subs.OnDisconnected(key)
}

func (c *Client) SubscriptionTimeout(key model.InstanceKey) {
	c.subs.OnTimeout(key)
}

func (c *Client) SubscriptionDisconnected(key model.InstanceKey) {
	c.subs.OnDisconnected(key)
}

// StreamClosed drops the sequencing state of the stream and, for the last
// stream of an instance, its throttler slots.
func (c *Client) StreamClosed(id model.StreamID, last bool) {
	c.orderer.OnStreamClosed(id)
	if !last {
		return
	}
	if th := c.throttlerOf(id.AccountID); th != nil {
		th.RemoveInstance(id.Instance())
	}
}

func (c *Client) RenewSync(transport int, synchronizationID string) {
	if t, err := c.pool.Transport(transport); err == nil {
		t.Throttler().Renew(synchronizationID)
	}
}

func (c *Client) FinishSync(transport int, synchronizationID string) {
	if t, err := c.pool.Transport(transport); err == nil {
		t.Throttler().Remove(synchronizationID)
	}
}

func (c *Client) LatencyListeners() []model.LatencyListener {
	return c.dispatcher.LatencyListeners()
}

func (c *Client) throttlerOf(accountID string) *throttle.Throttler {
	idx, ok := c.pool.TransportOf(accountID)
	if !ok {
		return nil
	}
	t, err := c.pool.Transport(idx)
	if err != nil {
		return nil
	}
	return t.Throttler()
}
