package api

import (
	"fmt"
	"maps"

	"github.com/rickgao/termsync/internal/model"
)

// Request types the engine issues itself.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSynchronize = "synchronize"
	TypeTrade       = "trade"
	TypeAccountInfo = "getAccountInformation"
	TypeWaitSynced  = "waitSynchronized"
)

// Request is an outbound command. Params carries the type-specific fields and
// is flattened into the top-level JSON object.
type Request struct {
	Type          string
	AccountID     string
	Application   string
	RequestID     string
	InstanceIndex *int
	Params        map[string]any
	Timestamps    model.Timestamps
}

// NewRequest creates a request of the given type.
func NewRequest(typ string, params map[string]any) *Request {
	return &Request{Type: typ, Params: params}
}

// WithInstance sets the target instance index.
func (r *Request) WithInstance(idx int) *Request {
	r.InstanceIndex = &idx
	return r
}

// Clone returns a copy safe to mutate between retries.
func (r *Request) Clone() *Request {
	c := *r
	c.Params = maps.Clone(r.Params)
	if r.InstanceIndex != nil {
		idx := *r.InstanceIndex
		c.InstanceIndex = &idx
	}
	return &c
}

// MarshalJSON flattens typed fields and params into one object.
// Typed fields win over params of the same name.
func (r *Request) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Params)+6)
	maps.Copy(out, r.Params)

	out["type"] = r.Type
	out["accountId"] = r.AccountID
	out["requestId"] = r.RequestID
	if r.Application != "" {
		out["application"] = r.Application
	}
	if r.InstanceIndex != nil {
		out["instanceIndex"] = *r.InstanceIndex
	}
	if r.Timestamps.ClientProcessingStarted != nil {
		out["timestamps"] = map[string]any{
			"clientProcessingStarted": r.Timestamps.ClientProcessingStarted,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", r.Type, err)
	}
	return data, nil
}

// Retryable reports whether the dispatcher may resend this request type
// automatically. Trades and subscriptions have side effects.
func (r *Request) Retryable() bool {
	return r.Type != TypeTrade && r.Type != TypeSubscribe
}
