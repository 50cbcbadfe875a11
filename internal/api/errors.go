package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a server-side failure.
type Kind string

// Error kinds sent by the terminal in processingError frames.
const (
	KindValidation       Kind = "ValidationError"
	KindNotFound         Kind = "NotFoundError"
	KindNotSynchronized  Kind = "NotSynchronizedError"
	KindTimeout          Kind = "TimeoutError"
	KindNotAuthenticated Kind = "NotAuthenticatedError"
	KindInternal         Kind = "InternalError"
	KindTrade            Kind = "TradeError"
	KindUnauthorized     Kind = "UnauthorizedError"
	KindTooManyRequests  Kind = "TooManyRequestsError"
)

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrNotSynchronized  = &Error{Kind: KindNotSynchronized}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrNotAuthenticated = &Error{Kind: KindNotAuthenticated}
	ErrInternal         = &Error{Kind: KindInternal}
	ErrTrade            = &Error{Kind: KindTrade}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrTooManyRequests  = &Error{Kind: KindTooManyRequests}
)

// Subscription limit scopes carried in TooManyRequestsError metadata.
const (
	LimitSubscriptionsPerUser          = "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_USER"
	LimitSubscriptionsPerServer        = "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_SERVER"
	LimitSubscriptionsPerUserPerServer = "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_USER_PER_SERVER"
)

// LimitMetadata describes a rate limit that was hit.
type LimitMetadata struct {
	Type                           string    `json:"type"`
	RecommendedRetryTime           time.Time `json:"recommendedRetryTime"`
	PeriodInMinutes                int       `json:"periodInMinutes,omitempty"`
	MaxRequestsForPeriod           int       `json:"maxRequestsForPeriod,omitempty"`
	MaxAccountSubscriptionsPerUser int       `json:"maxAccountSubscriptionsPerUser,omitempty"`
}

// Error is a failure reported by the terminal, or a local timeout.
type Error struct {
	Kind        Kind
	Message     string
	Details     any
	NumericCode int    // trade result code
	StringCode  string // trade result code name
	Metadata    *LimitMetadata
}

// NewTimeoutError creates a local timeout error.
func NewTimeoutError(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Kind == KindTrade {
		fmt.Fprintf(&b, " (%s, code %d)", e.StringCode, e.NumericCode)
	}
	return b.String()
}

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the kind is transient.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNotSynchronized, KindTimeout, KindNotAuthenticated, KindInternal:
		return true
	}
	return false
}

// RetryAt returns the server's recommended retry time, if any.
func (e *Error) RetryAt() (time.Time, bool) {
	if e.Metadata == nil || e.Metadata.RecommendedRetryTime.IsZero() {
		return time.Time{}, false
	}
	return e.Metadata.RecommendedRetryTime, true
}

// SubscriptionScope returns the subscription limit scope of a
// TooManyRequestsError, or "" if it is not a subscription limit.
func (e *Error) SubscriptionScope() string {
	if e.Kind != KindTooManyRequests || e.Metadata == nil {
		return ""
	}
	switch e.Metadata.Type {
	case LimitSubscriptionsPerUser, LimitSubscriptionsPerServer, LimitSubscriptionsPerUserPerServer:
		return e.Metadata.Type
	}
	return ""
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
