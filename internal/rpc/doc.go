// Package rpc implements the request dispatcher.
//
// Send routes a request to the account's transport, correlates the reply by
// request id and retries according to the error kind:
//
//	NotSynchronized, Timeout, NotAuthenticated, Internal   backoff min(base*2^n, cap)
//	TooManyRequests                                        wait for the recommended time if the
//	                                                       remaining backoff budget covers it
//	everything else                                        surfaced immediately
//
// Trades and subscriptions are never resent automatically. Once the pool
// releases the account, pending and future attempts of the request fail with
// connection.ErrAccountReleased.
package rpc
