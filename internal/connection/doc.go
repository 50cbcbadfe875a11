// Package connection implements the transport pool.
//
// The pool:
//   - Opens transports (one WebSocket each) on demand
//   - Assigns every account to exactly one transport, up to a fixed number per transport
//   - Reconnects forever at a fixed interval with a fresh client and session id
//   - Correlates responses and processing errors to pending requests by id
//   - Applies subscription rate-limit locks per transport or pool-wide
//   - Hands every other inbound frame to the packet handler
//
// Each transport owns a synchronization throttler.
package connection
