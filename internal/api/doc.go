// Package api defines the terminal streaming protocol.
//
// Every frame is one JSON object. Outbound frames are requests carrying a
// requestId; inbound frames are either responses and processing errors
// correlated by that id, or synchronization packets addressed to an
// (account, instance, host) stream.
//
// Server-side failures decode into *Error, whose Kind drives retry policy.
package api
