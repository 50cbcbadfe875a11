// Package engine wires the transport pool, dispatcher, orderer, throttlers,
// subscription manager and event processor into one Client.
//
// Inbound flow:
//
//	transport -> Orderer (per stream sequencing) -> Processor -> listeners
//
// The Client is also the Processor's Controls: stream events start and stop
// subscribe tasks, renew or free throttler slots and drop orderer state.
// An UnauthorizedError from any request closes the whole Client.
package engine
