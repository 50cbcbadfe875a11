// Package stream turns ordered synchronization packets into listener events.
//
// Machine is the per-stream state machine. It is pure: Apply and
// CheckSilence return the Effects a packet or a silence timeout causes and
// never call out. Processor owns a Machine, serializes sequenced packets per
// account and executes the effects: listener notifications, subscription
// control, throttler bookkeeping and latency reports.
//
// Stream states:
//
//	Disconnected -> Authenticated -> Synchronizing -> OrdersSynchronized -> Synchronized
//
// synchronizationStarted enters Synchronizing, orderSynchronizationFinished
// enters OrdersSynchronized and dealSynchronizationFinished completes it.
//
// A disconnected packet or silence longer than the timeout closes a stream.
// Closing the last stream of an instance is an instance-level disconnect;
// closing a replica while another host is still active only reports
// stream closed.
package stream
