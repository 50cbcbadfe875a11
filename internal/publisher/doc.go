// Package publisher republishes synchronization events to NATS.
//
// NATSBridge is a model.SynchronizationListener. Every event becomes one
// JSON message on <prefix>.<accountId>.<event>, so consumers can subscribe
// to one account (termsync.acc1.>) or one event kind (termsync.*.dealAdded).
package publisher
