// Package metrics exposes Prometheus collectors for the synchronization engine.
//
// All collectors are registered on the registry passed to New, so tests can
// use a private registry. A nil *Metrics is valid and records nothing.
package metrics
