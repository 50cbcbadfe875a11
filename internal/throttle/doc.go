// Package throttle implements admission control for full-state synchronizations.
//
// Each transport owns one Throttler. Capacity grows with the number of
// accounts on the transport (one slot per AccountsPerSlot accounts) and is
// capped by MaxConcurrent, which is also enforced across all transports.
//
// A slot is held from the moment the synchronize request is admitted until
// Remove is called or it goes SlotTimeout without a Renew. Requests for an
// instance that already has a queued or running synchronization replace it.
package throttle
