// Package subscription drives the subscribe lifecycle of account instances.
//
// A subscribe task keeps sending subscribe requests, backing off from
// RetryInterval up to MaxRetryInterval, until the stream authenticates and
// the task is cancelled. Disconnects and status timeouts restart the task
// for instances the caller still wants.
package subscription
