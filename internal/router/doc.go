// Package router restores sequence order of synchronization packets.
//
// Packets carrying a sequence number are held per stream until every lower
// number was released. A synchronizationStarted packet with a newer sequence
// timestamp starts a new session and rebases the stream. A gap that stays
// open longer than the wait window is reported once as OutOfOrder, after
// which the stream resumes from the lowest buffered number.
//
// GrowableBuffer is the unbounded FIFO used for per-account delivery queues
// and the latency journal.
package router
