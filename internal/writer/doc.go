// Package writer journals latency observations to TimescaleDB.
//
// LatencyWriter is a model.LatencyListener. Observations are queued in a
// GrowableBuffer, batched and inserted into request_latency with pgx.Batch.
// The table is append-only.
package writer
