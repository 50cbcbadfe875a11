// Package database provides the TimescaleDB connection pool for the latency journal.
//
// The journal is optional. Synchronized terminal state is never persisted here;
// only request and price latency observations are.
package database
