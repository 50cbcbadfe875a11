package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// WriterConfig configures batching.
type WriterConfig struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a row waits in a partial batch
	BufferSize    int           // Initial input buffer capacity
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		BufferSize:    10000,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts int64
	Errors  int64
	Flushes int64
	Dropped int64 // Observations received after Stop
}

// BatchSender sends a pgx batch. *pgxpool.Pool implements it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type latencyRow struct {
	ObservedAt time.Time
	AccountID  string
	Kind       string
	Symbol     string
	ClientUs   int64
	ServerUs   int64
	BrokerUs   int64
}
