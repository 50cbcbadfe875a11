package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/termsync/internal/model"
	"github.com/rickgao/termsync/internal/router"
)

// Latency kinds that are not request types.
const (
	KindPrice  = "price"
	KindUpdate = "update"
	KindTrade  = "trade"
)

// LatencyWriter consumes latency observations and writes them to the
// request_latency table.
type LatencyWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	input *router.GrowableBuffer[model.Latency]
	db    BatchSender

	// Batching
	batch       []latencyRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

var _ model.LatencyListener = (*LatencyWriter)(nil)

// NewLatencyWriter creates a new LatencyWriter.
func NewLatencyWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *LatencyWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &LatencyWriter{
		cfg:    cfg,
		input:  router.NewGrowableBuffer[model.Latency](cfg.BufferSize),
		db:     db,
		logger: logger,
		batch:  make([]latencyRow, 0, cfg.BatchSize),
	}
}

// OnResponse records a request round trip.
func (w *LatencyWriter) OnResponse(_ context.Context, accountID, requestType string, ts model.Timestamps) {
	w.enqueue(model.NewLatency(accountID, requestType, "", &ts))
}

// OnSymbolPrice records a price packet.
func (w *LatencyWriter) OnSymbolPrice(_ context.Context, accountID, symbol string, ts model.Timestamps) {
	w.enqueue(model.NewLatency(accountID, KindPrice, symbol, &ts))
}

// OnUpdate records an update packet.
func (w *LatencyWriter) OnUpdate(_ context.Context, accountID string, ts model.Timestamps) {
	w.enqueue(model.NewLatency(accountID, KindUpdate, "", &ts))
}

// OnTrade records a trade including broker execution time.
func (w *LatencyWriter) OnTrade(_ context.Context, accountID string, ts model.Timestamps) {
	w.enqueue(model.NewLatency(accountID, KindTrade, "", &ts))
}

func (w *LatencyWriter) enqueue(l model.Latency) {
	if !w.input.Send(l) {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
	}
}

// Start begins consuming observations and writing to the database.
func (w *LatencyWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("latency writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the input, shuts down and writes what is left.
func (w *LatencyWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping latency writer")

	w.input.Close()
	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("latency writer stopped")
	case <-ctx.Done():
		w.logger.Warn("latency writer stop timed out")
	}

	for _, l := range w.input.DrainTo(0) {
		w.add(l)
	}
	w.flush(ctx)
	return nil
}

// Stats returns current metrics.
func (w *LatencyWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop moves observations from the input buffer into the batch. It
// blocks on the buffer and returns once Stop closes it. After cancellation
// the rows are left to Stop, which flushes with its own context.
func (w *LatencyWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		first, ok := w.input.Receive()
		if !ok {
			return
		}
		if w.ctx.Err() != nil {
			w.add(first)
			return
		}

		items := []model.Latency{first}
		if n := w.cfg.BatchSize - 1; n > 0 {
			items = append(items, w.input.DrainTo(n)...)
		}
		for _, l := range items {
			if w.add(l) {
				w.flush(w.ctx)
			}
		}
	}
}

func (w *LatencyWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends a row and reports whether the batch is full.
func (w *LatencyWriter) add(l model.Latency) bool {
	row := transform(l)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

func transform(l model.Latency) latencyRow {
	return latencyRow{
		ObservedAt: l.ObservedAt,
		AccountID:  l.AccountID,
		Kind:       l.Kind,
		Symbol:     l.Symbol,
		ClientUs:   l.Client.Microseconds(),
		ServerUs:   l.Server.Microseconds(),
		BrokerUs:   l.Broker.Microseconds(),
	}
}

// flush writes the current batch to the database.
func (w *LatencyWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]latencyRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed latency rows",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

func (w *LatencyWriter) batchInsert(ctx context.Context, rows []latencyRow) error {
	if w.db == nil {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO request_latency (observed_at, account_id, kind, symbol, client_us, server_us, broker_us)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, r.ObservedAt, r.AccountID, r.Kind, r.Symbol, r.ClientUs, r.ServerUs, r.BrokerUs)
	}

	results := w.db.SendBatch(context.WithoutCancel(ctx), batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
