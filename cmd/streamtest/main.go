// streamtest subscribes one account and prints its synchronization events to the console.
// Usage: go run ./cmd/streamtest --config configs/termsyncd.example.yaml --account <id>
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/rickgao/termsync/internal/config"
	"github.com/rickgao/termsync/internal/engine"
	"github.com/rickgao/termsync/internal/model"
	"github.com/rickgao/termsync/internal/version"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	configPath := flag.String("config", "configs/termsyncd.example.yaml", "path to config file")
	accountID := flag.String("account", "", "account id to stream (defaults to the first configured account)")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	logger.Info("streamtest", "version", version.String())

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	id := *accountID
	var instances []int
	if id == "" && len(cfg.Accounts) > 0 {
		id = cfg.Accounts[0].ID
		instances = cfg.Accounts[0].Instances
	}
	if id == "" {
		logger.Error("no account to stream, pass --account or configure accounts")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	eng := engine.New(engine.FromConfig(cfg), nil, logger)
	eng.AddSynchronizationListener(id, &printer{verbose: *verbose})

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Subscribe(id, instances...); err != nil {
		logger.Error("failed to subscribe", "account_id", id, "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := eng.Stats()
				logger.Info("stats",
					"transports_connected", stats.Pool.Connected,
					"pending_requests", stats.Pool.Pending,
					"syncs_active", stats.Pool.Throttle.Active,
					"syncs_queued", stats.Pool.Throttle.Queued,
					"streams", stats.Streams.Streams,
					"events", stats.Streams.Events,
					"out_of_order", stats.Orderer.OutOfOrder,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "account_id", id)

	select {
	case <-ctx.Done():
	case <-eng.Done():
		logger.Error("engine closed")
	}

	logger.Info("shutting down...")
	eng.Close()
	logger.Info("shutdown complete")
}

// printer writes every event it receives to stdout.
type printer struct {
	model.NopSynchronizationListener
	verbose bool
}

func (p *printer) print(id model.StreamID, event string, summary string, data any) error {
	if p.verbose && data != nil {
		out, _ := json.MarshalIndent(data, "", "  ")
		fmt.Printf("[%s] instance=%d host=%s %s\n", event, id.InstanceIndex, id.Host, out)
		return nil
	}
	fmt.Printf("[%s] instance=%d host=%s %s\n", event, id.InstanceIndex, id.Host, summary)
	return nil
}

func (p *printer) OnConnected(_ context.Context, id model.StreamID, replicas int) error {
	return p.print(id, "CONNECTED", fmt.Sprintf("replicas=%d", replicas), nil)
}

func (p *printer) OnDisconnected(_ context.Context, id model.StreamID) error {
	return p.print(id, "DISCONNECTED", "", nil)
}

func (p *printer) OnStreamClosed(_ context.Context, id model.StreamID) error {
	return p.print(id, "STREAM CLOSED", "", nil)
}

func (p *printer) OnSynchronizationStarted(_ context.Context, id model.StreamID, s model.SyncStarted) error {
	return p.print(id, "SYNC STARTED", fmt.Sprintf("id=%s positions=%t orders=%t", s.SynchronizationID, s.PositionsUpdated, s.OrdersUpdated), s)
}

func (p *printer) OnAccountInformationUpdated(_ context.Context, id model.StreamID, info model.AccountInformation) error {
	return p.print(id, "ACCOUNT", fmt.Sprintf("broker=%s balance=%.2f equity=%.2f", info.Broker, info.Balance, info.Equity), info)
}

func (p *printer) OnPositionsReplaced(_ context.Context, id model.StreamID, positions []model.Position) error {
	return p.print(id, "POSITIONS", fmt.Sprintf("count=%d", len(positions)), positions)
}

func (p *printer) OnPendingOrdersReplaced(_ context.Context, id model.StreamID, orders []model.Order) error {
	return p.print(id, "ORDERS", fmt.Sprintf("count=%d", len(orders)), orders)
}

func (p *printer) OnDealsSynchronized(_ context.Context, id model.StreamID, syncID string) error {
	return p.print(id, "SYNCHRONIZED", "id="+syncID, nil)
}

func (p *printer) OnSymbolPricesUpdated(_ context.Context, id model.StreamID, u model.PriceUpdate) error {
	for _, price := range u.Prices {
		p.print(id, "PRICE", fmt.Sprintf("symbol=%s bid=%g ask=%g", price.Symbol, price.Bid, price.Ask), price)
	}
	return nil
}

func (p *printer) OnBrokerConnectionStatusChanged(_ context.Context, id model.StreamID, connected bool) error {
	return p.print(id, "BROKER", fmt.Sprintf("connected=%t", connected), nil)
}
