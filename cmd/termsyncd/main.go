package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/termsync/internal/config"
	"github.com/rickgao/termsync/internal/database"
	"github.com/rickgao/termsync/internal/engine"
	"github.com/rickgao/termsync/internal/metrics"
	"github.com/rickgao/termsync/internal/publisher"
	"github.com/rickgao/termsync/internal/version"
	"github.com/rickgao/termsync/internal/writer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	configPath := flag.String("config", "configs/termsyncd.example.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting termsyncd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"server_url", cfg.Server.URL,
		"accounts", len(cfg.Accounts),
		"timescale", cfg.Database.Timescale.Enabled,
		"nats", cfg.NATS.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	eng := engine.New(engine.FromConfig(cfg), m, logger)
	eng.AddLatencyListener(m.Latency())

	// Optional latency journal
	var (
		pool *pgxpool.Pool
		lw   *writer.LatencyWriter
	)
	if cfg.Database.Timescale.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Timescale.Host,
			"port", cfg.Database.Timescale.Port,
			"database", cfg.Database.Timescale.Name,
		)
		pool, err = database.Connect(ctx, cfg.Database.Timescale, version.UserAgent())
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			logger.Error("failed to create schema", "error", err)
			os.Exit(1)
		}

		lw = writer.NewLatencyWriter(writer.WriterConfig{
			BatchSize:     cfg.Database.Writer.BatchSize,
			FlushInterval: cfg.Database.Writer.FlushInterval,
			BufferSize:    cfg.Database.Writer.BufferSize,
		}, pool, logger.With("component", "latency_writer"))
		if err := lw.Start(ctx); err != nil {
			logger.Error("failed to start latency writer", "error", err)
			os.Exit(1)
		}
		eng.AddLatencyListener(lw)
		logger.Info("database connected")
	}

	// Optional event bridge
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		ncfg := publisher.DefaultConfig()
		ncfg.URL = cfg.NATS.URL
		ncfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		ncfg.ClientID = cfg.NATS.ClientID
		ncfg.ReconnectWait = cfg.NATS.ReconnectWait
		ncfg.MaxReconnects = cfg.NATS.MaxReconnects

		nc, err = publisher.Connect(ncfg, logger.With("component", "nats"))
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		eng.AddGlobalSynchronizationListener(publisher.NewNATSBridge(nc, ncfg.SubjectPrefix, logger.With("component", "bridge")))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	for _, acc := range cfg.Accounts {
		if err := eng.Subscribe(acc.ID, acc.Instances...); err != nil {
			logger.Error("failed to subscribe account", "account_id", acc.ID, "error", err)
			continue
		}
		logger.Info("account subscribed", "account_id", acc.ID, "instances", acc.Instances)
	}

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: createHandler(eng, pool, nc, reg, cfg.Metrics.Path),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("termsyncd running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Wait for shutdown or an unrecoverable engine failure
	select {
	case <-ctx.Done():
	case <-eng.Done():
		logger.Error("engine closed unexpectedly")
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	healthServer.Shutdown(shutdownCtx)
	if err := eng.Close(); err != nil {
		logger.Warn("engine close", "error", err)
	}
	if lw != nil {
		lw.Stop(shutdownCtx)
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Warn("nats drain", "error", err)
		}
	}

	logger.Info("termsyncd stopped")
}

// createHandler creates the HTTP handler for health, metrics and debug views.
func createHandler(eng *engine.Client, pool *pgxpool.Pool, nc *nats.Conn, reg *prometheus.Registry, metricsPath string) http.Handler {
	r := mux.NewRouter()

	r.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		stats := eng.Stats()
		health.Components["pool"] = map[string]any{
			"transports": stats.Pool.Transports,
			"connected":  stats.Pool.Connected,
			"accounts":   stats.Pool.Accounts,
			"pending":    stats.Pool.Pending,
		}
		if stats.Pool.Transports > 0 && stats.Pool.Connected == 0 {
			health.Status = "degraded"
		}
		health.Components["synchronizations"] = map[string]any{
			"active":   stats.Pool.Throttle.Active,
			"queued":   stats.Pool.Throttle.Queued,
			"capacity": stats.Pool.Throttle.Capacity,
		}
		health.Components["streams"] = stats.Streams.Streams

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["timescaledb"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["timescaledb"] = "connected"
			}
		}
		if nc != nil {
			health.Components["nats"] = nc.Status().String()
			if !nc.IsConnected() && health.Status == "healthy" {
				health.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	}).Methods(http.MethodGet)

	r.HandleFunc("/debug/accounts", func(w http.ResponseWriter, r *http.Request) {
		accounts := eng.Accounts()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":    len(accounts),
			"accounts": accounts,
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/debug/accounts/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		for _, acc := range eng.Accounts() {
			if acc.AccountID == id {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(acc)
				return
			}
		}
		http.Error(w, "account not found", http.StatusNotFound)
	}).Methods(http.MethodGet)

	return r
}
