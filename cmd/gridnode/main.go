package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/devrev/pairgrid/internal/cache"
	"github.com/devrev/pairgrid/internal/config"
	"github.com/devrev/pairgrid/internal/container"
	"github.com/devrev/pairgrid/internal/distribution"
	"github.com/devrev/pairgrid/internal/handler"
	"github.com/devrev/pairgrid/internal/metrics"
	"github.com/devrev/pairgrid/internal/model"
	"github.com/devrev/pairgrid/internal/mvcc"
	"github.com/devrev/pairgrid/internal/notifier"
	"github.com/devrev/pairgrid/internal/persistence"
	"github.com/devrev/pairgrid/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dumpConfig {
		out, err := cfg.Dump()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("node_id", cfg.Server.NodeID))

	logger.Info("Configuration loaded",
		zap.String("host", cfg.Server.Host),
		zap.Int("rpc_port", cfg.Server.RPCPort),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("num_segments", cfg.Cluster.NumSegments),
		zap.Int("num_owners", cfg.Cluster.NumOwners),
		zap.String("store", cfg.Persistence.Store))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Grid node failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	self := model.Address(cfg.Server.NodeID)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry, cfg.Server.NodeID)

	// Transport
	rpcAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.RPCPort))
	t, err := transport.NewGRPCTransport(self, transport.GRPCConfig{
		BindAddr:       rpcAddr,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	t.Start()

	// Local state
	dc := container.NewDataContainer(&container.Config{
		NumSegments:    cfg.Cluster.NumSegments,
		LockStripes:    cfg.Cache.LockStripes,
		TombstoneGrace: cfg.Cache.TombstoneGrace,
	}, logger)
	n := notifier.NewNotifier(m, logger)
	n.Subscribe("topology-log", func(ctx context.Context, event *model.ClusterEvent) error {
		logger.Info("Topology installed",
			zap.Stringer("view", event.NewView),
			zap.Ints("degraded_segments", event.Degraded))
		return nil
	}, model.EventViewChanged)

	dist := distribution.NewManager(&distribution.Config{
		CacheName:       cfg.Cache.Name,
		NumSegments:     cfg.Cluster.NumSegments,
		NumOwners:       cfg.Cluster.NumOwners,
		ChunkSize:       cfg.StateTransfer.ChunkSize,
		PullTimeout:     cfg.StateTransfer.PullTimeout,
		MaxPullAttempts: cfg.StateTransfer.MaxAttempts,
		RetryInitial:    cfg.StateTransfer.RetryInitial,
		RetryMax:        cfg.StateTransfer.RetryMax,
		Workers:         cfg.StateTransfer.Workers,
		QueueSize:       cfg.StateTransfer.QueueSize,
		ChunksPerSecond: cfg.StateTransfer.ChunksPerSecond,
		DiscardGrace:    cfg.StateTransfer.DiscardGrace,
		InFlightPolicy:  distribution.InFlightPolicy(cfg.StateTransfer.InFlightPolicy),
		BlockTimeout:    cfg.StateTransfer.BlockTimeout,
	}, t, dc, n, m, logger)

	mv := mvcc.NewController(&mvcc.Config{
		Isolation:      mvcc.IsolationLevel(cfg.Transactions.Isolation),
		WriteSkewCheck: cfg.Transactions.WriteSkewCheck,
	}, dc, m, logger)

	p, err := openPersistence(cfg, m, logger)
	if err != nil {
		t.Close()
		return err
	}

	c := cache.NewCache(&cache.Config{
		Name:           cfg.Cache.Name,
		RequestTimeout: cfg.Cache.RequestTimeout,
		MaxRetries:     cfg.Cache.MaxRetries,
		RetryInitial:   cfg.Cache.RetryInitial,
		RetryMax:       cfg.Cache.RetryMax,
		ReaperInterval: cfg.Cache.ReaperInterval,
	}, t, dist, dc, mv, n, p, m, logger)

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Close()
		return fmt.Errorf("failed to start cache: %w", err)
	}

	// Membership feeds the transport, which notifies the distribution manager
	advertiseHost := cfg.Server.AdvertiseHost
	if advertiseHost == "" {
		advertiseHost = cfg.Server.Host
		if ip := net.ParseIP(advertiseHost); ip != nil && ip.IsUnspecified() {
			if hostname, err := os.Hostname(); err == nil {
				advertiseHost = hostname
			}
		}
	}
	advertisePort := cfg.Cluster.AdvertisePort
	if advertisePort == 0 {
		advertisePort = cfg.Cluster.GossipPort
	}
	discovery, err := transport.NewDiscovery(&transport.DiscoveryConfig{
		BindAddr:       cfg.Server.Host,
		BindPort:       cfg.Cluster.GossipPort,
		AdvertiseAddr:  cfg.Server.AdvertiseHost,
		AdvertisePort:  advertisePort,
		Seeds:          cfg.Cluster.Seeds,
		GossipInterval: cfg.Cluster.GossipInterval,
		ProbeTimeout:   cfg.Cluster.ProbeTimeout,
		ProbeInterval:  cfg.Cluster.ProbeInterval,
		Settle:         cfg.Cluster.ViewSettle,
	}, self, net.JoinHostPort(advertiseHost, strconv.Itoa(cfg.Server.RPCPort)), t, logger)
	if err != nil {
		_ = c.Stop(ctx)
		t.Close()
		return fmt.Errorf("failed to start discovery: %w", err)
	}

	// HTTP surface
	h := handler.NewHandlers(c, dist, logger, cfg.Server.RequestTimeout)
	routerCfg := handler.RouterConfig{}
	if cfg.Metrics.Enabled {
		routerCfg = handler.RouterConfig{MetricsPath: cfg.Metrics.Path, Gatherer: registry}
	}
	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort)),
		Handler:      handler.NewRouter(h, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	case err := <-serveErr:
		runErr = fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	if err := discovery.Shutdown(cfg.Server.ShutdownTimeout / 3); err != nil {
		logger.Error("Failed to leave cluster", zap.Error(err))
	}
	if err := c.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop cache", zap.Error(err))
	}
	if err := t.Close(); err != nil {
		logger.Error("Failed to close transport", zap.Error(err))
	}
	logger.Info("Grid node stopped")
	return runErr
}

// openPersistence opens the configured store with its modification log and
// flusher. It returns nil when no store is configured.
func openPersistence(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*cache.Persistence, error) {
	pc := cfg.Persistence
	var (
		store persistence.Store
		err   error
	)
	ctx := context.Background()
	switch pc.Store {
	case "", config.StoreNone:
		return nil, nil
	case config.StoreMemory:
		store = persistence.NewMemoryStore()
	case config.StoreBolt:
		store, err = persistence.NewBoltStore(pc.BoltPath, cfg.Cache.Name, logger)
	case config.StorePostgres:
		store, err = persistence.NewPostgresStore(ctx, pc.PostgresDSN, pc.PostgresTable, logger)
	case config.StoreRedis:
		rc := &persistence.RedisConfig{
			Addr:     pc.RedisAddr,
			Password: pc.RedisPassword,
			DB:       pc.RedisDB,
		}
		if !pc.Shared {
			rc.NodeID = cfg.Server.NodeID
		}
		store, err = persistence.NewRedisStore(ctx, rc, cfg.Cache.Name, logger)
	default:
		return nil, fmt.Errorf("unknown store %q", pc.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", pc.Store, err)
	}

	log := persistence.NewModificationLog(&persistence.LogConfig{
		Synchronous: pc.Synchronous,
		QueueSize:   pc.QueueSize,
	}, m, logger)
	flusher := persistence.NewFlusher(&persistence.FlusherConfig{
		Interval:       pc.FlushInterval,
		BatchThreshold: pc.BatchThreshold,
	}, log, store, m, logger)

	logger.Info("Store attached",
		zap.String("store", pc.Store),
		zap.Bool("shared", pc.Shared),
		zap.Bool("synchronous", pc.Synchronous))
	return &cache.Persistence{Log: log, Store: store, Flusher: flusher, Shared: pc.Shared}, nil
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
