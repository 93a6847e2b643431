package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dray-io/heapd/internal/admin"
	"github.com/dray-io/heapd/internal/config"
	"github.com/dray-io/heapd/internal/events/kafka"
	"github.com/dray-io/heapd/internal/eviction"
	"github.com/dray-io/heapd/internal/gc"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/metadata"
	oxiastore "github.com/dray-io/heapd/internal/metadata/oxia"
	"github.com/dray-io/heapd/internal/metrics"
	"github.com/dray-io/heapd/internal/objectdb"
	"github.com/dray-io/heapd/internal/objectmanager"
	"github.com/dray-io/heapd/internal/objectstore"
	s3store "github.com/dray-io/heapd/internal/objectstore/s3"
	"github.com/dray-io/heapd/internal/txn"
)

// Options configures a Node.
type Options struct {
	Config  *config.Config
	Logger  *logging.Logger
	Version string

	// Registry receives the node's metrics. A private registry is created
	// when nil.
	Registry *prometheus.Registry
}

// Node is one running heapd process.
type Node struct {
	opts     Options
	cfg      *config.Config
	nodeID   string
	logger   *logging.Logger
	registry *prometheus.Registry

	meta      metadata.MetadataStore
	blobs     objectstore.Store
	tracker   *txn.Tracker
	manager   *objectmanager.Manager
	collector *gc.Collector
	scheduler *gc.Scheduler
	evictor   *eviction.Evictor
	publisher *kafka.Publisher
	reporter  *metrics.ObjectManagerReporter
	health    *Health

	metricsServer *metrics.Server
	adminServer   *http.Server
	adminAddr     string

	fatal    chan error
	stopLoop chan struct{}

	mu       sync.Mutex
	started  bool
	shutdown bool
	failed   error
}

// NewNode creates a node. Nothing is connected until Start.
func NewNode(opts Options) (*Node, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	nodeID := opts.Config.Node.ID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Node{
		opts:     opts,
		cfg:      opts.Config,
		nodeID:   nodeID,
		logger:   logging.OrGlobal(opts.Logger).WithNodeID(nodeID),
		registry: registry,
		fatal:    make(chan error, 1),
		stopLoop: make(chan struct{}),
	}, nil
}

// NodeID returns the node's identity in logs and events.
func (n *Node) NodeID() string { return n.nodeID }

// Manager returns the object manager. Nil before Start.
func (n *Node) Manager() *objectmanager.Manager { return n.manager }

// Tracker returns the transaction tracker. Nil before Start.
func (n *Node) Tracker() *txn.Tracker { return n.tracker }

// Collector returns the collector. Nil before Start.
func (n *Node) Collector() *gc.Collector { return n.collector }

// Health returns the node's probes. Nil before Start.
func (n *Node) Health() *Health { return n.health }

// AdminAddr returns the bound address of the admin API.
func (n *Node) AdminAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.adminAddr
}

// Fatal delivers the first error that makes continued operation unsafe.
func (n *Node) Fatal() <-chan error { return n.fatal }

// Start connects the stores, loads the heap and starts the background
// loops and HTTP servers.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("server: node already started")
	}
	n.started = true
	n.mu.Unlock()

	cfg := n.cfg
	n.logger.Infof("starting node", map[string]any{
		"version":   n.opts.Version,
		"metadata":  cfg.Metadata.Backend,
		"store":     cfg.ObjectStore.Backend,
		"events":    cfg.Events.Backend,
		"adminAddr": cfg.Node.AdminAddr,
	})

	if err := n.openStores(ctx); err != nil {
		return err
	}
	if err := n.buildHeap(ctx); err != nil {
		return err
	}
	if err := n.manager.Start(ctx); err != nil {
		return fmt.Errorf("server: start object manager: %w", err)
	}

	n.reporter.Start()
	if cfg.GC.Enabled {
		n.scheduler.Start()
		n.health.LoopStarted("gc-scheduler")
		go n.watchScheduler()
	}
	if cfg.Eviction.Enabled {
		n.evictor.StartEvictor()
		n.health.LoopStarted("evictor")
	}

	if cfg.Observability.MetricsAddr != "" {
		n.metricsServer = metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, n.registry).WithLogger(n.logger)
		if err := n.metricsServer.Start(); err != nil {
			return fmt.Errorf("server: start metrics server: %w", err)
		}
	}
	if err := n.startAdmin(); err != nil {
		return err
	}

	n.logger.Infof("node started", map[string]any{
		"adminAddr": n.AdminAddr(),
		"objects":   len(n.manager.GetAllObjectIDs()),
		"roots":     len(n.manager.GetRootIDs()),
	})
	return nil
}

func (n *Node) openStores(ctx context.Context) error {
	cfg := n.cfg

	var meta metadata.MetadataStore
	switch cfg.Metadata.Backend {
	case "memory":
		meta = metadata.NewMockStore()
	case "oxia":
		s, err := oxiastore.New(ctx, oxiastore.Config{
			ServiceAddress: cfg.Metadata.OxiaEndpoint,
			Namespace:      cfg.Metadata.Namespace,
		})
		if err != nil {
			return fmt.Errorf("server: connect metadata store: %w", err)
		}
		meta = s
	default:
		return fmt.Errorf("server: unknown metadata backend %q", cfg.Metadata.Backend)
	}
	n.meta = metadata.NewInstrumentedStore(meta, metrics.NewMetadataMetricsWithRegistry(n.registry))

	var blobs objectstore.Store
	switch cfg.ObjectStore.Backend {
	case "memory":
		blobs = objectstore.NewMockStore()
	case "s3":
		s, err := s3store.New(ctx, s3store.Config{
			Bucket:          cfg.ObjectStore.Bucket,
			Region:          cfg.ObjectStore.Region,
			Endpoint:        cfg.ObjectStore.Endpoint,
			AccessKeyID:     cfg.ObjectStore.AccessKey,
			SecretAccessKey: cfg.ObjectStore.SecretKey,
			Prefix:          cfg.ObjectStore.Prefix,
			UsePathStyle:    cfg.ObjectStore.Endpoint != "",
		})
		if err != nil {
			return fmt.Errorf("server: open object store: %w", err)
		}
		blobs = s
	default:
		return fmt.Errorf("server: unknown object store backend %q", cfg.ObjectStore.Backend)
	}
	n.blobs = objectstore.NewInstrumentedStore(blobs, metrics.NewObjectStoreMetricsWithRegistry(n.registry))
	return nil
}

func (n *Node) buildHeap(ctx context.Context) error {
	cfg := n.cfg

	codec, err := objectdb.ParseCodec(cfg.ObjectStore.Compression)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	store := objectdb.New(n.blobs, objectdb.Config{Codec: codec, Logger: n.logger})

	omMetrics := metrics.NewObjectManagerMetricsWithRegistry(n.registry)
	omConfig := objectmanager.DefaultConfig()
	omConfig.MaxResidentObjects = cfg.ObjectManager.MaxResidentObjects
	omConfig.MaxReachablePrefetch = cfg.ObjectManager.MaxReachablePrefetch
	omConfig.QuiescenceTimeout = time.Duration(cfg.ObjectManager.QuiescenceTimeoutMs) * time.Millisecond
	omConfig.DeleteBatchSize = cfg.ObjectManager.DeleteBatchSize
	omConfig.Logger = n.logger
	omConfig.Metrics = omMetrics

	n.tracker = txn.NewTracker()
	n.manager = objectmanager.New(store, n.meta, n.tracker, omConfig)
	n.reporter = metrics.NewObjectManagerReporter(omMetrics, n.manager, 10*time.Second)

	var publisher gc.InfoPublisher
	var evictionListener eviction.Listener
	if cfg.Events.Backend == "kafka" {
		pub, err := kafka.NewPublisher(ctx, kafka.Config{
			Brokers:           cfg.Events.Brokers,
			Topic:             cfg.Events.Topic,
			Partitions:        cfg.Events.Partitions,
			ReplicationFactor: cfg.Events.ReplicationFactor,
			NodeID:            n.nodeID,
			Logger:            n.logger,
		})
		if err != nil {
			return fmt.Errorf("server: connect event publisher: %w", err)
		}
		n.publisher = pub
		n.manager.AddListener(pub)
		publisher = pub
		evictionListener = pub
	}

	n.collector = gc.NewCollector(n.manager, gc.Config{
		HistorySize: cfg.GC.HistorySize,
		Publisher:   publisher,
		Metrics:     metrics.NewGCMetricsWithRegistry(n.registry),
		Logger:      n.logger,
	})
	n.scheduler = gc.NewScheduler(n.collector, gc.SchedulerConfig{
		FullInterval:    time.Duration(cfg.GC.FullIntervalMs) * time.Millisecond,
		YoungInterval:   time.Duration(cfg.GC.YoungIntervalMs) * time.Millisecond,
		YoungEnabled:    cfg.GC.YoungGenEnabled,
		MaxFailedPauses: cfg.GC.MaxFailedPauses,
		Logger:          n.logger,
	})
	n.evictor = eviction.New(n.manager, n.tracker, eviction.Config{
		Period:            time.Duration(cfg.Eviction.PeriodMs) * time.Millisecond,
		Overshoot:         cfg.Eviction.Overshoot,
		MinSampleCount:    cfg.Eviction.MinSampleCount,
		ExpirySampleCount: cfg.Eviction.ExpirySampleCount,
		MaxConcurrentMaps: cfg.Eviction.MaxConcurrentMaps,
		MapsPerSecond:     cfg.Eviction.MapsPerSecond,
		Listener:          evictionListener,
		Metrics:           metrics.NewEvictionMetricsWithRegistry(n.registry),
		Logger:            n.logger,
	})

	n.health = NewHealth(n.logger)
	n.health.RegisterReadinessCheck(NewMetadataStoreChecker(n.meta))
	n.health.RegisterReadinessCheck(NewObjectStoreChecker(n.blobs))
	n.health.RegisterReadinessCheck(NewFuncChecker("heap", func(context.Context) error {
		if err := n.fatalErr(); err != nil {
			return fmt.Errorf("heap is unsafe: %w", err)
		}
		return nil
	}))
	return nil
}

func (n *Node) startAdmin() error {
	router := admin.NewRouter(admin.Options{
		Heap:      n.manager,
		Collector: n.collector,
		Scheduler: n.scheduler,
		Evictor:   n.evictor,
		Extra:     n.health.Handlers(),
		Logger:    n.logger,
	})
	ln, err := net.Listen("tcp", n.cfg.Node.AdminAddr)
	if err != nil {
		return fmt.Errorf("server: listen admin: %w", err)
	}
	n.adminServer = &http.Server{
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // inline collections
	}
	n.mu.Lock()
	n.adminAddr = ln.Addr().String()
	n.mu.Unlock()

	go func() {
		if err := n.adminServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Errorf("admin server error", map[string]any{"error": err.Error()})
			n.fail(fmt.Errorf("server: admin: %w", err))
		}
	}()
	return nil
}

func (n *Node) watchScheduler() {
	select {
	case err := <-n.scheduler.Fatal():
		n.health.LoopStopped("gc-scheduler")
		n.logger.Errorf("collector reported a fatal error", map[string]any{"error": err.Error()})
		n.fail(err)
	case <-n.stopLoop:
	}
}

func (n *Node) fail(err error) {
	n.mu.Lock()
	if n.failed == nil {
		n.failed = err
	}
	n.mu.Unlock()
	select {
	case n.fatal <- err:
	default:
	}
}

func (n *Node) fatalErr() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failed
}

// Run starts the node and blocks until ctx is done or a fatal error is
// reported, then shuts down. The fatal error, if any, is returned.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = n.Shutdown(shutdownCtx)
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-n.fatal:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops every component in reverse start order. It is safe to
// call on a node that failed to start.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.started || n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	n.mu.Unlock()

	n.logger.Info("shutting down node")
	if n.health != nil {
		n.health.SetShuttingDown()
	}

	var errs []error
	if n.adminServer != nil {
		if err := n.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server: %w", err))
		}
	}
	close(n.stopLoop)
	if n.scheduler != nil {
		n.scheduler.Stop()
	}
	if n.evictor != nil {
		n.evictor.Stop()
	}
	if n.reporter != nil {
		n.reporter.Stop()
	}
	if n.manager != nil {
		n.manager.Stop()
	}
	if n.publisher != nil {
		if err := n.publisher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event publisher: %w", err))
		}
	}
	if n.metricsServer != nil {
		if err := n.metricsServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if n.blobs != nil {
		if err := n.blobs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("object store: %w", err))
		}
	}
	if n.meta != nil {
		if err := n.meta.Close(); err != nil {
			errs = append(errs, fmt.Errorf("metadata store: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		n.logger.Warnf("node shutdown incomplete", map[string]any{"error": err.Error()})
	} else {
		n.logger.Info("node shutdown complete")
	}
	return err
}
