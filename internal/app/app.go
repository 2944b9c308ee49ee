// Package app wires the Keel engine together and manages its lifecycle.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/keeldb/keel/internal/api/http"
	"github.com/keeldb/keel/internal/appender"
	"github.com/keeldb/keel/internal/config"
	"github.com/keeldb/keel/internal/notify"
	"github.com/keeldb/keel/internal/observability"
	"github.com/keeldb/keel/internal/projection"
	"github.com/keeldb/keel/internal/query"
	"github.com/keeldb/keel/internal/rebuild"
	"github.com/keeldb/keel/internal/registry"
	"github.com/keeldb/keel/internal/retention"
	"github.com/keeldb/keel/internal/server"
	"github.com/keeldb/keel/internal/snapshot"
	"github.com/keeldb/keel/internal/statecache"
	"github.com/keeldb/keel/internal/storage"
	"github.com/keeldb/keel/internal/store"
	"github.com/keeldb/keel/pkg/types"
)

// App manages all Keel service lifecycles.
type App struct {
	cfg *config.Config

	// Shared resources
	store       *store.Store
	objectStore storage.ObjectStorage
	shutdown    *server.ShutdownManager
	stats       *observability.EngineStats

	// Engine components
	transitions   *projection.TransitionRegistry
	registry      *registry.Registry
	appender      *appender.Appender
	cache         *statecache.Cache
	projector     *projection.Projector
	pool          *projection.Pool
	snapshots     *snapshot.Manager
	notifier      *notify.Notifier
	reconstructor *rebuild.Reconstructor
	querySvc      *query.Service

	// Service components
	apiServer       *http.Server
	retentionDaemon *retention.Daemon

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration. Transition functions
// must be registered on Transitions() before Start.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:         cfg,
		transitions: projection.NewTransitionRegistry(),
	}, nil
}

// Transitions returns the transition registry. Event types must be
// registered here before Start; events of unregistered types fail to apply.
func (a *App) Transitions() *projection.TransitionRegistry {
	return a.transitions
}

// Notifier returns the in-process notification bus. It is available after
// Start.
func (a *App) Notifier() *notify.Notifier {
	return a.notifier
}

// Start initializes shared resources and starts all configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	a.initEngine(ctx)

	if a.cfg.ShouldRunAPI() {
		if err := a.startAPIService(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start API service: %w", err)
		}
	}

	if a.cfg.ShouldRunRetention() {
		if err := a.startRetentionService(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start retention service: %w", err)
		}
	}

	log.Printf("Keel started in %s mode", a.cfg.Mode)
	return nil
}

// initSharedResources opens the event store and, when snapshot archival is
// enabled, the object storage backend.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	a.store, err = store.Open(a.cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	log.Printf("Event store opened: %s", a.cfg.DatabasePath())

	if a.cfg.Snapshot.ArchiveEnabled {
		switch a.cfg.Storage.Type {
		case "local":
			a.objectStore, err = storage.NewLocalStorage(a.cfg.Storage.Path)
		case "s3":
			a.objectStore, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, storage.S3Config{
				Region:       a.cfg.Storage.S3.Region,
				Endpoint:     a.cfg.Storage.S3.Endpoint,
				UsePathStyle: a.cfg.Storage.S3.UsePathStyle,
			})
		default:
			return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
		}
		if err != nil {
			return fmt.Errorf("failed to initialize snapshot archive storage: %w", err)
		}
		log.Printf("Snapshot archive storage initialized: type=%s", a.cfg.Storage.Type)
	}

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{})
	a.shutdown.RegisterCloser(a.store)

	return nil
}

// initEngine builds the append and projection pipeline on top of the store.
func (a *App) initEngine(ctx context.Context) {
	a.stats = observability.NewEngineStats()
	a.notifier = notify.NewNotifier(a.cfg.Notify.BufferSize)

	a.registry = registry.New(a.store, registry.Config{
		MaxAttempts: a.cfg.Registry.MaxAttempts,
		BaseBackoff: a.cfg.Registry.BaseBackoff,
		MaxBackoff:  a.cfg.Registry.MaxBackoff,
	})
	a.appender = appender.New(a.store, a.registry)

	var archiver *snapshot.Archiver
	if a.objectStore != nil {
		archiver = snapshot.NewArchiver(a.objectStore, a.cfg.Snapshot.ArchivePrefix)
	}
	a.snapshots = snapshot.NewManager(a.store, snapshot.Config{
		Cadence:  a.cfg.Snapshot.Cadence,
		KeepLast: a.cfg.Snapshot.KeepLast,
	}, archiver, a.stats)

	a.cache = statecache.New(a.cfg.Projection.CacheMaxEntries)
	a.projector = projection.New(a.store, a.transitions, a.cache, a.stats)
	a.pool = projection.NewPool(a.projector, projection.PoolConfig{
		Workers:    a.cfg.Projection.Workers,
		QueueDepth: a.cfg.Projection.QueueDepth,
	}, a.onApplied)
	a.pool.Start(ctx)
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.pool.Stop()
		return nil
	}))

	a.reconstructor = rebuild.NewReconstructor(a.store, a.transitions, a.cache, a.stats)
	a.querySvc = query.NewService(a.store, a.stats)

	log.Printf("Projection pool started: workers=%d, snapshot cadence=%d",
		a.cfg.Projection.Workers, a.cfg.Snapshot.Cadence)
}

// onApplied runs on the projection worker after each applied event. It takes
// a snapshot when the entity's cadence is due and fans the change out to
// subscribers.
func (a *App) onApplied(state *types.CurrentState, ev *types.Event) {
	ctx := context.Background()

	taken, err := a.snapshots.MaybeSnapshot(ctx, state)
	if err != nil {
		log.Printf("snapshot failed for %s/%s at seq %d: %v",
			state.EventLogID, state.EntityID, state.SeqNum, err)
	}

	a.notifier.Publish(notify.Notification{
		Type:       notify.EventApplied,
		EventLogID: ev.EventLogID,
		EntityID:   ev.EntityID,
		EntityType: state.EntityType,
		EventType:  ev.EventType,
		SeqNum:     ev.SeqNum,
		Timestamp:  ev.Timestamp.UnixNano(),
	})
	if taken {
		a.notifier.Publish(notify.Notification{
			Type:       notify.SnapshotTaken,
			EventLogID: state.EventLogID,
			EntityID:   state.EntityID,
			EntityType: state.EntityType,
			SeqNum:     state.SeqNum,
			Timestamp:  state.LastUpdated.UnixNano(),
		})
	}
}

// startAPIService starts the HTTP API server.
func (a *App) startAPIService(ctx context.Context) error {
	mux := http.NewServeMux()
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.LoggingMiddleware,
		httpapi.ContentTypeMiddleware,
	)

	mux.Handle("/v1/append", middleware(httpapi.NewAppendHandler(a.registry, a.appender, a.pool)))
	mux.Handle("/v1/append_batch", middleware(httpapi.NewAppendBatchHandler(a.registry, a.appender, a.pool)))
	mux.Handle("/v1/state", middleware(httpapi.NewStateHandler(a.projector, a.store)))
	mux.Handle("/v1/rebuild", middleware(httpapi.NewRebuildHandler(a.reconstructor)))
	mux.Handle("/v1/events", middleware(httpapi.NewEventsHandler(a.querySvc)))
	mux.Handle("/v1/logs", middleware(httpapi.NewLogsHandler(a.store)))
	mux.Handle("/v1/stats", middleware(httpapi.NewStatsHandler(a.stats)))
	mux.HandleFunc("/health", a.healthHandler("keel-api"))

	a.apiServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("API server listening on %s", a.cfg.HTTP.Addr)
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("API server error: %v", err)
		}
	}()

	return nil
}

// startRetentionService starts the retention daemon.
func (a *App) startRetentionService(ctx context.Context) error {
	a.retentionDaemon = retention.NewDaemon(retention.Config{
		Enabled:         a.cfg.Retention.Enabled,
		CheckInterval:   a.cfg.Retention.CheckInterval,
		MinRetainEvents: a.cfg.Retention.MinRetainEvents,
	}, a.store)

	if err := a.retentionDaemon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retention daemon: %w", err)
	}
	log.Printf("Retention daemon started: interval=%s, min_retain=%d",
		a.cfg.Retention.CheckInterval, a.cfg.Retention.MinRetainEvents)

	return nil
}

// TriggerRetention runs one retention cycle immediately, outside the
// daemon's schedule.
func (a *App) TriggerRetention(ctx context.Context) {
	if a.retentionDaemon == nil {
		return
	}
	a.retentionDaemon.RunOnce(ctx)
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")

	if a.cancel != nil {
		a.cancel()
	}

	if a.retentionDaemon != nil {
		if err := a.retentionDaemon.Stop(); err != nil {
			log.Printf("Retention daemon stop error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
	}

	// Drain the projection pipeline before the store closes so every
	// accepted append is applied.
	if a.pool != nil {
		a.pool.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	a.cleanup()

	log.Printf("Keel stopped")
	return nil
}

// cleanup releases all shared resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("Store close error: %v", err)
		}
		a.store = nil
	}
}

// healthHandler returns a health check handler for the given service.
func (a *App) healthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":"%s","mode":"%s"}`, service, a.cfg.Mode)
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
