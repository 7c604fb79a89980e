package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokenkeeper-go/internal/auth"
	"tokenkeeper-go/internal/config"
	"tokenkeeper-go/internal/provider"
	"tokenkeeper-go/internal/scheduler"
	"tokenkeeper-go/internal/session"
	"tokenkeeper-go/internal/storage"
	"tokenkeeper-go/internal/worker"
)

// Application holds all the major components of the service.
type Application struct {
	Config        *config.Config
	Logger        *log.Logger
	Storage       *storage.SQLiteStorage
	Scheduler     *scheduler.Scheduler
	WorkerPool    *worker.WorkerPool
	Manager       *auth.Manager
	SessionStore  session.Store
	HTTPServer    *http.Server
	MetricsServer *http.Server
}

// New creates and initializes a new Application instance.
func New(cfg *config.Config) (*Application, error) {
	logger := log.New(os.Stdout, "tokenkeeper: ", log.LstdFlags)
	clock := clockwork.NewRealClock()

	// Setup: Storage
	store, err := storage.NewSQLiteStorage(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Setup: WorkerPool and Scheduler. Refresh dispatch is pinned to a
	// single worker: overdue jobs recovered at startup must fire one at
	// a time in next_run_at order, not as a burst.
	pool := worker.NewWorkerPool(1)
	sched, err := scheduler.NewScheduler(context.Background(), store.DB(), pool, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	// Setup: Provider client
	providerClient := provider.NewClient(provider.Config{
		AuthURL:      cfg.Provider.AuthURL,
		TokenURL:     cfg.Provider.TokenURL,
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		RedirectURI:  cfg.Provider.RedirectURI,
		Scopes:       cfg.Provider.Scopes,
		Timeout:      cfg.Provider.Timeout.Duration,
	})

	// Setup: Lifecycle manager
	manager, err := auth.NewManager(auth.ManagerConfig{
		Credentials:   store,
		Handshakes:    store,
		Provider:      providerClient,
		Scheduler:     sched,
		Clock:         clock,
		Logger:        logger,
		RefreshBuffer: cfg.Refresh.Buffer.Duration,
		RetryInterval: cfg.Refresh.RetryInterval.Duration,
		HandshakeTTL:  cfg.Refresh.HandshakeTTL.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycle manager: %w", err)
	}
	sched.SetCallback(manager.RefreshDue)

	// Setup: Session Store
	sessionStore := session.NewInMemoryStore()

	app := &Application{
		Config:       cfg,
		Logger:       logger,
		Storage:      store,
		Scheduler:    sched,
		WorkerPool:   pool,
		Manager:      manager,
		SessionStore: sessionStore,
	}

	// Setup: Main HTTP server
	httpMux := http.NewServeMux()
	httpMux.Handle("/", app.requireAuth(http.HandlerFunc(app.handleIndex)))
	httpMux.HandleFunc("/login", app.handleLogin)
	httpMux.HandleFunc("/oauth-callback", app.handleCallback)
	httpMux.HandleFunc("/logout", app.handleLogout)
	app.HTTPServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httpMux,
	}

	// Setup: Metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	app.MetricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	return app, nil
}

// Start runs the reconciliation pass, starts the background
// components and serves HTTP until the context is cancelled.
func (a *Application) Start(ctx context.Context) error {
	// Consistency first: the scheduler has loaded its jobs, so any
	// live credential without one is detectable now.
	if err := a.Manager.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	a.WorkerPool.Start()
	a.Scheduler.Start()

	errCh := make(chan error, 2)
	go func() {
		a.Logger.Printf("app: metrics server listening on %s", a.MetricsServer.Addr)
		if err := a.MetricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		a.Logger.Printf("app: http server listening on %s", a.HTTPServer.Addr)
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop gracefully shuts down the application.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var firstErr error
	if err := a.HTTPServer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.MetricsServer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}

	a.Scheduler.Stop()
	a.WorkerPool.Stop()

	if err := a.Storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
