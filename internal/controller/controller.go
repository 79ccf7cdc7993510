// ABOUTME: Controller that wires registry, watcher, dispatcher, collector, and shell
// ABOUTME: Manages the optional ledger and metrics listener lifecycle

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/smbctl/internal/command"
	"github.com/2389/smbctl/internal/config"
	"github.com/2389/smbctl/internal/events"
	"github.com/2389/smbctl/internal/liveness"
	"github.com/2389/smbctl/internal/metrics"
	"github.com/2389/smbctl/internal/plugins"
	"github.com/2389/smbctl/internal/session"
	"github.com/2389/smbctl/internal/share"
	"github.com/2389/smbctl/internal/shell"
	"github.com/2389/smbctl/internal/store"
	"github.com/2389/smbctl/internal/watcher"
)

// Controller owns every component bound to one share root.
type Controller struct {
	config      *config.Config
	registry    *session.Registry
	resolver    *share.Resolver
	broadcaster *events.Broadcaster
	metrics     *metrics.Metrics
	dispatcher  *command.Dispatcher
	collector   *command.Collector
	watcher     *watcher.Watcher
	monitor     *liveness.Monitor
	plugins     *plugins.Distributor
	logger      *slog.Logger
	baseLogger  *slog.Logger

	// store is nil when the ledger is disabled
	store *store.SQLiteStore

	// httpServer is nil when metrics are disabled
	httpServer *http.Server
}

// New scans cfg.Share.Root and builds the components. cfg must be valid.
func New(cfg *config.Config, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := session.Scan(cfg.Share.Root, logger)
	if err != nil {
		return nil, err
	}
	resolver := share.NewResolver(cfg.Share.Root, registry)
	broadcaster := events.NewBroadcaster(logger)
	m := metrics.New()

	c := &Controller{
		config:      cfg,
		registry:    registry,
		resolver:    resolver,
		broadcaster: broadcaster,
		metrics:     m,
		monitor:     liveness.NewMonitor(resolver, registry, logger),
		plugins:     plugins.NewDistributor(cfg.Plugins.CatalogDir, resolver, logger),
		logger:      logger.With("component", "controller"),
		baseLogger:  logger,
	}

	if cfg.Database.Path != "" {
		c.store, err = store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening ledger: %w", err)
		}
	}

	c.dispatcher = command.NewDispatcher(command.DispatcherParams{
		Resolver:  resolver,
		Registry:  registry,
		Publisher: broadcaster,
		Metrics:   m,
		Logger:    logger,
	})
	c.collector = command.NewCollector(command.CollectorParams{
		Resolver:       resolver,
		Registry:       registry,
		Publisher:      broadcaster,
		Metrics:        m,
		Logger:         logger,
		NoHistory:      cfg.Share.NoHistory,
		SettleDelay:    cfg.Watcher.SettleDelay,
		SettleAttempts: cfg.Watcher.SettleAttempts,
	})
	c.watcher = watcher.New(watcher.Params{
		Root:         cfg.Share.Root,
		Registry:     registry,
		Collector:    c.collector,
		Publisher:    broadcaster,
		Metrics:      m,
		Logger:       logger,
		PollInterval: cfg.Watcher.PollInterval,
		DedupeWindow: cfg.Watcher.DedupeWindow,
	})

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		mux.HandleFunc("/health", c.handleHealth)
		mux.HandleFunc("/health/ready", c.handleReady)
		c.httpServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return c, nil
}

// Shell builds an operator shell over the controller's components.
func (c *Controller) Shell(in io.Reader, out io.Writer) *shell.Shell {
	p := shell.Params{
		In:         in,
		Out:        out,
		Resolver:   c.resolver,
		Sessions:   c.registry,
		Liveness:   c.monitor,
		Dispatcher: c.dispatcher,
		Plugins:    c.plugins,
		Events:     c.broadcaster,
		Logger:     c.baseLogger,
		Timeout:    c.config.Liveness.Timeout,
	}
	// A nil *SQLiteStore in the interface would not compare equal to nil.
	if c.store != nil {
		p.Ledger = c.store
	}
	return shell.New(p)
}

// Run starts the watcher, ledger recorder and metrics listener, then runs
// the shell on in and out. It returns when the shell exits, ctx is
// cancelled, or a background component fails.
func (c *Controller) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.watcher.Run(ctx); err != nil {
			errCh <- fmt.Errorf("watcher: %w", err)
		}
	}()

	if c.store != nil {
		sub, _ := c.broadcaster.Subscribe(ctx, events.AllProjects)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.store.Record(ctx, sub)
		}()
	}

	if c.httpServer != nil {
		ln, err := net.Listen("tcp", c.httpServer.Addr)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("listening on metrics address: %w", err)
		}
		go func() {
			c.logger.Info("HTTP server listening", "addr", ln.Addr().String())
			if err := c.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	shellDone := make(chan error, 1)
	go func() {
		shellDone <- c.Shell(in, out).Run(ctx)
	}()

	var runErr error
	select {
	case err := <-shellDone:
		if !errors.Is(err, context.Canceled) {
			runErr = err
		}
	case err := <-errCh:
		c.logger.Error("component failed", "error", err)
		runErr = err
	case <-ctx.Done():
		c.logger.Info("context canceled, initiating shutdown")
	}

	cancel()
	wg.Wait()
	shutdownErr := c.gracefulShutdown()

	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (c *Controller) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP listener and closes the ledger.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down controller")

	var errs []error
	if c.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", c.httpServer.Shutdown(ctx))
	}
	if c.store != nil {
		errs = appendCloseError(errs, "store close", c.store.Close())
	}
	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the controller is alive.
func (c *Controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one agent is registered.
func (c *Controller) handleReady(w http.ResponseWriter, r *http.Request) {
	n := 0
	c.registry.Snapshot().Each(func(string, string) { n++ })
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}
