// Command server starts the workspace sync service: webhook receiver,
// queue dispatcher, and backfill reconciler in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/fairyhunter13/workspace-sync/internal/adapter/httpserver"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/source/docs"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/source/mailbox"
	"github.com/fairyhunter13/workspace-sync/internal/adapter/source/tracker"
	"github.com/fairyhunter13/workspace-sync/internal/app"
	"github.com/fairyhunter13/workspace-sync/internal/config"
	"github.com/fairyhunter13/workspace-sync/internal/domain"
	"github.com/fairyhunter13/workspace-sync/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP, queue, and backfill instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool behind the resilient session. Pool construction only
	// parses the DSN; the service starts even with the database down and
	// the session reconnects once it returns.
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBDSN, cfg.DBConnectTimeout)
	if err != nil {
		slog.Error("db pool setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	session := postgres.NewSession(pool, postgres.SessionConfig{
		OperationRetries:  cfg.DBOperationRetries,
		ReconnectDelay:    cfg.DBReconnectDelay,
		MaxReconnectDelay: cfg.DBMaxReconnectDelay,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Schema migration runs in the background so webhook receipt is not
	// blocked by a slow database start.
	go func() {
		if err := session.EnsureConnected(runCtx); err != nil {
			slog.Error("database never became reachable", slog.Any("error", err))
			return
		}
		if err := postgres.EnsureQueueSchema(runCtx, session); err != nil {
			slog.Error("schema migration failed", slog.Any("error", err))
			return
		}
		slog.Info("database schema ready")
	}()

	// Repositories
	queueRepo := postgres.NewQueueRepo(session, postgres.QueueRepoConfig{
		MaxAttempts: cfg.MaxQueueAttempts,
		RetryBase:   cfg.QueueRetryBase,
		RetryCap:    cfg.QueueRetryCap,
	})
	checkpointRepo := postgres.NewCheckpointRepo(session)
	webhookRepo := postgres.NewWebhookConfigRepo(session)

	// Per-source clients, normalizers, and stores. A source with no
	// credentials simply does not participate.
	normalizers := map[domain.Source]domain.Normalizer{}
	stores := map[domain.Source]domain.RecordStore{}
	processAfter := map[domain.Source]time.Time{}
	var trackerLister usecase.TrackerLister
	var mailboxLister usecase.MailboxLister
	var docsLister usecase.DocsLister
	var trackerAPI usecase.TrackerWebhookAPI
	var mailboxAPI usecase.MailboxWebhookAPI

	for _, src := range domain.Sources() {
		if !cfg.SourceEnabled(src) {
			slog.Info("source disabled, no credentials", slog.String("source", string(src)))
			continue
		}
		if after, ok := cfg.ProcessAfter(src); ok {
			processAfter[src] = after
		}
	}

	if cfg.SourceEnabled(domain.SourceTracker) {
		creds := cfg.Credentials(domain.SourceTracker)
		client := tracker.New(creds.BaseURL, creds.APIKey)
		normalizers[domain.SourceTracker] = usecase.NewTrackerNormalizer(client)
		stores[domain.SourceTracker] = postgres.NewTaskRepo(session)
		trackerLister = client
		trackerAPI = client
	}

	if cfg.SourceEnabled(domain.SourceMailbox) {
		creds := cfg.Credentials(domain.SourceMailbox)
		client := mailbox.New(creds.BaseURL, creds.APIKey)
		labels, err := usecase.LoadLabelCategories(cfg.LabelCategoriesFile)
		if err != nil {
			slog.Error("label categories config invalid", slog.Any("error", err))
			os.Exit(1)
		}
		normalizers[domain.SourceMailbox] = usecase.NewMailboxNormalizer(client, labels)
		stores[domain.SourceMailbox] = postgres.NewEmailRepo(session)
		mailboxLister = client
		mailboxAPI = client
	}

	if cfg.SourceEnabled(domain.SourceDocs) {
		creds := cfg.Credentials(domain.SourceDocs)
		client := docs.New(creds.BaseURL, creds.APIKey, cfg.DocsSpaceID, cfg.DocsSyncMode, cfg.DocsRootFolderID)
		normalizers[domain.SourceDocs] = usecase.NewDocsNormalizer(client)
		stores[domain.SourceDocs] = postgres.NewDocumentRepo(session)
		docsLister = client
	}

	// HTTP server
	srv := httpserver.NewServer(cfg, queueRepo, session.IsConnected)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background loops: dispatcher workers, backfill reconciler, docs
	// poller, lease sweeper, retention cleaner.
	dispatcher := usecase.NewDispatcher(queueRepo, normalizers, stores, session.IsConnected, usecase.DispatcherConfig{
		Workers:   cfg.DispatcherWorkers,
		BatchSize: cfg.QueueBatchSize,
	})
	go dispatcher.Run(runCtx)

	reconciler := usecase.NewReconciler(queueRepo, checkpointRepo, trackerLister, mailboxLister, usecase.ReconcilerConfig{
		Interval:     cfg.BackfillInterval(),
		Overlap:      cfg.OverlapWindow(),
		ProcessAfter: processAfter,
	})
	go reconciler.Run(runCtx)

	if docsLister != nil {
		poller := usecase.NewDocsPoller(queueRepo, checkpointRepo, docsLister, usecase.ReconcilerConfig{
			Interval:     cfg.DocsPollInterval,
			Overlap:      cfg.OverlapWindow(),
			ProcessAfter: processAfter,
		})
		go poller.Run(runCtx)
	}

	go app.NewQueueSweeper(queueRepo, cfg.VisibilityTimeout, cfg.SweepInterval).Run(runCtx)
	go app.NewQueueCleaner(queueRepo, cfg.QueueRetention(), cfg.CleanupInterval).Run(runCtx)

	// Webhook registration happens after the server is up; a failure here
	// degrades to polling-only sync rather than aborting startup.
	if !cfg.DisableWebhooks {
		mgr := usecase.NewWebhookManager(webhookRepo, trackerAPI, mailboxAPI, cfg.PublicBaseURL)
		go func() {
			if err := session.EnsureConnected(runCtx); err != nil {
				return
			}
			if err := mgr.Setup(runCtx); err != nil {
				slog.Error("webhook registration incomplete", slog.Any("error", err))
			}
		}()
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
