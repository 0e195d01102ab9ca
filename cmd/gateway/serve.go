package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offline-gateway/internal/handlers"
	"offline-gateway/internal/httpserver"
	"offline-gateway/internal/metrics"
	"offline-gateway/internal/notify"
	"offline-gateway/internal/strategy"
	"offline-gateway/internal/syncqueue"
	"offline-gateway/internal/worker"
	"offline-gateway/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve()
	},
}

func serve() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics.Register()

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("origin_url", cfg.OriginURL),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.String("sync_backend", cfg.SyncBackend),
		zap.String("version", cfg.Version),
		zap.Strings("write_sensitive_paths", cfg.WriteSensitivePaths),
		zap.Int("prewarm_urls", len(cfg.PrewarmURLs)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	// ----- Redis client (only if needed) -----
	rc, err := openRedis(ctx, cfg, logger)
	if err != nil {
		logger.Error("redis connection failed", zap.Error(err))
		return err
	}
	if rc != nil {
		defer rc.Close()
	}

	// ----- Store -----
	st, closeStore, err := openStore(cfg, rc)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("store close error", zap.Error(err))
		}
	}()

	client := upstreamClient(cfg)
	defer client.CloseIdleConnections()

	// ----- Sync queue -----
	sinks := notify.Multi{notify.NewLogSink(logger)}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.NotifyWebhookURL, client))
	}
	if cfg.NotifyRedisChannel != "" {
		sinks = append(sinks, notify.NewRedisSink(rc, cfg.NotifyRedisChannel))
	}

	var tasks syncqueue.TaskStore = syncqueue.NewMemoryTaskStore()
	if cfg.SyncBackend == "redis" {
		tasks = syncqueue.NewRedisTaskStore(rc, cfg.RedisPrefix)
	}

	queue := syncqueue.New(tasks, sinks, syncqueue.Config{
		MaxAttempts: cfg.SyncMaxAttempts,
		BaseBackoff: cfg.SyncBaseBackoff,
		MaxBackoff:  cfg.SyncMaxBackoff,
	}, syncqueue.OnExhausted(func(ctx context.Context, t *syncqueue.Task, err error) {
		logging.L(ctx).Warn("sync_abandoned",
			zap.String("tag", t.Tag),
			zap.Int("attempts", t.Attempts),
			zap.Error(err),
		)
	}))
	queue.Handle(cfg.SyncTag, syncqueue.FetchTask(client, cfg.Resolve(cfg.SyncURL), notify.Notification{
		Title: "Content updated",
		Body:  "New content is available!",
		Icon:  cfg.SyncNotifyIcon,
		Tag:   cfg.SyncTag,
	}))
	queue.HandlePrefix(syncqueue.ReplayPrefix, syncqueue.ReplayTask(client))

	// ----- Strategy router + worker -----
	var routerOpts []strategy.Option
	if cfg.DeferWrites {
		routerOpts = append(routerOpts, strategy.WithDeferrer(syncqueue.NewReplayDeferrer(queue)))
	}
	router := strategy.NewRouter(strategy.Config{
		Classifier:  strategy.PathContains(cfg.WriteSensitivePaths...),
		VaryHeaders: cfg.VaryHeaders,
	}, client, routerOpts...)

	w := worker.New(worker.Config{
		CachePrefix: cfg.CachePrefix,
		PrewarmURLs: cfg.ResolveAll(cfg.PrewarmURLs),
		SkipWaiting: cfg.SkipWaiting,
	}, st, router, queue, client)

	prober := syncqueue.NewProber(client, cfg.ProbeURL, cfg.ProbeInterval, queue)

	// ----- HTTP -----
	proxy, err := handlers.NewProxyHandler(w, cfg.OriginURL)
	if err != nil {
		return err
	}
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, httpserver.Handlers{
		Proxy: proxy,
		Sync:  handlers.NewSyncHandler(w),
		Admin: handlers.NewAdminHandler(w),
	}, httpserver.Options{
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ----- Run -----
	bg, bgCtx := errgroup.WithContext(ctx)
	workerCtx, stopWorker := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer stopWorker()

	workerDone := make(chan struct{})
	go func() {
		w.Run(workerCtx)
		close(workerDone)
	}()

	if err := w.Upgrade(ctx, cfg.Version); err != nil {
		// Requests pass straight through until a version installs.
		logger.Error("initial install failed", zap.String("version", cfg.Version), zap.Error(err))
	}

	bg.Go(func() error {
		prober.Run(bgCtx)
		return nil
	})

	bg.Go(func() error {
		logger.Info("starting gateway",
			zap.String("addr", srv.Addr),
			zap.String("status", w.Status().State),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	bg.Go(func() error {
		<-bgCtx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			return err
		}
		return nil
	})

	err = bg.Wait()

	stopWorker()
	<-workerDone
	router.Wait()

	if err != nil {
		logger.Error("gateway stopped with error", zap.Error(err))
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
