package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/api"
	"github.com/notifyhub/alert-dispatch/internal/config"
	"github.com/notifyhub/alert-dispatch/internal/db"
	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/events"
	"github.com/notifyhub/alert-dispatch/internal/gateway"
	"github.com/notifyhub/alert-dispatch/internal/jobs"
	"github.com/notifyhub/alert-dispatch/internal/metrics"
	"github.com/notifyhub/alert-dispatch/internal/notify"
	"github.com/notifyhub/alert-dispatch/internal/provider"
	"github.com/notifyhub/alert-dispatch/internal/queue"
	"github.com/notifyhub/alert-dispatch/internal/ratelimiter"
	"github.com/notifyhub/alert-dispatch/internal/repository"
	"github.com/notifyhub/alert-dispatch/internal/service"
	"github.com/notifyhub/alert-dispatch/internal/storage"
	"github.com/notifyhub/alert-dispatch/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	ctx := context.Background()

	// ---- delivery records ----
	var repo repository.DeliveryRepository
	switch cfg.DeliveryStore {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		version, err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsSource)
		if err != nil {
			logger.Fatal("failed to run migrations", zap.String("source", cfg.MigrationsSource), zap.Error(err))
		}
		logger.Info("database migrations applied", zap.Uint("schema_version", version))
		repo = repository.NewPgDeliveryRepository(pool)
	default:
		logger.Warn("using in-memory delivery store; records are lost on restart")
		repo = repository.NewMemoryDeliveryRepository()
	}

	// ---- job store ----
	journal, err := storage.OpenSQLite(ctx, cfg.JournalPath, cfg.JournalBusyTimeout, logger)
	if err != nil {
		logger.Fatal("failed to open job journal", zap.Error(err))
	}
	defer journal.Close() //nolint:errcheck

	store := queue.NewStore(cfg.QueueConfigs(), queue.WithJournal(journal), queue.WithLogger(logger))
	restored, err := store.Restore(ctx)
	if err != nil {
		logger.Fatal("failed to restore jobs", zap.Error(err))
	}
	journaled, err := journal.Count(ctx)
	if err != nil {
		logger.Fatal("failed to count journaled jobs", zap.Error(err))
	}
	logger.Info("jobs restored from journal", zap.Int("count", restored), zap.Int("journaled", journaled))

	// ---- core dependencies ----
	bus := events.New()
	registry := gateway.NewRegistry()
	agents := jobs.NewAgentHandler(bus, logger)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, store, registry)

	jobSvc := service.NewJobService(repo, store, bus, logger)
	admin := service.NewQueueAdmin(store, logger)
	statusSvc := service.NewStatusService(store, registry, agents)

	directory, err := jobs.ParseDirectory(cfg.AlertRecipients)
	if err != nil {
		logger.Fatal("invalid ALERT_RECIPIENTS", zap.Error(err))
	}

	sender := buildProviders(cfg, logger)
	limiter := ratelimiter.New(cfg.RateLimit, cfg.ChannelRateLimits)
	driver := notify.NewDriver(repo, sender, limiter, bus, logger, m.NotifyHooks())

	// ---- job dispatcher ----
	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	dispatcher := worker.NewDispatcher(store, bus, worker.Options{
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
	}, logger, m.WorkerHooks())
	for name, h := range map[queue.Name]worker.Handler{
		queue.Notifications: driver,
		queue.Disasters:     jobs.NewDisasterHandler(directory, jobSvc, bus, logger),
		queue.AgentTasks:    agents,
	} {
		if err := dispatcher.Register(name, h); err != nil {
			logger.Fatal("failed to register handler", zap.String("queue", string(name)), zap.Error(err))
		}
	}
	dispatcher.Start(workerCtx)

	var background sync.WaitGroup
	sweeper := worker.NewSweeper(store, cfg.RetentionSchedule, cfg.RetentionMaxAge, logger)
	background.Add(1)
	go func() {
		defer background.Done()
		if err := sweeper.Run(workerCtx); err != nil {
			logger.Error("retention sweeper stopped", zap.Error(err))
		}
	}()

	// ---- socket gateway ----
	gw := gateway.New(registry, bus,
		func(ctx context.Context) any { return statusSvc.Snapshot(ctx) },
		gateway.Options{
			StatusInterval:  cfg.WSStatusInterval,
			MaxMessageBytes: cfg.WSMaxMessageBytes,
			WriteTimeout:    cfg.WSWriteTimeout,
			IdleTimeout:     cfg.WSIdleTimeout,
		}, logger, m.GatewayHooks())
	background.Add(1)
	go func() {
		defer background.Done()
		gw.Run(workerCtx)
	}()

	if cfg.WSAddr != "" {
		ln, err := net.Listen("tcp", cfg.WSAddr)
		if err != nil {
			logger.Fatal("failed to listen for sockets", zap.String("addr", cfg.WSAddr), zap.Error(err))
		}
		logger.Info("socket listener starting", zap.String("addr", cfg.WSAddr))
		background.Add(1)
		go func() {
			defer background.Done()
			_ = gw.Serve(workerCtx, ln)
		}()
	}

	// ---- HTTP server ----
	router := api.NewRouter(api.Deps{
		Jobs:         jobSvc,
		Admin:        admin,
		Status:       statusSvc,
		Socket:       gw,
		Gatherer:     reg,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop claiming jobs, the sweeper and the event fan-out.
	cancelWorkers()

	// 3. Wait for in-flight jobs to finish.
	dispatcher.Wait()
	background.Wait()

	// 4. Close every socket with a close frame.
	gw.Shutdown()

	logger.Info("server stopped cleanly")
}

// buildProviders routes each channel to its configured sender. Channels
// without a configured sender fail permanently at delivery time.
func buildProviders(cfg *config.Config, logger *zap.Logger) *provider.Router {
	router := provider.NewRouter()
	router.Handle(provider.NewWebhookSender(cfg.WebhookTimeout), domain.ChannelWebhook)

	if cfg.ProviderBaseURL != "" {
		router.Handle(provider.NewHTTPGateway(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout),
			domain.ChannelSMS, domain.ChannelPush, domain.ChannelSocial)
	} else {
		logger.Warn("PROVIDER_BASE_URL not set; sms, push and social deliveries will fail")
	}

	if cfg.SMTPHost != "" {
		router.Handle(provider.NewEmailSender(provider.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}), domain.ChannelEmail)
	} else {
		logger.Warn("SMTP_HOST not set; email deliveries will fail")
	}
	return router
}
