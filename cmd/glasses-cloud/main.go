// Command glasses-cloud is the main entry point for the smart glasses cloud
// control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/adminhttp"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/appendpoint"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/appmanager"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/audiorouter"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/catalog"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/config"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/display"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/glasses"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/health"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/media"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/observe"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/registry"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/resilience"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/subscription"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/transcription"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/provider/transcription/azure"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/provider/transcription/soniox"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/provider/transcription/whispercpp"
	tp "github.com/rajeevrajeshuni/glasses-cloud/pkg/provider/transcription"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "glasses-cloud: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "glasses-cloud: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("glasses-cloud starting",
		"config", *configPath,
		"glasses_listen_addr", cfg.Server.GlassesListenAddr,
		"app_listen_addr", cfg.Server.AppListenAddr,
	)

	watcher, err := config.NewWatcher(*configPath, func(old, newCfg *config.Config) {
		diff := config.Diff(old, newCfg)
		if diff.LogLevelChanged {
			logger = newLogger(diff.NewLogLevel)
			slog.SetDefault(logger)
			slog.Info("log level hot-reloaded", "level", diff.NewLogLevel)
		}
		if diff.ProvidersChanged {
			slog.Warn("providers config changed on disk, restart required to apply")
		}
		if diff.WebhookChanged || diff.SessionChanged || diff.TranscriptionChanged {
			slog.Info("webhook/session/transcription config changed on disk, restart required to apply")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "glasses-cloud"})
	if err != nil {
		slog.Error("failed to initialise observability", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}

	provider, err := buildTranscriptionProvider(cfg.Providers)
	if err != nil {
		slog.Error("failed to build transcription provider stack", "err", err)
		return 1
	}

	budget := transcription.NewBudget(cfg.Transcription.MaxTotalStreams)

	cat := catalog.New(catalog.NewHTTPFetcher(cfg.Catalog.SourceURL, nil), cfg.Catalog.SnapshotPath, logger)
	catalogCtx, cancelCatalog := context.WithCancel(ctx)
	defer cancelCatalog()
	go cat.Run(catalogCtx, cfg.Catalog.RefreshInterval)

	webhook := appmanager.NewHTTPWebhook(&http.Client{Timeout: cfg.Webhook.PerAttemptTimeout})

	var ingest media.CloudIngest
	if cfg.Media.IngestBaseURL != "" {
		ingest = media.NewHTTPCloudIngest(cfg.Media.IngestBaseURL, nil)
	}

	var redisClient *redis.Client
	if cfg.Cache.Enabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr, Password: cfg.Cache.Password, DB: cfg.Cache.DB})
		defer redisClient.Close()
	}

	factory := func(userID string, link registry.GlassesLink) *registry.UserSession {
		var sess *registry.UserSession
		apps := appmanager.New(appmanager.Config{
			UserID:      userID,
			Catalog:     cat,
			Webhook:     webhook,
			WebhookCfg:  cfg.Webhook,
			GracePeriod: cfg.Session.GracePeriod,
			Metrics:     metrics,
			Logger:      logger,
			GlassesLinkFunc: func() appmanager.GlassesSender {
				if sess == nil {
					return nil
				}
				return sess.GlassesLink()
			},
		})
		var sessionCache subscription.Cache
		if redisClient != nil {
			sessionCache = subscription.NewRedisCache(redisClient, userID)
		}
		subIdx := subscription.New(apps, sessionCache)
		trMgr := transcription.New(transcription.Config{
			SessionID:       userID,
			Provider:        provider,
			Subscribers:     subIdx,
			Sender:          apps,
			Budget:          budget,
			IdleTimeout:     cfg.Transcription.IdleTimeout,
			BufferCapacity:  cfg.Transcription.BufferCapacity,
			ForceFlushEvery: cfg.Transcription.VADForceFlushInterval,
			Metrics:         metrics,
			Logger:          logger,
		})
		router := audiorouter.New(trMgr, subIdx, nil)

		renderer := registry.NewLinkRenderer(func() registry.GlassesLink { return sess.GlassesLink() })

		var stream *media.ManagedStreamingExtension
		if ingest != nil {
			stream = media.NewManagedStreamingExtension(ingest, cfg.Media.KeepAliveInterval, logger)
		}

		sess = registry.NewSession(registry.Deps{
			UserID:        userID,
			Link:          link,
			Apps:          apps,
			Subscriptions: subIdx,
			Transcription: trMgr,
			Audio:         router,
			Display:       display.NewDisplayManager(renderer),
			Dashboard:     display.NewDashboardManager(renderer),
			Video:         media.NewVideoManager(),
			Photo:         media.NewPhotoManager(nil, logger),
			Stream:        stream,
		})
		return sess
	}

	reg := registry.New(factory, cfg.Session.DisconnectCleanupInterval, logger)

	auth := glasses.NewTokenAuthenticator(cfg.Server.AuthSecret)
	glassesSrv := glasses.NewServer(glasses.Config{
		Registry:               reg,
		Auth:                   auth,
		Metrics:                metrics,
		Logger:                 logger,
		SystemDashboardPackage: cfg.Catalog.SystemDashboardPackage,
	})
	appSrv := appendpoint.NewServer(appendpoint.Config{Registry: reg, Metrics: metrics, Logger: logger})

	healthHandler := health.New()
	adminRouter := adminhttp.NewRouter(adminhttp.Config{Health: healthHandler, Registry: reg})

	servers := []*http.Server{
		{Addr: cfg.Server.GlassesListenAddr, Handler: glassesSrv},
		{Addr: cfg.Server.AppListenAddr, Handler: appSrv},
	}
	if cfg.Admin.ListenAddr != "" {
		servers = append(servers, &http.Server{Addr: cfg.Admin.ListenAddr, Handler: adminRouter})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			slog.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}()
	}

	slog.Info("glasses-cloud ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "addr", srv.Addr, "err", err)
		}
	}
	reg.DisposeAll()
	cancelCatalog()
	if err := shutdownOtel(shutdownCtx); err != nil {
		slog.Error("observability shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// buildTranscriptionProvider instantiates the configured primary backend
// and wraps it with fallbacks behind per-backend circuit breakers.
func buildTranscriptionProvider(cfg config.ProvidersConfig) (tp.Provider, error) {
	reg := config.NewRegistry()
	reg.RegisterTranscription("azure", func(e config.ProviderEntry) (tp.Provider, error) {
		var opts []azure.Option
		if e.BaseURL != "" {
			opts = append(opts, azure.WithEndpoint(e.BaseURL))
		}
		return azure.New(e.Region, e.APIKey, opts...)
	})
	reg.RegisterTranscription("soniox", func(e config.ProviderEntry) (tp.Provider, error) {
		var opts []soniox.Option
		if e.BaseURL != "" {
			opts = append(opts, soniox.WithEndpoint(e.BaseURL))
		}
		return soniox.New(e.APIKey, opts...)
	})
	reg.RegisterTranscription("whispercpp", func(e config.ProviderEntry) (tp.Provider, error) {
		return whispercpp.New(e.ModelPath)
	})

	primary, err := reg.CreateTranscription(cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("create primary transcription provider %q: %w", cfg.Primary.Name, err)
	}

	fallback := resilience.NewTranscriptionFallback(primary, cfg.Primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: cfg.Primary.Name},
	})
	for _, entry := range cfg.Fallbacks {
		p, err := reg.CreateTranscription(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback transcription provider %q: %w", entry.Name, err)
		}
		fallback.AddFallback(entry.Name, p)
	}
	return fallback, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
