// Package bootstrap wires the application: configuration, logging, telemetry
// and the full broker/feed/engine dependency graph.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ladder_engine/internal/alert"
	"ladder_engine/internal/broker"
	"ladder_engine/internal/candidates"
	"ladder_engine/internal/config"
	"ladder_engine/internal/core"
	"ladder_engine/internal/engine"
	"ladder_engine/internal/feed"
	"ladder_engine/internal/risk"
	"ladder_engine/pkg/logging"
	"ladder_engine/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds the assembled application.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger
	Engine *engine.Engine

	resolver    *broker.ScripResolver
	fillMonitor *broker.FillMonitor
	metricsSrv  *telemetry.MetricsServer
	providers   *telemetry.Providers
	candStore   *candidates.Store
}

// NewApp loads configuration and constructs every component. Nothing is
// started yet; Run owns the lifecycle.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	providers, err := telemetry.Setup("ladder_engine", cfg.Telemetry.DebugTraces)
	if err != nil {
		logger.Warn("Telemetry initialization failed", "error", err)
	}

	hours, err := risk.NewMarketHours(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Session.Timezone)
	if err != nil {
		return nil, fmt.Errorf("session timezone: %w", err)
	}

	resolver := broker.NewScripResolver(cfg.Broker.ScripMasterURL, cfg.Broker.ScripCacheFile, logger)
	limiter := broker.NewRateLimiter(cfg.Broker.RequestsPerSec, cfg.Broker.MaxConnections, logger)
	client := broker.NewClient(cfg.Broker, limiter, resolver, logger)
	fillMonitor := broker.NewFillMonitor(cfg.Broker, logger)
	marketFeed := feed.NewMarketFeed(cfg.Feed, cfg.Broker, resolver, logger)

	var candStore *candidates.Store
	if cfg.App.CandidateDB != "" {
		candStore, err = candidates.OpenStore(cfg.App.CandidateDB, logger)
		if err != nil {
			return nil, fmt.Errorf("candidate store: %w", err)
		}
	}
	provider := candidates.NewProvider(candStore, cfg.App.CandidateFile, client, loc, logger)

	eng := engine.NewEngine(client, fillMonitor, marketFeed, provider, hours, cfg.Strategy, logger)

	if m := newAlertManager(cfg.Alerts, logger); m != nil {
		eng.SetAlerts(m)
	}

	var metricsSrv *telemetry.MetricsServer
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = telemetry.NewMetricsServer(cfg.Telemetry.MetricsPort, logger)
	}

	return &App{
		Cfg:         cfg,
		Logger:      logger,
		Engine:      eng,
		resolver:    resolver,
		fillMonitor: fillMonitor,
		metricsSrv:  metricsSrv,
		providers:   providers,
		candStore:   candStore,
	}, nil
}

// newAlertManager builds the operator notification fan-out, or nil when no
// channel is configured.
func newAlertManager(cfg config.AlertsConfig, logger core.ILogger) *alert.Manager {
	var channels []alert.Channel
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackChannel(cfg.SlackWebhookURL.Reveal()))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		channels = append(channels, alert.NewTelegramChannel(cfg.TelegramBotToken.Reveal(), cfg.TelegramChatID))
	}
	if len(channels) == 0 {
		return nil
	}
	m := alert.NewManager(logger)
	for _, ch := range channels {
		m.AddChannel(ch)
	}
	return m
}

// Run starts everything and blocks until a termination signal or the engine
// ends the session.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.metricsSrv != nil {
		a.metricsSrv.Start()
	}
	if a.Cfg.Status.Enabled {
		stopStream := a.startStatusStream(ctx)
		defer stopStream()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.resolver.Load(ctx); err != nil {
			return fmt.Errorf("scrip resolver: %w", err)
		}

		a.fillMonitor.Start()

		if err := a.Engine.Start(ctx); err != nil {
			return fmt.Errorf("engine: %w", err)
		}

		a.Logger.Info("Trading session running")
		<-ctx.Done()
		return nil
	})

	err := g.Wait()
	a.shutdown()
	if err != nil && err != context.Canceled {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down")
	return nil
}

func (a *App) shutdown() {
	a.Engine.Stop()
	a.fillMonitor.Stop()

	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.metricsSrv.Stop(ctx)
		cancel()
	}
	if a.candStore != nil {
		a.candStore.Close()
	}
	if a.providers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.providers.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown incomplete", "error", err)
		}
		cancel()
	}
}
