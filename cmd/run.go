package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Berailitz/bupt-messager/internal/auth"
	"github.com/Berailitz/bupt-messager/internal/broadcast"
	"github.com/Berailitz/bupt-messager/internal/captcha"
	systemclock "github.com/Berailitz/bupt-messager/internal/clock/system"
	"github.com/Berailitz/bupt-messager/internal/config"
	"github.com/Berailitz/bupt-messager/internal/httpx"
	"github.com/Berailitz/bupt-messager/internal/logging"
	"github.com/Berailitz/bupt-messager/internal/metrics"
	"github.com/Berailitz/bupt-messager/internal/notice"
	"github.com/Berailitz/bupt-messager/internal/poller"
	"github.com/Berailitz/bupt-messager/internal/scraper"
	"github.com/Berailitz/bupt-messager/internal/storage/postgres"
)

// newRunCmd creates and configures the 'run' subcommand, the long-running
// polling service.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts the notice polling service",
		Long: `Runs the ingestion loop: refresh the HTTP session, log in through the
gateway and the portal, download unseen notices, persist them, and hand
unpushed notices to the broker on the broadcast sub-cycle. The loop runs
until SIGINT or SIGTERM.`,

		RunE: runServiceCommand,
	}
	return cmd
}

func runServiceCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		shutdown := startMetricsServer(cfg.Metrics.Port, logger)
		defer shutdown()
	}

	manager, closeAll, err := buildManager(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	logger.Info("messager starting",
		zap.Duration("check_interval", cfg.CheckInterval()),
		zap.Bool("broker_enabled", cfg.Broker.Enabled),
	)
	manager.Run(ctx)
	logger.Info("messager stopped")
	return nil
}

// buildManager assembles the full pipeline from configuration. The returned
// cleanup function closes the broker connection.
func buildManager(cfg config.Config, logger *zap.Logger) (*poller.Manager, func(), error) {
	client, err := httpx.New(httpx.Config{
		Timeout:    time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.HTTP.MaxRetries,
		Referer:    cfg.HTTP.Referer,
		UserAgent:  cfg.HTTP.UserAgent,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init http client: %w", err)
	}

	solver := captcha.NewSolver(client, &captcha.TesseractOCR{
		TessdataPrefix: cfg.Captcha.TessdataPrefix,
	}, captcha.Config{
		URL:     cfg.Captcha.URL,
		Referer: cfg.Captcha.Referer,
	}, logger)

	gateway := auth.NewGatewayStage(client, solver, auth.GatewayConfig{
		LoginPageURL: cfg.Login.Gateway.PageURL,
		LoginFormURL: cfg.Login.Gateway.FormURL,
		Username:     cfg.Login.Gateway.Username,
		Password:     cfg.Login.Gateway.Password,
		SuccessTitle: cfg.Login.Gateway.SuccessTitle,
		AllowError:   cfg.Login.Gateway.AllowError,
		SubmitDelay:  time.Duration(cfg.Login.Gateway.SubmitDelaySeconds) * time.Second,
	}, logger)

	portal := auth.NewPortalStage(client, auth.PortalConfig{
		LoginURL:      cfg.Login.Portal.LoginURL,
		Referer:       cfg.Login.Portal.Referer,
		Username:      cfg.Login.Portal.Username,
		Password:      cfg.Login.Portal.Password,
		FormSelector:  cfg.Login.Portal.FormSelector,
		SuccessTitles: cfg.Login.Portal.SuccessTitles,
	}, logger)

	runner := auth.NewRunner(auth.RunnerConfig{
		MaxAttempts:  cfg.Login.MaxAttempts,
		WaitInterval: time.Duration(cfg.Login.WaitIntervalSeconds) * time.Second,
	}, logger)

	clock := systemclock.New()
	store, err := postgres.New(cfg.DB.DSN, clock, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init store: %w", err)
	}

	downloader := scraper.New(client, store, clock, scraper.Config{
		ListURLTemplate:    cfg.Notice.ListURLTemplate,
		DetailURLTemplate:  cfg.Notice.DetailURLTemplate,
		AttachmentSelector: cfg.Notice.AttachmentSelector,
		SuccessMessage:     cfg.Notice.SuccessMessage,
		MaxPages:           cfg.Notice.MaxPages,
		DownloadInterval:   time.Duration(cfg.Notice.DownloadIntervalSeconds) * time.Second,
		TitleMaxLen:        cfg.Notice.TitleMaxLength,
		AuthorMaxLen:       cfg.Notice.AuthorMaxLength,
		SummaryMaxLen:      cfg.Notice.SummaryMaxLength,
		AttachmentNameLen:  cfg.Notice.AttachmentNameLength,
	}, logger)

	closeStore := func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warn("store close failed", zap.Error(cerr))
		}
	}

	var broadcaster notice.Broadcaster
	closeAll := closeStore
	if cfg.Broker.Enabled {
		amqp, err := broadcast.NewAMQP(broadcast.Config{
			URL:        cfg.Broker.URL,
			Exchange:   cfg.Broker.Exchange,
			RoutingKey: cfg.Broker.RoutingKey,
			QueueName:  cfg.Broker.QueueName,
		}, logger)
		if err != nil {
			closeStore()
			return nil, nil, fmt.Errorf("init broker: %w", err)
		}
		broadcaster = amqp
		closeAll = func() {
			if cerr := amqp.Close(); cerr != nil {
				logger.Warn("broker close failed", zap.Error(cerr))
			}
			closeStore()
		}
	}

	manager := poller.New(client, runner, gateway, portal, downloader, store, broadcaster, poller.Config{
		CheckInterval:   cfg.CheckInterval(),
		ErrorSleep:      cfg.ErrorSleep(),
		BroadcastWindow: time.Duration(cfg.Notice.BroadcastWindowSeconds) * time.Second,
	}, logger)
	return manager, closeAll, nil
}

// startMetricsServer exposes the Prometheus scrape endpoint. The returned
// function shuts the listener down.
func startMetricsServer(port int, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		logger.Info("metrics listener starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics listener shutdown failed", zap.Error(err))
		}
	}
}
