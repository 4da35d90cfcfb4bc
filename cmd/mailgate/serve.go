package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/mailgate/internal/admission"
	"github.com/busybox42/mailgate/internal/api"
	"github.com/busybox42/mailgate/internal/config"
	"github.com/busybox42/mailgate/internal/headers"
	"github.com/busybox42/mailgate/internal/logging"
	"github.com/busybox42/mailgate/internal/queue"
	"github.com/busybox42/mailgate/internal/quota"
	"github.com/busybox42/mailgate/internal/smtp"
	"github.com/busybox42/mailgate/internal/store"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the SMTP listener, admin API and queue expiry",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "SMTP listen address (overrides config)")
	cmd.Flags().String("hostname", "", "server hostname (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if hostname, _ := cmd.Flags().GetString("hostname"); hostname != "" {
		cfg.Server.Hostname = hostname
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve builds the pipeline from cfg and runs it until ctx is done or a
// component fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	defs, err := cfg.QuotaDefinitions()
	if err != nil {
		return err
	}
	enforcer, err := quota.NewEnforcer(defs, quota.WithStore(st), quota.WithLogger(logger))
	if err != nil {
		return err
	}

	queueCfg, err := cfg.QueueConfig()
	if err != nil {
		return err
	}
	queueMgr := queue.NewManager(st, enforcer, queueCfg, logger)
	if _, err := queueMgr.Load(ctx); err != nil {
		return err
	}

	limits, err := cfg.Limits()
	if err != nil {
		return err
	}
	policy, err := cfg.HeaderPolicy()
	if err != nil {
		return err
	}

	controller := admission.NewController(admission.Config{
		Limits:  limits,
		Quota:   enforcer,
		Headers: headers.NewApplier(cfg.Server.Hostname, policy),
		Queue:   queueMgr,
		Logger:  logger,
	})

	smtpServer, err := smtp.NewServer(smtp.Config{
		Hostname:        cfg.Server.Hostname,
		ListenAddr:      cfg.Server.Listen,
		ReadTimeout:     cfg.ReadTimeout(),
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		MaxRecipients:   cfg.Server.MaxRecipients,
		RDNSLookup:      cfg.Server.RDNSLookup,
	}, controller, logger)
	if err != nil {
		return fmt.Errorf("failed to create SMTP server: %w", err)
	}

	var apiServer *api.Server
	if cfg.Server.APIListen != "" {
		apiServer, err = api.NewServer(api.Config{
			ListenAddr: cfg.Server.APIListen,
			RateLimit:  cfg.API.RateLimit,
			AuthToken:  cfg.API.AuthToken,
			Version:    version,
		}, queueMgr, enforcer, logger)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(smtpServer.ListenAndServe)
	if apiServer != nil {
		g.Go(apiServer.ListenAndServe)
	}
	g.Go(func() error {
		return queueMgr.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if apiServer != nil {
			if err := apiServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("API server shutdown", "error", err)
			}
		}
		return smtpServer.Shutdown(shutdownCtx)
	})

	logger.Info("Mailgate started",
		"hostname", cfg.Server.Hostname,
		"smtp", cfg.Server.Listen,
		"api", cfg.Server.APIListen,
		"store", cfg.Store.Type,
		"quotas", len(defs),
	)
	return g.Wait()
}
