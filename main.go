package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"chatcore/internal/ai"
	"chatcore/internal/auth"
	"chatcore/internal/config"
	"chatcore/internal/filetransfer"
	"chatcore/internal/group"
	"chatcore/internal/httpapi"
	"chatcore/internal/metrics"
	"chatcore/internal/router"
	"chatcore/internal/server"
	"chatcore/internal/session"
	"chatcore/internal/store"
)

// Version is stamped at build time via -ldflags; left as a default for
// local builds.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:   "chatcore",
		Short: "chatcore is a multi-user chat server with file transfer and an optional AI relay",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (yaml/json/toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (trace|debug|info|warn|error)")

	root.AddCommand(newServeCmd(&configPath, &logLevel))
	root.AddCommand(newStatusCmd(&configPath))
	root.AddCommand(newUsersCmd(&configPath))
	root.AddCommand(newGroupsCmd(&configPath))
	root.AddCommand(newBansCmd(&configPath))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	})

	return root
}

func newServeCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := newLogger(*logLevel, cfg.LogLevel)
			return runServer(cmd.Context(), cfg, log)
		},
	}
}

func newLogger(override, configured string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	level := configured
	if override != "" {
		level = override
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func runServer(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	entry := logrus.NewEntry(log)

	st, err := store.New(cfg.DatabasePath, entry.WithField("component", "store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}

	sessions := session.NewRegistry(session.Options{
		AwayAfter:  cfg.IdleAway(),
		StaleAfter: cfg.SessionTimeout(),
	}, entry.WithField("component", "session"))
	grp := group.New(st, sessions, entry.WithField("component", "group"))
	rt := router.New(st, sessions, grp, entry.WithField("component", "router"))
	authSvc := auth.New(st, entry.WithField("component", "auth"))
	files, err := filetransfer.New(cfg.StorageRoot, st, entry.WithField("component", "filetransfer"))
	if err != nil {
		return fmt.Errorf("init file transfer coordinator: %w", err)
	}
	relay := ai.New(ai.Config{
		Enabled:  cfg.AIEnabled,
		APIKey:   cfg.AIAPIKey,
		Model:    cfg.AIModel,
		Deadline: cfg.AIDeadline(),
	}, entry.WithField("component", "ai"))

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)
	sessions.SetMetrics(metricsReg)
	rt.SetMetrics(metricsReg)
	files.SetMetrics(metricsReg)
	relay.SetMetrics(metricsReg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		entry.Info("received interrupt, shutting down")
		cancel()
	}()

	go rt.Run(ctx)
	go sessions.RunSweeper(time.Minute, ctx.Done(), func(c *session.Conn) {
		entry.WithField("conn_id", c.ID).Warn("connection stale past threshold, force-closing")
		_ = c.Close()
	})
	go runEvictLoop(ctx, relay)
	go runOfflineReaper(ctx, st, cfg.OfflineRetentionDuration(), entry)

	deps := server.Deps{
		Store:          st,
		Auth:           authSvc,
		Group:          grp,
		Sessions:       sessions,
		Router:         rt,
		Files:          files,
		AI:             relay,
		Metrics:        metricsReg,
		Log:            entry,
		PingInterval:   cfg.PingInterval(),
		SessionTimeout: cfg.SessionTimeout(),
	}

	listener := server.NewListener(cfg.Addr(), deps)

	httpSrv := httpapi.New(st, entry.WithField("component", "httpapi"))
	httpSrv.Echo().GET("/metrics", echoPrometheusHandler(reg))

	errCh := make(chan error, 2)
	go func() { errCh <- listener.Run(ctx) }()
	go func() { errCh <- httpSrv.Run(ctx, cfg.HTTPAddr) }()

	entry.WithField("addr", cfg.Addr()).Info("chatcore listening")

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// echoPrometheusHandler adapts promhttp's handler to an echo.HandlerFunc.
func echoPrometheusHandler(reg *prometheus.Registry) echo.HandlerFunc {
	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// runEvictLoop periodically drops idle assistant-relay conversations.
func runEvictLoop(ctx context.Context, relay *ai.Relay) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			relay.EvictIdle()
		}
	}
}

// runOfflineReaper periodically purges delivered offline messages older
// than retention.
func runOfflineReaper(ctx context.Context, st *store.Store, retention time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.ReapDelivered(ctx, retention)
			if err != nil {
				log.WithError(err).Warn("offline message reap failed")
				continue
			}
			if n > 0 {
				log.WithField("reaped", n).Info("purged delivered offline messages")
			}
		}
	}
}
