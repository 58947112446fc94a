package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentguard/agentguard/internal/adapter/inbound/httpapi"
	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the guard with the decision API",
	Long: `Load the runtime configuration, initialize the guard against its
policy, and serve the decision API. Approval responders POST their
signed decisions to /v1/approvals/response; pending approvals and
stats are readable at /v1/approvals/pending and /v1/approvals/stats.

With watch_policy enabled the policy file is reloaded in place when it
changes; in-flight approvals are untouched. The process exits cleanly
on SIGINT/SIGTERM, failing any approvals still pending.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadGuardConfig()
		if err != nil {
			return err
		}

		logger := newLogger(cfg.Log.Level, cfg.Log.Format)
		slog.SetDefault(logger)
		if file := config.ConfigFileUsed(); file != "" {
			logger.Info("config loaded", "file", file)
		}

		guardOpts := []service.GuardOption{
			service.WithPolicyFile(cfg.PolicyFile),
			service.WithApprovalTimeout(cfg.Server.ApprovalTimeout),
			service.WithLogger(logger),
		}
		serverOpts := []httpapi.ServerOption{
			httpapi.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		}

		var metrics *httpapi.Metrics
		if cfg.Server.MetricsEnabled {
			reg := httpapi.NewRegistry()
			metrics = httpapi.NewMetrics(reg)
			guardOpts = append(guardOpts, service.WithGuardObserver(metrics))
			serverOpts = append(serverOpts, httpapi.WithMetrics(reg))
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g := service.NewGuard(guardOpts...)
		if err := g.Initialize(ctx); err != nil {
			return err
		}
		defer g.Close()

		if cfg.WatchPolicy {
			watcher, err := config.NewPolicyWatcher(cfg.PolicyFile, func() {
				if err := g.ReloadPolicy(ctx); err != nil {
					logger.Error("policy reload failed", "error", err)
				}
			}, logger)
			if err != nil {
				return err
			}
			go watcher.Run(ctx)
		}

		server := httpapi.NewServer(cfg.Server.ListenAddr, g.Coordinator(), logger, metrics, serverOpts...)
		return server.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
