package cmd

import (
	"context"
	"os"
	"os/signal"
	"relayhub/internal/agent"
	"relayhub/internal/daemon"
	"relayhub/internal/hub"
	"relayhub/internal/logger"
	"relayhub/internal/registry"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer logger.Sync()

		reg, err := registry.Load(cfg.NodesPath)
		if err != nil {
			return err
		}
		if err := reg.Watch(); err != nil {
			return err
		}
		defer reg.Stop()

		manager := hub.NewManager(cfg, reg, agent.New(cfg.AgentTimeout))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		manager.Start(ctx)

		srv := daemon.NewServer(manager, cfg)
		srv.Start()

		logger.Log.Info("relayhub ready",
			zap.Int("port", cfg.Port),
			zap.Int("nodes", len(reg.All())))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Log.Warn("server shutdown error", zap.Error(err))
		}
		manager.Stop()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
