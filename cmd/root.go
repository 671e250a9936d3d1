package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"relayhub/internal/config"
	"relayhub/internal/db"
	"relayhub/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfg   *config.Config
	debug bool
)

var rootCmd = &cobra.Command{
	Use:   "relayhub",
	Short: "Control plane for remote file-transfer agents",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		logger.Init(debug)

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		if cmd.Name() == "serve" {
			if err := db.Init(cfg.DBPath); err != nil {
				return err
			}
		}

		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func hubURL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", cfg.Port, path)
}

// hubRequest calls the local hub daemon, attaching the configured API key.
func hubRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, hubURL(path), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.APIKey != "" {
		req.Header.Set("X-API-Key", cfg.APIKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub not running: %w", err)
	}
	return resp, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug mode")
}
