package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"dispatch-tracker/internal/api"
	"dispatch-tracker/internal/auth"
	"dispatch-tracker/internal/config"
	"dispatch-tracker/internal/link"
	"dispatch-tracker/internal/observability"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Technician dispatch tracking client",
	Long: `tracker keeps a local mirror of the dispatch backend in sync over a
WebSocket push channel with REST polling as fallback.

  tracker dashboard              admin map with live markers
  tracker technician --id 3      report this device's location
  tracker assign 7 --to 3        task actions
  tracker snapshot -o yaml       print the current dispatch data`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./tracker.yaml)")
}

// env is what every command needs: config, logger and the token source.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	tokens *auth.TokenStore
}

func setup() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{File: cfg.LogFile, Level: cfg.LogLevel})
	slog.SetDefault(logger)

	tokenFile := cfg.TokenFile
	if tokenFile == "" {
		tokenFile = os.DevNull
	}
	tokens, err := auth.NewTokenStore(tokenFile, logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, tokens: tokens}, nil
}

func (e *env) apiClient() *api.Client {
	return api.New(api.Options{BaseURL: e.cfg.APIURL, Token: e.tokens, Logger: e.logger})
}

func (e *env) pushClient(url string) *link.Client {
	return link.New(link.Options{
		URL:            url,
		Header:         e.tokens.Header,
		ReconnectDelay: e.cfg.ReconnectDelay,
		MaxRetries:     e.cfg.MaxRetries,
		PingInterval:   e.cfg.PingInterval,
		Logger:         e.logger,
	})
}

// watchTokens reloads the token file for long-running commands.
func (e *env) watchTokens() {
	if e.cfg.TokenFile == "" {
		return
	}
	if err := e.tokens.Watch(); err != nil {
		e.logger.Warn("token file not watched", "err", err)
	}
}

func (e *env) startMetrics(ctx context.Context) {
	if e.cfg.MetricsPort == "" {
		return
	}
	go observability.StartMetricsServer(ctx, e.cfg.MetricsPort, e.logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
