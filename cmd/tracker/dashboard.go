package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dispatch-tracker/internal/dashboard"
	"dispatch-tracker/internal/projector"
	"dispatch-tracker/internal/state"
	"dispatch-tracker/internal/store"
	"dispatch-tracker/internal/tracker"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Run the admin map: sync, projection and the web map",
	Long: `Keep the dispatch state in sync and serve it as a live map.

Endpoints:
  GET  /api/markers          every marker on the map
  GET  /api/markers/{key}    one marker with its track history
  POST /api/tasks/{id}/{assign|start|complete}/
  GET  /ws                   live marker feed
  GET  /healthz`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e.watchTokens()
		defer e.tokens.Close()
		e.startMetrics(ctx)

		var cache tracker.Cache
		if e.cfg.RedisAddr != "" {
			c, err := store.NewSnapshotCache(ctx, e.cfg.RedisAddr, 0, e.logger)
			if err != nil {
				e.logger.Warn("snapshot cache disabled", "err", err)
			} else {
				defer c.Close()
				cache = c
			}
		}

		push := e.pushClient(e.cfg.WSURL)
		coord := tracker.New(tracker.Options{
			Store:        state.New(e.logger),
			Backend:      e.apiClient(),
			Push:         push,
			Cache:        cache,
			PollInterval: e.cfg.PollInterval,
			Logger:       e.logger,
		})
		srv := dashboard.NewServer(dashboard.Config{
			Addr:    ":" + e.cfg.DashboardPort,
			Actions: coord,
			Logger:  e.logger,
		})
		coord.SetRenderer(projector.New(srv, e.logger))

		if err := srv.Start(); err != nil {
			return err
		}
		if err := coord.Start(ctx); err != nil {
			_ = srv.Stop()
			return err
		}
		fmt.Printf("Dashboard on http://%s (WebSocket /ws)\n", srv.Addr())

		<-ctx.Done()
		fmt.Println("\nShutting down...")
		if err := coord.Close(); err != nil {
			e.logger.Warn("tracker close", "err", err)
		}
		return srv.Stop()
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
