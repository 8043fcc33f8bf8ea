package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesRecv = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_push_messages_total",
		Help: "Push messages received, by type",
	}, []string{"type"})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_push_reconnects_total",
		Help: "Push channel reconnect attempts",
	})
	TerminalDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_push_terminal_disconnects_total",
		Help: "Times the push channel gave up after the retry limit",
	})
	SnapshotsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_snapshots_applied_total",
		Help: "Full dispatch snapshots applied to the store",
	})
	UpdatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_updates_dropped_total",
		Help: "Updates dropped by the store, by reason",
	}, []string{"reason"})
	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_polls_total",
		Help: "Fallback polls of the dispatch endpoint, by result",
	}, []string{"result"})
	PollLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_poll_latency_seconds",
		Help:    "Latency of dispatch data fetches",
		Buckets: prometheus.DefBuckets,
	})
	LocationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_locations_sent_total",
		Help: "Location updates written to the push channel",
	})
	LocationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_locations_dropped_total",
		Help: "Location fixes not sent, by reason",
	}, []string{"reason"})
	MarkersRendered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_markers_rendered",
		Help: "Markers currently on the map",
	})
	GPSFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_gps_frames_total",
		Help: "AVL frames received from the in-vehicle tracker, by result",
	}, []string{"result"})
	RedisErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_redis_errors_total",
		Help: "Snapshot cache read/write errors",
	})
	Forwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_forwarded_total",
		Help: "Location fixes forwarded over gRPC, by result",
	}, []string{"result"})
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_actions_total",
		Help: "Task actions, by action and result",
	}, []string{"action", "result"})
	DashboardClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_dashboard_clients",
		Help: "Browsers connected to the dashboard feed",
	})
)

func ObservePollLatency(start time.Time) {
	PollLatency.Observe(time.Since(start).Seconds())
}

// StartMetricsServer serves /metrics and /healthz until ctx is done.
func StartMetricsServer(ctx context.Context, port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "port", port, "err", err)
	}
}
