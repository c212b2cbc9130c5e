// Package metrics exposes Prometheus instrumentation for the client:
// connection lifecycle, push/poll volumes, and dedup effectiveness.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwire_connect_attempts_total",
		Help: "Number of channel connect attempts, including retries.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwire_reconnects_total",
		Help: "Number of automatic reconnections after a transport drop.",
	})

	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatwire_connection_state",
		Help: "Current connection state (1 for the active state, 0 otherwise).",
	}, []string{"state"})

	PushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatwire_push_events_total",
		Help: "Channel events received, by event name.",
	}, []string{"event"})

	DedupDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwire_dedup_drops_total",
		Help: "Duplicate deliveries absorbed by identifier dedup.",
	})

	Polls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwire_polls_total",
		Help: "Fallback poll cycles executed while not connected.",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatwire_send_failures_total",
		Help: "Failed send-message and notification calls.",
	})
)

var knownStates = []string{
	"disconnected", "connecting", "connected", "reconnecting", "offline", "failed",
}

// SetConnectionState marks state as the single active connection state.
func SetConnectionState(state string) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		connectionState.WithLabelValues(s).Set(v)
	}
}

// Serve starts an HTTP listener exposing the metrics endpoint. It blocks
// until ctx is cancelled.
func Serve(ctx context.Context, port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
