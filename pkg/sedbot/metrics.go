// Copyright 2024-2026 Aiku AI

package sedbot

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Command outcomes.
const (
	OutcomeApplied      = "applied"
	OutcomeMalformed    = "malformed"
	OutcomeUnresolvable = "unresolvable"
	OutcomeFailed       = "failed"
)

// Join results.
const (
	JoinJoined  = "joined"
	JoinRetried = "retried"
	JoinGaveUp  = "gave_up"
)

// Metrics holds the bot's Prometheus collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	SyncRounds     prometheus.Counter
	SyncFailures   prometheus.Counter
	LastSync       prometheus.Gauge
	Commands       *prometheus.CounterVec
	ReplyFailures  prometheus.Counter
	Joins          *prometheus.CounterVec
	PendingInvites prometheus.Gauge
}

// NewMetrics registers the bot's collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		SyncRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "matrix_sed_sync_rounds_total",
			Help: "Sync responses received and dispatched.",
		}),
		SyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "matrix_sed_sync_failures_total",
			Help: "Sync requests that failed and were retried.",
		}),
		LastSync: factory.NewGauge(prometheus.GaugeOpts{
			Name: "matrix_sed_last_sync_timestamp_seconds",
			Help: "Unix time of the last persisted sync cursor.",
		}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matrix_sed_commands_total",
			Help: "Substitution commands seen, by outcome.",
		}, []string{"outcome"}),
		ReplyFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "matrix_sed_reply_failures_total",
			Help: "Corrections that could not be delivered.",
		}),
		Joins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matrix_sed_join_attempts_total",
			Help: "Room join attempts after an invite, by result.",
		}, []string{"result"}),
		PendingInvites: factory.NewGauge(prometheus.GaugeOpts{
			Name: "matrix_sed_pending_invites",
			Help: "Invites currently being retried.",
		}),
	}
}

// Handler serves /metrics and /health.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// ServeMetrics runs the metrics HTTP server on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, m *Metrics, log zerolog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("Starting metrics server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
