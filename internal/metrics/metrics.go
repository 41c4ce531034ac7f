// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cyclesTotal        *prometheus.CounterVec
	noticesFetchedTotal prometheus.Counter
	loginAttemptsTotal *prometheus.CounterVec
	broadcastsTotal    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messager_cycles_total",
				Help: "Total number of polling cycles, labeled by outcome status.",
			},
			[]string{"status"},
		)

		noticesFetchedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "messager_notices_fetched_total",
				Help: "Total number of new notices fetched and persisted.",
			},
		)

		loginAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messager_login_attempts_total",
				Help: "Total number of login stage outcomes, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		broadcastsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messager_broadcasts_total",
				Help: "Total number of notices handed to the broadcast collaborator, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// ObserveCycle records the outcome of one polling cycle.
func ObserveCycle(status string) {
	Init()
	cyclesTotal.WithLabelValues(status).Inc()
}

// ObserveNotices adds n freshly persisted notices.
func ObserveNotices(n int) {
	Init()
	noticesFetchedTotal.Add(float64(n))
}

// ObserveLogin records a login stage outcome.
func ObserveLogin(stage, result string) {
	Init()
	loginAttemptsTotal.WithLabelValues(stage, result).Inc()
}

// ObserveBroadcast records one broadcast hand-off.
func ObserveBroadcast(result string) {
	Init()
	broadcastsTotal.WithLabelValues(result).Inc()
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}
