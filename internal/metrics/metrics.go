// Package metrics содержит метрики Prometheus шлюза perpus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpus_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpus_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	DirectoryReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpus_directory_reloads_total",
		Help: "Member directory reloads by result",
	}, []string{"result"})

	DirectoryLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpus_directory_lookups_total",
		Help: "Member directory snapshot lookups (hit, miss, stale)",
	}, []string{"outcome"})

	DirectoryEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpus_directory_entries",
		Help: "Members in the current directory snapshot",
	})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpus_upstream_requests_total",
		Help: "Requests to the perpus REST API by method and status code",
	}, []string{"method", "code"})

	UpstreamRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpus_upstream_retries_total",
		Help: "Retried requests to the perpus REST API",
	})

	TokenChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpus_token_checks_total",
		Help: "Caller token checks before serving the member directory by result",
	}, []string{"result"})

	ResolverAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpus_loan_resolver_anomalies_total",
		Help: "Loan records that degraded to defaults during status resolution",
	}, []string{"kind"})
)
