// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by the exchange and transcription counters.
const (
	OutcomeOK         = "ok"
	OutcomeReplayed   = "replayed"
	OutcomeInvalid    = "invalid"
	OutcomeGeneration = "generation_error"
	OutcomeFailed     = "failed"
	OutcomePersist    = "persistence_error"
	OutcomeInternal   = "internal_error"
)

var (
	ExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_exchanges_total",
		Help: "Inbound chat messages by outcome.",
	}, []string{"outcome"})

	GenerationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_generation_seconds",
		Help:    "Latency of language generation calls.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	TranscriptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_transcriptions_total",
		Help: "Audio uploads by outcome.",
	}, []string{"outcome"})

	Connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "realtime_connections",
		Help: "Open websocket connections by namespace.",
	}, []string{"namespace"})
)
