package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagegen_generations_total",
		Help: "Generation requests by model and outcome",
	}, []string{"model", "outcome"})

	creditsCharged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagegen_credits_charged_total",
		Help: "Credits debited for generations",
	}, []string{"model"})

	creditsRefunded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagegen_credits_refunded_total",
		Help: "Credits returned after provider failures",
	}, []string{"model"})

	refundFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagegen_refund_failures_total",
		Help: "Refunds that could not be applied and need manual reconciliation",
	})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imagegen_provider_latency_seconds",
		Help:    "Provider call latency",
		Buckets: []float64{1, 2.5, 5, 10, 20, 40, 60, 90, 120},
	}, []string{"model"})
)
