package activitypub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Delivery attempts by result.",
	}, []string{"result"})

	metricDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "delivery",
		Name:      "dead_letters_total",
		Help:      "Jobs dead-lettered after exhausting retries or a permanent error.",
	})

	metricBreakerOpens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "delivery",
		Name:      "breaker_opens_total",
		Help:      "Times a domain circuit breaker opened.",
	})

	metricInboxActivities = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "inbox",
		Name:      "activities_total",
		Help:      "Inbound activities by type and outcome.",
	}, []string{"type", "outcome"})

	metricSignatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mammut",
		Subsystem: "inbox",
		Name:      "signature_failures_total",
		Help:      "Inbound requests rejected by signature verification.",
	})
)
