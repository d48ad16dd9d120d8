// Package observability hosts the Prometheus registries shared across the
// service.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type messageMetrics struct {
	received *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	limited  *prometheus.CounterVec
}

type paymentMetrics struct {
	settled *prometheus.CounterVec
	amounts *prometheus.HistogramVec
	queued  *prometheus.CounterVec
}

var (
	messageMetricsOnce sync.Once
	messageRegistry    *messageMetrics

	paymentMetricsOnce sync.Once
	paymentRegistry    *paymentMetrics
)

// Messages returns the lazily-initialised registry tracking inbound chat
// traffic.
func Messages() *messageMetrics {
	messageMetricsOnce.Do(func() {
		messageRegistry = &messageMetrics{
			received: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatpay",
				Subsystem: "router",
				Name:      "messages_total",
				Help:      "Inbound messages segmented by transport and parsed command.",
			}, []string{"transport", "command"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatpay",
				Subsystem: "router",
				Name:      "errors_total",
				Help:      "Command failures segmented by command and error kind.",
			}, []string{"command", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "chatpay",
				Subsystem: "router",
				Name:      "handle_duration_seconds",
				Help:      "Latency distribution for message handling.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"transport"}),
			limited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatpay",
				Subsystem: "router",
				Name:      "rate_limited_total",
				Help:      "Messages rejected by the per-user rate limit.",
			}, []string{"transport"}),
		}
		prometheus.MustRegister(
			messageRegistry.received,
			messageRegistry.errors,
			messageRegistry.latency,
			messageRegistry.limited,
		)
	})
	return messageRegistry
}

// ObserveMessage records one handled message.
func (m *messageMetrics) ObserveMessage(transport, command string, duration time.Duration) {
	if m == nil {
		return
	}
	transport = normalizeLabel(transport)
	m.received.WithLabelValues(transport, normalizeLabel(command)).Inc()
	m.latency.WithLabelValues(transport).Observe(duration.Seconds())
}

// ObserveError records a command failure by error kind.
func (m *messageMetrics) ObserveError(command, kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(normalizeLabel(command), normalizeLabel(kind)).Inc()
}

// ObserveRateLimited records a rejected message.
func (m *messageMetrics) ObserveRateLimited(transport string) {
	if m == nil {
		return
	}
	m.limited.WithLabelValues(normalizeLabel(transport)).Inc()
}

// Payments returns the registry tracking settled value movement.
func Payments() *paymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentRegistry = &paymentMetrics{
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatpay",
				Subsystem: "payments",
				Name:      "settled_total",
				Help:      "Confirmed ledger transactions segmented by type and outcome.",
			}, []string{"type", "outcome"}),
			amounts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "chatpay",
				Subsystem: "payments",
				Name:      "amount_base_units",
				Help:      "Distribution of transfer amounts in base units.",
				Buckets:   []float64{0.1, 1, 5, 25, 100, 500, 2500, 10000},
			}, []string{"type"}),
			queued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatpay",
				Subsystem: "payments",
				Name:      "queued_total",
				Help:      "Payment intents deferred to the retry queue by tier.",
			}, []string{"tier"}),
		}
		prometheus.MustRegister(
			paymentRegistry.settled,
			paymentRegistry.amounts,
			paymentRegistry.queued,
		)
	})
	return paymentRegistry
}

// ObserveSettled records one finished transaction.
func (p *paymentMetrics) ObserveSettled(txType, outcome string, amount float64) {
	if p == nil {
		return
	}
	txType = normalizeLabel(txType)
	p.settled.WithLabelValues(txType, normalizeLabel(outcome)).Inc()
	p.amounts.WithLabelValues(txType).Observe(amount)
}

// ObserveQueued records a deferred payment intent.
func (p *paymentMetrics) ObserveQueued(tier string) {
	if p == nil {
		return
	}
	p.queued.WithLabelValues(normalizeLabel(tier)).Inc()
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}
