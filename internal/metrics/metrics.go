// Package metrics is the Prometheus-backed implementation of the narrow
// capability interfaces the broker, delivery worker, and health monitor
// depend on.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/health"
)

// Registry bundles every metric this service exports. Handed to the
// broker as a broker.Metrics, to the delivery worker as a
// delivery.Metrics and to the health monitor as its Reporter; main.go
// builds it against the default Prometheus registerer, which is the one
// the diagnostics router's promhttp.Handler() serves.
type Registry struct {
	publishTotal     prometheus.Counter
	consumeTotal     prometheus.Counter
	ackTotal         prometheus.Counter
	nackTotal        prometheus.Counter
	deadLetterTotal  prometheus.Counter
	evictedTotal     prometheus.Counter
	duplicateTotal   prometheus.Counter

	deliverySuccessTotal prometheus.Counter
	deliveryFailureTotal prometheus.Counter
	deliveryLatency      prometheus.Histogram

	queuePending prometheus.Gauge
	queueInFlight prometheus.Gauge

	breakerState *prometheus.GaugeVec
	healthStatus *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		publishTotal:    factory.NewCounter(prometheus.CounterOpts{Name: "optic_broker_publish_total", Help: "Messages published to the broker."}),
		consumeTotal:    factory.NewCounter(prometheus.CounterOpts{Name: "optic_broker_consume_total", Help: "Messages handed to a consumer."}),
		ackTotal:        factory.NewCounter(prometheus.CounterOpts{Name: "optic_broker_ack_total", Help: "Messages acknowledged."}),
		nackTotal:       factory.NewCounter(prometheus.CounterOpts{Name: "optic_broker_nack_total", Help: "Messages nacked."}),
		deadLetterTotal: factory.NewCounter(prometheus.CounterOpts{Name: "optic_broker_dead_letter_total", Help: "Messages moved to the dead letter queue."}),
		evictedTotal:    factory.NewCounter(prometheus.CounterOpts{Name: "optic_broker_evicted_total", Help: "Low-priority messages evicted under backpressure."}),
		duplicateTotal:  factory.NewCounter(prometheus.CounterOpts{Name: "optic_broker_duplicate_rejected_total", Help: "Publishes rejected as duplicates."}),

		deliverySuccessTotal: factory.NewCounter(prometheus.CounterOpts{Name: "optic_delivery_success_total", Help: "Successful portal deliveries."}),
		deliveryFailureTotal: factory.NewCounter(prometheus.CounterOpts{Name: "optic_delivery_failure_total", Help: "Failed portal deliveries."}),
		deliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "optic_delivery_latency_seconds",
			Help:    "Portal round-trip latency for successful deliveries.",
			Buckets: prometheus.DefBuckets,
		}),

		queuePending:  factory.NewGauge(prometheus.GaugeOpts{Name: "optic_broker_queue_pending", Help: "Messages currently pending."}),
		queueInFlight: factory.NewGauge(prometheus.GaugeOpts{Name: "optic_broker_queue_in_flight", Help: "Messages currently leased to a consumer."}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{Name: "optic_breaker_state", Help: "Circuit breaker state (0=closed,1=half_open,2=open)."}, []string{"breaker"}),
		healthStatus: factory.NewGaugeVec(prometheus.GaugeOpts{Name: "optic_health_status", Help: "Health check status (0=healthy,1=degraded,2=unhealthy,3=critical)."}, []string{"check"}),
	}
}

// ObservePublish/ObserveConsume/etc implement broker.Metrics; the broker
// calls them through that interface (attached with SetMetrics) rather
// than importing prometheus directly.
func (r *Registry) ObservePublish()    { r.publishTotal.Inc() }
func (r *Registry) ObserveConsume(n int) { r.consumeTotal.Add(float64(n)) }
func (r *Registry) ObserveAck()        { r.ackTotal.Inc() }
func (r *Registry) ObserveNack()       { r.nackTotal.Inc() }
func (r *Registry) ObserveDeadLetter() { r.deadLetterTotal.Inc() }
func (r *Registry) ObserveEvicted(n int64) { r.evictedTotal.Add(float64(n)) }
func (r *Registry) ObserveDuplicateRejected() { r.duplicateTotal.Inc() }

// ObserveDeliverySuccess/ObserveDeliveryFailure/SetQueueDepth implement
// delivery.Metrics.
func (r *Registry) ObserveDeliverySuccess(latency time.Duration) {
	r.deliverySuccessTotal.Inc()
	r.deliveryLatency.Observe(latency.Seconds())
}

func (r *Registry) ObserveDeliveryFailure() {
	r.deliveryFailureTotal.Inc()
}

func (r *Registry) SetQueueDepth(pending, inFlight int) {
	r.queuePending.Set(float64(pending))
	r.queueInFlight.Set(float64(inFlight))
}

// SetBreakerState records a named breaker's numeric state for graphing.
func (r *Registry) SetBreakerState(name string, closedOpenHalfOpen int) {
	r.breakerState.WithLabelValues(name).Set(float64(closedOpenHalfOpen))
}

var healthRank = map[health.Status]float64{
	health.Healthy:   0,
	health.Degraded:  1,
	health.Unhealthy: 2,
	health.Critical:  3,
}

// ObserveHealthReports is wired as a post-tick hook fed the Monitor's
// RunOnce reports, turning each into a gauge reading.
func (r *Registry) ObserveHealthReports(reports []health.Report) {
	for _, rep := range reports {
		r.healthStatus.WithLabelValues(rep.Name).Set(healthRank[rep.Status])
	}
}
