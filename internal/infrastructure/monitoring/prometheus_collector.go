package monitoring

import (
	"time"

	"sfusignal/pkg/circuitbreaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sfusignal"

// SessionCounter reports live registry entity counts.
type SessionCounter interface {
	Counts() (transports, producers, consumers int)
	RoomCount() int
}

type PrometheusCollector struct {
	connectionsActive   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected *prometheus.CounterVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	engineFailures  *prometheus.CounterVec

	eventsPushed    *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec

	breakerState *prometheus.GaugeVec

	factory promauto.Factory
}

// NewPrometheusCollector registers the collector's metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		factory: f,

		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open signaling connections",
		}),
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted signaling connections",
		}),
		connectionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Signaling connections refused before upgrade",
		}, []string{"reason"}),

		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Signaling requests by type and result code",
		}, []string{"type", "code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Signaling request handling time",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"type"}),
		engineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_failures_total",
			Help:      "Media engine calls that failed, by request type",
		}, []string{"type"}),

		eventsPushed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_pushed_total",
			Help:      "Events pushed to signaling connections",
		}, []string{"event"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Session events published to the event bus, by result",
		}, []string{"result"}),

		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
	}
}

// WatchSessions exposes registry counts as gauges evaluated at scrape time.
func (p *PrometheusCollector) WatchSessions(src SessionCounter) {
	gauge := func(name, help string, fn func() float64) {
		p.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, fn)
	}
	gauge("rooms", "Rooms with at least one transport", func() float64 {
		return float64(src.RoomCount())
	})
	gauge("transports", "Live transports", func() float64 {
		t, _, _ := src.Counts()
		return float64(t)
	})
	gauge("producers", "Live producers", func() float64 {
		_, pr, _ := src.Counts()
		return float64(pr)
	})
	gauge("consumers", "Live consumers", func() float64 {
		_, _, c := src.Counts()
		return float64(c)
	})
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) ConnectionRejected(reason string) {
	p.connectionsRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) ObserveRequest(requestType, code string, d time.Duration) {
	p.requestsTotal.WithLabelValues(requestType, code).Inc()
	p.requestDuration.WithLabelValues(requestType).Observe(d.Seconds())
	if code == "ENGINE_ERROR" {
		p.engineFailures.WithLabelValues(requestType).Inc()
	}
}

func (p *PrometheusCollector) EventPushed(event string) {
	p.eventsPushed.WithLabelValues(event).Inc()
}

func (p *PrometheusCollector) EventPublished(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.eventsPublished.WithLabelValues(result).Inc()
}

// BreakerStateChanged matches circuitbreaker.CircuitBreaker.OnStateChange.
func (p *PrometheusCollector) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	p.breakerState.WithLabelValues(name).Set(float64(to))
}
