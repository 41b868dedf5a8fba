package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vitals"

// Collector groups the monitor's Prometheus series. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	eventsReceived *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	fallsDetected  *prometheus.CounterVec
	sensorsOffline prometheus.Counter
	subscribed     prometheus.Gauge
	connected      *prometheus.GaugeVec
	apiRequests    *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Stream events handed to the processor, by event name.",
		}, []string{"event"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Stream events discarded without changing state, by reason.",
		}, []string{"reason"}),
		fallsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "falls_detected_total",
			Help:      "Accepted fall events, by classification.",
		}, []string{"classification"}),
		sensorsOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensors_offline_total",
			Help:      "Times a patient's readings were cleared by the stale timeout.",
		}),
		subscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribed_patients",
			Help:      "Patients currently tracked by the processor.",
		}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connected",
			Help:      "1 while the named stream source is connected.",
		}, []string{"source"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend REST calls, by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
	c.registry.MustRegister(
		c.eventsReceived,
		c.eventsDropped,
		c.fallsDetected,
		c.sensorsOffline,
		c.subscribed,
		c.connected,
		c.apiRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) EventReceived(name string) {
	if c != nil {
		c.eventsReceived.WithLabelValues(name).Inc()
	}
}

func (c *Collector) EventDropped(reason string) {
	if c != nil {
		c.eventsDropped.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) FallDetected(classification string) {
	if c != nil {
		c.fallsDetected.WithLabelValues(classification).Inc()
	}
}

func (c *Collector) SensorsOffline(n int) {
	if c != nil && n > 0 {
		c.sensorsOffline.Add(float64(n))
	}
}

func (c *Collector) SetSubscribed(n int) {
	if c != nil {
		c.subscribed.Set(float64(n))
	}
}

func (c *Collector) SetConnected(source string, up bool) {
	if c == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	c.connected.WithLabelValues(source).Set(v)
}

func (c *Collector) BackendRequest(operation string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.apiRequests.WithLabelValues(operation, outcome).Inc()
}
