package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives gateway events worth counting.
type Sink interface {
	ConnectionOpened()
	ConnectionClosed(reason string, duration time.Duration)
	ConnectionRejected(cause string)
	MessageProcessed(msgType, status string)
	MessageRateLimited()
	EventPublished(status string)
	EventsDelivered(n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ConnectionOpened() {}
func (Nop) ConnectionClosed(string, time.Duration) {}
func (Nop) ConnectionRejected(string) {}
func (Nop) MessageProcessed(string, string) {}
func (Nop) MessageRateLimited() {}
func (Nop) EventPublished(string) {}
func (Nop) EventsDelivered(int) {}

// Config configures the Prometheus sink.
type Config struct {
	Namespace string // Default: "arena"
	Subsystem string // Default: "gateway"
}

// Prometheus is a Sink backed by Prometheus collectors.
type Prometheus struct {
	cfg      Config
	registry *prometheus.Registry

	connectionsOpened   prometheus.Counter
	connectionsClosed   *prometheus.CounterVec
	connectionsRejected *prometheus.CounterVec
	sessionDuration     prometheus.Histogram
	messagesProcessed   *prometheus.CounterVec
	messagesRateLimited prometheus.Counter
	eventsPublished     *prometheus.CounterVec
	eventsDelivered     prometheus.Counter
}

// NewPrometheus creates the collectors and registers them on a fresh registry,
// together with the Go and process collectors.
func NewPrometheus(cfg Config) (*Prometheus, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "arena"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "gateway"
	}

	p := &Prometheus{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),

		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "connections_opened_total",
			Help:      "Total number of admitted connections",
		}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "connections_closed_total",
			Help:      "Total number of closed connections",
		}, []string{"reason"}), // closed, timeout, error, shutdown
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "connections_rejected_total",
			Help:      "Total number of rejected handshakes",
		}, []string{"cause"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "session_duration_seconds",
			Help:      "Connection lifetime in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}),
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "messages_processed_total",
			Help:      "Total number of inbound messages processed",
		}, []string{"type", "status"}),
		messagesRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "messages_rate_limited_total",
			Help:      "Total number of inbound messages rejected by the rate limiter",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "events_published_total",
			Help:      "Total number of group events published to the bus",
		}, []string{"status"}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "events_delivered_total",
			Help:      "Total number of group events delivered to local connections",
		}),
	}

	collectors := []prometheus.Collector{
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		p.connectionsOpened,
		p.connectionsClosed,
		p.connectionsRejected,
		p.sessionDuration,
		p.messagesProcessed,
		p.messagesRateLimited,
		p.eventsPublished,
		p.eventsDelivered,
	}
	for _, c := range collectors {
		if err := p.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// RegisterGauge exposes a value sampled at scrape time, e.g. live connections.
func (p *Prometheus) RegisterGauge(name, help string, fn func() float64) error {
	return p.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: p.cfg.Namespace,
		Subsystem: p.cfg.Subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *Prometheus) ConnectionOpened() {
	p.connectionsOpened.Inc()
}

func (p *Prometheus) ConnectionClosed(reason string, duration time.Duration) {
	p.connectionsClosed.WithLabelValues(reason).Inc()
	p.sessionDuration.Observe(duration.Seconds())
}

func (p *Prometheus) ConnectionRejected(cause string) {
	p.connectionsRejected.WithLabelValues(cause).Inc()
}

func (p *Prometheus) MessageProcessed(msgType, status string) {
	p.messagesProcessed.WithLabelValues(msgType, status).Inc()
}

func (p *Prometheus) MessageRateLimited() {
	p.messagesRateLimited.Inc()
}

func (p *Prometheus) EventPublished(status string) {
	p.eventsPublished.WithLabelValues(status).Inc()
}

func (p *Prometheus) EventsDelivered(n int) {
	p.eventsDelivered.Add(float64(n))
}
