// Package metrics exposes client counters in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/beegramm/beegram/internal/bus"
	"github.com/beegramm/beegram/internal/call"
	"github.com/beegramm/beegram/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "beegram"

// Metrics holds every collector on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	eventsReceived *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	eventsSent     *prometheus.CounterVec
	emitErrors     *prometheus.CounterVec
	notifications  prometheus.Counter
	connected      prometheus.Gauge
	reconnects     prometheus.Counter
	callsEnded     *prometheus.CounterVec
	callDuration   prometheus.Histogram
}

// New creates and registers the collectors. dropped reports bus deliveries
// lost to slow subscribers; it may be nil.
func New(dropped func() uint64) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_received_total",
			Help: "Inbound events dispatched by the router.",
		}, []string{"event"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Inbound events that could not be dispatched.",
		}, []string{"event", "reason"}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_sent_total",
			Help: "Outbound events written to the channel.",
		}, []string{"event"}),
		emitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "emit_errors_total",
			Help: "Outbound events that failed to send.",
		}, []string{"event"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Notifications shown.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transport_connected",
			Help: "1 while the event channel is connected.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transport_reconnects_total",
			Help: "Times the channel was lost and reconnection started.",
		}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_total",
			Help: "Finished call sessions by outcome.",
		}, []string{"direction", "outcome"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "call_duration_seconds",
			Help:    "Connected time of completed calls.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}
	m.Registry.MustRegister(
		m.eventsReceived, m.eventsDropped, m.eventsSent, m.emitErrors,
		m.notifications, m.connected, m.reconnects, m.callsEnded, m.callDuration,
		collectors.NewGoCollector(),
	)
	if dropped != nil {
		m.Registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_dropped_total",
			Help: "Bus deliveries skipped because a subscriber was full.",
		}, func() float64 { return float64(dropped()) }))
	}
	return m
}

// EventReceived implements router.Observer.
func (m *Metrics) EventReceived(name string) {
	m.eventsReceived.WithLabelValues(name).Inc()
}

// EventDropped implements router.Observer.
func (m *Metrics) EventDropped(name, reason string) {
	m.eventsDropped.WithLabelValues(name, reason).Inc()
}

// Emitter is anything that sends events.
type Emitter interface {
	Emit(event string, payload any) error
}

type countingEmitter struct {
	next Emitter
	m    *Metrics
}

func (c countingEmitter) Emit(event string, payload any) error {
	err := c.next.Emit(event, payload)
	if err != nil {
		c.m.emitErrors.WithLabelValues(event).Inc()
		return err
	}
	c.m.eventsSent.WithLabelValues(event).Inc()
	return nil
}

// CountEmits wraps e so every event it sends is counted.
func (m *Metrics) CountEmits(e Emitter) Emitter {
	return countingEmitter{next: e, m: m}
}

// Watch updates bus-derived metrics until ctx ends.
func (m *Metrics) Watch(ctx context.Context, b *bus.Bus) {
	events, unsub := b.Subscribe("", 256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			m.observe(evt)
		}
	}
}

func (m *Metrics) observe(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		if p.To == status.Connected {
			m.connected.Set(1)
		} else {
			m.connected.Set(0)
		}
		if p.To == status.Reconnecting {
			m.reconnects.Inc()
		}
	case call.Ended:
		m.callsEnded.WithLabelValues(string(p.Record.Direction), string(p.Record.Outcome)).Inc()
		if d := p.Record.Duration(); d > 0 {
			m.callDuration.Observe(d.Seconds())
		}
	}
	if evt.Kind == bus.ChatNotification {
		m.notifications.Inc()
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Server is the optional /metrics listener.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// Listen binds addr. Serve must be called to accept requests.
func (m *Metrics) Listen(addr string, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr is the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.logger.Info("metrics listener starting", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
