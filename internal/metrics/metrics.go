// Package metrics exports engine activity to Prometheus. It is driven
// entirely by bus events.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/status"
)

// Collector counts bus events and tracks a few gauges.
type Collector struct {
	reg         *prometheus.Registry
	events      *prometheus.CounterVec
	connected   prometheus.Gauge
	notifUnread prometheus.Gauge

	bus    *bus.Bus
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a collector with its own registry.
func New(b *bus.Bus) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_total",
			Help:      "Bus events by kind.",
		}, []string{"kind"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connected",
			Help:      "1 while the realtime connection is open.",
		}),
		notifUnread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "notifications_unread",
			Help:      "Last known unread notification count.",
		}),
		bus: b,
	}
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "bus_dropped_events_total",
		Help:      "Events skipped because a subscriber was not keeping up.",
	}, func() float64 { return float64(b.Dropped()) })
	c.reg.MustRegister(
		c.events,
		c.connected,
		c.notifUnread,
		dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observe records one event.
func (c *Collector) Observe(evt bus.Event) {
	c.events.WithLabelValues(evt.Kind).Inc()
	switch evt.Kind {
	case bus.KindStateChanged:
		if sc, ok := evt.Payload.(status.StatusChange); ok {
			if sc.To == status.Connected {
				c.connected.Set(1)
			} else {
				c.connected.Set(0)
			}
		}
	case bus.KindNotifyUnreadChanged:
		if ue, ok := evt.Payload.(notify.UnreadEvent); ok {
			c.notifUnread.Set(float64(ue.Count))
		}
	}
}

// Start subscribes to every bus event.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	ch, unsub := c.bus.Subscribe("", 1024)
	go func() {
		defer close(c.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.Observe(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop unsubscribes and waits.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Server serves /metrics on addr.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics HTTP server for c.
func NewServer(addr string, c *Collector, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
