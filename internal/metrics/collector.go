// Package metrics counts sync activity from the event bus and serves it in
// the Prometheus exposition format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
)

const namespace = "chatsync"

// Collector turns bus events into counters.
type Collector struct {
	reg    *prometheus.Registry
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
	server *http.Server

	timelineUpdates *prometheus.CounterVec
	dropped         prometheus.Counter
	statuses        *prometheus.CounterVec
	deletions       prometheus.Counter
	reconnects      prometheus.Counter
	exhausted       prometheus.Counter
	transitions     *prometheus.CounterVec
	state           *prometheus.GaugeVec
	transfers       *prometheus.CounterVec
	notices         *prometheus.CounterVec
}

// New creates a collector with its own registry.
func New(b *bus.Bus, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		reg:    prometheus.NewRegistry(),
		bus:    b,
		logger: logger,
		timelineUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "timeline_updates_total",
			Help: "Timeline merges by cause.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "payloads_dropped_total",
			Help: "Malformed message payloads skipped.",
		}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_status_total",
			Help: "Outbound message status changes by resulting status.",
		}, []string{"status"}),
		deletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_deletions_total",
			Help: "Message deletions applied.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_attempts_total",
			Help: "Scheduled reconnect attempts.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_exhausted_total",
			Help: "Times the reconnect budget ran out.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_transitions_total",
			Help: "Transport session state changes by target state.",
		}, []string{"to"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "session_state",
			Help: "1 for the current transport session state.",
		}, []string{"state"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "media_transfers_total",
			Help: "Finished media transfers by direction and result.",
		}, []string{"direction", "result"}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notices_total",
			Help: "User-facing notices by level.",
		}, []string{"level"}),
	}
	c.reg.MustRegister(
		c.timelineUpdates, c.dropped, c.statuses, c.deletions, c.reconnects,
		c.exhausted, c.transitions, c.state, c.transfers, c.notices,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_events_dropped_total",
			Help: "Event deliveries skipped because a subscriber was full.",
		}, func() float64 { return float64(b.Dropped()) }),
		collectors.NewGoCollector(),
	)
	return c
}

// Registry exposes the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Start subscribes to every bus event.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	ch, unsub := c.bus.Subscribe("", 512)

	go func() {
		defer close(c.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.observe(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the subscription started by Start.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Collector) observe(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case bus.TimelineUpdated:
		c.timelineUpdates.WithLabelValues(p.Reason).Inc()
	case bus.TimelineDropped:
		c.dropped.Add(float64(p.Dropped))
	case bus.MessageStatus:
		c.statuses.WithLabelValues(p.Status).Inc()
	case bus.MessageDeleted:
		c.deletions.Add(float64(len(p.IDs)))
	case bus.Reconnecting:
		if evt.Kind == bus.KindReconnectFailed {
			c.exhausted.Inc()
		} else {
			c.reconnects.Inc()
		}
	case status.StatusChange:
		c.transitions.WithLabelValues(string(p.To)).Inc()
		c.state.Reset()
		c.state.WithLabelValues(string(p.To)).Set(1)
	case bus.MediaTransfer:
		result := "ok"
		if p.Err != "" {
			result = "error"
		}
		c.transfers.WithLabelValues(p.Direction, result).Inc()
	case bus.Notice:
		c.notices.WithLabelValues(p.Level).Inc()
	}
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Listen serves /metrics on addr in the background.
func (c *Collector) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	c.server = &http.Server{Handler: mux}
	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	c.logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops the metrics server, if it was started.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
