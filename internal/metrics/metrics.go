// Package metrics exposes the core's counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds one registry per app session. A nil *Metrics is valid and
// records nothing, so components can be built without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	staleUpdates   *prometheus.CounterVec
	duplicates     prometheus.Counter
	decodeErrors   *prometheus.CounterVec
	sendFailures   prometheus.Counter
	sendAcks       prometheus.Counter
	typingExpiries prometheus.Counter
	channelErrors  *prometheus.CounterVec
	rpcDuration    *prometheus.HistogramVec
}

// New creates a registry with every core counter registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		staleUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streakchat_stale_updates_total",
			Help: "Status updates dropped because they would lower a message's delivery status.",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streakchat_duplicate_inserts_total",
			Help: "Row inserts ignored because the message id was already present.",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streakchat_decode_errors_total",
			Help: "Transport payloads that could not be decoded.",
		}, []string{"kind"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streakchat_send_failures_total",
			Help: "Optimistic sends moved to the failed collection.",
		}),
		sendAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streakchat_send_acks_total",
			Help: "Optimistic sends acknowledged by the backend.",
		}),
		typingExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streakchat_typing_expiries_total",
			Help: "Remote typing indicators cleared by timeout rather than an explicit stop.",
		}),
		channelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streakchat_channel_errors_total",
			Help: "Channel transitions into the errored state.",
		}, []string{"kind"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streakchat_rpc_duration_seconds",
			Help:    "Daemon API call latency by method and status code.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		m.staleUpdates, m.duplicates, m.decodeErrors,
		m.sendFailures, m.sendAcks, m.typingExpiries, m.channelErrors,
		m.rpcDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) StaleUpdate(reason string) {
	if m != nil {
		m.staleUpdates.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) DuplicateInsert() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) DecodeError(kind string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) SendAcked() {
	if m != nil {
		m.sendAcks.Inc()
	}
}

func (m *Metrics) TypingExpired() {
	if m != nil {
		m.typingExpiries.Inc()
	}
}

func (m *Metrics) ChannelErrored(kind string) {
	if m != nil {
		m.channelErrors.WithLabelValues(kind).Inc()
	}
}

// ObserveRPC records one finished API call.
func (m *Metrics) ObserveRPC(method, code string, d time.Duration) {
	if m != nil {
		m.rpcDuration.WithLabelValues(method, code).Observe(d.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server exposes /metrics and /healthz on addr.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds an HTTP server for m. It does not listen until Start.
func NewServer(addr string, m *Metrics, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{\"status\":\"ok\"}"))
	})
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
