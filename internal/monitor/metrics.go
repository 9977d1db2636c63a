package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
)

const namespace = "hitchgate"

var upstreamStates = []consts.UpstreamState{
	consts.UpstreamStarting,
	consts.UpstreamRunning,
	consts.UpstreamExited,
	consts.UpstreamFailed,
}

// Collector holds every hitchgate metric on a dedicated registry.
type Collector struct {
	registry *prometheus.Registry

	// proxyRequests counts proxied requests by target role and status code.
	proxyRequests *prometheus.CounterVec
	// proxyDuration tracks time spent proxying, including streaming bodies.
	proxyDuration *prometheus.HistogramVec

	upstreamRestarts *prometheus.CounterVec
	upstreamState    *prometheus.GaugeVec
	lifecyclePhase   *prometheus.GaugeVec
	signals          *prometheus.CounterVec
}

// NewCollector creates and registers all metrics, plus the Go runtime and
// process collectors.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.proxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_requests_total",
		Help:      "Total number of proxied requests",
	}, []string{"target", "code"})

	c.proxyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "proxy_duration_seconds",
		Help:      "Time taken to proxy a request",
		Buckets:   prometheus.DefBuckets,
	}, []string{"target"})

	c.upstreamRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_restarts_total",
		Help:      "Total number of automatic upstream restarts",
	}, []string{"role"})

	c.upstreamState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_state",
		Help:      "Current upstream state (1 for the active state)",
	}, []string{"role", "state"})

	c.lifecyclePhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "lifecycle_phase",
		Help:      "Current lifecycle phase (1 for the active phase)",
	}, []string{"phase"})

	c.signals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_total",
		Help:      "Total number of received signals by applied action",
	}, []string{"signal", "action"})

	c.registry.MustRegister(
		c.proxyRequests,
		c.proxyDuration,
		c.upstreamRestarts,
		c.upstreamState,
		c.lifecyclePhase,
		c.signals,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the dedicated registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveProxy records one proxied request.
func (c *Collector) ObserveProxy(target string, code int, elapsed time.Duration) {
	c.proxyRequests.WithLabelValues(target, strconv.Itoa(code)).Inc()
	c.proxyDuration.WithLabelValues(target).Observe(elapsed.Seconds())
}

// UpstreamRestart records an automatic relaunch.
func (c *Collector) UpstreamRestart(role consts.Role) {
	c.upstreamRestarts.WithLabelValues(string(role)).Inc()
}

// SetUpstreamState marks state as the only active state of role.
func (c *Collector) SetUpstreamState(role consts.Role, state consts.UpstreamState) {
	for _, s := range upstreamStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.upstreamState.WithLabelValues(string(role), string(s)).Set(v)
	}
}

// SetPhase marks phase as the only active lifecycle phase.
func (c *Collector) SetPhase(phase consts.Phase) {
	for _, p := range consts.AllPhases {
		v := 0.0
		if p == phase {
			v = 1
		}
		c.lifecyclePhase.WithLabelValues(string(p)).Set(v)
	}
}

// Signal records a received signal and the action taken.
func (c *Collector) Signal(name string, action consts.SignalAction) {
	c.signals.WithLabelValues(name, string(action)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is done. It returns once the
// listener is bound.
func (c *Collector) Serve(ctx context.Context, addr string) (net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Log.Info("Metrics server starting", "addr", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return l.Addr(), nil
}

// Personal.AI order the ending
