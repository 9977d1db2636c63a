package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	gerrors "github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/errors"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
)

// Availability tells the forwarder an upstream is known to be down.
type Availability interface {
	Unavailable(role consts.Role) bool
}

// Metrics records one proxied request.
type Metrics interface {
	ObserveProxy(target string, code int, elapsed time.Duration)
}

// Forwarder proxies requests to one upstream role.
type Forwarder struct {
	role    consts.Role
	target  *url.URL
	proxy   *httputil.ReverseProxy
	avail   Availability
	metrics Metrics

	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewForwarder builds a streaming reverse proxy to rawURL. timeout bounds
// dialing and waiting for response headers; a streaming body is not bounded.
func NewForwarder(role consts.Role, rawURL string, timeout time.Duration, avail Availability, metrics Metrics) (*Forwarder, error) {
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, gerrors.New(gerrors.ErrCodeConfigInvalid, "NewForwarder", fmt.Sprintf("invalid %s url %q", role, rawURL), err)
	}

	f := &Forwarder{
		role:    role,
		target:  target,
		avail:   avail,
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}

	f.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// Keep the browser's Host so dev servers and the API see the public name.
			pr.Out.Host = pr.In.Host
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler:  f.handleError,
	}
	return f, nil
}

// Target returns the upstream URL.
func (f *Forwarder) Target() *url.URL { return f.target }

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	if f.avail != nil && f.avail.Unavailable(f.role) {
		f.logFailure("Proxy: upstream marked unavailable", r, nil)
		writeUnavailable(rec)
	} else {
		f.proxy.ServeHTTP(rec, r)
	}

	if f.metrics != nil {
		f.metrics.ObserveProxy(string(f.role), rec.status, time.Since(start))
	}
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// Client went away; nobody is left to read a response.
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	if isTimeout(err) {
		f.logFailure("Proxy: upstream timed out", r, gerrors.New(gerrors.ErrCodeProxyTimeout, "Forward", string(f.role), err))
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
		return
	}

	f.logFailure("Proxy: upstream unavailable", r, gerrors.New(gerrors.ErrCodeProxyConnectionRefused, "Forward", string(f.role), err))
	writeUnavailable(w)
}

func writeUnavailable(w http.ResponseWriter) {
	http.Error(w, "Upstream Unavailable", http.StatusBadGateway)
}

// logFailure logs at most a few failures per second; the rest are counted and
// reported with the next logged one.
func (f *Forwarder) logFailure(msg string, r *http.Request, err error) {
	if !f.limiter.Allow() {
		f.suppressed.Add(1)
		return
	}
	args := []any{"target", f.role, "path", r.URL.Path, "method", r.Method}
	if err != nil {
		args = append(args, "code", gerrors.CodeOf(err).String(), "refused", errors.Is(err, syscall.ECONNREFUSED), "err", err)
	}
	if n := f.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	logger.Log.Warn(msg, args...)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// statusRecorder captures the status code. Unwrap lets ReverseProxy reach
// the underlying Flusher and Hijacker for streaming and upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		// 1xx responses are informational and do not settle the status.
		s.wroteHeader = code >= 200 || code == http.StatusSwitchingProtocols
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.wroteHeader = true
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Personal.AI order the ending
