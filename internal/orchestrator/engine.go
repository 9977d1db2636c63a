// Package orchestrator is the lifecycle and signal controller. It binds the
// socket first, serves the full HTTP surface from that instant, launches the
// upstreams in the background and owns shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/assets"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/config"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/control"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/health"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/monitor"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/proxy"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/readiness"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/resource"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/supervisor"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	gerrors "github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/errors"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/protocol"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("engine already started")

type Engine struct {
	cfg     *protocol.Config
	state   *readiness.State
	socket  *resource.SocketManager
	process *supervisor.Manager
	assets  *assets.Server
	table   *proxy.Table
	handler http.Handler
	metrics *monitor.Collector
	control *control.Server // nil unless control.socket_path is set

	mu           sync.Mutex
	started      bool
	closing      bool
	launchFailed bool
	listen       *resource.ListenSocket
	server       *http.Server
	serveDone    chan struct{}
	cancelBg     context.CancelFunc

	fatal        chan error
	stopped      chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewEngine builds every component and compiles the HTTP surface. Nothing is
// bound or launched until Start.
func NewEngine(cfg *protocol.Config) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		state:   readiness.New(),
		socket:  resource.NewSocketManager(),
		metrics: monitor.NewCollector(),
		fatal:   make(chan error, 1),
		stopped: make(chan struct{}),
	}
	e.process = supervisor.New(e)
	e.assets = assets.New(cfg.Assets, cfg.Proxy.APIPrefix)
	e.metrics.SetPhase(e.state.Phase())

	table, err := proxy.NewTable(proxy.DefaultRules(cfg), e.assets.Exists)
	if err != nil {
		return nil, gerrors.New(gerrors.ErrCodeConfigInvalid, "NewEngine", "invalid route table", err)
	}
	e.table = table

	targets := map[proxy.Target]http.Handler{
		proxy.TargetStatic: e.assets,
		proxy.TargetHealth: health.NewHandler(e.state, cfg.Health.LivenessPath, cfg.Health.ReadinessPath),
	}
	backend, err := proxy.NewForwarder(consts.RoleBackend, cfg.Proxy.BackendURL, cfg.Proxy.Timeout, e.state, e.metrics)
	if err != nil {
		return nil, err
	}
	targets[proxy.TargetBackend] = backend
	if cfg.Proxy.FrontendURL != "" {
		frontend, err := proxy.NewForwarder(consts.RoleFrontend, cfg.Proxy.FrontendURL, cfg.Proxy.Timeout, e.state, e.metrics)
		if err != nil {
			return nil, err
		}
		targets[proxy.TargetFrontend] = frontend
	}

	router, err := proxy.NewRouter(table, targets, proxy.RouterOptions{APIPrefix: cfg.Proxy.APIPrefix, CORS: cfg.Proxy.CORS})
	if err != nil {
		return nil, gerrors.New(gerrors.ErrCodeConfigInvalid, "NewEngine", "cannot compile routes", err)
	}
	e.handler = router

	if cfg.Control.SocketPath != "" {
		e.control = control.NewServer(cfg.Control.SocketPath, e)
	}
	return e, nil
}

// Handler is the complete HTTP surface: health probes and the route table.
func (e *Engine) Handler() http.Handler { return e.handler }

// State exposes the readiness state shared by every transport.
func (e *Engine) State() *readiness.State { return e.state }

// Table is the immutable route table.
func (e *Engine) Table() *proxy.Table { return e.table }

// Metrics is the engine's collector.
func (e *Engine) Metrics() *monitor.Collector { return e.metrics }

// Listener returns the bound socket, or nil before Start succeeds.
func (e *Engine) Listener() *resource.ListenSocket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listen
}

// Start binds the listening socket, serves the full handler on it and then
// launches the upstreams asynchronously. Bind failure is a BindError and
// leaves the engine STOPPED; an initialization failure never unbinds.
func (e *Engine) Start(ctx context.Context, host string, port int) (*resource.ListenSocket, error) {
	e.mu.Lock()
	if e.started || e.closing {
		e.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	logger.Log.Info("Lifecycle: binding socket", "host", host, "port", port)
	ls, err := e.socket.BindWithFallback(ctx, host, port, e.cfg.Server.AlternatePort, e.cfg.Server.RetryAlternatePort)
	if err != nil {
		logger.Log.Error("Lifecycle: bind failed", "err", err)
		_ = e.state.MarkBindFailed()
		e.metrics.SetPhase(e.state.Phase())
		e.shutdownOnce.Do(func() { close(e.stopped) })
		return nil, err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	e.watchPhase(bgCtx)
	if err := e.state.MarkBound(); err != nil {
		// Shut down while binding.
		cancel()
		e.socket.Close()
		return nil, err
	}

	srv := &http.Server{
		Handler:           e.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveDone := make(chan struct{})

	e.mu.Lock()
	e.listen = ls
	e.server = srv
	e.serveDone = serveDone
	e.cancelBg = cancel
	e.mu.Unlock()

	go func() {
		defer close(serveDone)
		if err := srv.Serve(ls.Listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Lifecycle: http server failed", "err", err)
		}
	}()
	logger.Log.Info("Lifecycle: serving", "addr", ls.Addr().String(), "inherited", ls.Inherited)

	e.startAuxiliary(bgCtx)
	go e.initialize()
	return ls, nil
}

// watchPhase mirrors every phase transition into the lifecycle gauge.
func (e *Engine) watchPhase(ctx context.Context) {
	events, unsubscribe := e.state.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case ev := <-events:
				e.metrics.SetPhase(ev.To)
			case <-ctx.Done():
				e.metrics.SetPhase(e.state.Phase())
				return
			}
		}
	}()
}

// startAuxiliary brings up the optional surfaces. Their failure is logged and
// never affects the main listener.
func (e *Engine) startAuxiliary(ctx context.Context) {
	if e.cfg.Assets.Watch {
		if err := e.assets.Watch(ctx); err != nil {
			logger.Log.Warn("Lifecycle: asset watcher unavailable", "err", err)
		}
	}
	if addr := e.cfg.Observability.MetricsAddr; addr != "" {
		if _, err := e.metrics.Serve(ctx, addr); err != nil {
			logger.Log.Error("Lifecycle: metrics server unavailable", "addr", addr, "err", err)
		}
	}
	if e.control != nil {
		if err := e.control.Start(); err != nil {
			logger.Log.Error("Lifecycle: control socket unavailable", "err", err)
		}
	}
}

// initialize registers every upstream and launches them. Launch failures mark
// the upstream failed and the engine keeps serving.
func (e *Engine) initialize() {
	for _, spec := range e.cfg.Upstreams {
		e.state.Register(spec.Role, spec.Required())
		e.metrics.SetUpstreamState(spec.Role, consts.UpstreamStarting)
	}
	if err := e.state.BeginInit(); err != nil {
		logger.Log.Warn("Lifecycle: initialization skipped", "phase", e.state.Phase(), "err", err)
		return
	}
	logger.Log.Info("Lifecycle: launching upstreams", "count", len(e.cfg.Upstreams))

	for _, spec := range e.cfg.Upstreams {
		e.mu.Lock()
		if e.closing {
			e.mu.Unlock()
			return
		}
		u, err := e.process.Launch(spec)
		if err != nil && spec.Required() {
			e.launchFailed = true
		}
		e.mu.Unlock()

		if err != nil {
			logger.Log.Error("Lifecycle: upstream launch failed", "role", spec.Role, "required", spec.Required(), "err", err)
			if u == nil {
				// Rejected before spawning, so the observer never saw it.
				e.UpstreamChanged(readiness.UpstreamStatus{
					Role:     spec.Role,
					State:    consts.UpstreamFailed,
					Required: spec.Required(),
					Since:    time.Now(),
				})
			}
		}
	}
}

// Shutdown stops accepting, drains in-flight requests, terminates the
// upstreams and closes the socket. Draining and termination together finish
// within one grace period. Only the first call does the work; later calls
// wait for it and return its result.
func (e *Engine) Shutdown(ctx context.Context, reason string) error {
	e.shutdownOnce.Do(func() {
		e.shutdownErr = e.shutdown(ctx, reason)
		close(e.stopped)
	})
	<-e.stopped
	return e.shutdownErr
}

func (e *Engine) shutdown(ctx context.Context, reason string) error {
	e.mu.Lock()
	e.closing = true
	srv, serveDone, cancel := e.server, e.serveDone, e.cancelBg
	e.mu.Unlock()

	if !e.state.BeginShutdown() {
		// Never bound: nothing is serving or running.
		logger.Log.Info("Lifecycle: shutdown before start", "reason", reason)
		_ = e.state.MarkBindFailed()
		e.metrics.SetPhase(e.state.Phase())
		return nil
	}
	grace := e.cfg.Server.GracePeriod
	if grace <= 0 {
		grace = consts.DefaultGracePeriod
	}
	logger.Log.Info("Lifecycle: shutting down", "reason", reason, "grace", grace)

	// Request drain and upstream termination share one grace deadline.
	deadline := time.Now().Add(grace)
	graceCtx, cancelGrace := context.WithDeadline(ctx, deadline)
	defer cancelGrace()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(graceCtx); err != nil {
			logger.Log.Warn("Lifecycle: drain incomplete, closing connections", "err", err)
			srv.Close()
		}
		<-serveDone
	}

	e.process.TerminateAll(graceCtx, max(time.Until(deadline), 0))
	e.socket.Close()

	if e.control != nil {
		if err := e.control.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close control socket: %w", err))
		}
	}
	if cancel != nil {
		cancel()
	}

	if err := e.state.MarkStopped(); err != nil {
		errs = append(errs, err)
	}
	e.metrics.SetPhase(e.state.Phase())
	logger.Log.Info("Lifecycle: stopped")
	return errors.Join(errs...)
}

// Stopped is closed once shutdown has completed.
func (e *Engine) Stopped() <-chan struct{} { return e.stopped }

// Run installs the signal policy, starts the engine on the configured
// address and blocks until shutdown completes or a fatal upstream condition
// occurs. It returns the process exit code.
func (e *Engine) Run(ctx context.Context) int {
	names, err := e.policySignals()
	if err != nil {
		logger.Log.Error("Lifecycle: invalid signal policy", "err", err)
		return consts.ExitBindFailure
	}

	sigCh := make(chan os.Signal, 4)
	sigs := make([]os.Signal, 0, len(names))
	for sig := range names {
		sigs = append(sigs, sig)
	}
	signal.Notify(sigCh, sigs...)
	defer signal.Stop(sigCh)

	if _, err := e.Start(ctx, e.cfg.Server.Host, e.cfg.Server.Port); err != nil {
		return consts.ExitBindFailure
	}

	for {
		select {
		case sig := <-sigCh:
			name := names[sig]
			action := e.cfg.Signals.Policy[name]
			e.metrics.Signal(name, action)
			if action != consts.ActionGracefulShutdown {
				logger.Log.Warn("Signal: received, ignored by policy", "signal", name, "phase", e.state.Phase())
				continue
			}
			logger.Log.Info("Signal: received, draining", "signal", name)
			e.Shutdown(context.Background(), "signal "+name)
			return e.exitCode()

		case err := <-e.fatal:
			logger.Log.Error("Lifecycle: unrecoverable upstream failure", "err", err)
			e.Shutdown(context.Background(), gerrors.CodeOf(err).String())
			return consts.ExitUpstreamFailed

		case <-e.stopped:
			return e.exitCode()

		case <-ctx.Done():
			e.Shutdown(context.Background(), "context cancelled")
			return e.exitCode()
		}
	}
}

// policySignals resolves every policy entry to its signal, keyed back to the
// policy name.
func (e *Engine) policySignals() (map[os.Signal]string, error) {
	names := make(map[os.Signal]string, len(e.cfg.Signals.Policy))
	for name := range e.cfg.Signals.Policy {
		sig, err := config.ResolveSignal(name)
		if err != nil {
			return nil, err
		}
		if other, dup := names[sig]; dup {
			return nil, fmt.Errorf("policy names %s and %s resolve to the same signal", other, name)
		}
		names[sig] = name
	}
	return names, nil
}

func (e *Engine) exitCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.launchFailed {
		return consts.ExitUpstreamFailed
	}
	return consts.ExitOK
}

// UpstreamChanged feeds the readiness state and the state gauge.
func (e *Engine) UpstreamChanged(st readiness.UpstreamStatus) {
	e.state.Update(st)
	e.metrics.SetUpstreamState(st.Role, st.State)
}

func (e *Engine) UpstreamRestarting(role consts.Role, attempt int, delay time.Duration) {
	e.metrics.UpstreamRestart(role)
}

// UpstreamFatal hands a fatal condition to Run. Only the first one matters.
func (e *Engine) UpstreamFatal(role consts.Role, err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

// Status answers the control socket.
func (e *Engine) Status() (consts.Phase, []readiness.UpstreamStatus) {
	return e.state.Phase(), e.state.Upstreams()
}

// Drain starts a graceful shutdown without waiting for it.
func (e *Engine) Drain(reason string) {
	e.metrics.Signal("control", consts.ActionGracefulShutdown)
	go e.Shutdown(context.Background(), reason)
}

// Personal.AI order the ending
