package consts

import "time"

// Phase is the system-wide lifecycle phase of the supervisor.
// BINDING is the unique initial phase and STOPPED the unique terminal one.
type Phase string

const (
	PhaseBinding      Phase = "BINDING"
	PhaseSocketBound  Phase = "SOCKET_BOUND"
	PhaseInitializing Phase = "INITIALIZING" // upstreams starting, routes registering
	PhaseReady        Phase = "READY"        // all required upstreams running
	PhaseDegraded     Phase = "DEGRADED"     // an upstream crashed
	PhaseShuttingDown Phase = "SHUTTING_DOWN"
	PhaseStopped      Phase = "STOPPED"
)

// AllPhases lists every phase in lifecycle order.
var AllPhases = []Phase{
	PhaseBinding,
	PhaseSocketBound,
	PhaseInitializing,
	PhaseReady,
	PhaseDegraded,
	PhaseShuttingDown,
	PhaseStopped,
}

// Role identifies one of the two logical upstreams.
type Role string

const (
	RoleFrontend Role = "frontend"
	RoleBackend  Role = "backend"
)

// UpstreamState is the last-known state of a supervised child process.
type UpstreamState string

const (
	UpstreamStarting UpstreamState = "starting"
	UpstreamRunning  UpstreamState = "running"
	UpstreamExited   UpstreamState = "exited"
	UpstreamFailed   UpstreamState = "failed"
)

// SignalAction is what the controller does when a recognized signal arrives.
type SignalAction string

const (
	ActionGracefulShutdown SignalAction = "graceful-shutdown"
	ActionIgnoreAndLog     SignalAction = "ignore-and-log"
)

// Process exit codes propagated to the OS.
const (
	ExitOK             = 0
	ExitBindFailure    = 1
	ExitUpstreamFailed = 2
)

// Environment and defaults
const (
	EnvPort        = "PORT"
	EnvHost        = "HOST"
	EnvBackendURL  = "BACKEND_URL"
	EnvFrontendURL = "FRONTEND_URL"
	EnvAssetRoot   = "ASSET_ROOT"
	EnvLogLevel    = "LOG_LEVEL"
	EnvLogFormat   = "LOG_FORMAT"
	EnvListenFDs   = "LISTEN_FDS" // socket activation: count of FDs passed from fd 3

	DefaultPort          = 5000
	DefaultHost          = "0.0.0.0"
	DefaultBackendURL    = "http://127.0.0.1:8080"
	DefaultAssetRoot     = "dist/public"
	DefaultAPIPrefix     = "/api"
	DefaultEntryDocument = "index.html"
	DefaultGracePeriod   = 5 * time.Second
	DefaultProxyTimeout  = 5 * time.Second
	DefaultStartupDelay  = 3 * time.Second
	DrainSignal          = "SIGUSR2"
)

// Personal.AI order the ending
