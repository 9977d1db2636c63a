package protocol

import (
	"time"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
)

// Config represents the root configuration of a hitchgate deployment.
// Fields carry `default` tags consumed by creasty/defaults before the YAML
// file and the environment are applied on top.
type Config struct {
	Version       string              `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Assets        AssetsConfig        `yaml:"assets"`
	Proxy         ProxyConfig         `yaml:"proxy"`
	Health        HealthConfig        `yaml:"health"`
	Upstreams     []UpstreamSpec      `yaml:"upstreams"`
	Signals       SignalConfig        `yaml:"signals"`
	Control       ControlConfig       `yaml:"control"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host" default:"0.0.0.0"`
	Port int    `yaml:"port" default:"5000"`
	// AlternatePort is tried once when Port is unavailable. Zero means Port+1.
	AlternatePort      int           `yaml:"alternate_port"`
	RetryAlternatePort bool          `yaml:"retry_alternate_port" default:"true"`
	GracePeriod        time.Duration `yaml:"grace_period" default:"5s"`
}

type AssetsConfig struct {
	// Root is the build output directory. Candidates are tried in order
	// after Root when Root does not exist at startup.
	Root          string        `yaml:"root" default:"dist/public"`
	Candidates    []string      `yaml:"candidates"`
	EntryDocument string        `yaml:"entry_document" default:"index.html"`
	Watch         bool          `yaml:"watch" default:"true"`
	HashedMaxAge  time.Duration `yaml:"hashed_max_age" default:"8760h"`
	DefaultMaxAge time.Duration `yaml:"default_max_age" default:"1h"`
}

type ProxyConfig struct {
	APIPrefix   string `yaml:"api_prefix" default:"/api"`
	BackendURL  string `yaml:"backend_url" default:"http://127.0.0.1:8080"`
	FrontendURL string `yaml:"frontend_url"`
	// Timeout bounds dialing the upstream and waiting for response headers.
	Timeout time.Duration `yaml:"timeout" default:"5s"`
	CORS    bool          `yaml:"cors" default:"true"`
}

type HealthConfig struct {
	LivenessPath  string `yaml:"liveness_path" default:"/health"`
	ReadinessPath string `yaml:"readiness_path" default:"/ready"`
}

// UpstreamSpec is the declarative launch spec of one child process.
type UpstreamSpec struct {
	Role       consts.Role       `yaml:"role"`
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	WorkingDir string            `yaml:"working_dir"`
	Env        map[string]string `yaml:"env"`
	// Optional upstreams do not gate READY and their launch failure is not fatal.
	Optional bool `yaml:"optional"`
	// ReadyPattern is a regexp matched against output lines; the first match
	// marks the upstream running. StartupDelay is the fallback.
	ReadyPattern string        `yaml:"ready_pattern"`
	StartupDelay time.Duration `yaml:"startup_delay" default:"3s"`
	Restart      RestartPolicy `yaml:"restart"`
}

// Required reports whether the upstream gates readiness.
func (u UpstreamSpec) Required() bool { return !u.Optional }

// RestartPolicy bounds automatic relaunches. MaxRestarts of zero disables them.
type RestartPolicy struct {
	MaxRestarts     int           `yaml:"max_restarts"`
	InitialInterval time.Duration `yaml:"initial_interval" default:"1s"`
	MaxInterval     time.Duration `yaml:"max_interval" default:"30s"`
}

// SignalPolicy maps a signal name (e.g. "SIGTERM") to an action.
type SignalPolicy map[string]consts.SignalAction

type SignalConfig struct {
	Policy SignalPolicy `yaml:"policy"`
}

type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level" default:"info"`
	LogFormat   string `yaml:"log_format" default:"json"`
}

// DefaultSignalPolicy ignores interactive and termination signals so a
// premature kill during a rolling deploy does not take the instance down;
// only the drain signal shuts down.
func DefaultSignalPolicy() SignalPolicy {
	return SignalPolicy{
		"SIGTERM":          consts.ActionIgnoreAndLog,
		"SIGINT":           consts.ActionIgnoreAndLog,
		"SIGHUP":           consts.ActionIgnoreAndLog,
		consts.DrainSignal: consts.ActionGracefulShutdown,
	}
}

// Personal.AI order the ending
