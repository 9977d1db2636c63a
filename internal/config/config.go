// Package config loads and validates the supervisor configuration.
//
// Values are layered: struct defaults (creasty/defaults), then the YAML file,
// then the environment (PORT, HOST, BACKEND_URL, FRONTEND_URL, ASSET_ROOT,
// LOG_LEVEL, LOG_FORMAT) bound through viper.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"syscall"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	gerrors "github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/errors"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/protocol"
)

const op = "LoadConfig"

// Load reads the config file at path. A missing file is an error only when
// mustExist is set; otherwise defaults and environment are used alone.
func Load(path string, mustExist bool) (*protocol.Config, error) {
	cfg := &protocol.Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, gerrors.New(gerrors.ErrCodeConfigInvalid, op, "applying defaults", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, gerrors.New(gerrors.ErrCodeConfigInvalid, op, "parsing "+path, err)
			}
		case os.IsNotExist(err) && !mustExist:
		default:
			return nil, gerrors.New(gerrors.ErrCodeConfigInvalid, op, "reading "+path, err)
		}
	}

	for i := range cfg.Upstreams {
		if err := defaults.Set(&cfg.Upstreams[i]); err != nil {
			return nil, gerrors.New(gerrors.ErrCodeConfigInvalid, op, "applying upstream defaults", err)
		}
	}
	if len(cfg.Signals.Policy) == 0 {
		cfg.Signals.Policy = protocol.DefaultSignalPolicy()
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Unset variables keep the value
// already in cfg.
func applyEnv(cfg *protocol.Config) {
	v := viper.New()

	v.SetDefault("port", cfg.Server.Port)
	v.SetDefault("host", cfg.Server.Host)
	v.SetDefault("backend_url", cfg.Proxy.BackendURL)
	v.SetDefault("frontend_url", cfg.Proxy.FrontendURL)
	v.SetDefault("asset_root", cfg.Assets.Root)
	v.SetDefault("log_level", cfg.Observability.LogLevel)
	v.SetDefault("log_format", cfg.Observability.LogFormat)

	_ = v.BindEnv("port", consts.EnvPort)
	_ = v.BindEnv("host", consts.EnvHost)
	_ = v.BindEnv("backend_url", consts.EnvBackendURL)
	_ = v.BindEnv("frontend_url", consts.EnvFrontendURL)
	_ = v.BindEnv("asset_root", consts.EnvAssetRoot)
	_ = v.BindEnv("log_level", consts.EnvLogLevel)
	_ = v.BindEnv("log_format", consts.EnvLogFormat)

	cfg.Server.Port = v.GetInt("port")
	cfg.Server.Host = v.GetString("host")
	cfg.Proxy.BackendURL = v.GetString("backend_url")
	cfg.Proxy.FrontendURL = v.GetString("frontend_url")
	cfg.Assets.Root = v.GetString("asset_root")
	cfg.Observability.LogLevel = v.GetString("log_level")
	cfg.Observability.LogFormat = v.GetString("log_format")
}

// Validate checks a fully layered configuration.
func Validate(cfg *protocol.Config) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		add("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.AlternatePort < 0 || cfg.Server.AlternatePort > 65535 {
		add("server.alternate_port %d out of range", cfg.Server.AlternatePort)
	}
	if cfg.Server.GracePeriod <= 0 {
		add("server.grace_period must be positive")
	}
	if cfg.Proxy.Timeout <= 0 {
		add("proxy.timeout must be positive")
	}

	if !strings.HasPrefix(cfg.Proxy.APIPrefix, "/") || cfg.Proxy.APIPrefix == "/" {
		add("proxy.api_prefix %q must start with / and not be the root", cfg.Proxy.APIPrefix)
	}
	if err := checkURL(cfg.Proxy.BackendURL); err != nil {
		add("proxy.backend_url: %v", err)
	}
	if cfg.Proxy.FrontendURL != "" {
		if err := checkURL(cfg.Proxy.FrontendURL); err != nil {
			add("proxy.frontend_url: %v", err)
		}
	}

	if !strings.HasPrefix(cfg.Health.LivenessPath, "/") || !strings.HasPrefix(cfg.Health.ReadinessPath, "/") {
		add("health paths must start with /")
	}
	if cfg.Health.LivenessPath == cfg.Health.ReadinessPath {
		add("health.liveness_path and health.readiness_path must differ")
	}
	if cfg.Assets.EntryDocument == "" || strings.Contains(cfg.Assets.EntryDocument, "/") {
		add("assets.entry_document %q must be a bare file name", cfg.Assets.EntryDocument)
	}

	seen := make(map[consts.Role]bool)
	for i, u := range cfg.Upstreams {
		if u.Role != consts.RoleFrontend && u.Role != consts.RoleBackend {
			add("upstreams[%d].role %q must be frontend or backend", i, u.Role)
		}
		if seen[u.Role] {
			add("upstreams[%d].role %q declared twice", i, u.Role)
		}
		seen[u.Role] = true
		if u.Command == "" {
			add("upstreams[%d].command is required", i)
		}
		if u.ReadyPattern != "" {
			if _, err := regexp.Compile(u.ReadyPattern); err != nil {
				add("upstreams[%d].ready_pattern: %v", i, err)
			}
		}
		if u.Restart.MaxRestarts < 0 {
			add("upstreams[%d].restart.max_restarts must not be negative", i)
		}
	}

	names := make([]string, 0, len(cfg.Signals.Policy))
	for name := range cfg.Signals.Policy {
		names = append(names, name)
	}
	sort.Strings(names)
	bySignal := make(map[syscall.Signal]string, len(names))
	for _, name := range names {
		action := cfg.Signals.Policy[name]
		sig, err := ResolveSignal(name)
		if err != nil {
			add("signals.policy: %v", err)
		} else if other, dup := bySignal[sig]; dup {
			add("signals.policy: %s and %s name the same signal", other, name)
		} else {
			bySignal[sig] = name
		}
		if action != consts.ActionGracefulShutdown && action != consts.ActionIgnoreAndLog {
			add("signals.policy[%s]: unknown action %q", name, action)
		}
	}

	if len(problems) > 0 {
		return gerrors.New(gerrors.ErrCodeConfigInvalid, "ValidateConfig", strings.Join(problems, "; "), nil)
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme of %q must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// Personal.AI order the ending
