package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/protocol"
)

func testProtocolConfig(frontend string) *protocol.Config {
	cfg := &protocol.Config{}
	cfg.Health.LivenessPath = "/health"
	cfg.Health.ReadinessPath = "/ready"
	cfg.Proxy.APIPrefix = "/api"
	cfg.Proxy.FrontendURL = frontend
	return cfg
}

func staticFiles(paths ...string) FileChecker {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return func(p string) bool { return set[p] }
}

func TestNewTable_OrdersByKind(t *testing.T) {
	table, err := NewTable([]Rule{
		{Kind: KindFallback, Target: TargetStatic},
		{Kind: KindPrefix, Pattern: "/api", Target: TargetBackend},
		{Kind: KindExact, Pattern: "/health", Target: TargetHealth},
		{Kind: KindFile, Pattern: "/", Target: TargetStatic},
		{Kind: KindExact, Pattern: "/ready", Target: TargetHealth},
	}, staticFiles())
	require.NoError(t, err)

	var kinds []MatchKind
	var patterns []string
	for _, r := range table.Rules() {
		kinds = append(kinds, r.Kind)
		patterns = append(patterns, r.Pattern)
	}
	assert.Equal(t, []MatchKind{KindExact, KindExact, KindFile, KindPrefix, KindFallback}, kinds)
	assert.Equal(t, []string{"/health", "/ready", "/", "/api", ""}, patterns, "order within a kind is kept")
}

func TestNewTable_Validation(t *testing.T) {
	tests := []struct {
		name   string
		rules  []Rule
		exists FileChecker
		want   error
	}{
		{"no fallback", []Rule{{Kind: KindPrefix, Pattern: "/api", Target: TargetBackend}}, nil, ErrNoFallback},
		{"two fallbacks", []Rule{{Kind: KindFallback, Target: TargetStatic}, {Kind: KindFallback, Target: TargetFrontend}}, nil, ErrNoFallback},
		{"relative pattern", []Rule{{Kind: KindPrefix, Pattern: "api", Target: TargetBackend}, {Kind: KindFallback, Target: TargetStatic}}, nil, ErrBadPattern},
		{"file without checker", []Rule{{Kind: KindFile, Pattern: "/", Target: TargetStatic}, {Kind: KindFallback, Target: TargetStatic}}, nil, ErrNoFileChecker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.rules, tt.exists)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTable_RouteDefaultRules(t *testing.T) {
	table, err := NewTable(DefaultRules(testProtocolConfig("")), staticFiles("/app.3f9a1c2b.js", "/favicon.ico"))
	require.NoError(t, err)

	tests := []struct {
		path string
		want Target
		kind MatchKind
	}{
		{"/health", TargetHealth, KindExact},
		{"/ready", TargetHealth, KindExact},
		{"/health/deep", TargetStatic, KindFallback},
		{"/app.3f9a1c2b.js", TargetStatic, KindFile},
		{"/favicon.ico", TargetStatic, KindFile},
		{"/api", TargetBackend, KindPrefix},
		{"/api/ping", TargetBackend, KindPrefix},
		{"/api/rides/42/book", TargetBackend, KindPrefix},
		{"/apiary", TargetStatic, KindFallback},
		{"/API/ping", TargetStatic, KindFallback},
		{"/", TargetStatic, KindFallback},
		{"/some/client/route", TargetStatic, KindFallback},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := table.Route(tt.path)
			assert.Equal(t, tt.want, got.Target)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, got, table.Route(tt.path), "routing must be deterministic")
		})
	}
}

func TestTable_FallbackToFrontendWhenConfigured(t *testing.T) {
	table, err := NewTable(DefaultRules(testProtocolConfig("http://127.0.0.1:5173")), staticFiles())
	require.NoError(t, err)

	assert.Equal(t, TargetFrontend, table.Route("/rides").Target)
	assert.Equal(t, TargetBackend, table.Route("/api/rides").Target)
	assert.Equal(t, TargetHealth, table.Route("/health").Target)
}

func TestRule_String(t *testing.T) {
	assert.Contains(t, Rule{Kind: KindPrefix, Pattern: "/api", Target: TargetBackend}.String(), "prefix")
	assert.Contains(t, Rule{Kind: KindFallback, Target: TargetStatic}.String(), "*")
	assert.Equal(t, "kind(9)", MatchKind(9).String())
}
