// Package proxy routes inbound requests by path to the static server, the
// backend or the frontend.
package proxy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/protocol"
)

// MatchKind orders rules: exact before file before prefix before fallback.
type MatchKind int

const (
	KindExact MatchKind = iota
	KindFile
	KindPrefix
	KindFallback
)

func (k MatchKind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindFile:
		return "file"
	case KindPrefix:
		return "prefix"
	case KindFallback:
		return "fallback"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Target is where a matched request goes.
type Target string

const (
	TargetStatic   Target = "static"
	TargetBackend  Target = "backend-proxy"
	TargetFrontend Target = "frontend-proxy"
	TargetHealth   Target = "health"
)

// Rule is one entry of the route table. For KindFile the pattern scopes the
// rule to a path prefix and the rule matches only when the file exists.
type Rule struct {
	Kind    MatchKind
	Pattern string
	Target  Target
}

func (r Rule) String() string {
	if r.Kind == KindFallback {
		return fmt.Sprintf("%-8s %-20s -> %s", r.Kind, "*", r.Target)
	}
	return fmt.Sprintf("%-8s %-20s -> %s", r.Kind, r.Pattern, r.Target)
}

// FileChecker reports whether a request path names a static file.
type FileChecker func(path string) bool

var (
	ErrNoFallback    = errors.New("route table needs exactly one fallback rule")
	ErrBadPattern    = errors.New("route pattern must start with /")
	ErrNoFileChecker = errors.New("file rule requires a file checker")
)

// Table is the immutable, ordered route table. It is built once before the
// server starts and read without locks.
type Table struct {
	rules  []Rule
	exists FileChecker
}

// NewTable validates rules and orders them by match kind, keeping the given
// order within a kind.
func NewTable(rules []Rule, exists FileChecker) (*Table, error) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Kind < sorted[j].Kind })

	fallbacks := 0
	for _, r := range sorted {
		switch r.Kind {
		case KindFallback:
			fallbacks++
		case KindFile:
			if exists == nil {
				return nil, ErrNoFileChecker
			}
			fallthrough
		default:
			if !strings.HasPrefix(r.Pattern, "/") {
				return nil, fmt.Errorf("%w: %q", ErrBadPattern, r.Pattern)
			}
		}
		if r.Kind < KindExact || r.Kind > KindFallback {
			return nil, fmt.Errorf("unknown match kind %d", int(r.Kind))
		}
	}
	if fallbacks != 1 {
		return nil, ErrNoFallback
	}
	return &Table{rules: sorted, exists: exists}, nil
}

// Route returns the first rule matching path. The fallback guarantees a match.
func (t *Table) Route(path string) Rule {
	for _, r := range t.rules {
		if r.matches(path, t.exists) {
			return r
		}
	}
	return t.rules[len(t.rules)-1]
}

// Rules returns the table in evaluation order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

func (r Rule) matches(path string, exists FileChecker) bool {
	switch r.Kind {
	case KindExact:
		return path == r.Pattern
	case KindFile:
		return hasPathPrefix(path, r.Pattern) && exists(path)
	case KindPrefix:
		return hasPathPrefix(path, r.Pattern)
	case KindFallback:
		return true
	}
	return false
}

// hasPathPrefix matches whole segments, so /api matches /api and /api/x but
// not /apiary.
func hasPathPrefix(path, prefix string) bool {
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix)
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// DefaultRules builds the standard table: health probes, existing static
// files, the API prefix to the backend, and a fallback to the frontend proxy
// when one is configured or to the static SPA otherwise.
func DefaultRules(cfg *protocol.Config) []Rule {
	fallback := TargetStatic
	if cfg.Proxy.FrontendURL != "" {
		fallback = TargetFrontend
	}
	return []Rule{
		{Kind: KindExact, Pattern: cfg.Health.LivenessPath, Target: TargetHealth},
		{Kind: KindExact, Pattern: cfg.Health.ReadinessPath, Target: TargetHealth},
		{Kind: KindFile, Pattern: "/", Target: TargetStatic},
		{Kind: KindPrefix, Pattern: cfg.Proxy.APIPrefix, Target: TargetBackend},
		{Kind: KindFallback, Target: fallback},
	}
}

// Personal.AI order the ending
