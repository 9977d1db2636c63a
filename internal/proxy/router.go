package proxy

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
)

// HeaderRequestID carries the per-request correlation id.
const HeaderRequestID = "X-Request-ID"

// RouterOptions configures the compiled HTTP surface.
type RouterOptions struct {
	APIPrefix string
	CORS      bool
}

// NewRouter compiles the table into a gorilla/mux router. Health rules are
// registered first as plain paths; every other request is routed once by a
// catch-all that dispatches on Table.Route, so the router and the table can
// never disagree.
func NewRouter(t *Table, targets map[Target]http.Handler, opts RouterOptions) (*mux.Router, error) {
	for _, rule := range t.rules {
		if targets[rule.Target] == nil {
			return nil, fmt.Errorf("no handler for target %q (rule %s)", rule.Target, rule)
		}
	}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware)

	for _, rule := range t.rules {
		if rule.Kind == KindExact && rule.Target == TargetHealth {
			r.Path(rule.Pattern).Handler(targets[rule.Target])
		}
	}

	if opts.CORS && opts.APIPrefix != "" {
		prefix := opts.APIPrefix
		r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
			return req.Method == http.MethodOptions && hasPathPrefix(req.URL.Path, prefix)
		}).HandlerFunc(preflight)
	}

	r.MatcherFunc(func(*http.Request, *mux.RouteMatch) bool { return true }).
		HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			targets[t.Route(req.URL.Path).Target].ServeHTTP(w, req)
		})

	logger.Log.Debug("Router: compiled route table", "rules", len(t.rules), "cors", opts.CORS)
	return r, nil
}

// requestIDMiddleware assigns an X-Request-ID when the client sent none. The
// id is forwarded upstream with the request headers and echoed back.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// preflight answers CORS preflight requests for the API without touching
// the backend.
func preflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		h.Set("Vary", "Origin")
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
		h.Set("Access-Control-Allow-Headers", req)
	} else {
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+HeaderRequestID)
	}
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// Personal.AI order the ending
