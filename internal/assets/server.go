// Package assets serves the built frontend from disk with SPA fallback.
package assets

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	gerrors "github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/errors"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/protocol"
)

const (
	cacheNoCache = "no-cache"
	cacheNoStore = "no-store"
	contentHTML  = "text/html; charset=utf-8"
)

// hashedName matches bundler output such as app.3f9a1c2b.js or vendor-9b2e41d7.css.
var hashedName = regexp.MustCompile(`[.-][0-9a-fA-F]{8,}\.[A-Za-z0-9]+$`)

// PlaceholderPage is returned while the asset root does not exist yet.
const PlaceholderPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>HitchBuddy</title></head>
<body>
<h1>HitchBuddy is starting</h1>
<p>The application is being prepared. Please refresh in a moment.</p>
</body>
</html>
`

// FileResponse is the outcome of resolving a request path. Either Path names
// a file on disk or Body holds the content.
type FileResponse struct {
	Status       int
	ContentType  string
	CacheControl string
	Path         string
	Body         []byte
	ModTime      time.Time
	Placeholder  bool
}

// Server resolves request paths under the asset root.
type Server struct {
	cfg       protocol.AssetsConfig
	apiPrefix string
	root      string

	mu         sync.RWMutex
	entry      []byte
	entryMod   time.Time
	entryValid bool
	entryGen   uint64 // bumped on every invalidation
	caching    bool
}

// New resolves the asset root: cfg.Root when it exists, else the first
// existing candidate, else cfg.Root (served as a placeholder until created).
func New(cfg protocol.AssetsConfig, apiPrefix string) *Server {
	if cfg.EntryDocument == "" {
		cfg.EntryDocument = consts.DefaultEntryDocument
	}
	if apiPrefix == "" {
		apiPrefix = consts.DefaultAPIPrefix
	}
	s := &Server{cfg: cfg, apiPrefix: apiPrefix, root: resolveRoot(cfg)}
	logger.Log.Info("Assets: asset root resolved", "root", s.root, "exists", s.rootExists())
	return s
}

func resolveRoot(cfg protocol.AssetsConfig) string {
	for _, dir := range append([]string{cfg.Root}, cfg.Candidates...) {
		if dir == "" {
			continue
		}
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return absPath(dir)
		}
	}
	return absPath(cfg.Root)
}

func absPath(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

// Root returns the resolved asset root.
func (s *Server) Root() string { return s.root }

func (s *Server) rootExists() bool {
	fi, err := os.Stat(s.root)
	return err == nil && fi.IsDir()
}

// resolve maps a URL path onto the asset root. Cleaning a rooted path drops
// any ".." that would climb above it.
func (s *Server) resolve(p string) (string, string) {
	clean := path.Clean("/" + p)
	return clean, filepath.Join(s.root, filepath.FromSlash(clean))
}

// Exists reports whether p names a regular file under the asset root.
func (s *Server) Exists(p string) bool {
	if strings.ContainsRune(p, 0) {
		return false
	}
	_, full := s.resolve(p)
	fi, err := os.Stat(full)
	return err == nil && fi.Mode().IsRegular()
}

func (s *Server) underAPI(p string) bool {
	return p == s.apiPrefix || strings.HasPrefix(p, s.apiPrefix+"/")
}

// Serve resolves p to a file, the entry document or the placeholder page.
// A missing file under the API prefix is an AssetNotFound error.
func (s *Server) Serve(p string) (*FileResponse, error) {
	if !s.rootExists() {
		return placeholder(), nil
	}

	clean, full := s.resolve(p)
	if !strings.ContainsRune(p, 0) {
		if fi, err := os.Stat(full); err == nil && fi.Mode().IsRegular() {
			if clean == "/"+s.cfg.EntryDocument {
				return s.entryResponse()
			}
			return &FileResponse{
				Status:       http.StatusOK,
				ContentType:  contentType(full),
				CacheControl: s.cacheControl(clean),
				Path:         full,
				ModTime:      fi.ModTime(),
			}, nil
		}
	}

	if s.underAPI(clean) {
		return nil, gerrors.New(gerrors.ErrCodeAssetNotFound, "Serve", fmt.Sprintf("no asset at %s", clean), nil)
	}
	return s.entryResponse()
}

func placeholder() *FileResponse {
	return &FileResponse{
		Status:       http.StatusOK,
		ContentType:  contentHTML,
		CacheControl: cacheNoStore,
		Body:         []byte(PlaceholderPage),
		Placeholder:  true,
	}
}

func (s *Server) entryResponse() (*FileResponse, error) {
	body, mod, err := s.entryDocument()
	if err != nil {
		logger.Log.Warn("Assets: entry document unavailable, serving placeholder", "err", err)
		return placeholder(), nil
	}
	return &FileResponse{
		Status:       http.StatusOK,
		ContentType:  contentHTML,
		CacheControl: cacheNoCache,
		Body:         body,
		ModTime:      mod,
	}, nil
}

// entryDocument returns the cached entry document, reading it from disk when
// the cache is cold or caching is off.
func (s *Server) entryDocument() ([]byte, time.Time, error) {
	s.mu.RLock()
	if s.caching && s.entryValid {
		body, mod := s.entry, s.entryMod
		s.mu.RUnlock()
		return body, mod, nil
	}
	gen := s.entryGen
	s.mu.RUnlock()

	full := filepath.Join(s.root, s.cfg.EntryDocument)
	body, err := os.ReadFile(full)
	if err != nil {
		return nil, time.Time{}, err
	}
	var mod time.Time
	if fi, err := os.Stat(full); err == nil {
		mod = fi.ModTime()
	}

	s.mu.Lock()
	if s.caching && gen == s.entryGen {
		s.entry, s.entryMod, s.entryValid = body, mod, true
	}
	s.mu.Unlock()
	return body, mod, nil
}

// Invalidate drops the cached entry document.
func (s *Server) Invalidate() {
	s.mu.Lock()
	s.entry, s.entryValid = nil, false
	s.entryGen++
	s.mu.Unlock()
}

func (s *Server) cacheControl(clean string) string {
	if strings.HasPrefix(clean, "/assets/") || hashedName.MatchString(path.Base(clean)) {
		return fmt.Sprintf("public, max-age=%d, immutable", int64(s.cfg.HashedMaxAge/time.Second))
	}
	return fmt.Sprintf("public, max-age=%d", int64(s.cfg.DefaultMaxAge/time.Second))
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// ServeHTTP writes the response for r.URL.Path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	resp, err := s.Serve(r.URL.Path)
	if err != nil {
		if gerrors.CodeOf(err) == gerrors.ErrCodeAssetNotFound {
			http.NotFound(w, r)
			return
		}
		logger.Log.Error("Assets: serve failed", "path", r.URL.Path, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", resp.ContentType)
	h.Set("Cache-Control", resp.CacheControl)

	if resp.Path != "" {
		f, err := os.Open(resp.Path)
		if err != nil {
			logger.Log.Error("Assets: open failed", "path", resp.Path, "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		defer f.Close()
		http.ServeContent(w, r, resp.Path, resp.ModTime, f)
		return
	}

	h.Set("Content-Length", fmt.Sprint(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

// Personal.AI order the ending
