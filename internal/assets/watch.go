package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
)

// Watch caches the entry document and invalidates it whenever the build
// output changes. The parent of the root is watched too so a root created
// after startup is picked up. It returns once the watcher is armed; the
// event loop runs until ctx is done.
func (s *Server) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	parent := filepath.Dir(s.root)
	if err := watcher.Add(parent); err != nil {
		logger.Log.Warn("Assets: cannot watch asset root parent", "path", parent, "err", err)
	}
	if s.rootExists() {
		if err := watcher.Add(s.root); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", s.root, err)
		}
	}

	s.mu.Lock()
	s.caching = true
	s.mu.Unlock()

	logger.Log.Info("Assets: watching asset root", "root", s.root)
	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *Server) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	defer func() {
		s.mu.Lock()
		s.caching = false
		s.entry, s.entryValid = nil, false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Debug("Assets: stopping watcher")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if name != s.root && filepath.Dir(name) != s.root {
				continue
			}

			if name == s.root && event.Has(fsnotify.Create) {
				if fi, err := os.Stat(s.root); err == nil && fi.IsDir() {
					if err := watcher.Add(s.root); err != nil {
						logger.Log.Warn("Assets: cannot watch new asset root", "err", err)
					}
					logger.Log.Info("Assets: asset root appeared", "root", s.root)
				}
			}

			logger.Log.Debug("Assets: build output changed", "file", filepath.Base(name), "op", event.Op.String())
			s.Invalidate()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Log.Error("Assets: watcher error", "err", err)
		}
	}
}

// Personal.AI order the ending
