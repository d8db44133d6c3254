package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store holds the active catalog. Reloads replace the whole catalog
// atomically; readers never observe a partially applied change.
type Store struct {
	current atomic.Pointer[Catalog]
	path    string
	logger  *slog.Logger
}

// NewStore creates a store serving c. path is the file Reload reads from;
// empty means the embedded default.
func NewStore(c *Catalog, path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}
	s.current.Store(c)
	return s
}

// Current returns the active catalog.
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// Swap installs c as the active catalog.
func (s *Store) Swap(c *Catalog) {
	s.current.Store(c)
}

// Reload re-reads the catalog file. The previous catalog stays active when
// the new one fails validation.
func (s *Store) Reload() error {
	c, err := Load(s.path)
	if err != nil {
		return fmt.Errorf("reload catalog: %w", err)
	}
	s.Swap(c)
	s.logger.Info("Catalog reloaded", "path", s.path, "intents", len(c.Intents), "tools", len(c.Tools))
	return nil
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("watch catalog: no catalog path configured")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch catalog directory: %w", err)
	}

	go func() {
		defer func() {
			if err := watcher.Close(); err != nil {
				s.logger.Warn("failed to close catalog watcher", "error", err)
			}
		}()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Error("Catalog reload rejected, keeping previous catalog", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}
