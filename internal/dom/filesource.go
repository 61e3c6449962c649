package dom

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"replypilot/internal/logging"
)

// FileSource mirrors an HTML file into a Document and reloads it
// whenever the file changes on disk. It exists so the injection layers
// can be driven from an evolving fixture instead of a live browser.
type FileSource struct {
	doc     *Document
	path    string
	watcher *fsnotify.Watcher
}

// NewFileSource loads path into doc and starts watching its directory.
// Watching the directory instead of the file survives editors that
// replace the file via rename.
func NewFileSource(doc *Document, path string) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	s := &FileSource{doc: doc, path: abs}
	if err := s.reload(); err != nil {
		return nil, err
	}

	s.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := s.watcher.Add(filepath.Dir(abs)); err != nil {
		s.watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return s, nil
}

// Run processes filesystem events until the context ends or the
// watcher closes. Reload errors are logged, not fatal: a half-written
// file will be followed by another event.
func (s *FileSource) Run(ctx context.Context) error {
	// Editors emit bursts of events for one save.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(50 * time.Millisecond)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			logging.DOMDebug("watcher error: %v", err)
		case <-pending:
			pending = nil
			if err := s.reload(); err != nil {
				logging.DOMDebug("reload %s: %v", s.path, err)
				continue
			}
			logging.DOM("reloaded page source %s", s.path)
		}
	}
}

// Close stops the watcher.
func (s *FileSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

func (s *FileSource) reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.doc.LoadHTML(f)
}
