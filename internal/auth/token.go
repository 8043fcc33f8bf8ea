// Package auth holds the API token used for REST requests and the push
// channel handshake.
package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// TokenStore reads the token from a file and reloads it whenever the file
// changes. A missing or empty file means no token.
type TokenStore struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	token    string
	onChange []func(string)

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewTokenStore(path string, logger *slog.Logger) (*TokenStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TokenStore{
		path:   filepath.Clean(path),
		logger: logger.With("component", "auth", "file", path),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Header returns the Authorization header for the current token, or an
// empty header when there is none.
func (s *TokenStore) Header() http.Header {
	h := http.Header{}
	if tok := s.Token(); tok != "" {
		h.Set("Authorization", "Token "+tok)
	}
	return h
}

// OnChange registers fn to run after every reload that changes the token.
func (s *TokenStore) OnChange(fn func(token string)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Watch starts reloading on file changes. The parent directory is watched
// so that editors replacing the file are seen.
func (s *TokenStore) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = w
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.processEvents()
	return nil
}

func (s *TokenStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	s.watcher = nil
	return err
}

func (s *TokenStore) processEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn("token reload failed", "err", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("token watcher error", "err", err)
		}
	}
}

func (s *TokenStore) reload() error {
	b, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(b))

	s.mu.Lock()
	changed := tok != s.token
	s.token = tok
	listeners := append([]func(string){}, s.onChange...)
	s.mu.Unlock()

	if changed {
		s.logger.Info("token loaded", "present", tok != "")
		for _, fn := range listeners {
			fn(tok)
		}
	}
	return nil
}
