package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps the access token in a JSON file under the "access_token" key.
// The token is cached in memory; Watch keeps the cache in sync with edits made
// by other processes (for example a concurrent "platformhub login").
type FileStore struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	token  string
	loaded bool
}

type fileContents struct {
	AccessToken string `json:"access_token"`
}

// NewFileStore constructs a store for path. Nothing is read until first use.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileStore{path: path, logger: logger}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Token returns the cached token, loading it on first use.
func (s *FileStore) Token(context.Context) (string, error) {
	s.mu.RLock()
	token, loaded := s.token, s.loaded
	s.mu.RUnlock()
	if !loaded {
		if err := s.Reload(); err != nil {
			return "", err
		}
		s.mu.RLock()
		token = s.token
		s.mu.RUnlock()
	}
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Reload re-reads the file. A missing file clears the cached token.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.set("")
			return nil
		}
		return fmt.Errorf("read credentials: %w", err)
	}
	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return fmt.Errorf("decode credentials: %w", err)
	}
	s.set(strings.TrimSpace(contents.AccessToken))
	return nil
}

// Save persists token with owner-only permissions.
func (s *FileStore) Save(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fileContents{AccessToken: token}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return err
	}
	s.set(token)
	return nil
}

// Clear forgets the token and removes the file.
func (s *FileStore) Clear() error {
	s.set("")
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) set(token string) {
	s.mu.Lock()
	s.token = token
	s.loaded = true
	s.mu.Unlock()
}

// Watch reloads the token whenever the backing file changes until ctx is done.
// The parent directory is watched so that atomic replacements are observed.
func (s *FileStore) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("credential reload failed", "path", s.path, "error", err)
				continue
			}
			s.logger.Debug("credentials reloaded", "path", s.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("credential watcher error", "error", err)
		}
	}
}
