// Package identity remembers the reviewer name between runs in a small YAML
// file under the XDG config directory.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// AppName is the directory created under the XDG config home.
const AppName = "page-annotator"

// FileName is the identity file inside the app directory.
const FileName = "identity.yaml"

type document struct {
	Reviewer string `yaml:"reviewer"`
}

// Store reads and writes the identity file. It satisfies session.IdentityStore.
type Store struct {
	mu   sync.Mutex
	path string
}

// DefaultPath returns the identity file location.
// On Linux: ~/.config/page-annotator/identity.yaml
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, FileName)
}

// New returns a Store for path, or for DefaultPath when path is empty.
func New(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{path: path}
}

// Path returns the file the store uses.
func (s *Store) Path() string { return s.path }

// Load returns the remembered reviewer name, or "" when none was saved.
func (s *Store) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read identity: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse identity %s: %w", s.path, err)
	}
	return strings.TrimSpace(doc.Reviewer), nil
}

// Save writes name, replacing any previous value.
func (s *Store) Save(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := yaml.Marshal(document{Reviewer: strings.TrimSpace(name)})
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace identity: %w", err)
	}
	return nil
}
