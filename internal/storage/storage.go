// Package storage is the credential/settings key-value store the core
// consumes but never owns: a workspace-local YAML file standing in for the
// extension-side encrypted storage the original UI layer provides.
package storage

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Settings is the fixed key set the core reads from Storage (spec.md §6).
// Every field is optional; zero values mean "not configured" and the
// caller falls back to its own defaults.
type Settings struct {
	AIProvider      string `yaml:"ai_provider"`
	AIModel         string `yaml:"ai_model"`
	AIAPIKey        string `yaml:"ai_api_key"`
	GroqVisionModel string `yaml:"groq_vision_model"`
	SearchEnabled   bool   `yaml:"search_enabled"`
	SearchModel     string `yaml:"search_model"`
}

// Storage is key-value persistence for credentials and provider settings,
// kept deliberately small: the core only ever reads and writes this fixed
// field set, never arbitrary keys.
type Storage interface {
	Get() (Settings, error)
	Set(Settings) error
}

// fileStorage persists Settings as YAML at a single path, guarded by a
// mutex so concurrent reads during a step don't race a settings update.
type fileStorage struct {
	mu   sync.Mutex
	path string
}

// NewFileStorage returns a Storage backed by a YAML file at path. The file
// is created on first Set if it does not exist; Get on a missing file
// returns zero-value Settings, not an error.
func NewFileStorage(path string) Storage {
	return &fileStorage{path: path}
}

func (s *fileStorage) Get() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var settings Settings
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("read storage file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return settings, fmt.Errorf("parse storage file: %w", err)
	}
	return settings, nil
}

func (s *fileStorage) Set(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode storage file: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0600); err != nil {
		return fmt.Errorf("write storage file: %w", err)
	}
	return nil
}

// memStorage is an in-process Storage used by tests and by callers that
// never need persistence across runs.
type memStorage struct {
	mu       sync.Mutex
	settings Settings
}

// NewMemStorage returns a Storage that only lives for the process lifetime.
func NewMemStorage(initial Settings) Storage {
	return &memStorage{settings: initial}
}

func (s *memStorage) Get() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *memStorage) Set(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}
