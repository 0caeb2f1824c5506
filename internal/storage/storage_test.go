package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStorageGetOnMissingFileReturnsZeroValue(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	s := NewFileStorage(filepath.Join(tempDir, "settings.yaml"))
	settings, err := s.Get()
	if err != nil {
		t.Fatalf("expected no error on missing file, got %v", err)
	}
	if settings != (Settings{}) {
		t.Fatalf("expected zero-value Settings, got %+v", settings)
	}
}

func TestFileStorageSetThenGetRoundTrips(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, "settings.yaml")
	s := NewFileStorage(path)

	want := Settings{
		AIProvider:      "aggregator",
		AIModel:         "gpt-test",
		AIAPIKey:        "secret-key",
		GroqVisionModel: "vision-test",
		SearchEnabled:   true,
		SearchModel:     "search-test",
	}
	if err := s.Set(want); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestFileStoragePersistsAcrossInstances(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, "settings.yaml")
	first := NewFileStorage(path)
	if err := first.Set(Settings{AIProvider: "direct"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	second := NewFileStorage(path)
	got, err := second.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AIProvider != "direct" {
		t.Fatalf("expected persisted AIProvider=direct, got %q", got.AIProvider)
	}
}

func TestFileStoragePermissions(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, "settings.yaml")
	s := NewFileStorage(path)
	if err := s.Set(Settings{AIAPIKey: "secret-key"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("expected file mode 0600, got %o", perm)
	}
}

func TestMemStorageRoundTrips(t *testing.T) {
	s := NewMemStorage(Settings{AIProvider: "initial"})

	got, err := s.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AIProvider != "initial" {
		t.Fatalf("expected initial setting, got %+v", got)
	}

	if err := s.Set(Settings{AIProvider: "updated"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err = s.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AIProvider != "updated" {
		t.Fatalf("expected updated setting, got %+v", got)
	}
}

func TestMemStorageDoesNotTouchFilesystem(t *testing.T) {
	s := NewMemStorage(Settings{})
	if err := s.Set(Settings{AIProvider: "direct"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	// No path is ever exposed or written to; this is purely an in-process guarantee.
	if _, ok := s.(*fileStorage); ok {
		t.Fatal("expected memStorage, not fileStorage")
	}
}
