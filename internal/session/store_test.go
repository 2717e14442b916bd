package session

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/retroim/buddyd/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state", "session.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)

	saved := &Session{
		HomeserverURL: "https://matrix.example.org",
		UserID:        "@alice:example.org",
		AccessToken:   "tok",
		DeviceID:      "DEV1",
	}
	if err := store.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.UserID != saved.UserID || loaded.AccessToken != saved.AccessToken {
		t.Errorf("loaded %+v, want %+v", loaded, saved)
	}
	if loaded.SavedAt.IsZero() {
		t.Error("expected SavedAt to be stamped on save")
	}
}

func TestLoadEmpty(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Load(); !errors.Is(err, model.ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestClear(t *testing.T) {
	store := openTestStore(t)

	if err := store.Save(&Session{UserID: "@alice:example.org", AccessToken: "tok"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, model.ErrNoSession) {
		t.Errorf("expected ErrNoSession after clear, got %v", err)
	}

	// Clearing twice is fine.
	if err := store.Clear(); err != nil {
		t.Errorf("second clear failed: %v", err)
	}
}

func TestSaveOverwrites(t *testing.T) {
	store := openTestStore(t)

	store.Save(&Session{UserID: "@alice:example.org", AccessToken: "tok1"})
	store.Save(&Session{UserID: "@alice:example.org", AccessToken: "tok2"})

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.AccessToken != "tok2" {
		t.Errorf("expected latest token, got %s", loaded.AccessToken)
	}
}
