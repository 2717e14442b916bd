// Package session persists login credentials between runs so the buddy
// list can come back without re-entering a password.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/retroim/buddyd/internal/model"
)

var (
	bucketSessions = []byte("sessions")
	keyCurrent     = []byte("current")
)

// Session is the persisted credential set for one account.
type Session struct {
	HomeserverURL string    `json:"homeserver_url"`
	UserID        string    `json:"user_id"`
	AccessToken   string    `json:"access_token"`
	DeviceID      string    `json:"device_id"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	SavedAt       time.Time `json:"saved_at"`
}

// Store keeps sessions in a bbolt file with owner-only permissions.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the session database at path, creating parent
// directories as needed. The file is chmod 0600: it holds tokens.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init session store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored session.
func (s *Store) Save(sess *Session) error {
	sess.SavedAt = time.Now().UTC()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put(keyCurrent, data)
	})
}

// Load returns the stored session, or model.ErrNoSession when none has
// been saved or it was cleared.
func (s *Store) Load() (*Session, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucketSessions).Get(keyCurrent); raw != nil {
			data = append(data, raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, model.ErrNoSession
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if sess.AccessToken == "" || sess.UserID == "" {
		return nil, model.ErrNoSession
	}
	return &sess, nil
}

// Clear removes the stored session. Clearing an empty store is a no-op.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete(keyCurrent)
	})
}
