// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sedbot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"maunium.net/go/mautrix/id"
)

// Session is the durable record of an authenticated bot session.
type Session struct {
	Homeserver  string      `json:"homeserver"`
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
	AccessToken string      `json:"access_token"`

	// StorePath and StorePassphrase address the local state store that
	// belongs to this session.
	StorePath       string `json:"store_path"`
	StorePassphrase string `json:"store_passphrase"`

	// NextBatch is the cursor of the last fully processed sync round.
	NextBatch string `json:"next_batch,omitempty"`
}

func (s *Session) validate() error {
	switch {
	case s.Homeserver == "":
		return errors.New("missing homeserver")
	case s.UserID == "":
		return errors.New("missing user_id")
	case s.AccessToken == "":
		return errors.New("missing access_token")
	case s.StorePath == "":
		return errors.New("missing store_path")
	}
	return nil
}

// LoadSession reads the session file at path. A missing file is reported
// with an error matching os.ErrNotExist; anything unreadable is
// ErrSessionCorrupt.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSessionCorrupt, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionCorrupt, err)
	}
	if err := sess.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionCorrupt, err)
	}
	return &sess, nil
}

// SessionStore owns the session file after startup. Writes replace the
// whole record.
type SessionStore struct {
	path string

	mu      sync.Mutex
	current Session
}

// NewSessionStore returns a store for path holding sess. Nothing is written.
func NewSessionStore(path string, sess *Session) *SessionStore {
	return &SessionStore{path: path, current: *sess}
}

// Path returns the session file location.
func (ss *SessionStore) Path() string {
	return ss.path
}

// Session returns a copy of the current record.
func (ss *SessionStore) Session() Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.current
}

// Save replaces the record and writes it to disk.
func (ss *SessionStore) Save(sess *Session) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err := writeSession(ss.path, sess); err != nil {
		return err
	}
	ss.current = *sess
	return nil
}

// SaveCursor records nextBatch as the last processed sync position.
func (ss *SessionStore) SaveCursor(nextBatch string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.current.NextBatch == nextBatch {
		return nil
	}
	updated := ss.current
	updated.NextBatch = nextBatch
	if err := writeSession(ss.path, &updated); err != nil {
		return err
	}
	ss.current = updated
	return nil
}

func writeSession(path string, sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temporary file next to path and renames
// it into place, so readers see either the old or the new record.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
