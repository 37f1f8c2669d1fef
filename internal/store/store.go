// Package store persists the participant id and the last known room
// membership per profile, so a restarted host can reclaim its room.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const fileExt = ".state"

type state struct {
	SelfID  string    `msgpack:"self_id"`
	RoomID  string    `msgpack:"room_id,omitempty"`
	Members []string  `msgpack:"members,omitempty"`
	SavedAt time.Time `msgpack:"saved_at"`
}

// FileStore keeps one msgpack file per profile under dir.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func New(dir, profile string) (*FileStore, error) {
	if profile == "" {
		return nil, errors.New("store: profile is required")
	}
	if filepath.Base(profile) != profile {
		return nil, fmt.Errorf("store: invalid profile name %q", profile)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create state dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, profile+fileExt)}, nil
}

// Path returns the state file location.
func (s *FileStore) Path() string { return s.path }

// SelfID returns the saved participant id, or "" when none was saved.
func (s *FileStore) SelfID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return "", err
	}
	return st.SelfID, nil
}

// EnsureSelfID returns the saved id, generating and saving one first if needed.
func (s *FileStore) EnsureSelfID(generate func() string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return "", err
	}
	if st.SelfID != "" {
		return st.SelfID, nil
	}
	st.SelfID = generate()
	return st.SelfID, s.save(st)
}

func (s *FileStore) SaveSelfID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	st.SelfID = id
	return s.save(st)
}

// Members returns the membership saved for room. Membership of any other
// room is not returned.
func (s *FileStore) Members(room string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return nil, err
	}
	if st.RoomID != room {
		return nil, nil
	}
	return st.Members, nil
}

func (s *FileStore) SaveMembers(room string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	st.RoomID = room
	st.Members = append([]string(nil), ids...)
	return s.save(st)
}

func (s *FileStore) load() (state, error) {
	var st state
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("store: read %s: %w", s.path, err)
	}
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("store: decode %s: %w", s.path, err)
	}
	return st, nil
}

// save writes through a temp file so a crash never leaves a torn state file.
func (s *FileStore) save(st state) error {
	st.SavedAt = time.Now().UTC()
	data, err := msgpack.Marshal(&st)
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: write: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}
