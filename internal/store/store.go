// Package store persists scheduled posts in a single JSON file.
//
// Load and Save are whole-file operations. Every read-modify-write must go
// through Update, which serializes them on the store's mutex.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/socialhub/internal/models"
)

// SchemaVersion is the file format version written by Save.
const SchemaVersion = 1

// ErrNotFound is returned when a post id is not present in the store.
var ErrNotFound = errors.New("store: post not found")

// file is the on-disk envelope.
type file struct {
	Version int                    `json:"version"`
	Posts   []models.ScheduledPost `json:"posts"`
}

// Store is a JSON flat-file store of ScheduledPost records.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a Store backed by path. The file is created on first save.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	return &Store{path: path}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns every stored post in insertion order. A missing, unreadable
// or unsupported file yields an empty slice; the problem is logged.
func (s *Store) Load() []models.ScheduledPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	posts, _ := s.load()
	return posts
}

// load reads the file. The returned bool is false when the file exists but
// could not be understood, in which case callers must not overwrite it.
func (s *Store) load() ([]models.ScheduledPost, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logrus.WithField("path", s.path).Warnf("store: read: %v", err)
		}
		return []models.ScheduledPost{}, true
	}
	posts, err := decode(data)
	if err != nil {
		logrus.WithField("path", s.path).Errorf("store: decode: %v", err)
		return []models.ScheduledPost{}, false
	}
	return posts, true
}

// decode accepts the versioned envelope and the legacy bare array.
func decode(data []byte) ([]models.ScheduledPost, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return []models.ScheduledPost{}, nil
	}
	if data[0] == '[' {
		var posts []models.ScheduledPost
		if err := json.Unmarshal(data, &posts); err != nil {
			return nil, fmt.Errorf("legacy array: %w", err)
		}
		return nonNil(posts), nil
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Version > SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d (max %d)", f.Version, SchemaVersion)
	}
	return nonNil(f.Posts), nil
}

func nonNil(posts []models.ScheduledPost) []models.ScheduledPost {
	if posts == nil {
		return []models.ScheduledPost{}
	}
	return posts
}

// Save replaces the file contents with posts. The write goes to a temporary
// file in the same directory which is then renamed over the target.
func (s *Store) Save(posts []models.ScheduledPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(posts)
}

func (s *Store) save(posts []models.ScheduledPost) error {
	data, err := json.MarshalIndent(file{Version: SchemaVersion, Posts: nonNil(posts)}, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("store: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}

// Update runs fn against the current posts and saves the slice it returns.
// The whole load-modify-save sequence holds the store lock. If fn returns an
// error nothing is written and the error is returned unchanged.
func (s *Store) Update(fn func(posts []models.ScheduledPost) ([]models.ScheduledPost, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	posts, ok := s.load()
	if !ok {
		return fmt.Errorf("store: refusing to overwrite unreadable file %s", s.path)
	}
	updated, err := fn(posts)
	if err != nil {
		return err
	}
	return s.save(updated)
}

// Get returns the post with the given id.
func (s *Store) Get(id string) (models.ScheduledPost, error) {
	for _, p := range s.Load() {
		if p.ID == id {
			return p, nil
		}
	}
	return models.ScheduledPost{}, ErrNotFound
}

// Append adds a new post. Ids must be unique.
func (s *Store) Append(post models.ScheduledPost) error {
	return s.Update(func(posts []models.ScheduledPost) ([]models.ScheduledPost, error) {
		for _, p := range posts {
			if p.ID == post.ID {
				return nil, fmt.Errorf("store: duplicate id %s", post.ID)
			}
		}
		return append(posts, post), nil
	})
}

// Remove deletes the post with the given id and returns it.
func (s *Store) Remove(id string) (models.ScheduledPost, error) {
	var removed models.ScheduledPost
	err := s.Update(func(posts []models.ScheduledPost) ([]models.ScheduledPost, error) {
		for i, p := range posts {
			if p.ID == id {
				removed = p
				return append(posts[:i], posts[i+1:]...), nil
			}
		}
		return nil, ErrNotFound
	})
	return removed, err
}

// Modify applies fn to the post with the given id and saves the result.
func (s *Store) Modify(id string, fn func(p *models.ScheduledPost) error) (models.ScheduledPost, error) {
	var out models.ScheduledPost
	err := s.Update(func(posts []models.ScheduledPost) ([]models.ScheduledPost, error) {
		for i := range posts {
			if posts[i].ID != id {
				continue
			}
			if err := fn(&posts[i]); err != nil {
				return nil, err
			}
			out = posts[i]
			return posts, nil
		}
		return nil, ErrNotFound
	})
	return out, err
}

// SetStatus sets the status of one post.
func (s *Store) SetStatus(id string, status models.Status) error {
	_, err := s.Modify(id, func(p *models.ScheduledPost) error {
		p.Status = status
		return nil
	})
	return err
}

// RecordOutcome attaches a dispatch outcome to the matching post.
func (s *Store) RecordOutcome(id string, outcome models.Outcome) error {
	_, err := s.Modify(id, func(p *models.ScheduledPost) error {
		p.ApplyOutcome(outcome)
		return nil
	})
	return err
}
