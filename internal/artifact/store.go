// Package artifact keeps converted audio files on local disk, one file per
// job id inside a single root directory.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"mp3relay/internal/jobid"
)

// DefaultExt is the extension of every artifact.
const DefaultExt = ".mp3"

// ErrNotFound is returned when no artifact exists for a job id.
var ErrNotFound = errors.New("artifact not found")

// Store maps job ids to files under Root. It never lists the directory:
// each call works on exactly one canonical path.
type Store struct {
	root string
	ext  string
}

// NewStore returns a Store rooted at root. The directory is not created
// until Ensure is called.
func NewStore(root string) *Store {
	return &Store{root: filepath.Clean(root), ext: DefaultExt}
}

func (s *Store) Root() string { return s.root }

// Ensure creates the root directory if it does not exist.
func (s *Store) Ensure() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create artifact root: %w", err)
	}
	return nil
}

// PathFor returns the artifact path for id. It does no I/O.
func (s *Store) PathFor(id string) (string, error) {
	if err := jobid.Validate(id); err != nil {
		return "", err
	}
	return filepath.Join(s.root, id+s.ext), nil
}

// Exists reports whether a regular file is present for id.
func (s *Store) Exists(id string) bool {
	_, err := s.stat(id)
	return err == nil
}

// Size returns the artifact's length in bytes.
func (s *Store) Size(id string) (int64, error) {
	info, err := s.stat(id)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Open opens the artifact for reading and returns its size as seen by the
// open descriptor, so a concurrent Delete cannot change what the caller
// streams.
func (s *Store) Open(id string) (*os.File, int64, error) {
	if _, err := s.stat(id); err != nil {
		return nil, 0, err
	}
	path, _ := s.PathFor(id)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat artifact: %w", err)
	}
	return f, info.Size(), nil
}

// Delete removes the artifact. A missing file is not an error.
func (s *Store) Delete(id string) error {
	path, err := s.PathFor(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// stat uses Lstat so a symlink planted in the root is never followed.
func (s *Store) stat(id string) (fs.FileInfo, error) {
	path, err := s.PathFor(id)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}
	return info, nil
}
