// Package artifact reads and writes program ELFs in the local artifact directory.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const Extension = ".so"

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrInvalidName      = errors.New("invalid artifact name")
)

type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns where the artifact named name lives, whether or not it exists.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+Extension)
}

func (s *Store) Read(name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, s.Path(name))
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return data, nil
}

// Write stores data under name, replacing any previous artifact of that name. The replacement is
// atomic: readers see either the old or the new bytes.
func (s *Store) Write(name string, data []byte) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	path := s.Path(name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return path, nil
}

// Import moves a file produced elsewhere (e.g. a build output) into the store under name.
func (s *Store) Import(name string, src string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrArtifactNotFound, src)
		}
		return "", fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	path := s.Path(name)
	if err := os.Rename(src, path); err == nil {
		return path, nil
	}
	// Rename fails across filesystems; fall back to copying.
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", src, err)
	}
	if _, err := s.Write(name, data); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", fmt.Errorf("failed to remove %s: %w", src, err)
	}
	return path, nil
}

func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.Path(name))
	return err == nil && info.Mode().IsRegular()
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
