package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidName = errors.New("invalid file name")
	ErrNotFound    = errors.New("file not found")
)

// Store manages uploaded sources and generated outputs on local disk.
type Store struct {
	UploadsDir string
	OutputsDir string
}

// NewStore creates filesystem adapter with configured roots.
func NewStore(uploadsDir, outputsDir string) *Store {
	return &Store{UploadsDir: uploadsDir, OutputsDir: outputsDir}
}

// EnsureDirs creates filesystem roots used by the service.
func (s *Store) EnsureDirs() error {
	for _, dir := range s.Dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Dirs returns the managed storage areas.
func (s *Store) Dirs() []string {
	return []string{s.UploadsDir, s.OutputsDir}
}

// Exists reports whether an uploaded source file is present.
func (s *Store) Exists(name string) bool {
	full, err := s.Resolve(name)
	if err != nil {
		return false
	}
	return isRegularFile(full)
}

// Resolve maps a source name to its absolute path inside the uploads root.
func (s *Store) Resolve(name string) (string, error) {
	return resolveWithin(s.UploadsDir, name)
}

// OutputPath maps an output name to its absolute path inside the outputs root.
func (s *Store) OutputPath(name string) (string, error) {
	return resolveWithin(s.OutputsDir, name)
}

// OutputExists reports whether a generated artifact is present.
func (s *Store) OutputExists(name string) bool {
	full, err := s.OutputPath(name)
	if err != nil {
		return false
	}
	return isRegularFile(full)
}

// SaveUpload writes an uploaded source file and returns its normalized name.
func (s *Store) SaveUpload(name string, r io.Reader) (string, int64, error) {
	normalized, err := NormalizeName(name)
	if err != nil {
		return "", 0, err
	}
	full, err := s.Resolve(normalized)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", 0, err
	}

	tmpPath := full + ".part"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, err
	}
	written, err := io.Copy(dst, r)
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("write upload: %w", err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, err
	}
	return normalized, written, nil
}

// NormalizeName validates and cleans an incoming relative file name.
func NormalizeName(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", ErrInvalidName
	}

	value = strings.ReplaceAll(value, "\\", "/")
	cleaned := strings.TrimPrefix(path.Clean("/"+value), "/")
	if cleaned == "" || cleaned == "." {
		return "", ErrInvalidName
	}
	return cleaned, nil
}

func resolveWithin(root, name string) (string, error) {
	normalized, err := NormalizeName(name)
	if err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(normalized))
	if !isWithinDir(root, full) {
		return "", ErrInvalidName
	}
	return full, nil
}

func isRegularFile(full string) bool {
	info, err := os.Stat(full)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

func isWithinDir(basePath, targetPath string) bool {
	baseAbs, err := filepath.Abs(basePath)
	if err != nil {
		return false
	}
	targetAbs, err := filepath.Abs(targetPath)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(baseAbs, targetAbs)
	if err != nil {
		return false
	}
	sep := string(os.PathSeparator)
	if rel == ".." || strings.HasPrefix(rel, ".."+sep) {
		return false
	}
	return true
}
