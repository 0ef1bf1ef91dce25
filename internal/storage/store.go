package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Namespaces used by the backend.
const (
	NamespaceModels  = "models"
	NamespaceUploads = "uploads"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidPath = errors.New("invalid path")
	ErrTooLarge    = errors.New("file too large")
)

type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) namespaceDir(namespace string) string {
	return filepath.Join(s.baseDir, namespace)
}

func (s *Store) filePath(namespace, path string) (string, error) {
	if path == "" || strings.Contains(path, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	nsDir := s.namespaceDir(namespace)
	fullPath := filepath.Join(nsDir, filepath.FromSlash(path))

	if !strings.HasPrefix(fullPath, nsDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrInvalidPath, path, namespace)
	}
	return fullPath, nil
}

func (s *Store) Put(namespace, path string, content []byte) error {
	fullPath, err := s.filePath(namespace, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	return os.WriteFile(fullPath, content, 0644)
}

// PutStream copies r into the store, reading at most limit bytes when
// limit is positive. A body over the limit is removed and reported.
func (s *Store) PutStream(namespace, path string, r io.Reader, limit int64) (int64, error) {
	fullPath, err := s.filePath(namespace, path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return 0, fmt.Errorf("create dir: %w", err)
	}

	f, err := os.Create(fullPath)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = fmt.Errorf("%s exceeds %d bytes: %w", path, limit, ErrTooLarge)
	}
	if err != nil {
		os.Remove(fullPath)
		return 0, fmt.Errorf("write file: %w", err)
	}
	return n, nil
}

func (s *Store) Get(namespace, path string) ([]byte, error) {
	fullPath, err := s.filePath(namespace, path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

// Open returns the file for streaming; the caller closes it.
func (s *Store) Open(namespace, path string) (*os.File, error) {
	fullPath, err := s.filePath(namespace, path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Path resolves a stored file to its location on disk.
func (s *Store) Path(namespace, path string) (string, error) {
	return s.filePath(namespace, path)
}

func (s *Store) Delete(namespace, path string) error {
	fullPath, err := s.filePath(namespace, path)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// DeleteAll removes a directory of files, such as the inputs of a job.
func (s *Store) DeleteAll(namespace, dir string) error {
	fullPath, err := s.filePath(namespace, dir)
	if err != nil {
		return err
	}
	return os.RemoveAll(fullPath)
}

// List returns slash separated paths under namespace starting with prefix.
func (s *Store) List(namespace, prefix string) ([]string, error) {
	nsDir := s.namespaceDir(namespace)

	var files []string
	err := filepath.Walk(nsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == nsDir {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(nsDir, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if prefix == "" || strings.HasPrefix(relPath, prefix) {
			files = append(files, relPath)
		}
		return nil
	})
	return files, err
}

func (s *Store) Exists(namespace, path string) bool {
	fullPath, err := s.filePath(namespace, path)
	if err != nil {
		return false
	}
	_, err = os.Stat(fullPath)
	return err == nil
}
