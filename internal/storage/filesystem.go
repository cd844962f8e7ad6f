package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrObjectExists is returned when a key has already been written.
var ErrObjectExists = errors.New("storage: object already exists")

// FileStore persists job artifacts onto the local filesystem. Objects are
// write-once and referenced by URL under baseURL.
type FileStore struct {
	basePath string
	baseURL  string
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath, baseURL string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath, baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// Write persists data at key and returns the canonical key. The object
// appears atomically, so concurrent readers never observe a partial file.
func (s *FileStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	dst := s.path(cleanKey)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("storage: stage object: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("storage: write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("storage: write object: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("storage: write object: %w", err)
	}
	// Link fails when dst exists, which keeps objects write-once.
	if err := os.Link(tmp.Name(), dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrObjectExists, cleanKey)
		}
		return "", fmt.Errorf("storage: publish object: %w", err)
	}
	return cleanKey, nil
}

// Put writes data and returns the public URL of the object.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	cleanKey, err := s.Write(ctx, key, data)
	if err != nil {
		return "", err
	}
	return s.URL(cleanKey), nil
}

// Read returns the bytes stored at key.
func (s *FileStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(s.path(cleanKey))
}

// URL resolves a key to the address it is served from.
func (s *FileStore) URL(key string) string {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return ""
	}
	if s.baseURL == "" {
		return "/" + cleanKey
	}
	return s.baseURL + "/" + cleanKey
}

// DeletePrefix removes every object under prefix. Missing prefixes are not an error.
func (s *FileStore) DeletePrefix(ctx context.Context, prefix string) error {
	if s == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cleanKey, err := sanitizeKey(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(s.path(cleanKey)); err != nil {
		return fmt.Errorf("storage: delete prefix: %w", err)
	}
	return nil
}

// List returns the keys stored under prefix in lexical order.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanKey, err := sanitizeKey(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = filepath.WalkDir(s.path(cleanKey), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".partial-") {
			return nil
		}
		rel, err := filepath.Rel(s.basePath, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return keys, nil
}

func (s *FileStore) path(cleanKey string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
