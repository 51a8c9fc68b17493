package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const localScheme = "local://"

// LocalStore keeps objects under a root directory. It backs single-host
// deployments and tests. Locators have the form local://<key>.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

func (l *LocalStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	path, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	// Write then rename so a concurrent reader never sees a partial object.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit object: %w", err)
	}
	return localScheme + key, nil
}

func (l *LocalStore) Get(_ context.Context, uri string) ([]byte, error) {
	key, ok := strings.CutPrefix(uri, localScheme)
	if !ok {
		return nil, fmt.Errorf("unsupported storage uri %q", uri)
	}
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", uri, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return data, nil
}

// Presign returns a file URL. Local objects carry no expiry.
func (l *LocalStore) Presign(_ context.Context, locator string, _ time.Duration) (string, error) {
	key, ok := strings.CutPrefix(locator, localScheme)
	if !ok {
		return "", fmt.Errorf("not a local locator: %q", locator)
	}
	path, err := l.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("presign %s: %w", locator, ErrNotFound)
	}
	return "file://" + filepath.ToSlash(path), nil
}

func (l *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if key == "" || clean == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}
