// Package storage is the object-store collaborator: samples are fetched
// from it and rendered audio is uploaded to it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nikhilbhutani/awaaztwin/internal/config"
)

var ErrNotFound = errors.New("object not found")

// Storage moves whole objects. Locators returned by Put are accepted by Get
// and Presign of the same store.
type Storage interface {
	Get(ctx context.Context, uri string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Presign(ctx context.Context, locator string, ttl time.Duration) (string, error)
}

// OutputKey is where the rendered audio of a synthesis job lives. Retries
// of the same job overwrite the same object.
func OutputKey(jobID string) string {
	return "outputs/" + jobID + ".wav"
}

// New builds the backend named by cfg.Backend.
func New(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "supabase":
		return NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseKey, cfg.Bucket), nil
	case "local", "":
		return NewLocalStore(cfg.LocalDir)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
