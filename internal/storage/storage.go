// Package storage holds job archives and batch results.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Cloud-V/Backend-sub002/internal/config"
)

// ErrObjectNotExist is returned when a key has no object.
var ErrObjectNotExist = errors.New("object does not exist")

// ProviderName selects an ObjectStore implementation.
type ProviderName string

const (
	AWSStorageProvider   ProviderName = "s3"
	LocalStorageProvider ProviderName = "local"
)

// ObjectStore is the object storage used for job archives and results.
type ObjectStore interface {
	// Upload stores the file at localPath under key.
	Upload(ctx context.Context, key, localPath string) error
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
	Read(ctx context.Context, key string) ([]byte, error)
	Bucket() string
	// URL is the locator handed to batch jobs.
	URL(key string) string
}

// New builds the ObjectStore named by the configuration.
func New(ctx context.Context, cfg *config.Config) (ObjectStore, error) {
	switch ProviderName(cfg.StorageProvider) {
	case AWSStorageProvider:
		return NewAWSStorage(ctx, cfg.AWSRegion, cfg.StorageBucket)
	case LocalStorageProvider:
		return NewFSStorage(cfg.StorageLocalPath, cfg.StorageBucket)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.StorageProvider)
	}
}

func ignoreNotExists(err error) error {
	if errors.Is(err, ErrObjectNotExist) {
		return nil
	}
	return err
}
