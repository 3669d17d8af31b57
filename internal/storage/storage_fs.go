package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

type fsStore struct {
	basePath   string
	bucketName string
}

var _ ObjectStore = (*fsStore)(nil)

// NewFSStorage stores objects as files under basePath/bucketName.
func NewFSStorage(basePath, bucketName string) (ObjectStore, error) {
	root := filepath.Join(basePath, bucketName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &fsStore{basePath: root, bucketName: bucketName}, nil
}

func (fs *fsStore) abs(key string) (string, error) {
	return securejoin.SecureJoin(fs.basePath, key)
}

func (fs *fsStore) Bucket() string {
	return fs.bucketName
}

func (fs *fsStore) URL(key string) string {
	path, err := fs.abs(key)
	if err != nil {
		path = filepath.Join(fs.basePath, filepath.Base(key))
	}
	return "file://" + path
}

func (fs *fsStore) Upload(_ context.Context, key, localPath string) error {
	dst, err := fs.create(key)
	if err != nil {
		return err
	}
	defer dst.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", localPath, err)
	}
	defer src.Close()

	_, err = io.Copy(dst, src)
	return err
}

func (fs *fsStore) Put(_ context.Context, key string, data []byte) error {
	dst, err := fs.create(key)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = dst.Write(data)
	return err
}

func (fs *fsStore) Exists(_ context.Context, key string) (bool, error) {
	path, err := fs.abs(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func (fs *fsStore) Remove(_ context.Context, key string) error {
	path, err := fs.abs(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (fs *fsStore) Read(_ context.Context, key string) ([]byte, error) {
	path, err := fs.abs(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrObjectNotExist
	}
	return data, err
}

func (fs *fsStore) create(key string) (*os.File, error) {
	path, err := fs.abs(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}
