package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalDir keeps media on the local filesystem, keyed by slash-separated paths
// relative to Root.
type LocalDir struct {
	Root string
}

func NewLocalDir(root string) (*LocalDir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("upload directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalDir{Root: root}, nil
}

func (d *LocalDir) Put(ctx context.Context, objectKey string, r io.Reader, _ int64, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := d.path(objectKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write object %s: %w", objectKey, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close object %s: %w", objectKey, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit object %s: %w", objectKey, err)
	}
	return nil
}

func (d *LocalDir) Read(ctx context.Context, objectKey string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := d.path(objectKey)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, objectKey)
		}
		return nil, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	return data, nil
}

func (d *LocalDir) Exists(_ context.Context, objectKey string) (bool, error) {
	path, err := d.path(objectKey)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
	return true, nil
}

// Remove deletes objectKey. Removing a missing object is not an error.
func (d *LocalDir) Remove(ctx context.Context, objectKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := d.path(objectKey)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove object %s: %w", objectKey, err)
	}
	return nil
}

func (d *LocalDir) path(objectKey string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(objectKey)) {
		return "", fmt.Errorf("object key escapes upload dir: %s", objectKey)
	}
	return filepath.Join(d.Root, filepath.FromSlash(objectKey)), nil
}
