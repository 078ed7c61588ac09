package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FileDir implements KV as one file per key inside a directory. Writes go
// through a temp file and a rename so a torn write never replaces the
// previous value.
type FileDir struct {
	dir string
	mu  sync.Mutex
}

func NewFileDir(dir string) (*FileDir, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create store directory %q", dir)
	}
	return &FileDir{dir: dir}, nil
}

func (f *FileDir) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", errors.Errorf("invalid key %q", key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

func (f *FileDir) Get(_ context.Context, key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return b, err
}

func (f *FileDir) Set(_ context.Context, key string, value []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, key+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}

	return errors.Wrap(os.Rename(tmp.Name(), p), "replace value file")
}

func (f *FileDir) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileDir) Close() error { return nil }
