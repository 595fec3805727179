package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File stores one JSON document per key under a directory.
type File struct {
	dir       string
	namespace string
	mu        sync.Mutex
}

var _ Port = (*File)(nil)

// NewFile prepares dir and returns a file backend rooted there.
func NewFile(dir, namespace string) (*File, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("storage.path is required for the file backend")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap("mkdir", dir, err)
	}
	return &File{dir: dir, namespace: namespace}, nil
}

func (f *File) path(c Collection) string {
	name := strings.ReplaceAll(Key(f.namespace, c), ":", "__")
	return filepath.Join(f.dir, name+".json")
}

func (f *File) Load(_ context.Context, c Collection) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(f.path(c))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("load", Key(f.namespace, c), err)
	}
	return raw, nil
}

func (f *File) Save(_ context.Context, c Collection, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return wrap("save", Key(f.namespace, c), writeFileAtomic(f.path(c), data, 0o644))
}

func (f *File) Clear(_ context.Context, cs ...Collection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, c := range clearTargets(cs) {
		if err := os.Remove(f.path(c)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, wrap("clear", Key(f.namespace, c), err))
		}
	}
	return errors.Join(errs...)
}

func (f *File) Close() error { return nil }

// writeFileAtomic replaces path via a temp file in the same directory.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
