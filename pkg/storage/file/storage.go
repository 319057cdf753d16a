// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-mpckit.
//
// go-mpckit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package file keeps device records on the local filesystem, one file
// per key below a root directory. All access goes through an os.Root so
// no key can reach outside it, and writes land through a temporary file
// and a rename so a record is never read half written.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-mpckit/pkg/storage"
)

const (
	dirPerm  fs.FileMode = 0o700
	filePerm fs.FileMode = 0o600

	tmpPrefix = ".tmp-"
)

// Backend is a storage.Backend rooted at one directory.
type Backend struct {
	mu   sync.RWMutex
	root *os.Root
	dir  string
}

// New creates dir when missing and opens it as the storage root.
func New(dir string) (*Backend, error) {
	if dir == "" {
		return nil, errors.New("file storage: root directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("file storage: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("file storage: create %s: %w", abs, err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("file storage: open %s: %w", abs, err)
	}
	return &Backend{root: root, dir: abs}, nil
}

// Dir returns the absolute root directory.
func (b *Backend) Dir() string { return b.dir }

// name validates key and returns its root relative path.
func name(key string) (string, error) {
	switch {
	case key == "":
		return "", fmt.Errorf("%w: empty key", storage.ErrInvalidID)
	case strings.ContainsRune(key, 0):
		return "", fmt.Errorf("%w: null byte in key", storage.ErrInvalidID)
	case strings.HasPrefix(key, "/") || filepath.IsAbs(key):
		return "", fmt.Errorf("%w: absolute key %q", storage.ErrInvalidID, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: key %q leaves the root", storage.ErrInvalidID, key)
		}
	}
	return filepath.FromSlash(key), nil
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return storage.ErrNotFound
	}
	return err
}

func (b *Backend) Get(key string) ([]byte, error) {
	n, err := name(key)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.root == nil {
		return nil, storage.ErrClosed
	}
	data, err := b.root.ReadFile(n)
	if err != nil {
		return nil, notFound(err)
	}
	return data, nil
}

// Put replaces the record at key. opts.Permissions overrides the 0600
// file mode.
func (b *Backend) Put(key string, value []byte, opts *storage.Options) error {
	n, err := name(key)
	if err != nil {
		return err
	}
	perm := filePerm
	if opts != nil && opts.Permissions != 0 {
		perm = opts.Permissions
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.root == nil {
		return storage.ErrClosed
	}
	dir := filepath.Dir(n)
	if err := b.root.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("file storage: put %q: %w", key, err)
	}
	tmp := filepath.Join(dir, tmpPrefix+uuid.NewString())
	if err := b.root.WriteFile(tmp, value, perm); err != nil {
		_ = b.root.Remove(tmp)
		return fmt.Errorf("file storage: put %q: %w", key, err)
	}
	if err := b.root.Chmod(tmp, perm); err != nil {
		_ = b.root.Remove(tmp)
		return fmt.Errorf("file storage: put %q: %w", key, err)
	}
	if err := b.root.Rename(tmp, n); err != nil {
		_ = b.root.Remove(tmp)
		return fmt.Errorf("file storage: put %q: %w", key, err)
	}
	return nil
}

func (b *Backend) Delete(key string) error {
	n, err := name(key)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.root == nil {
		return storage.ErrClosed
	}
	return notFound(b.root.Remove(n))
}

// List returns the keys under prefix in lexical order. Temporary files
// of interrupted writes are skipped.
func (b *Backend) List(prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.root == nil {
		return nil, storage.ErrClosed
	}
	var keys []string
	err := fs.WalkDir(b.root.FS(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(path.Base(p), tmpPrefix) {
			return nil
		}
		if strings.HasPrefix(p, prefix) {
			keys = append(keys, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("file storage: list: %w", err)
	}
	return keys, nil
}

func (b *Backend) Exists(key string) (bool, error) {
	n, err := name(key)
	if err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.root == nil {
		return false, storage.ErrClosed
	}
	_, err = b.root.Stat(n)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, err
}

// Close releases the root directory handle.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.root == nil {
		return nil
	}
	err := b.root.Close()
	b.root = nil
	return err
}
