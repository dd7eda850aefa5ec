package cache

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
)

// ErrInvalidStoreName is returned for names outside the namespace or containing separators
var ErrInvalidStoreName = errors.New("invalid cache store name")

// Storage owns every cache store of one namespace on a filesystem.
// Each store is a top-level directory whose name starts with the namespace prefix.
type Storage struct {
	fs        billy.Filesystem
	namespace string
}

// NewStorage creates a storage for the stores prefixed with namespace
func NewStorage(fs billy.Filesystem, namespace string) *Storage {
	return &Storage{
		fs:        fs,
		namespace: namespace,
	}
}

// NewDisk creates a storage rooted at folder on the local disk
func NewDisk(folder, namespace string) (*Storage, error) {
	if err := os.MkdirAll(folder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return NewStorage(osfs.New(folder), namespace), nil
}

// NewMemory creates a storage kept in memory
func NewMemory(namespace string) *Storage {
	return NewStorage(memfs.New(), namespace)
}

// Namespace returns the prefix shared by every store of this storage
func (s *Storage) Namespace() string {
	return s.namespace
}

func (s *Storage) validate(name string) error {
	if !strings.HasPrefix(name, s.namespace) || name == "" {
		return fmt.Errorf("%w: %q is outside namespace %q", ErrInvalidStoreName, name, s.namespace)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return nil
}

func (s *Storage) dir(name string) string {
	return path.Join("/", name)
}

// Open returns the named store, creating it when absent
func (s *Storage) Open(name string) (*Store, error) {
	if err := s.validate(name); err != nil {
		return nil, err
	}

	dir := s.dir(name)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache store %s: %w", name, err)
	}

	return &Store{fs: s.fs, name: name, dir: dir}, nil
}

// Has reports whether the named store exists
func (s *Storage) Has(name string) (bool, error) {
	if err := s.validate(name); err != nil {
		return false, err
	}

	info, err := s.fs.Stat(s.dir(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat cache store %s: %w", name, err)
	}
	return info.IsDir(), nil
}

// Names lists the stores of this namespace, sorted
func (s *Storage) Names() ([]string, error) {
	infos, err := s.fs.ReadDir("/")
	if err != nil {
		return nil, fmt.Errorf("failed to list cache stores: %w", err)
	}

	var names []string
	for _, info := range infos {
		if !info.IsDir() || !strings.HasPrefix(info.Name(), s.namespace) {
			continue
		}
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named store and all its entries.
// It reports whether the store existed.
func (s *Storage) Delete(name string) (bool, error) {
	exists, err := s.Has(name)
	if err != nil || !exists {
		return false, err
	}

	if err := util.RemoveAll(s.fs, s.dir(name)); err != nil {
		return false, fmt.Errorf("failed to delete cache store %s: %w", name, err)
	}

	logrus.Debugf("Deleted cache store: %s", name)
	return true, nil
}
