package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
)

const entryExt = ".bin"

// Store implements GenericCache for a single named cache store.
// Entries are files named after the hash of their key; the key itself is
// the first line of the file so the store can be enumerated.
type Store struct {
	fs   billy.Filesystem
	name string
	dir  string
}

// Name returns the store name
func (s *Store) Name() string {
	return s.name
}

func (s *Store) entryPath(key string) string {
	return path.Join(s.dir, fmt.Sprintf("%016x%s", xxhash.Sum64String(key), entryExt))
}

// Get retrieves the value stored under key
func (s *Store) Get(key string) ([]byte, error) {
	data, err := util.ReadFile(s.fs, s.entryPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	storedKey, value, ok := bytes.Cut(data, []byte("\n"))
	if !ok || string(storedKey) != key {
		// hash collision or foreign file
		logrus.Debugf("Cache entry %s does not belong to key %s", s.entryPath(key), key)
		return nil, nil
	}

	return value, nil
}

// Set stores value under key. The write goes to a temporary file that is
// renamed into place, so readers see either the old or the new entry.
func (s *Store) Set(key string, value []byte) error {
	if strings.Contains(key, "\n") {
		return fmt.Errorf("cache key must be a single line: %q", key)
	}

	target := s.entryPath(key)
	tmp, err := s.fs.TempFile(s.dir, strings.TrimSuffix(path.Base(target), entryExt)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache entry: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.WriteString(tmp, key+"\n"); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to close cache entry: %w", err)
	}

	if err := s.fs.Rename(tmpPath, target); err != nil {
		// some filesystems refuse to rename over an existing file
		if rmErr := s.fs.Remove(target); rmErr != nil && !os.IsNotExist(rmErr) {
			_ = s.fs.Remove(tmpPath)
			return fmt.Errorf("failed to replace cache entry: %w", err)
		}
		if err := s.fs.Rename(tmpPath, target); err != nil {
			_ = s.fs.Remove(tmpPath)
			return fmt.Errorf("failed to rename cache entry: %w", err)
		}
	}

	logrus.Debugf("Cached entry %s in %s", key, s.name)
	return nil
}

// Delete removes the entry stored under key
func (s *Store) Delete(key string) error {
	if err := s.fs.Remove(s.entryPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Keys lists every key in the store, sorted
func (s *Store) Keys() ([]string, error) {
	infos, err := s.fs.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list cache store %s: %w", s.name, err)
	}

	var keys []string
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), entryExt) {
			continue
		}
		key, err := s.readKey(path.Join(s.dir, info.Name()))
		if err != nil {
			// the entry may have been replaced or removed concurrently
			logrus.Debugf("Skipping cache entry %s: %v", info.Name(), err)
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) readKey(filename string) (string, error) {
	f, err := s.fs.Open(filename)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read entry key: %w", err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}
