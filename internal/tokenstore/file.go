package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

const (
	tokenFilePerm = 0o600
	tokenDirPerm  = 0o700
)

// File stores tokens as a JSON object on disk. Every access takes an
// advisory lock on a sibling ".lock" file so separate processes sharing the
// data directory never interleave a read-modify-write. The flock is
// re-entrant per instance, so mu serializes goroutines of this process.
type File struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

// NewFile returns a store backed by the JSON file at path, creating the
// parent directory if needed.
func NewFile(path string) (*File, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), tokenDirPerm); err != nil {
		return nil, fmt.Errorf("create token directory: %w", err)
	}
	return &File{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Path returns the location of the backing file.
func (f *File) Path() string {
	return f.path
}

func (f *File) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.RLock(); err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("Failed to lock token file for read")
		return "", false
	}
	defer f.unlock()

	values, err := f.readLocked()
	if err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("Failed to read token file")
		return "", false
	}
	value, ok := values[key]
	return value, ok
}

func (f *File) Set(key, value string) error {
	return f.update(func(values map[string]string) bool {
		if current, ok := values[key]; ok && current == value {
			return false
		}
		values[key] = value
		return true
	})
}

func (f *File) Remove(key string) error {
	return f.update(func(values map[string]string) bool {
		if _, ok := values[key]; !ok {
			return false
		}
		delete(values, key)
		return true
	})
}

func (f *File) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.RLock(); err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("Failed to lock token file for read")
		return nil
	}
	defer f.unlock()

	values, err := f.readLocked()
	if err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("Failed to read token file")
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (f *File) update(mutate func(map[string]string) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("lock token file: %w", err)
	}
	defer f.unlock()

	values, err := f.readLocked()
	if err != nil {
		return err
	}
	if !mutate(values) {
		return nil
	}
	return f.writeLocked(values)
}

func (f *File) unlock() {
	if err := f.lock.Unlock(); err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("Failed to unlock token file")
	}
}

func (f *File) readLocked() (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return values, nil
}

func (f *File) writeLocked(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(tokenFilePerm); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("secure temp token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
