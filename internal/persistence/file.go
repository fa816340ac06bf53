package persistence

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore is the flat-file RecordStore backend: one JSON file per record,
// one JSONL file per log, rooted at the data directory. Writes are atomic
// (temp file + rename) so a crash mid-write never leaves a half-written
// record observable.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileStore opens a file-backed record store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (f *FileStore) recordPath(collection, key string) string {
	return filepath.Join(f.root, filepath.FromSlash(collection), key+".json")
}

func (f *FileStore) logPath(collection, key string) string {
	return filepath.Join(f.root, filepath.FromSlash(collection), key+".jsonl")
}

func (f *FileStore) Get(_ context.Context, collection, key string) ([]byte, error) {
	if err := validatePath(collection, key); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.recordPath(collection, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	return data, nil
}

func (f *FileStore) Create(_ context.Context, collection, key string, value []byte) error {
	if err := validatePath(collection, key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.recordPath(collection, key)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s/%s: %w", collection, key, ErrAlreadyExists)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat record: %w", err)
	}
	return f.writeAtomic(path, value)
}

func (f *FileStore) Put(_ context.Context, collection, key string, value []byte) error {
	if err := validatePath(collection, key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeAtomic(f.recordPath(collection, key), value)
}

// writeAtomic writes value to path via a temp file and rename. Callers hold
// the write lock.
func (f *FileStore) writeAtomic(path string, value []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp record: %w", err)
	}
	return nil
}

func (f *FileStore) Delete(_ context.Context, collection, key string) error {
	if err := validatePath(collection, key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.recordPath(collection, key))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
		}
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (f *FileStore) ListKeys(_ context.Context, collection string) ([]string, error) {
	if err := validatePath(collection); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(f.root, filepath.FromSlash(collection)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list collection: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileStore) ListCollections(_ context.Context, prefix string) ([]string, error) {
	if err := validatePath(prefix); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(f.root, filepath.FromSlash(prefix)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list collections: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *FileStore) DeleteTree(_ context.Context, prefix string) error {
	if err := validatePath(prefix); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(f.root, filepath.FromSlash(prefix))); err != nil {
		return fmt.Errorf("delete tree: %w", err)
	}
	return nil
}

func (f *FileStore) Append(_ context.Context, collection, key string, value []byte) error {
	if err := validatePath(collection, key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.logPath(collection, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer file.Close()

	line := append(append([]byte(nil), value...), '\n')
	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (f *FileStore) ReadLog(_ context.Context, collection, key string) ([][]byte, error) {
	if err := validatePath(collection, key); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	file, err := os.Open(f.logPath(collection, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer file.Close()

	var entries [][]byte
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entries = append(entries, []byte(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log: %w", err)
	}
	return entries, nil
}

func (f *FileStore) Close() error {
	return nil
}
