package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/atinyakov/shinara-go/internal/codec"
)

// DefaultFile is the file name used when a FileKV is opened on a directory.
const DefaultFile = "shinara.json"

// fileDocument is the on-disk layout of a FileKV.
type fileDocument struct {
	Values map[string]string   `json:"values"`
	Sets   map[string][]string `json:"sets"`
}

// FileKV stores all state in a single JSON document. Every commit rewrites
// the file through a temporary file and a rename, so a crash leaves either
// the old or the new document on disk.
type FileKV struct {
	path   string
	mu     sync.RWMutex
	values map[string]string
	sets   map[string]map[string]struct{}
	closed bool
}

// OpenFileKV loads the document at path, or starts empty when it does not exist.
// If path is a directory, DefaultFile inside it is used.
func OpenFileKV(path string) (*FileKV, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, DefaultFile)
	}

	f := &FileKV{
		path:   path,
		values: make(map[string]string),
		sets:   make(map[string]map[string]struct{}),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the file backing the store.
func (f *FileKV) Path() string { return f.path }

func (f *FileKV) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var doc fileDocument
	if err := codec.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", f.path, err)
	}
	for k, v := range doc.Values {
		f.values[k] = v
	}
	for k, members := range doc.Sets {
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		f.sets[k] = set
	}
	return nil
}

func (f *FileKV) save(values map[string]string, sets map[string]map[string]struct{}) error {
	doc := fileDocument{
		Values: values,
		Sets:   make(map[string][]string, len(sets)),
	}
	for k, set := range sets {
		members := make([]string, 0, len(set))
		for m := range set {
			members = append(members, m)
		}
		sort.Strings(members)
		doc.Sets[k] = members
	}

	data, err := codec.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".shinara-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

// Get implements KV.
func (f *FileKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return "", false, ErrClosed
	}
	v, ok := f.values[key]
	return v, ok, nil
}

// IsMember implements KV.
func (f *FileKV) IsMember(_ context.Context, key, member string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false, ErrClosed
	}
	_, ok := f.sets[key][member]
	return ok, nil
}

// Members implements KV.
func (f *FileKV) Members(_ context.Context, key string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

// Apply implements KV. The in-memory view only changes once the file is written.
func (f *FileKV) Apply(_ context.Context, ops ...Op) error {
	if err := validate(ops); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	values := make(map[string]string, len(f.values)+len(ops))
	for k, v := range f.values {
		values[k] = v
	}
	sets := make(map[string]map[string]struct{}, len(f.sets))
	for k, set := range f.sets {
		cp := make(map[string]struct{}, len(set))
		for m := range set {
			cp[m] = struct{}{}
		}
		sets[k] = cp
	}
	applyOps(values, sets, ops)

	if err := f.save(values, sets); err != nil {
		return err
	}
	f.values = values
	f.sets = sets
	return nil
}

// Close implements KV.
func (f *FileKV) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
