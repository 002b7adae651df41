package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	derrors "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/errors"
)

const recordExt = ".json"

// ErrExists is returned by Create when the record is already present.
var ErrExists = errors.New("record already exists")

// Record is one decoded file from a JSONDir.
type Record[T any] struct {
	Key     string
	Value   *T
	ModTime time.Time
	// Err is set when the file could not be decoded; Value is nil then.
	Err error
}

// JSONDir is a repository of one-record-per-file JSON documents. There is
// no locking: callers read, decide, then write, and every write replaces
// the whole file atomically.
type JSONDir[T any] struct {
	Dir      string
	resource string
}

// NewJSONDir returns a repository rooted at dir. resource names the record
// type in MissingResourceErrors ("session lock", "declaration").
func NewJSONDir[T any](dir, resource string) *JSONDir[T] {
	return &JSONDir[T]{Dir: dir, resource: resource}
}

// Path returns the file backing key.
func (d *JSONDir[T]) Path(key string) string {
	return filepath.Join(d.Dir, key+recordExt)
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("invalid record key %q", key)
	}
	return nil
}

// Put writes v under key, replacing any existing record.
func (d *JSONDir[T]) Put(key string, v *T) error {
	if err := validKey(key); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", d.resource, key, err)
	}
	return WriteFileAtomic(d.Path(key), append(data, '\n'), 0o644)
}

// Create writes v under key only if no record exists yet. The record
// appears atomically via a hard link of a fully written temp file.
func (d *JSONDir[T]) Create(key string, v *T) error {
	if err := validKey(key); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", d.resource, key, err)
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := writeTemp(d.Dir, key+recordExt, append(data, '\n'), 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, d.Path(key)); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s %s: %w", d.resource, key, ErrExists)
		}
		return fmt.Errorf("create %s %s: %w", d.resource, key, err)
	}
	return nil
}

// Get reads the record under key.
func (d *JSONDir[T]) Get(key string) (*T, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.Path(key))
	if os.IsNotExist(err) {
		return nil, derrors.Missing(d.resource, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", d.resource, key, err)
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", d.resource, key, err)
	}
	return v, nil
}

// Exists reports whether key has a record.
func (d *JSONDir[T]) Exists(key string) bool {
	_, err := os.Stat(d.Path(key))
	return err == nil
}

// List decodes every record, sorted by key. A missing directory is empty.
func (d *JSONDir[T]) List() ([]Record[T], error) {
	entries, err := os.ReadDir(d.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.Dir, err)
	}
	var out []Record[T]
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		key := strings.TrimSuffix(name, recordExt)
		rec := Record[T]{Key: key}
		if info, err := e.Info(); err == nil {
			rec.ModTime = info.ModTime()
		}
		rec.Value, rec.Err = d.Get(key)
		if errors.As(rec.Err, new(*derrors.MissingResourceError)) {
			// removed between ReadDir and Get
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes the record under key.
func (d *JSONDir[T]) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := os.Remove(d.Path(key)); err != nil {
		if os.IsNotExist(err) {
			return derrors.Missing(d.resource, key)
		}
		return fmt.Errorf("delete %s %s: %w", d.resource, key, err)
	}
	return nil
}

// Archive writes v into archive under archiveKey and then removes key from
// d. The archived copy always exists before the active record disappears.
func (d *JSONDir[T]) Archive(key string, v *T, archive *JSONDir[T], archiveKey string) error {
	if err := archive.Put(archiveKey, v); err != nil {
		return err
	}
	return d.Delete(key)
}

// Touch bumps the record's modification time to now.
func (d *JSONDir[T]) Touch(key string) error {
	now := time.Now()
	if err := os.Chtimes(d.Path(key), now, now); err != nil {
		if os.IsNotExist(err) {
			return derrors.Missing(d.resource, key)
		}
		return err
	}
	return nil
}

// ModTime returns the record's modification time.
func (d *JSONDir[T]) ModTime(key string) (time.Time, error) {
	info, err := os.Stat(d.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, derrors.Missing(d.resource, key)
		}
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// WriteFileAtomic writes data to a temp file beside path and renames it
// over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := writeTemp(dir, filepath.Base(path), data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func writeTemp(dir, base string, data []byte, perm os.FileMode) (string, error) {
	f, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(name, perm); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("chmod temp file: %w", err)
	}
	return name, nil
}
