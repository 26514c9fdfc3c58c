package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	tmpDirName = ".tmp"
	zstdSuffix = ".zst"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// FS stores objects as files under a root directory.
//
// Writes go to <dir>/.tmp/<random>.tmp and are renamed into place so readers
// never observe partial content. When Compress is set, objects are stored
// zstd-compressed with a ".zst" suffix; reads accept both forms so the setting
// can change without migrating existing data.
type FS struct {
	dir      string
	compress bool
}

// NewFS returns a store rooted at dir, creating it if needed.
func NewFS(dir string, compress bool) (*FS, error) {
	if err := os.MkdirAll(filepath.Join(dir, tmpDirName), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create object store directory: %w", err)
	}
	return &FS{dir: dir, compress: compress}, nil
}

// Put implements Store.
func (f *FS) Put(ctx context.Context, key string, data []byte) (ObjectInfo, error) {
	p, err := f.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to create object directory: %w", err)
	}
	payload, target, stale := data, p, p+zstdSuffix
	if f.compress {
		payload = zstdEncoder.EncodeAll(data, nil)
		target, stale = p+zstdSuffix, p
	}
	tmp, err := os.CreateTemp(filepath.Join(f.dir, tmpDirName), "*.tmp")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return ObjectInfo{}, errors.Join(fmt.Errorf("failed to write temp file: %w", err), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return ObjectInfo{}, errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return ObjectInfo{}, errors.Join(fmt.Errorf("failed to rename object to final location: %w", err), os.Remove(tmp.Name()))
	}
	// The other representation would shadow nothing but waste space.
	if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
		return ObjectInfo{}, fmt.Errorf("failed to remove stale object: %w", err)
	}
	return ObjectInfo{Key: key, ETag: ETag(data), Size: int64(len(data)), UploadedAt: time.Now()}, nil
}

// Get implements Store.
func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := f.read(ctx, key)
	return data, err
}

// Head implements Store.
func (f *FS) Head(ctx context.Context, key string) (ObjectInfo, error) {
	data, mod, err := f.read(ctx, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: key, ETag: ETag(data), Size: int64(len(data)), UploadedAt: mod}, nil
}

// Delete implements Store.
func (f *FS) Delete(ctx context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var errs []error
	for _, name := range []string{p, p + zstdSuffix} {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to delete object: %w", err))
		}
	}
	return errors.Join(errs...)
}

// List implements Store. Keys are yielded in lexical order.
func (f *FS) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		stop := errors.New("stop")
		err := filepath.WalkDir(f.dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(f.dir, p)
			if err != nil {
				return err
			}
			if d.IsDir() {
				if rel == tmpDirName {
					return fs.SkipDir
				}
				return nil
			}
			key := strings.TrimSuffix(filepath.ToSlash(rel), zstdSuffix)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			info, err := f.Head(ctx, key)
			if errors.Is(err, ErrNotFound) {
				return nil // Deleted concurrently.
			}
			if !yield(info, err) || err != nil {
				return stop
			}
			return nil
		})
		if err != nil && !errors.Is(err, stop) {
			yield(ObjectInfo{}, err)
		}
	}
}

// CleanupTemp removes temp files older than olderThan, left behind by
// interrupted writes. Returns the number of files removed.
func (f *FS) CleanupTemp(ctx context.Context, olderThan time.Duration) (int, error) {
	dir := filepath.Join(f.dir, tmpDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read tmp directory: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	n := 0
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to remove temp file %s: %w", entry.Name(), err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (f *FS) read(ctx context.Context, key string) ([]byte, time.Time, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, time.Time{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, err
	}
	for _, compressed := range []bool{f.compress, !f.compress} {
		name := p
		if compressed {
			name += zstdSuffix
		}
		st, err := os.Stat(name)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, time.Time{}, fmt.Errorf("failed to stat object: %w", err)
		}
		raw, err := os.ReadFile(name) //nolint:gosec // G304: name is derived from a validated key
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, time.Time{}, fmt.Errorf("failed to read object: %w", err)
		}
		if !compressed {
			return raw, st.ModTime(), nil
		}
		data, err := zstdDecoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to decompress object %s: %w", key, err)
		}
		return data, st.ModTime(), nil
	}
	return nil, time.Time{}, ErrNotFound
}

func (f *FS) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if key == tmpDirName || strings.HasPrefix(key, tmpDirName+"/") || strings.HasSuffix(key, zstdSuffix) {
		return "", ErrInvalidKey
	}
	return filepath.Join(f.dir, filepath.FromSlash(key)), nil
}
