package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func stores(t *testing.T) map[string]Store {
	plain, err := NewFS(filepath.Join(t.TempDir(), "plain"), false)
	if err != nil {
		t.Fatal(err)
	}
	zst, err := NewFS(filepath.Join(t.TempDir(), "zstd"), true)
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Store{"memory": NewMemory(), "fs": plain, "fs+zstd": zst}
}

func TestStore(t *testing.T) {
	ctx := t.Context()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("# Title\n\nSome markdown body.\n")
			info, err := s.Put(ctx, "shared/ab/cdef", data)
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if info.Size != int64(len(data)) || info.ETag != ETag(data) {
				t.Errorf("Put() info = %+v", info)
			}

			got, err := s.Get(ctx, "shared/ab/cdef")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(got) != string(data) {
				t.Errorf("Get() = %q, want %q", got, data)
			}

			head, err := s.Head(ctx, "shared/ab/cdef")
			if err != nil {
				t.Fatalf("Head() error = %v", err)
			}
			if head.ETag != info.ETag || head.Size != info.Size {
				t.Errorf("Head() = %+v, want etag/size of %+v", head, info)
			}

			if _, err := s.Put(ctx, "users/u1/doc", []byte("other")); err != nil {
				t.Fatal(err)
			}
			var keys []string
			for oi, err := range s.List(ctx, "shared/") {
				if err != nil {
					t.Fatalf("List() error = %v", err)
				}
				keys = append(keys, oi.Key)
			}
			if !slices.Equal(keys, []string{"shared/ab/cdef"}) {
				t.Errorf("List(shared/) = %v", keys)
			}

			if err := s.Delete(ctx, "shared/ab/cdef"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := s.Delete(ctx, "shared/ab/cdef"); err != nil {
				t.Errorf("second Delete() error = %v, want nil", err)
			}
			if _, err := s.Get(ctx, "shared/ab/cdef"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
			}
			if _, err := s.Head(ctx, "shared/ab/cdef"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Head() after delete error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"", "/abs", "a//b", "a/../b", "..", "a/./b", `a\b`} {
		if err := ValidateKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ValidateKey(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
	if err := ValidateKey("users/u%2F1/x"); err != nil {
		t.Errorf("ValidateKey(escaped) = %v", err)
	}
}

func TestFS(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	t.Run("compression toggle", func(t *testing.T) {
		plain, err := NewFS(dir, false)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := plain.Put(ctx, "k/v", []byte("plain bytes")); err != nil {
			t.Fatal(err)
		}
		zst, err := NewFS(dir, true)
		if err != nil {
			t.Fatal(err)
		}
		got, err := zst.Get(ctx, "k/v")
		if err != nil || string(got) != "plain bytes" {
			t.Fatalf("compressed store reading plain object = %q, %v", got, err)
		}
		if _, err := zst.Put(ctx, "k/v", []byte("zstd bytes")); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(dir, "k", "v")); !os.IsNotExist(err) {
			t.Error("stale uncompressed object was not removed")
		}
		got, err = plain.Get(ctx, "k/v")
		if err != nil || string(got) != "zstd bytes" {
			t.Fatalf("plain store reading compressed object = %q, %v", got, err)
		}
	})

	t.Run("reserved keys", func(t *testing.T) {
		s, err := NewFS(dir, false)
		if err != nil {
			t.Fatal(err)
		}
		for _, key := range []string{".tmp/x", "a/b.zst"} {
			if _, err := s.Put(ctx, key, nil); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("Put(%q) error = %v, want ErrInvalidKey", key, err)
			}
		}
	})

	t.Run("CleanupTemp", func(t *testing.T) {
		s, err := NewFS(dir, false)
		if err != nil {
			t.Fatal(err)
		}
		old := filepath.Join(dir, tmpDirName, "old.tmp")
		fresh := filepath.Join(dir, tmpDirName, "fresh.tmp")
		for _, p := range []string{old, fresh} {
			if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
				t.Fatal(err)
			}
		}
		past := time.Now().Add(-2 * time.Hour)
		if err := os.Chtimes(old, past, past); err != nil {
			t.Fatal(err)
		}
		n, err := s.CleanupTemp(ctx, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("CleanupTemp() = %d, want 1", n)
		}
		if _, err := os.Stat(fresh); err != nil {
			t.Error("fresh temp file should survive")
		}
	})
}

// flakyStore fails the first n calls of every kind with errTransient.
type flakyStore struct {
	Store
	failures atomic.Int32
	calls    atomic.Int32
	block    bool
}

var errTransient = errors.New("connection reset")

func (f *flakyStore) Put(ctx context.Context, key string, data []byte) (ObjectInfo, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		if f.block {
			<-ctx.Done()
			return ObjectInfo{}, ctx.Err()
		}
		return ObjectInfo{}, errTransient
	}
	return f.Store.Put(ctx, key, data)
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.calls.Add(1)
	return f.Store.Get(ctx, key)
}

func TestRetrying(t *testing.T) {
	ctx := t.Context()
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

	t.Run("transient then success", func(t *testing.T) {
		f := &flakyStore{Store: NewMemory()}
		f.failures.Store(2)
		r := NewRetrying(f, policy)
		if _, err := r.Put(ctx, "a/b", []byte("x")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if got := f.calls.Load(); got != 3 {
			t.Errorf("calls = %d, want 3", got)
		}
	})

	t.Run("bounded", func(t *testing.T) {
		f := &flakyStore{Store: NewMemory()}
		f.failures.Store(10)
		r := NewRetrying(f, policy)
		if _, err := r.Put(ctx, "a/b", []byte("x")); !errors.Is(err, errTransient) {
			t.Fatalf("Put() error = %v, want errTransient", err)
		}
		if got := f.calls.Load(); got != 3 {
			t.Errorf("calls = %d, want 3", got)
		}
	})

	t.Run("not found is permanent", func(t *testing.T) {
		f := &flakyStore{Store: NewMemory()}
		r := NewRetrying(f, policy)
		if _, err := r.Get(ctx, "missing/key"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get() error = %v", err)
		}
		if got := f.calls.Load(); got != 1 {
			t.Errorf("calls = %d, want 1", got)
		}
	})

	t.Run("attempt timeout is retried", func(t *testing.T) {
		f := &flakyStore{Store: NewMemory(), block: true}
		f.failures.Store(1)
		p := policy
		p.Timeout = 10 * time.Millisecond
		r := NewRetrying(f, p)
		if _, err := r.Put(ctx, "a/b", []byte("x")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if got := f.calls.Load(); got != 2 {
			t.Errorf("calls = %d, want 2", got)
		}
	})

	t.Run("caller cancellation", func(t *testing.T) {
		f := &flakyStore{Store: NewMemory()}
		f.failures.Store(10)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		r := NewRetrying(f, policy)
		if _, err := r.Put(cctx, "a/b", []byte("x")); err == nil {
			t.Fatal("Put() with canceled context should fail")
		}
		if got := f.calls.Load(); got != 1 {
			t.Errorf("calls = %d, want 1", got)
		}
	})
}
