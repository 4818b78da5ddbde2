package bboltstore

import (
	"path/filepath"
	"testing"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/cache/cachetest"
)

func TestStorage(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Storage {
		storage, err := Open(filepath.Join(t.TempDir(), "bbolt.db"), 0o644, nil)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		t.Cleanup(func() { storage.Close() })
		return storage
	})
}

func TestStorageReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bbolt.db")
	storage, err := Open(dbPath, 0o644, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, name := range []string{"v2", "v1"} {
		b, err := storage.Open(t.Context(), name)
		if err != nil {
			t.Fatalf("(*Storage).Open failed: %v", err)
		}
		if err := b.Put(t.Context(), cachetest.Get(t, "https://app.local/"), cachetest.OK(name)); err != nil {
			t.Fatalf("(*bucket).Put failed: %v", err)
		}
	}
	if err := storage.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	storage, err = Open(dbPath, 0o644, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer storage.Close()
	keys, err := storage.Keys(t.Context())
	if err != nil {
		t.Fatalf("(*Storage).Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "v2" || keys[1] != "v1" {
		t.Fatalf("unexpected keys %v", keys)
	}
	resp, err := storage.Match(t.Context(), cachetest.Get(t, "https://app.local/"))
	if err != nil {
		t.Fatalf("(*Storage).Match failed: %v", err)
	}
	if got := cachetest.ReadBody(t, resp); got != "v2" {
		t.Fatalf("unexpected body %q", got)
	}
}
