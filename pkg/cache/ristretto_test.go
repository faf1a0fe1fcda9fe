package cache

import (
	"context"
	"testing"
	"time"

	"github.com/mseverin/fetchkit/pkg/cachecontrol"
)

func TestRistrettoBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := NewRistrettoProvider("lru", RistrettoConfig{MaxEntries: 128}).Create("Cached")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	defer backend.Close()

	if _, err := backend.Get(ctx, "k"); err != ErrMiss {
		t.Fatalf("Get on empty = %v, want ErrMiss", err)
	}

	if err := backend.Set(ctx, "k", testEntry("k", `{"n":1}`)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	got, err := backend.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got.Value) != `{"n":1}` {
		t.Errorf("Value = %s", got.Value)
	}
}

func TestRistrettoBackend_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	backend, _ := NewRistrettoProvider("lru", RistrettoConfig{MaxEntries: 128}).Create("Cached")
	defer backend.Close()

	entry := testEntry("k", `1`)
	entry.CacheControl = cachecontrol.Record{MaxAge: cachecontrol.Seconds(1)}
	backend.Set(ctx, "k", entry)

	if _, err := backend.Get(ctx, "k"); err != nil {
		t.Fatalf("Get() before expiry: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)
	if _, err := backend.Get(ctx, "k"); err != ErrMiss {
		t.Errorf("Get() after retention ttl = %v, want ErrMiss", err)
	}
}

func TestRistrettoBackend_KeysAndClear(t *testing.T) {
	ctx := context.Background()
	backend, _ := NewRistrettoProvider("lru", RistrettoConfig{MaxEntries: 128}).Create("Cached")
	defer backend.Close()

	for _, k := range []string{"a", "b", "c"} {
		backend.Set(ctx, k, testEntry(k, `1`))
	}

	seen := map[string]bool{}
	if err := backend.Keys(ctx, func(k string) bool {
		seen[k] = true
		return true
	}); err != nil {
		t.Fatalf("Keys() error: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if !seen[k] {
			t.Errorf("Keys() missed %q", k)
		}
	}

	if _, err := backend.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if _, err := backend.Get(ctx, "a"); err != ErrMiss {
		t.Errorf("Get after Clear = %v, want ErrMiss", err)
	}
}
