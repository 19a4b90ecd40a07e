// Package storagetest is a conformance suite shared by every storage backend.
package storagetest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-edge-go/storage"
)

// Advance moves the backend's notion of time forward by d.
type Advance func(d time.Duration)

// Factory creates a fresh, empty backend for one subtest.
type Factory func(t *testing.T) (storage.Storage, Advance)

// RunStorageTests runs the complete storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Run("GlobalRoundTrip", func(t *testing.T) {
		testGlobalRoundTrip(t, factory)
	})
	t.Run("SessionRoundTrip", func(t *testing.T) {
		testSessionRoundTrip(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("Overwrite", func(t *testing.T) {
		testOverwrite(t, factory)
	})
	t.Run("TTL", func(t *testing.T) {
		testTTL(t, factory)
	})
	t.Run("DeleteKey", func(t *testing.T) {
		testDeleteKey(t, factory)
	})
	t.Run("DeleteNamespace", func(t *testing.T) {
		testDeleteNamespace(t, factory)
	})
	t.Run("NotFound", func(t *testing.T) {
		testNotFound(t, factory)
	})
	t.Run("InvalidOptions", func(t *testing.T) {
		testInvalidOptions(t, factory)
	})
	t.Run("SnapshotThroughObject", func(t *testing.T) {
		testSnapshotThroughObject(t, factory)
	})
}

func open(t *testing.T, factory Factory) (storage.Storage, Advance) {
	t.Helper()
	st, advance := factory(t)
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return st, advance
}

func mustGet(t *testing.T, st storage.Storage, key string, opts ...storage.Option) *storage.Item {
	t.Helper()
	item, err := st.Get(context.Background(), key, opts...)
	if err != nil {
		t.Fatalf("get %q: %v", key, err)
	}
	return item
}

func mustSet(t *testing.T, st storage.Storage, key, value string, opts ...storage.Option) {
	t.Helper()
	if err := st.Set(context.Background(), key, []byte(value), opts...); err != nil {
		t.Fatalf("set %q: %v", key, err)
	}
}

func expectValue(t *testing.T, item *storage.Item, want string) {
	t.Helper()
	if item == nil {
		t.Fatalf("expected %q, got nil item", want)
	}
	if !bytes.Equal(item.Data, []byte(want)) {
		t.Fatalf("expected %q, got %q", want, item.Data)
	}
}

func testGlobalRoundTrip(t *testing.T, factory Factory) {
	st, _ := open(t, factory)

	mustSet(t, st, "greeting", "hello")
	item := mustGet(t, st, "greeting")
	expectValue(t, item, "hello")
	if item.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}
	if item.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", item.ExpiresAt)
	}
}

func testSessionRoundTrip(t *testing.T, factory Factory) {
	st, _ := open(t, factory)

	mustSet(t, st, "k", "v1", storage.WithSession("s1"))
	expectValue(t, mustGet(t, st, "k", storage.WithSession("s1")), "v1")
}

func testNamespaceIsolation(t *testing.T, factory Factory) {
	st, _ := open(t, factory)

	mustSet(t, st, "k", "global")
	mustSet(t, st, "k", "one", storage.WithSession("s1"))
	mustSet(t, st, "k", "two", storage.WithSession("s2"))

	expectValue(t, mustGet(t, st, "k"), "global")
	expectValue(t, mustGet(t, st, "k", storage.WithSession("s1")), "one")
	expectValue(t, mustGet(t, st, "k", storage.WithSession("s2")), "two")
}

func testOverwrite(t *testing.T, factory Factory) {
	st, _ := open(t, factory)

	mustSet(t, st, "k", "first", storage.WithSession("s1"))
	mustSet(t, st, "k", "second", storage.WithSession("s1"))
	expectValue(t, mustGet(t, st, "k", storage.WithSession("s1")), "second")
}

func testTTL(t *testing.T, factory Factory) {
	st, advance := open(t, factory)

	mustSet(t, st, "short", "v", storage.WithSession("s1"), storage.WithTTL(2*time.Second))
	mustSet(t, st, "long", "v", storage.WithSession("s1"), storage.WithTTL(time.Hour))

	item := mustGet(t, st, "short", storage.WithSession("s1"))
	expectValue(t, item, "v")
	if item.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt for TTL item")
	}

	advance(5 * time.Second)

	if item := mustGet(t, st, "short", storage.WithSession("s1")); item != nil {
		t.Fatalf("expected expired item to be gone, got %q", item.Data)
	}
	expectValue(t, mustGet(t, st, "long", storage.WithSession("s1")), "v")
}

func testDeleteKey(t *testing.T, factory Factory) {
	st, _ := open(t, factory)
	ctx := context.Background()

	mustSet(t, st, "a", "1", storage.WithSession("s1"))
	mustSet(t, st, "b", "2", storage.WithSession("s1"))

	if err := st.Delete(ctx, storage.WithSession("s1"), storage.WithKey("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if item := mustGet(t, st, "a", storage.WithSession("s1")); item != nil {
		t.Fatal("expected a to be deleted")
	}
	expectValue(t, mustGet(t, st, "b", storage.WithSession("s1")), "2")

	// Deleting a missing key is not an error.
	if err := st.Delete(ctx, storage.WithSession("s1"), storage.WithKey("missing")); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func testDeleteNamespace(t *testing.T, factory Factory) {
	st, _ := open(t, factory)

	mustSet(t, st, "a", "1", storage.WithSession("s1"))
	mustSet(t, st, "b", "2", storage.WithSession("s1"))
	mustSet(t, st, "a", "other", storage.WithSession("s10"))
	mustSet(t, st, "a", "global")

	if err := st.Delete(context.Background(), storage.WithSession("s1")); err != nil {
		t.Fatalf("delete namespace: %v", err)
	}
	for _, key := range []string{"a", "b"} {
		if item := mustGet(t, st, key, storage.WithSession("s1")); item != nil {
			t.Fatalf("expected %s to be deleted", key)
		}
	}
	expectValue(t, mustGet(t, st, "a", storage.WithSession("s10")), "other")
	expectValue(t, mustGet(t, st, "a"), "global")
}

func testNotFound(t *testing.T, factory Factory) {
	st, _ := open(t, factory)

	if item := mustGet(t, st, "nope"); item != nil {
		t.Fatal("expected nil for missing global key")
	}
	if item := mustGet(t, st, "nope", storage.WithSession("s1")); item != nil {
		t.Fatal("expected nil for missing session key")
	}
}

func testInvalidOptions(t *testing.T, factory Factory) {
	st, _ := open(t, factory)
	ctx := context.Background()

	if err := st.Set(ctx, "k", []byte("v"), storage.WithTTL(0)); err == nil {
		t.Fatal("expected error for zero TTL")
	}
	if _, err := st.Get(ctx, "k", storage.WithSession("")); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func testSnapshotThroughObject(t *testing.T, factory Factory) {
	st, _ := open(t, factory)
	ctx := context.Background()

	snap := storage.NewSnapshot(storage.Scope(st, "s1"))
	data, err := snap.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if data != nil {
		t.Fatalf("expected empty snapshot, got %q", data)
	}

	if err := snap.Save(ctx, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err = snap.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(data) != `{"v":1}` {
		t.Fatalf("unexpected snapshot %q", data)
	}

	other, err := storage.NewSnapshot(storage.Scope(st, "s2")).Load(ctx)
	if err != nil {
		t.Fatalf("load other: %v", err)
	}
	if other != nil {
		t.Fatal("expected snapshots to be isolated per session")
	}
}
