package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreWriteAndRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry, err := store.OpenOrCreateEntry(ctx, "0f3c9a1e-entry", true)
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if _, err := entry.WriteData(ctx, StreamBody, []byte("pay")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if _, err := entry.WriteData(ctx, StreamBody, []byte("load")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if size := entry.DataSize(StreamBody); size != 0 {
		t.Fatalf("uncommitted stream should report 0, got %d", size)
	}
	if err := entry.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	reopened, err := store.OpenOrCreateEntry(ctx, "0f3c9a1e-entry", false)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	defer reopened.Close()

	if size := reopened.DataSize(StreamBody); size != 7 {
		t.Fatalf("size mismatch: %d", size)
	}
	buf := make([]byte, 7)
	n, err := reopened.ReadData(ctx, StreamBody, 0, buf)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Fatalf("payload mismatch: %s", string(buf[:n]))
	}

	n, err = reopened.ReadData(ctx, StreamBody, 3, make([]byte, 10))
	if err != nil {
		t.Fatalf("short read should not fail: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 bytes from offset 3, got %d", n)
	}
}

func TestStoreOpenMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.OpenOrCreateEntry(context.Background(), "missing-entry", false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreDoomEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entry, err := store.OpenOrCreateEntry(ctx, "doomed-entry", true)
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if _, err := entry.WriteData(ctx, StreamBody, []byte("data")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if err := entry.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	if err := store.DoomEntry(ctx, "doomed-entry"); err != nil {
		t.Fatalf("doom error: %v", err)
	}
	if _, err := store.OpenOrCreateEntry(ctx, "doomed-entry", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after doom, got %v", err)
	}
	if err := store.DoomEntry(ctx, "doomed-entry"); err != nil {
		t.Fatalf("dooming a missing entry should succeed: %v", err)
	}
}

func TestStoreKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"bb-second", "aa-first"} {
		entry, err := store.OpenOrCreateEntry(ctx, key, true)
		if err != nil {
			t.Fatalf("create error: %v", err)
		}
		entry.Close()
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 2 || keys[0] != "aa-first" || keys[1] != "bb-second" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestStoreRejectsTraversalKeys(t *testing.T) {
	store := newTestStore(t)
	for _, key := range []string{"", "a", "../etc", "a/b", ".hidden"} {
		if _, err := store.OpenOrCreateEntry(context.Background(), key, true); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestStoreIgnoresPlainFiles(t *testing.T) {
	store := newTestStore(t)
	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}

	dir, err := fs.entryPath("cc-plain")
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := os.WriteFile(dir, []byte("x"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}

	if _, err := store.OpenOrCreateEntry(context.Background(), "cc-plain", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for plain file, got %v", err)
	}
}

func TestEntryRejectsInvalidStream(t *testing.T) {
	store := newTestStore(t)
	entry, err := store.OpenOrCreateEntry(context.Background(), "dd-stream", true)
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	defer entry.Close()
	if _, err := entry.WriteData(context.Background(), MaxStreams, []byte("x")); !errors.Is(err, ErrInvalidStream) {
		t.Fatalf("expected ErrInvalidStream, got %v", err)
	}
}

// newTestStore returns a Backend rooted in a temporary directory.
func newTestStore(t *testing.T) Backend {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
