package objects

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	n, err := store.Put(ctx, "r1", []byte("payload"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected size 7, got %d", n)
	}
	got, err := store.Get(ctx, "r1")
	if err != nil || !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("get: %q %v", got, err)
	}

	// the stored copy is isolated from the caller's slice
	data := []byte("mutable")
	if _, err := store.Put(ctx, "r2", data); err != nil {
		t.Fatalf("put: %v", err)
	}
	data[0] = 'X'
	got, _ = store.Get(ctx, "r2")
	if !bytes.Equal(got, []byte("mutable")) {
		t.Fatalf("stored payload must be a copy, got %q", got)
	}

	keys, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "r1" || keys[1] != "r2" {
		t.Fatalf("expected sorted keys [r1 r2], got %v", keys)
	}

	if err := store.Delete(ctx, []string{"r1", "missing"}); err != nil {
		t.Fatalf("delete must tolerate missing keys: %v", err)
	}
	if _, err := store.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
