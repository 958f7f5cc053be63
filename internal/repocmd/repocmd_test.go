package repocmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vbp1/pgbackrest-go/internal/storage"
	"github.com/vbp1/pgbackrest-go/internal/storage/posixdrv"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	return storage.New(posixdrv.New(t.TempDir(), false))
}

func TestListSortsEntriesByName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for _, name := range []string{"b.txt", "a.txt", "c.txt"} {
		if _, err := store.PutAll(ctx, "dir/"+name, bytes.NewReader([]byte("x")), storage.WriteOptions{Atomic: true, CreatePath: true}); err != nil {
			t.Fatalf("PutAll %s: %v", name, err)
		}
	}

	entries, err := List(ctx, store, "dir", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 || entries[0].Name != "a.txt" || entries[2].Name != "c.txt" {
		t.Fatalf("entries = %+v, want sorted a,b,c", entries)
	}
}

func TestPutThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "src.bin")
	content := []byte("repository scratch content\n")
	if err := os.WriteFile(src, content, 0o640); err != nil {
		t.Fatalf("write src: %v", err)
	}

	n, err := Put(ctx, store, src, "scratch/obj")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != int64(len(content)) {
		t.Fatalf("Put wrote %d bytes, want %d", n, len(content))
	}

	dest := filepath.Join(dir, "dest.bin")
	if err := Get(ctx, store, "scratch/obj", dest); err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestRemoveDeletesObject(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.PutAll(ctx, "scratch/obj", bytes.NewReader([]byte("x")), storage.WriteOptions{Atomic: true, CreatePath: true}); err != nil {
		t.Fatalf("PutAll: %v", err)
	}

	if err := Remove(ctx, store, "scratch/obj", false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	info, err := store.Info(ctx, "scratch/obj", storage.LevelExists)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Exists {
		t.Fatalf("expected scratch/obj to be removed")
	}
}

func TestRemoveRecurseDeletesDirectory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.PutAll(ctx, "scratch/dir/obj", bytes.NewReader([]byte("x")), storage.WriteOptions{Atomic: true, CreatePath: true}); err != nil {
		t.Fatalf("PutAll: %v", err)
	}

	if err := Remove(ctx, store, "scratch/dir", true); err != nil {
		t.Fatalf("Remove recurse: %v", err)
	}
	info, err := store.Info(ctx, "scratch/dir", storage.LevelExists)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Exists {
		t.Fatalf("expected scratch/dir to be removed")
	}
}
