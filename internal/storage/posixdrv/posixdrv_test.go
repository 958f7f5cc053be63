package posixdrv

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/vbp1/pgbackrest-go/internal/storage"
)

func TestAtomicWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	d := New(dir, false)
	s := storage.New(d)
	ctx := context.Background()

	n, err := s.PutAll(ctx, "a/b/file.txt", stringsReader("hello world"), storage.WriteOptions{Atomic: true, CreatePath: true})
	if err != nil {
		t.Fatal(err)
	}
	if n != 11 {
		t.Fatalf("wrote %d bytes, want 11", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "a/b/file.txt.tmp")); err == nil {
		t.Fatalf(".tmp sibling should not remain after atomic write")
	}
	got, err := s.GetAll(ctx, "a/b/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("GetAll=%q, want %q", got, "hello world")
	}
}

func TestInfoNotExists(t *testing.T) {
	dir := t.TempDir()
	s := storage.New(New(dir, false))
	rec, err := s.Info(context.Background(), "missing", storage.LevelExists)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Exists {
		t.Fatalf("expected Exists=false for a missing path")
	}
}

func TestListSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt", "c.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	s := storage.New(New(dir, false))
	recs, err := s.List(context.Background(), "", "*.txt", storage.LevelBasic)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Name != "a.txt" || recs[1].Name != "b.txt" {
		t.Fatalf("List()=%v, want [a.txt b.txt]", recs)
	}
}

func TestMoveAcrossRename(t *testing.T) {
	dir := t.TempDir()
	s := storage.New(New(dir, false))
	ctx := context.Background()
	if _, err := s.PutAll(ctx, "src.txt", stringsReader("data"), storage.WriteOptions{Atomic: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Move(ctx, "src.txt", "dst.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "src.txt")); err == nil {
		t.Fatalf("source should be gone after Move")
	}
	got, err := s.GetAll(ctx, "dst.txt")
	if err != nil || string(got) != "data" {
		t.Fatalf("GetAll(dst)=%q err=%v", got, err)
	}
}

func TestPathCreateNoErrorIfExists(t *testing.T) {
	dir := t.TempDir()
	s := storage.New(New(dir, false))
	ctx := context.Background()
	if err := s.PathCreate(ctx, "p", 0, false, false); err != nil {
		t.Fatal(err)
	}
	if err := s.PathCreate(ctx, "p", 0, true, false); err != nil {
		t.Fatalf("second PathCreate with noErrorIfExists should succeed: %v", err)
	}
	if err := s.PathCreate(ctx, "p", 0, false, false); err == nil {
		t.Fatalf("second PathCreate without noErrorIfExists should fail")
	}
}

type stringsReaderT struct {
	s   string
	pos int
}

func stringsReader(s string) *stringsReaderT { return &stringsReaderT{s: s} }

func (r *stringsReaderT) Read(p []byte) (int, error) {
	if r.pos >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.pos:])
	r.pos += n
	return n, nil
}
