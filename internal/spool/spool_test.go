package spool

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSegmentFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestQueueStateMachine(t *testing.T) {
	spoolPath := t.TempDir()
	src := t.TempDir()
	seg := "000000010000000000000001"

	q, err := New(spoolPath, "main", DirIn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := q.Status(seg); got != StatusAbsent {
		t.Fatalf("fresh segment status = %v, want absent", got)
	}

	srcPath := writeSegmentFile(t, src, seg, []byte("wal-bytes"))
	if err := q.Enqueue(seg, srcPath); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := q.Status(seg); got != StatusQueued {
		t.Fatalf("enqueued segment status = %v, want queued", got)
	}

	data, err := q.ReadSegment(seg)
	if err != nil || string(data) != "wal-bytes" {
		t.Fatalf("ReadSegment = %q, %v", data, err)
	}

	if err := q.MarkOK(seg); err != nil {
		t.Fatalf("MarkOK: %v", err)
	}
	if got := q.Status(seg); got != StatusOK {
		t.Fatalf("status after MarkOK = %v, want ok", got)
	}

	if err := q.ClearStatus(seg); err != nil {
		t.Fatalf("ClearStatus: %v", err)
	}
	if got := q.Status(seg); got != StatusAbsent {
		t.Fatalf("status after ClearStatus = %v, want absent", got)
	}

	if err := q.MarkError(seg, 38, "repository unreachable"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	if got := q.Status(seg); got != StatusError {
		t.Fatalf("status after MarkError = %v, want error", got)
	}
	msg, err := q.ErrorMessage(seg)
	if err != nil {
		t.Fatalf("ErrorMessage: %v", err)
	}
	if msg != "38\nrepository unreachable\n" {
		t.Fatalf("ErrorMessage = %q", msg)
	}
}

func TestPendingListsOnlyQueuedSegments(t *testing.T) {
	spoolPath := t.TempDir()
	src := t.TempDir()

	q, err := New(spoolPath, "main", DirIn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	segs := []string{
		"000000010000000000000003",
		"000000010000000000000001",
		"000000010000000000000002",
	}
	for _, s := range segs {
		p := writeSegmentFile(t, src, s, []byte(s))
		if err := q.Enqueue(s, p); err != nil {
			t.Fatalf("Enqueue %s: %v", s, err)
		}
	}
	// One already settled: should not reappear in the batch.
	if err := q.MarkOK("000000010000000000000002"); err != nil {
		t.Fatalf("MarkOK: %v", err)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	want := []string{"000000010000000000000001", "000000010000000000000003"}
	if len(pending) != len(want) {
		t.Fatalf("Pending = %v, want %v", pending, want)
	}
	for i := range want {
		if pending[i] != want[i] {
			t.Fatalf("Pending = %v, want %v", pending, want)
		}
	}
}

func TestPruneNotInTrimsOutsideIdealQueue(t *testing.T) {
	spoolPath := t.TempDir()
	src := t.TempDir()

	q, err := New(spoolPath, "main", DirOut)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	keep := "000000010000000000000005"
	stale := "000000010000000000000001"
	for _, s := range []string{keep, stale} {
		p := writeSegmentFile(t, src, s, []byte(s))
		if err := q.Enqueue(s, p); err != nil {
			t.Fatalf("Enqueue %s: %v", s, err)
		}
	}
	if err := q.MarkOK(stale); err != nil {
		t.Fatalf("MarkOK: %v", err)
	}

	if err := q.PruneNotIn(map[string]bool{keep: true}); err != nil {
		t.Fatalf("PruneNotIn: %v", err)
	}

	if got := q.Status(keep); got != StatusQueued {
		t.Fatalf("kept segment status = %v, want queued", got)
	}
	// Both the stale payload and its .ok status file must be gone.
	if got := q.Status(stale); got != StatusAbsent {
		t.Fatalf("stale segment status = %v, want absent", got)
	}
}

func TestSegmentOrdinal(t *testing.T) {
	tli, log, seg, err := segmentOrdinal("0000000200000003000000FF")
	if err != nil {
		t.Fatalf("segmentOrdinal: %v", err)
	}
	if tli != 2 || log != 3 || seg != 0xFF {
		t.Fatalf("segmentOrdinal = (%d, %d, %d)", tli, log, seg)
	}
	if _, _, _, err := segmentOrdinal("short"); err == nil {
		t.Fatalf("malformed name should fail")
	}
}
