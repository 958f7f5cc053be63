package lock

import "testing"

func TestStopStartRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if Stopped(dir, "main") {
		t.Fatalf("expected not stopped before any stop file exists")
	}
	if err := WriteStopFile(dir, "main"); err != nil {
		t.Fatalf("WriteStopFile: %v", err)
	}
	if !Stopped(dir, "main") {
		t.Fatalf("expected stopped after WriteStopFile")
	}
	if Stopped(dir, "other") {
		t.Fatalf("a per-stanza stop file must not affect a different stanza")
	}
	if err := RemoveStopFile(dir, "main"); err != nil {
		t.Fatalf("RemoveStopFile: %v", err)
	}
	if Stopped(dir, "main") {
		t.Fatalf("expected not stopped after RemoveStopFile")
	}
}

func TestGlobalStopAffectsEveryStanza(t *testing.T) {
	dir := t.TempDir()
	if err := WriteStopFile(dir, ""); err != nil {
		t.Fatalf("WriteStopFile global: %v", err)
	}
	if !Stopped(dir, "main") || !Stopped(dir, "other") {
		t.Fatalf("global stop file must block every stanza")
	}
}

func TestRemoveStopFileWithoutPriorStopIsNoop(t *testing.T) {
	dir := t.TempDir()
	if err := RemoveStopFile(dir, "main"); err != nil {
		t.Fatalf("RemoveStopFile without prior stop should be a no-op, got %v", err)
	}
}
