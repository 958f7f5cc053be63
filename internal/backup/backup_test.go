package backup

import (
	"testing"
	"time"

	"github.com/vbp1/pgbackrest-go/internal/infofile"
	"github.com/vbp1/pgbackrest-go/internal/manifest"
)

func TestNewLabelUsesFullAncestorPrefix(t *testing.T) {
	when := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	fullLabel := "20260101-000000F"

	if got := newLabel(infofile.BackupTypeFull, "", when); got != "20260102-120000F" {
		t.Fatalf("full label = %q", got)
	}
	if got := newLabel(infofile.BackupTypeDiff, fullLabel, when); got != "20260101-000000F_20260102-120000D" {
		t.Fatalf("diff label = %q, want the parent full's stamp as prefix", got)
	}
	if got := newLabel(infofile.BackupTypeIncr, fullLabel, when); got != "20260101-000000F_20260102-120000I" {
		t.Fatalf("incr label = %q, want the parent full's stamp as prefix", got)
	}
}

func TestParseLabelTimeUsesOwnStamp(t *testing.T) {
	own := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	if got := parseLabelTime("20260102-120000F"); got != own.Unix() {
		t.Fatalf("full stamp = %d, want %d", got, own.Unix())
	}
	// A diff's leading half is the parent full's stamp; the backup's own
	// time is the trailing half.
	if got := parseLabelTime("20260101-000000F_20260102-120000D"); got != own.Unix() {
		t.Fatalf("diff stamp = %d, want the trailing half's %d", got, own.Unix())
	}
}

func TestReferenceChainIsTransitive(t *testing.T) {
	full := "20260101-000000F"
	diff := "20260101-000000F_20260102-000000D"
	incr := "20260101-000000F_20260103-000000I"

	bi := infofile.NewBackupInfo()
	for _, e := range []infofile.BackupEntry{
		{Label: full, Type: infofile.BackupTypeFull},
		{Label: diff, Type: infofile.BackupTypeDiff, PriorLabel: full},
		{Label: incr, Type: infofile.BackupTypeIncr, PriorLabel: diff},
	} {
		if err := bi.AddBackup(e); err != nil {
			t.Fatalf("AddBackup %s: %v", e.Label, err)
		}
	}

	refs, err := referenceChain(bi, incr)
	if err != nil {
		t.Fatalf("referenceChain: %v", err)
	}
	want := []string{full, diff, incr}
	if len(refs) != len(want) {
		t.Fatalf("referenceChain = %v, want %v", refs, want)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("referenceChain = %v, want %v", refs, want)
		}
	}

	if refs, err := referenceChain(bi, ""); err != nil || refs != nil {
		t.Fatalf("empty prior should yield an empty chain, got %v, %v", refs, err)
	}
	if _, err := referenceChain(bi, "20250101-000000F"); err == nil {
		t.Fatalf("unknown prior label should fail")
	}
}

func TestPhysicalReferenceFollowsChain(t *testing.T) {
	full := "20260101-000000F"
	incr1 := "20260101-000000F_20260102-000000I"
	rel := "base/1/1"

	fullMan := manifest.New()
	if err := fullMan.AddFile(manifest.FileEntry{Path: rel, Checksum: "abc", Size: 3}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	incr1Man := manifest.New()
	if err := incr1Man.AddFile(manifest.FileEntry{Path: rel, Checksum: "abc", Size: 3, Reference: full}); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	ancestors := map[string]*manifest.Manifest{full: fullMan, incr1: incr1Man}

	// An incremental off incr1 sees the file unchanged: the recorded
	// reference must be the full that stores the bytes, not incr1, which
	// only references them.
	entry, found, err := incr1Man.File(rel)
	if err != nil || !found {
		t.Fatalf("File: %v, %v", found, err)
	}
	if got := physicalReference(ancestors, incr1, rel, entry); got != full {
		t.Fatalf("physicalReference = %q, want %q", got, full)
	}

	// A base that stores the file itself resolves to itself.
	entry, _, _ = fullMan.File(rel)
	if got := physicalReference(ancestors, full, rel, entry); got != full {
		t.Fatalf("physicalReference = %q, want %q", got, full)
	}
}
