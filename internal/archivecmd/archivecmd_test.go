package archivecmd

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vbp1/pgbackrest-go/internal/config"
	"github.com/vbp1/pgbackrest-go/internal/errx"
	"github.com/vbp1/pgbackrest-go/internal/spool"
)

func TestSegmentDirLayout(t *testing.T) {
	dir, err := segmentDir("main", "15", 2, "000000010000000000000001")
	if err != nil {
		t.Fatalf("segmentDir: %v", err)
	}
	if dir != "archive/main/15-2/0000000100000000" {
		t.Fatalf("segmentDir = %q", dir)
	}
	if _, err := segmentDir("main", "15", 2, "short"); err == nil {
		t.Fatalf("malformed segment should fail")
	}
}

func TestSegmentFileNameRoundTrip(t *testing.T) {
	seg := "000000010000000000000001"
	hash := "da39a3ee5e6b4b0d3255bfef95601890afd80709"

	cases := []struct {
		compressType string
		encrypted    bool
		want         string
	}{
		{"", false, seg + "-" + hash},
		{"gz", false, seg + "-" + hash + ".gz"},
		{"lz4", false, seg + "-" + hash + ".lz4"},
		{"gz", true, seg + "-" + hash + ".gz.aes"},
		{"", true, seg + "-" + hash + ".aes"},
	}
	for _, c := range cases {
		name := segmentFileName(seg, hash, c.compressType, c.encrypted)
		if name != c.want {
			t.Fatalf("segmentFileName(%q, enc=%v) = %q, want %q", c.compressType, c.encrypted, name, c.want)
		}
		gotHash, compressed, encrypted, compressType, ok := parseSegmentFileName(seg, name)
		if !ok {
			t.Fatalf("parseSegmentFileName(%q) not ok", name)
		}
		if gotHash != hash || encrypted != c.encrypted || compressType != c.compressType {
			t.Fatalf("parseSegmentFileName(%q) = (%q, %v, %v, %q)", name, gotHash, compressed, encrypted, compressType)
		}
	}

	if _, _, _, _, ok := parseSegmentFileName(seg, "unrelated-file"); ok {
		t.Fatalf("foreign file name should not parse")
	}
}

func TestWriteReadChainRoundTrip(t *testing.T) {
	payload := make([]byte, 48*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	wantHash := sha1.Sum(payload) //nolint:gosec

	cases := []config.RepoConfig{
		{},
		{CompressType: "gz"},
		{CompressType: "lz4"},
		{CipherType: "aes-256-cbc", CipherPass: "secret", Path: "/repo"},
		{CompressType: "gz", CipherType: "aes-256-cbc", CipherPass: "secret", Path: "/repo"},
	}
	for _, repo := range cases {
		chain, hashFilter, err := buildWriteChain(repo)
		if err != nil {
			t.Fatalf("buildWriteChain(%+v): %v", repo, err)
		}
		encoded, _, err := runChain(chain, payload)
		if err != nil {
			t.Fatalf("encode(%+v): %v", repo, err)
		}
		digest, ok := hashFilter.Result()
		if !ok {
			t.Fatalf("hash filter surfaced no result")
		}
		if digest.(string) != hex.EncodeToString(wantHash[:]) {
			t.Fatalf("write-side hash = %v, want %x", digest, wantHash)
		}

		readChain, err := buildReadChain(repo, repo.CipherType == "aes-256-cbc")
		if err != nil {
			t.Fatalf("buildReadChain(%+v): %v", repo, err)
		}
		decoded, results, err := runChain(readChain, encoded)
		if err != nil {
			t.Fatalf("decode(%+v): %v", repo, err)
		}
		if !bytes.Equal(decoded, payload) {
			t.Fatalf("round trip mismatch for %+v: got %d bytes", repo, len(decoded))
		}
		if got := results["sha1"].(string); got != hex.EncodeToString(wantHash[:]) {
			t.Fatalf("read-side hash = %q, want %x", got, wantHash)
		}
	}
}

func TestBuildChainRejectsUnknownOptions(t *testing.T) {
	if _, _, err := buildWriteChain(config.RepoConfig{CompressType: "zstd"}); err == nil {
		t.Fatalf("unknown compress-type should fail")
	}
	if _, _, err := buildWriteChain(config.RepoConfig{CipherType: "rot13"}); err == nil {
		t.Fatalf("unknown cipher-type should fail")
	}
	if _, err := buildReadChain(config.RepoConfig{}, true); err == nil {
		t.Fatalf("encrypted segment without a passphrase should fail")
	}
}

// TestPushAsyncObservesExistingStatus covers the synchronous invocation's
// status short-circuit: an existing .ok means a prior daemon run already
// archived the segment, so the call clears the status and succeeds
// without queueing anything or spawning a daemon; an existing .error
// propagates the recorded failure.
func TestPushAsyncObservesExistingStatus(t *testing.T) {
	spoolPath := t.TempDir()
	const stanzaName = "main"
	segment := "000000010000000000000007"

	cfg := &config.Config{
		Stanza:         stanzaName,
		ArchiveAsync:   true,
		SpoolPath:      spoolPath,
		LockPath:       t.TempDir(),
		ArchiveTimeout: time.Second,
	}

	q, err := spool.New(spoolPath, stanzaName, spool.DirIn)
	if err != nil {
		t.Fatalf("spool.New: %v", err)
	}
	if err := q.MarkOK(segment); err != nil {
		t.Fatalf("MarkOK: %v", err)
	}

	walDir := t.TempDir()
	walPath := filepath.Join(walDir, segment)
	if err := os.WriteFile(walPath, []byte("wal"), 0o640); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	if err := Push(context.Background(), cfg, nil, walPath); err != nil {
		t.Fatalf("Push with existing .ok: %v", err)
	}
	if got := q.Status(segment); got != spool.StatusAbsent {
		t.Fatalf("status after Push = %v, want absent (cleared)", got)
	}

	if err := q.MarkError(segment, errx.CodeFileMissing, "no such repository"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	err = Push(context.Background(), cfg, nil, walPath)
	if err == nil {
		t.Fatalf("Push with existing .error should fail")
	}
	if got := q.Status(segment); got != spool.StatusAbsent {
		t.Fatalf("error status should be cleared after propagation, got %v", got)
	}
}

func TestBuildIdealQueue(t *testing.T) {
	ideal := buildIdealQueue("000000010000000000000001", 3)
	for _, want := range []string{
		"000000010000000000000001",
		"000000010000000000000002",
		"000000010000000000000003",
		"000000010000000000000004",
	} {
		if !ideal[want] {
			t.Fatalf("ideal queue missing %s (have %v)", want, ideal)
		}
	}
	if len(ideal) != 4 {
		t.Fatalf("ideal queue has %d entries, want 4", len(ideal))
	}
}
