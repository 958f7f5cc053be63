package filter

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"testing"
)

func drive(t *testing.T, g *Group, input []byte) ([]byte, map[string]any) {
	t.Helper()
	var out bytes.Buffer
	chunk, err := g.Step(input)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	out.Write(chunk)
	tail, err := g.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	out.Write(tail)
	return out.Bytes(), g.Results()
}

func TestHashAndSizeFiltersPassThroughAndReport(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	g := NewGroup(NewSHA256(), NewSize())
	out, results := drive(t, g, data)
	if !bytes.Equal(out, data) {
		t.Fatalf("passthrough output mismatch: got %q", out)
	}
	want := sha256.Sum256(data)
	if results["sha256"] != hex.EncodeToString(want[:]) {
		t.Fatalf("sha256 result=%v, want %x", results["sha256"], want)
	}
	if results["size"] != int64(len(data)) {
		t.Fatalf("size result=%v, want %d", results["size"], len(data))
	}
}

func TestCaptureFilterCollectsOutput(t *testing.T) {
	data := []byte("capture me")
	g := NewGroup(NewCapture())
	_, results := drive(t, g, data)
	captured, ok := results["capture"].([]byte)
	if !ok || !bytes.Equal(captured, data) {
		t.Fatalf("capture result=%v, want %q", results["capture"], data)
	}
}

func TestGzipRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("gzip round trip payload "), 200)
	compress := NewGroup(NewGzipCompress(6))
	compressed, _ := drive(t, compress, data)
	if bytes.Equal(compressed, data) {
		t.Fatalf("compressed output should differ from input")
	}
	decompress := NewGroup(NewGzipDecompress())
	plain, _ := drive(t, decompress, compressed)
	if !bytes.Equal(plain, data) {
		t.Fatalf("gzip round trip mismatch: got %d bytes, want %d", len(plain), len(data))
	}
}

func TestLz4RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("lz4 round trip payload "), 200)
	compress := NewGroup(NewLz4Compress())
	compressed, _ := drive(t, compress, data)
	if bytes.Equal(compressed, data) {
		t.Fatalf("compressed output should differ from input")
	}
	decompress := NewGroup(NewLz4Decompress())
	plain, _ := drive(t, decompress, compressed)
	if !bytes.Equal(plain, data) {
		t.Fatalf("lz4 round trip mismatch: got %d bytes, want %d", len(plain), len(data))
	}
}

func TestAESRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("secret manifest bytes"), 50)
	salt := []byte("fixed-test-salt-16b")

	enc, err := NewAESEncrypt("correct-horse-battery-staple", salt)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, _ := drive(t, NewGroup(enc), data)
	if bytes.Equal(ciphertext, data) {
		t.Fatalf("ciphertext should differ from plaintext")
	}

	dec, err := NewAESDecrypt("correct-horse-battery-staple", salt)
	if err != nil {
		t.Fatal(err)
	}
	plain, _ := drive(t, NewGroup(dec), ciphertext)
	if !bytes.Equal(plain, data) {
		t.Fatalf("AES round trip mismatch: got %q, want %q", plain, data)
	}
}

func TestAESWrongPassphraseFailsPadding(t *testing.T) {
	data := []byte("a secret message padded to more than one block!!")
	salt := []byte("fixed-test-salt-16b")
	enc, _ := NewAESEncrypt("right-pass", salt)
	ciphertext, _ := drive(t, NewGroup(enc), data)

	dec, _ := NewAESDecrypt("wrong-pass", salt)
	g := NewGroup(dec)
	_, err := g.Step(ciphertext)
	if err == nil {
		_, err = g.Flush()
	}
	if err == nil {
		t.Fatalf("expected a padding/format error when decrypting with the wrong passphrase")
	}
}

func makePage(blockNum uint32, valid bool) []byte {
	page := make([]byte, PageSize)
	for i := range page {
		page[i] = byte(i % 251)
	}
	binary.LittleEndian.PutUint16(page[pageChecksumOffset:], 0)
	sum := computePageChecksum(page, blockNum)
	if !valid {
		sum ^= 0x1
	}
	binary.LittleEndian.PutUint16(page[pageChecksumOffset:], sum)
	return page
}

func TestPageChecksumVerifyFlagsCorruptPages(t *testing.T) {
	good := makePage(0, true)
	bad := makePage(1, false)
	stream := append(append([]byte(nil), good...), bad...)

	g := NewGroup(NewPageChecksumVerify(0))
	out, results := drive(t, g, stream)
	if !bytes.Equal(out, stream) {
		t.Fatalf("page-checksum-verify must pass bytes through unchanged")
	}
	bad32, ok := results["page-checksum-verify"].([]uint32)
	if !ok || len(bad32) != 1 || bad32[0] != 1 {
		t.Fatalf("expected exactly block 1 flagged as corrupt, got %v", results["page-checksum-verify"])
	}
}

func TestPageChecksumVerifyIgnoresUnsetChecksum(t *testing.T) {
	page := make([]byte, PageSize) // checksum field left at 0 ("no checksum")
	g := NewGroup(NewPageChecksumVerify(0))
	_, results := drive(t, g, page)
	bad32 := results["page-checksum-verify"].([]uint32)
	if len(bad32) != 0 {
		t.Fatalf("a page with no checksum set must never be flagged, got %v", bad32)
	}
}

func TestFilterChainComposesMultipleStages(t *testing.T) {
	data := bytes.Repeat([]byte("chained filter payload "), 100)
	g := NewGroup(NewSize(), NewGzipCompress(6), NewSHA256())
	out, results := drive(t, g, data)
	if bytes.Equal(out, data) {
		t.Fatalf("final output should be compressed, not equal to input")
	}
	if results["size"] != int64(len(data)) {
		t.Fatalf("size should reflect pre-compression bytes, got %v", results["size"])
	}
	want := sha256.Sum256(out)
	if results["sha256"] != hex.EncodeToString(want[:]) {
		t.Fatalf("sha256 should reflect post-compression bytes")
	}
}
