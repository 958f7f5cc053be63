package filter

import (
	"crypto/sha1" //nolint:gosec // repository checksums are sha1 by wire-format convention (spec.md §4.6), not for security
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/vbp1/pgbackrest-go/internal/container"
)

// HashFilter passes bytes through unchanged while accumulating a digest,
// surfaced as a hex string Result after Flush.
type HashFilter struct {
	name string
	h    hash.Hash
	done bool
}

// NewSHA1 returns a passthrough filter computing a SHA-1 digest, used
// by archivecmd for archived WAL segment checksums.
func NewSHA1() *HashFilter { return &HashFilter{name: "sha1", h: sha1.New()} } //nolint:gosec

// NewSHA256 returns a passthrough filter computing a SHA-256 digest,
// used for manifest file checksums.
func NewSHA256() *HashFilter { return &HashFilter{name: "sha256", h: sha256.New()} }

func (f *HashFilter) Name() string { return f.name }

func (f *HashFilter) Step(in []byte, out *container.Buffer) (bool, error) {
	if len(in) > 0 {
		f.h.Write(in)
		out.Append(in)
	}
	return false, nil
}

func (f *HashFilter) Flush(out *container.Buffer) error {
	f.done = true
	return nil
}

func (f *HashFilter) Done() bool { return f.done }

func (f *HashFilter) Result() (any, bool) {
	if !f.done {
		return nil, false
	}
	return hex.EncodeToString(f.h.Sum(nil)), true
}

// SizeFilter passes bytes through unchanged while accumulating a running
// byte count, surfaced as an int64 Result after Flush.
type SizeFilter struct {
	total int64
	done  bool
}

// NewSize returns a passthrough filter that counts total bytes seen.
func NewSize() *SizeFilter { return &SizeFilter{} }

func (f *SizeFilter) Name() string { return "size" }

func (f *SizeFilter) Step(in []byte, out *container.Buffer) (bool, error) {
	f.total += int64(len(in))
	out.Append(in)
	return false, nil
}

func (f *SizeFilter) Flush(out *container.Buffer) error {
	f.done = true
	return nil
}

func (f *SizeFilter) Done() bool { return f.done }

func (f *SizeFilter) Result() (any, bool) {
	if !f.done {
		return nil, false
	}
	return f.total, true
}

// CaptureFilter passes bytes through unchanged while also collecting a
// copy, surfaced as a []byte Result after Flush — used to grab small
// payloads (e.g. a backup label file) inline in a filter chain.
type CaptureFilter struct {
	buf  *container.Buffer
	done bool
}

// NewCapture returns a passthrough filter that captures everything it
// sees.
func NewCapture() *CaptureFilter { return &CaptureFilter{buf: container.NewBuffer(0)} }

func (f *CaptureFilter) Name() string { return "capture" }

func (f *CaptureFilter) Step(in []byte, out *container.Buffer) (bool, error) {
	f.buf.Append(in)
	out.Append(in)
	return false, nil
}

func (f *CaptureFilter) Flush(out *container.Buffer) error {
	f.done = true
	return nil
}

func (f *CaptureFilter) Done() bool { return f.done }

func (f *CaptureFilter) Result() (any, bool) {
	if !f.done {
		return nil, false
	}
	cp := make([]byte, f.buf.Len())
	copy(cp, f.buf.Bytes())
	return cp, true
}
