package filter

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/vbp1/pgbackrest-go/internal/container"
)

// Lz4Compress streams input through pierrec/lz4, flushing compressed
// frame data out after every Step.
type Lz4Compress struct {
	sink *bytes.Buffer
	zw   *lz4.Writer
	done bool
}

// NewLz4Compress returns an lz4 compressor using the library's default
// compression level.
func NewLz4Compress() *Lz4Compress {
	sink := &bytes.Buffer{}
	return &Lz4Compress{sink: sink, zw: lz4.NewWriter(sink)}
}

func (f *Lz4Compress) Name() string { return "lz4-compress" }

func (f *Lz4Compress) Step(in []byte, out *container.Buffer) (bool, error) {
	if len(in) > 0 {
		if _, err := f.zw.Write(in); err != nil {
			return false, err
		}
		if err := f.zw.Flush(); err != nil {
			return false, err
		}
	}
	out.Append(f.sink.Bytes())
	f.sink.Reset()
	return false, nil
}

func (f *Lz4Compress) Flush(out *container.Buffer) error {
	if f.done {
		return nil
	}
	if err := f.zw.Close(); err != nil {
		return err
	}
	out.Append(f.sink.Bytes())
	f.sink.Reset()
	f.done = true
	return nil
}

func (f *Lz4Compress) Done() bool           { return f.done }
func (f *Lz4Compress) Result() (any, bool) { return nil, false }

// Lz4Decompress buffers the full compressed frame and inflates it at
// Flush, for the same reason GzipDecompress does (see its doc comment).
type Lz4Decompress struct {
	pending bytes.Buffer
	done    bool
}

// NewLz4Decompress returns an lz4 decompressor.
func NewLz4Decompress() *Lz4Decompress { return &Lz4Decompress{} }

func (f *Lz4Decompress) Name() string { return "lz4-decompress" }

func (f *Lz4Decompress) Step(in []byte, out *container.Buffer) (bool, error) {
	f.pending.Write(in)
	return false, nil
}

func (f *Lz4Decompress) Flush(out *container.Buffer) error {
	if f.done {
		return nil
	}
	if f.pending.Len() > 0 {
		zr := lz4.NewReader(bytes.NewReader(f.pending.Bytes()))
		plain, err := io.ReadAll(zr)
		if err != nil {
			return fmt.Errorf("filter: lz4-decompress: %w", err)
		}
		out.Append(plain)
	}
	f.done = true
	return nil
}

func (f *Lz4Decompress) Done() bool           { return f.done }
func (f *Lz4Decompress) Result() (any, bool) { return nil, false }
