package pack

import (
	"bytes"
	"fmt"
)

// frame tracks per-container write state: the last id written and the
// count of implicit-id default writes pending (spec.md §4.2's
// "idLast, nullTotal" pair).
type frame struct {
	idLast    int
	nullTotal int
}

// Writer encodes a stream of tagged fields into nested array/obj frames.
// A fresh Writer is itself an implicit top-level container: callers
// BeginArray/BeginObj to nest, and End() to close, but the outermost
// frame needs no explicit begin.
type Writer struct {
	buf   bytes.Buffer
	stack []*frame
}

// NewWriter returns a Writer ready to accept fields in the implicit
// top-level container.
func NewWriter() *Writer {
	return &Writer{stack: []*frame{{}}}
}

// Bytes returns the encoded stream so far. The outermost frame is never
// terminated by a zero byte — callers wrap the whole message in an
// explicit BeginObj/End if a self-delimiting stream is needed.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) top() *frame { return w.stack[len(w.stack)-1] }

// NextID returns the id an implicit-id write would use right now:
// idLast + nullTotal + 1.
func (w *Writer) NextID() int {
	f := w.top()
	return f.idLast + f.nullTotal + 1
}

// SkipDefault bumps the container's null run without emitting a tag, for
// a caller writing a default value at the next implicit id.
func (w *Writer) SkipDefault() { w.top().nullTotal++ }

func (w *Writer) consume(id int) {
	f := w.top()
	f.idLast = id
	f.nullTotal = 0
}

func (w *Writer) deltaFor(id int) (int, error) {
	f := w.top()
	delta := id - f.idLast - 1
	if delta < 0 {
		return 0, fmt.Errorf("pack: id %d is not strictly ascending (last written %d)", id, f.idLast)
	}
	return delta, nil
}

func (w *Writer) writeMultiBit(typ Type, id int, raw uint64) error {
	delta, err := w.deltaFor(id)
	if err != nil {
		return err
	}
	lowDelta := byte(delta & 0x3)
	rem := uint64(delta >> 2)
	tag := byte(typ) << 4
	if (raw == 0 || raw == 1) && rem == 0 {
		tag |= 1 << 3
		tag |= byte(raw) << 2
		tag |= lowDelta
		w.buf.WriteByte(tag)
	} else {
		more := rem != 0
		if more {
			tag |= 1 << 2
		}
		tag |= lowDelta
		w.buf.WriteByte(tag)
		if more {
			writeUvarint(&w.buf, rem)
		}
		writeUvarint(&w.buf, raw)
	}
	w.consume(id)
	return nil
}

func (w *Writer) writeSingleBit(typ Type, id int, set bool, payload []byte) error {
	delta, err := w.deltaFor(id)
	if err != nil {
		return err
	}
	lowDelta := byte(delta & 0x3)
	rem := uint64(delta >> 2)
	more := rem != 0
	tag := byte(typ) << 4
	if set {
		tag |= 1 << 3
	}
	if more {
		tag |= 1 << 2
	}
	tag |= lowDelta
	w.buf.WriteByte(tag)
	if more {
		writeUvarint(&w.buf, rem)
	}
	if set && typ != TypeBool {
		writeUvarint(&w.buf, uint64(len(payload)))
		w.buf.Write(payload)
	}
	w.consume(id)
	return nil
}

func (w *Writer) beginContainer(typ Type, id int) error {
	delta, err := w.deltaFor(id)
	if err != nil {
		return err
	}
	lowDelta := byte(delta & 0x7)
	rem := uint64(delta >> 3)
	more := rem != 0
	tag := byte(typ) << 4
	if more {
		tag |= 1 << 3
	}
	tag |= lowDelta
	w.buf.WriteByte(tag)
	if more {
		writeUvarint(&w.buf, rem)
	}
	w.consume(id)
	w.stack = append(w.stack, &frame{})
	return nil
}

// BeginArray opens a nested array field at id.
func (w *Writer) BeginArray(id int) error { return w.beginContainer(TypeArray, id) }

// BeginObj opens a nested object field at id.
func (w *Writer) BeginObj(id int) error { return w.beginContainer(TypeObj, id) }

// End closes the innermost open array/obj with the zero terminator byte.
func (w *Writer) End() error {
	if len(w.stack) < 2 {
		return fmt.Errorf("pack: End() called with no open container")
	}
	w.buf.WriteByte(0)
	w.stack = w.stack[:len(w.stack)-1]
	return nil
}

// WriteBool writes a boolean field.
func (w *Writer) WriteBool(id int, v bool) error { return w.writeSingleBit(TypeBool, id, v, nil) }

// WriteBin writes a binary field; an empty slice is encoded as the
// "empty" bit with no following bytes.
func (w *Writer) WriteBin(id int, b []byte) error { return w.writeSingleBit(TypeBin, id, len(b) > 0, b) }

// WriteStr writes a UTF-8 string field.
func (w *Writer) WriteStr(id int, s string) error {
	return w.writeSingleBit(TypeStr, id, len(s) > 0, []byte(s))
}

// WriteI32 writes a zigzag-encoded 32-bit signed integer.
func (w *Writer) WriteI32(id int, v int32) error { return w.writeMultiBit(TypeI32, id, zigzag64(int64(v))) }

// WriteI64 writes a zigzag-encoded 64-bit signed integer.
func (w *Writer) WriteI64(id int, v int64) error { return w.writeMultiBit(TypeI64, id, zigzag64(v)) }

// WriteU32 writes an unsigned 32-bit integer.
func (w *Writer) WriteU32(id int, v uint32) error { return w.writeMultiBit(TypeU32, id, uint64(v)) }

// WriteU64 writes an unsigned 64-bit integer.
func (w *Writer) WriteU64(id int, v uint64) error { return w.writeMultiBit(TypeU64, id, v) }

// WriteTime writes a Unix-second timestamp.
func (w *Writer) WriteTime(id int, unixSec int64) error {
	return w.writeMultiBit(TypeTime, id, zigzag64(unixSec))
}

// WritePtr writes an opaque unsigned handle value.
func (w *Writer) WritePtr(id int, v uint64) error { return w.writeMultiBit(TypePtr, id, v) }
