// Package container implements the owned byte buffer primitive that the
// pack codec, filter chain, and I/O endpoints build on (spec.md §4.1).
//
// Go slices already give us ptr/used/size-alloc for free, so Buffer is a
// thin wrapper that adds the two things a raw []byte doesn't: a logical
// limit that can truncate the view without reallocating, and a
// grow-by-doubling policy with configurable slack so repeated small
// appends don't thrash the allocator.
package container

import "fmt"

// DefaultSlack is the minimum extra capacity reserved on a grow, beyond
// simple doubling, for buffers that start very small.
const DefaultSlack = 4096

// Buffer is a mutable, owned byte buffer with a logical limit.
//
// limit, when >= 0, caps Len()/Bytes() to a prefix of the underlying
// storage without discarding the rest — Grow/Append past a shrunk limit
// simply extends the view again rather than reallocating.
type Buffer struct {
	data  []byte
	used  int
	limit int // -1 means "no limit": Len() == used
	slack int
}

// NewBuffer returns an empty buffer with the given initial capacity hint.
func NewBuffer(capHint int) *Buffer {
	if capHint < 0 {
		capHint = 0
	}
	return &Buffer{data: make([]byte, 0, capHint), limit: -1, slack: DefaultSlack}
}

// NewBufferBytes wraps an existing slice as the buffer's initial content;
// the slice is taken by reference, not copied.
func NewBufferBytes(b []byte) *Buffer {
	return &Buffer{data: b, used: len(b), limit: -1, slack: DefaultSlack}
}

// SetSlack overrides the minimum extra capacity reserved on grow.
func (b *Buffer) SetSlack(n int) {
	if n < 0 {
		n = 0
	}
	b.slack = n
}

// Len returns the logical size: used, or limit when a limit is set and is
// smaller than used.
func (b *Buffer) Len() int {
	if b.limit >= 0 && b.limit < b.used {
		return b.limit
	}
	return b.used
}

// Cap returns the allocated capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// SetLimit sets a logical size ceiling; -1 clears it. SetLimit does not
// reallocate — it only changes what Bytes()/Len() report.
func (b *Buffer) SetLimit(limit int) { b.limit = limit }

// Limit returns the current limit, or -1 if unset.
func (b *Buffer) Limit() int { return b.limit }

// Bytes returns the logical view of the buffer's content. The returned
// slice aliases internal storage; callers must not retain it across a
// mutating call.
func (b *Buffer) Bytes() []byte { return b.data[:b.Len()] }

// grow ensures at least n additional bytes of capacity beyond used,
// doubling capacity with a minimum slack when a reallocation is needed.
func (b *Buffer) grow(n int) {
	need := b.used + n
	if need <= cap(b.data) {
		return
	}
	newCap := cap(b.data) * 2
	if newCap < need+b.slack {
		newCap = need + b.slack
	}
	fresh := make([]byte, b.used, newCap)
	copy(fresh, b.data[:b.used])
	b.data = fresh
}

// Append copies p onto the end of the buffer, growing as needed, and
// clears any limit shorter than the new used length.
func (b *Buffer) Append(p []byte) {
	b.grow(len(p))
	b.data = b.data[:b.used+len(p)]
	copy(b.data[b.used:], p)
	b.used += len(p)
	if b.limit >= 0 && b.limit < b.used {
		b.limit = -1
	}
}

// Reset empties the buffer and clears any limit, retaining capacity.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.used = 0
	b.limit = -1
}

// Const returns an immutable wrapper holding a copy of this buffer's
// current logical bytes. Mutating methods on the result panic.
func (b *Buffer) Const() *ConstBuffer {
	cp := make([]byte, b.Len())
	copy(cp, b.Bytes())
	return &ConstBuffer{data: cp}
}

// ConstBuffer is an immutable byte buffer formed around data the caller
// guarantees will not change. Any attempted mutation is a programmer
// error and panics, per spec.md §4.1 ("must fail with an assertion").
type ConstBuffer struct {
	data []byte
}

// NewConstBuffer wraps b without copying; the caller must not mutate b
// afterward.
func NewConstBuffer(b []byte) *ConstBuffer { return &ConstBuffer{data: b} }

// Len returns the number of bytes.
func (c *ConstBuffer) Len() int { return len(c.data) }

// Bytes returns the immutable content.
func (c *ConstBuffer) Bytes() []byte { return c.data }

// Mutate always panics; ConstBuffer exists precisely to make mutation a
// programming error rather than a silent data race.
func (c *ConstBuffer) Mutate() {
	panic(fmt.Errorf("container: attempted mutation of a const buffer"))
}

// Equal reports content equality, matching spec.md's "identity/equality
// is by content" rule for both Buffer and ConstBuffer.
func (b *Buffer) Equal(other *Buffer) bool {
	if other == nil {
		return false
	}
	return bytesEqual(b.Bytes(), other.Bytes())
}

// Equal reports content equality against another ConstBuffer.
func (c *ConstBuffer) Equal(other *ConstBuffer) bool {
	if other == nil {
		return false
	}
	return bytesEqual(c.data, other.data)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
