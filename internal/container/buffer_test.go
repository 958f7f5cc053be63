package container

import "testing"

func TestBufferAppendGrow(t *testing.T) {
	b := NewBuffer(2)
	b.Append([]byte("ab"))
	b.Append([]byte("cdef"))
	if got := string(b.Bytes()); got != "abcdef" {
		t.Fatalf("Bytes()=%q, want abcdef", got)
	}
	if b.Len() != 6 {
		t.Fatalf("Len()=%d, want 6", b.Len())
	}
}

func TestBufferLimitTruncatesWithoutDroppingData(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("hello world"))
	b.SetLimit(5)
	if got := string(b.Bytes()); got != "hello" {
		t.Fatalf("Bytes()=%q, want hello", got)
	}
	// Appending past a shrunk limit clears it and extends the view again.
	b.Append([]byte("!"))
	if got := string(b.Bytes()); got != "hello world!" {
		t.Fatalf("Bytes() after append=%q, want hello world!", got)
	}
}

func TestBufferReset(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("data"))
	b.SetLimit(2)
	b.Reset()
	if b.Len() != 0 || b.Limit() != -1 {
		t.Fatalf("Reset() left Len()=%d Limit()=%d, want 0 -1", b.Len(), b.Limit())
	}
}

func TestBufferEqualByContent(t *testing.T) {
	a := NewBuffer(0)
	a.Append([]byte("xyz"))
	b := NewBuffer(0)
	b.Append([]byte("xyz"))
	if !a.Equal(b) {
		t.Fatalf("expected equal buffers with identical content")
	}
	b.Append([]byte("!"))
	if a.Equal(b) {
		t.Fatalf("expected unequal buffers after divergent append")
	}
}

func TestConstBufferMutatePanics(t *testing.T) {
	c := NewConstBuffer([]byte("frozen"))
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Mutate to panic")
		}
	}()
	c.Mutate()
}

func TestConstBufferFromBuffer(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("snap"))
	c := b.Const()
	b.Append([]byte("shot"))
	if string(c.Bytes()) != "snap" {
		t.Fatalf("Const() should snapshot, got %q", c.Bytes())
	}
}
