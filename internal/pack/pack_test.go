package pack

import "testing"

func TestRoundTripScalarFields(t *testing.T) {
	w := NewWriter()
	if err := w.WriteU64(1, 42); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteI64(2, -7); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteBool(3, true); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteStr(4, "sample"); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteBin(5, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	r := NewReader(w.Bytes())
	if v, present, err := r.ReadU64(1); err != nil || !present || v != 42 {
		t.Fatalf("ReadU64(1)=%d present=%v err=%v", v, present, err)
	}
	if v, present, err := r.ReadI64(2); err != nil || !present || v != -7 {
		t.Fatalf("ReadI64(2)=%d present=%v err=%v", v, present, err)
	}
	if v, present, err := r.ReadBool(3); err != nil || !present || v != true {
		t.Fatalf("ReadBool(3)=%v present=%v err=%v", v, present, err)
	}
	if v, present, err := r.ReadStr(4); err != nil || !present || v != "sample" {
		t.Fatalf("ReadStr(4)=%q present=%v err=%v", v, present, err)
	}
	if v, present, err := r.ReadBin(5); err != nil || !present || string(v) != "\x01\x02\x03" {
		t.Fatalf("ReadBin(5)=%v present=%v err=%v", v, present, err)
	}
}

func TestRandomAccessSkipsGaps(t *testing.T) {
	w := NewWriter()
	_ = w.WriteU64(1, 100)
	_ = w.WriteU64(5, 500)
	_ = w.WriteU64(10, 1000)

	r := NewReader(w.Bytes())
	// Asking for an id between two written fields must report absent
	// without erroring, and not disturb later reads.
	if _, present, err := r.ReadU64(3); err != nil || present {
		t.Fatalf("ReadU64(3) should be absent, got present=%v err=%v", present, err)
	}
	if v, present, err := r.ReadU64(5); err != nil || !present || v != 500 {
		t.Fatalf("ReadU64(5)=%d present=%v err=%v", v, present, err)
	}
	if v, present, err := r.ReadU64(10); err != nil || !present || v != 1000 {
		t.Fatalf("ReadU64(10)=%d present=%v err=%v", v, present, err)
	}
}

func TestUnknownIDYieldsNotPresentWithoutFailure(t *testing.T) {
	w := NewWriter()
	_ = w.WriteU64(1, 7)

	r := NewReader(w.Bytes())
	if _, present, err := r.ReadU64(99); err != nil || present {
		t.Fatalf("reading past the only field should be absent, got present=%v err=%v", present, err)
	}
}

func TestForwardCompatibilityHigherIDIgnoredByOldReader(t *testing.T) {
	// A "new" writer adds a field at a higher id than an "old" reader
	// knows about; the old reader must still read its own fields and
	// close the container cleanly via End().
	w := NewWriter()
	_ = w.BeginObj(1)
	_ = w.WriteU64(1, 10)
	_ = w.WriteStr(2, "future-field-old-reader-ignores")
	_ = w.End()

	r := NewReader(w.Bytes())
	present, err := r.BeginObj(1)
	if err != nil || !present {
		t.Fatalf("BeginObj(1) present=%v err=%v", present, err)
	}
	if v, present, err := r.ReadU64(1); err != nil || !present || v != 10 {
		t.Fatalf("ReadU64(1)=%d present=%v err=%v", v, present, err)
	}
	// Old reader never calls ReadStr(2); End() must skip it without error.
	if err := r.End(); err != nil {
		t.Fatalf("End() should skip unknown trailing field: %v", err)
	}
}

func TestNestedContainersRoundTrip(t *testing.T) {
	w := NewWriter()
	_ = w.BeginObj(1)
	_ = w.WriteStr(1, "outer")
	_ = w.BeginArray(2)
	_ = w.WriteU64(1, 11)
	_ = w.WriteU64(2, 22)
	_ = w.End() // array
	_ = w.WriteBool(3, true)
	_ = w.End() // obj

	r := NewReader(w.Bytes())
	present, err := r.BeginObj(1)
	if err != nil || !present {
		t.Fatalf("BeginObj(1): present=%v err=%v", present, err)
	}
	if v, present, err := r.ReadStr(1); err != nil || !present || v != "outer" {
		t.Fatalf("ReadStr(1)=%q present=%v err=%v", v, present, err)
	}
	present, err = r.BeginArray(2)
	if err != nil || !present {
		t.Fatalf("BeginArray(2): present=%v err=%v", present, err)
	}
	if v, _, _ := r.ReadU64(1); v != 11 {
		t.Fatalf("array[1]=%d want 11", v)
	}
	if v, _, _ := r.ReadU64(2); v != 22 {
		t.Fatalf("array[2]=%d want 22", v)
	}
	if err := r.End(); err != nil {
		t.Fatalf("array End(): %v", err)
	}
	if v, present, err := r.ReadBool(3); err != nil || !present || !v {
		t.Fatalf("ReadBool(3)=%v present=%v err=%v", v, present, err)
	}
	if err := r.End(); err != nil {
		t.Fatalf("obj End(): %v", err)
	}
}

func TestSkippingOverNestedContainerDiscardsItsSubtree(t *testing.T) {
	w := NewWriter()
	_ = w.BeginArray(2) // nested container the reader below will skip entirely
	_ = w.WriteU64(1, 1)
	_ = w.BeginObj(2)
	_ = w.WriteU64(1, 2)
	_ = w.End()
	_ = w.WriteU64(3, 3)
	_ = w.End()
	_ = w.WriteU64(9, 900) // field after the skipped container

	r := NewReader(w.Bytes())
	// Skip straight to id 9 without ever descending into the array at id 2.
	if v, present, err := r.ReadU64(9); err != nil || !present || v != 900 {
		t.Fatalf("ReadU64(9)=%d present=%v err=%v", v, present, err)
	}
}

func TestEmptyStringDistinctFromAbsent(t *testing.T) {
	w := NewWriter()
	_ = w.WriteStr(1, "")
	_ = w.WriteStr(3, "present")

	r := NewReader(w.Bytes())
	if v, present, err := r.ReadStr(1); err != nil || !present || v != "" {
		t.Fatalf("empty string field: v=%q present=%v err=%v", v, present, err)
	}
	if _, present, err := r.ReadStr(2); err != nil || present {
		t.Fatalf("id 2 was never written, should be absent: present=%v err=%v", present, err)
	}
	if v, present, err := r.ReadStr(3); err != nil || !present || v != "present" {
		t.Fatalf("ReadStr(3)=%q present=%v err=%v", v, present, err)
	}
}

func TestTypeMismatchIsAFormatError(t *testing.T) {
	w := NewWriter()
	_ = w.WriteU64(1, 5)

	r := NewReader(w.Bytes())
	if _, _, err := r.ReadStr(1); err == nil {
		t.Fatalf("reading a u64 field as str should fail")
	}
}

func TestSmallValuesFitInTagWithoutVarint(t *testing.T) {
	w0 := NewWriter()
	_ = w0.WriteU64(1, 0)
	w1 := NewWriter()
	_ = w1.WriteU64(1, 1)
	w2 := NewWriter()
	_ = w2.WriteU64(1, 2)

	if got := len(w0.Bytes()); got != 1 {
		t.Fatalf("value 0 should fit entirely in the tag byte, got %d bytes", got)
	}
	if got := len(w1.Bytes()); got != 1 {
		t.Fatalf("value 1 should fit entirely in the tag byte, got %d bytes", got)
	}
	if got := len(w2.Bytes()); got <= 1 {
		t.Fatalf("value 2 cannot fit in the tag's single value bit, expected a trailing varint byte")
	}
}

func TestZigzagRoundTrip(t *testing.T) {
	vals := []int64{0, 1, -1, 2, -2, 1000000, -1000000}
	for _, v := range vals {
		if got := unzigzag64(zigzag64(v)); got != v {
			t.Fatalf("zigzag round trip failed for %d, got %d", v, got)
		}
	}
}

func TestContainerEndIsZeroByte(t *testing.T) {
	w := NewWriter()
	_ = w.BeginArray(1)
	_ = w.End()
	b := w.Bytes()
	if len(b) != 2 || b[1] != 0 {
		t.Fatalf("expected a 2-byte stream ending in a zero terminator, got % x", b)
	}
}

func TestAscendingIDEnforced(t *testing.T) {
	w := NewWriter()
	_ = w.WriteU64(5, 1)
	if err := w.WriteU64(3, 2); err == nil {
		t.Fatalf("expected an error writing a non-ascending id")
	}
}

func TestNextIDAndSkipDefault(t *testing.T) {
	w := NewWriter()
	if got := w.NextID(); got != 1 {
		t.Fatalf("NextID() on fresh frame = %d, want 1", got)
	}
	w.SkipDefault() // pretend id 1 held a default value, not written
	if got := w.NextID(); got != 2 {
		t.Fatalf("NextID() after one SkipDefault = %d, want 2", got)
	}
	w.SkipDefault()
	if got := w.NextID(); got != 3 {
		t.Fatalf("NextID() after two SkipDefault = %d, want 3", got)
	}
	if err := w.WriteU64(w.NextID(), 99); err != nil {
		t.Fatal(err)
	}
	if got := w.NextID(); got != 4 {
		t.Fatalf("NextID() after a write should reset the null run, got %d", got)
	}
}
