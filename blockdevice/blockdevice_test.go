package blockdevice

import "testing"

func newTestAdapter() *Adapter {
	mem := NewMemory(4096*4, 256, 4096)
	return New(mem, nil)
}

func TestProgramThenRead(t *testing.T) {
	a := newTestAdapter()
	data := []byte("hello, fragmented world")
	if err := a.Program(data, 100, len(data)); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	got := make([]byte, len(data))
	if err := a.Read(got, 100, len(data)); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Read() = %q, want %q", got, data)
	}
}

func TestProgramPreservesNeighborsOnSamePage(t *testing.T) {
	a := newTestAdapter()
	if err := a.Program([]byte("AAAA"), 0, 4); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	if err := a.Program([]byte("BBBB"), 4, 4); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	got := make([]byte, 8)
	if err := a.Read(got, 0, 8); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "AAAABBBB" {
		t.Errorf("Read() = %q, want %q", got, "AAAABBBB")
	}
}

func TestProgramSpansMultiplePages(t *testing.T) {
	a := newTestAdapter()
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	if err := a.Program(data, 200, len(data)); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	got := make([]byte, len(data))
	if err := a.Read(got, 200, len(data)); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("Read()[%d] = %d, want %d", i, got[i], data[i])
		}
	}
}

func TestReadOutOfRange(t *testing.T) {
	a := newTestAdapter()
	buf := make([]byte, 16)
	if err := a.Read(buf, a.Size()-4, 16); err != ErrOutOfRange {
		t.Errorf("Read() error = %v, want %v", err, ErrOutOfRange)
	}
}

func TestProgramOutOfRange(t *testing.T) {
	a := newTestAdapter()
	if err := a.Program(make([]byte, 16), a.Size()-4, 16); err != ErrOutOfRange {
		t.Errorf("Program() error = %v, want %v", err, ErrOutOfRange)
	}
}

func TestSectorErasedOnlyOnce(t *testing.T) {
	mem := NewMemory(4096*2, 256, 4096)
	a := New(mem, nil)
	if err := a.Program([]byte{0x01}, 0, 1); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	if err := a.Program([]byte{0x02}, 256, 1); err != nil {
		t.Fatalf("Program() error = %v", err)
	}
	got := make([]byte, 1)
	if err := a.Read(got, 0, 1); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got[0] != 0x01 {
		t.Errorf("Read()[0] = %#x, want 0x01 (second write in same sector must not erase the first)", got[0])
	}
}
