package blockdevice

import "errors"

// Memory is an in-RAM Device used by tests. It simulates NOR-flash
// program semantics (programming may only clear bits; EraseSector sets
// the whole sector back to 0xFF) so tests exercise the same
// read-modify-write discipline a real part would require.
type Memory struct {
	buf        []byte
	pageSize   int
	sectorSize int
}

// NewMemory allocates a Memory device of the given size, page size and
// sector size, pre-erased (all 0xFF).
func NewMemory(size, pageSize, sectorSize int) *Memory {
	m := &Memory{
		buf:        make([]byte, size),
		pageSize:   pageSize,
		sectorSize: sectorSize,
	}
	for i := range m.buf {
		m.buf[i] = 0xFF
	}
	return m
}

func (m *Memory) PageSize() int   { return m.pageSize }
func (m *Memory) SectorSize() int { return m.sectorSize }
func (m *Memory) Size() int64     { return int64(len(m.buf)) }

func (m *Memory) ReadPage(offset int64, dst []byte) error {
	if offset < 0 || offset+int64(m.pageSize) > int64(len(m.buf)) {
		return errors.New("blockdevice: memory read out of range")
	}
	copy(dst, m.buf[offset:offset+int64(m.pageSize)])
	return nil
}

func (m *Memory) ProgramPage(offset int64, src []byte) error {
	if offset < 0 || offset+int64(m.pageSize) > int64(len(m.buf)) {
		return errors.New("blockdevice: memory program out of range")
	}
	for i := 0; i < m.pageSize; i++ {
		m.buf[offset+int64(i)] &= src[i]
	}
	return nil
}

func (m *Memory) EraseSector(offset int64) error {
	start := offset - offset%int64(m.sectorSize)
	if start < 0 || start+int64(m.sectorSize) > int64(len(m.buf)) {
		return errors.New("blockdevice: memory erase out of range")
	}
	for i := start; i < start+int64(m.sectorSize); i++ {
		m.buf[i] = 0xFF
	}
	return nil
}

// Contents returns a copy of the raw backing buffer, for test assertions.
func (m *Memory) Contents() []byte {
	out := make([]byte, len(m.buf))
	copy(out, m.buf)
	return out
}
