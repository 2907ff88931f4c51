// Package blockdevice adapts an underlying erase-page/program-page flash
// device to arbitrary-offset, arbitrary-length read/program calls, doing
// read-modify-write across page boundaries with a page-sized bounce
// buffer and erasing each sector at most once per program pass.
package blockdevice

import (
	"errors"
	"io"
	"log/slog"
)

// ErrOutOfRange is returned when a read or program would cross the end
// of the device.
var ErrOutOfRange = errors.New("blockdevice: access out of range")

// Device is the narrow collaborator interface over the real flash part.
// It is out of this module's scope — only erase/program/read primitives
// at page/sector granularity are required of it.
type Device interface {
	// ReadPage reads exactly PageSize() bytes starting at the given
	// page-aligned byte offset.
	ReadPage(offset int64, buf []byte) error
	// ProgramPage programs exactly PageSize() bytes at a page-aligned
	// byte offset. The page's containing sector MUST already be erased.
	ProgramPage(offset int64, buf []byte) error
	// EraseSector erases the sector containing offset (offset is
	// rounded down to a sector boundary by the caller).
	EraseSector(offset int64) error
	PageSize() int
	SectorSize() int
	Size() int64
}

// Adapter presents arbitrary-offset read/program over a Device.
type Adapter struct {
	dev     Device
	logger  *slog.Logger
	page    int
	sector  int
	size    int64
	erased  map[int64]bool // sector offset -> erased since last program pass
	scratch []byte         // page-sized bounce buffer
}

// New wraps dev. A nil logger defaults to slog.Default().
func New(dev Device, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	page := dev.PageSize()
	return &Adapter{
		dev:     dev,
		logger:  logger,
		page:    page,
		sector:  dev.SectorSize(),
		size:    dev.Size(),
		erased:  make(map[int64]bool),
		scratch: make([]byte, page),
	}
}

func (a *Adapter) Size() int64 { return a.size }
func (a *Adapter) PageSize() int { return a.page }
func (a *Adapter) SectorSize() int { return a.sector }

// Read copies length bytes starting at offset into buf.
func (a *Adapter) Read(buf []byte, offset int64, length int) error {
	if offset < 0 || length < 0 || offset+int64(length) > a.size {
		return ErrOutOfRange
	}
	if len(buf) < length {
		return ErrOutOfRange
	}
	pageOff := a.pageAlign(offset)
	for written := 0; written < length; {
		if err := a.dev.ReadPage(pageOff, a.scratch); err != nil {
			return err
		}
		start := int(offset+int64(written)) - int(pageOff)
		n := copy(buf[written:length], a.scratch[start:])
		written += n
		pageOff += int64(a.page)
	}
	return nil
}

// Program writes length bytes from src starting at offset, performing
// read-modify-write across page boundaries and erasing each sector on
// its first touch.
func (a *Adapter) Program(src []byte, offset int64, length int) error {
	if offset < 0 || length < 0 || offset+int64(length) > a.size {
		return ErrOutOfRange
	}
	if len(src) < length {
		return ErrOutOfRange
	}
	pageOff := a.pageAlign(offset)
	for written := 0; written < length; {
		// Read the page's current content before erasing the sector,
		// since erase clears bytes outside the written window too.
		if err := a.dev.ReadPage(pageOff, a.scratch); err != nil {
			return err
		}
		start := int(offset+int64(written)) - int(pageOff)
		n := copy(a.scratch[start:], src[written:length])
		if err := a.ensureErased(pageOff); err != nil {
			return err
		}
		if err := a.dev.ProgramPage(pageOff, a.scratch); err != nil {
			return err
		}
		written += n
		pageOff += int64(a.page)
	}
	return nil
}

// ResetErasureTracking forgets which sectors have been erased, so the
// next Program call erases them again on first touch. Call this when
// starting a fresh session over a region that may hold stale data.
func (a *Adapter) ResetErasureTracking() {
	a.erased = make(map[int64]bool)
}

func (a *Adapter) ensureErased(pageOff int64) error {
	sectorOff := pageOff - pageOff%int64(a.sector)
	if a.erased[sectorOff] {
		return nil
	}
	a.logger.Debug("blockdevice:erase", slog.Int64("sector", sectorOff))
	if err := a.dev.EraseSector(sectorOff); err != nil {
		return err
	}
	a.erased[sectorOff] = true
	return nil
}

func (a *Adapter) pageAlign(offset int64) int64 {
	return offset - offset%int64(a.page)
}

// SectionReader is a read-only io.ReadSeeker over a fixed [base,
// base+size) window of an Adapter, for streaming a block-device region
// into a digest/checksum without loading it into a single buffer.
type SectionReader struct {
	a      *Adapter
	base   int64
	size   int64
	offset int64
}

// NewSectionReader returns a SectionReader over a[base : base+size).
func NewSectionReader(a *Adapter, base, size int64) *SectionReader {
	return &SectionReader{a: a, base: base, size: size}
}

func (r *SectionReader) Read(p []byte) (int, error) {
	if r.offset >= r.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if remaining := r.size - r.offset; n > remaining {
		n = remaining
	}
	if err := r.a.Read(p[:n], r.base+r.offset, int(n)); err != nil {
		return 0, err
	}
	r.offset += n
	return int(n), nil
}

func (r *SectionReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.offset = offset
	case io.SeekCurrent:
		r.offset += offset
	case io.SeekEnd:
		r.offset = r.size + offset
	default:
		return 0, ErrOutOfRange
	}
	if r.offset < 0 {
		return 0, ErrOutOfRange
	}
	return r.offset, nil
}
