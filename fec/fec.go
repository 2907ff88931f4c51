// Package fec implements the systolic binary-matrix forward-error-
// correction codec used to reconstruct a firmware payload from a lossy
// stream of data and redundancy fragments: a deterministic LFSR-seeded
// parity generator (see lfsr.go) paired with sparse online Gaussian
// elimination over GF(2).
package fec

import (
	"errors"
	"log/slog"

	"openenterprise/fuota/blockdevice"
)

// ErrMatrix reports a parity inconsistency: an incoming redundancy row
// reduced to an empty mask with a nonzero payload. Never fatal to the
// caller — the session reports the loss and keeps running. A stored row
// that later collapses the same way is only logged and discarded.
var ErrMatrix = errors.New("fec: parity inconsistency")

type row struct {
	mask    BitSet
	payload []byte
}

// Decoder reconstructs k data rows of fragSize bytes each, spilling
// resolved rows to a block device and keeping unresolved reduction state
// in RAM (bounded by MaxOutstandingRows, if set).
type Decoder struct {
	bd          *blockdevice.Adapter
	flashOffset int64
	fragSize    int
	k           int
	logger      *slog.Logger

	dataReceived BitSet
	rows         []*row // len k; rows[p] holds the row pivoted at column p, or nil

	// MaxOutstandingRows bounds how many unresolved redundancy rows may
	// be held in RAM at once; 0 means unlimited. Exceeding it raises
	// OutOfMemory() without touching existing state.
	MaxOutstandingRows int
	outstanding        int
	outOfMemory        bool

	highestSeen int
	complete    bool
}

// NewDecoder creates a Decoder over k data columns of fragSize bytes,
// reading/writing resolved rows at bd[flashOffset : flashOffset+k*fragSize).
func NewDecoder(bd *blockdevice.Adapter, flashOffset int64, fragSize, k int, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		bd:           bd,
		flashOffset:  flashOffset,
		fragSize:     fragSize,
		k:            k,
		logger:       logger,
		dataReceived: NewBitSet(k),
		rows:         make([]*row, k),
	}
}

func (d *Decoder) K() int            { return d.k }
func (d *Decoder) Complete() bool    { return d.complete }
func (d *Decoder) OutOfMemory() bool { return d.outOfMemory }

// ReceivedCount returns the number of data columns resolved so far
// (directly received or derived by elimination).
func (d *Decoder) ReceivedCount() int { return d.dataReceived.PopCount() }

func (d *Decoder) dataOffset(col int) int64 {
	return d.flashOffset + int64(col)*int64(d.fragSize)
}

// ProcessDataFragment ingests data row i (1-based). Returns complete=true
// once every column has been resolved.
func (d *Decoder) ProcessDataFragment(i int, payload []byte) (complete bool, err error) {
	col := i - 1
	if col < d.k && col > d.highestSeen {
		d.highestSeen = col
	}
	if col >= d.k {
		return d.complete, nil
	}
	if d.dataReceived.Test(col) {
		return d.complete, nil // duplicate: idempotent no-op
	}
	if err := d.bd.Program(payload, d.dataOffset(col), d.fragSize); err != nil {
		return d.complete, err
	}
	if err := d.resolve(col, payload); err != nil {
		return d.complete, err
	}
	return d.complete, nil
}

// ProcessRedundancyFragment ingests redundancy row j (1-based). Returns
// complete=true once every data column has been resolved.
func (d *Decoder) ProcessRedundancyFragment(j uint16, payload []byte) (complete bool, err error) {
	mask := parityMask(j, d.k)
	buf := make([]byte, d.fragSize)
	copy(buf, payload)

	// Reduce against already-known data rows.
	known := make([]byte, d.fragSize)
	for col := 0; col < d.k; col++ {
		if !mask.Test(col) || !d.dataReceived.Test(col) {
			continue
		}
		if err := d.bd.Read(known, d.dataOffset(col), d.fragSize); err != nil {
			return d.complete, err
		}
		xorInto(buf, known)
		mask.Clear(col)
	}

	if mask.IsEmpty() {
		if !isZero(buf) {
			return d.complete, ErrMatrix
		}
		return d.complete, nil // fully redundant with known state
	}

	// Online Gaussian elimination against stored pivots.
	for {
		pivot, ok := mask.Lowest()
		if !ok {
			if !isZero(buf) {
				return d.complete, ErrMatrix
			}
			return d.complete, nil
		}
		existing := d.rows[pivot]
		if existing == nil {
			if err := d.storeRow(pivot, mask, buf); err != nil {
				return d.complete, err
			}
			return d.resolveFromStoredRow(pivot)
		}
		mask.Xor(existing.mask)
		xorInto(buf, existing.payload)
	}
}

func (d *Decoder) storeRow(pivot int, mask BitSet, payload []byte) error {
	if d.MaxOutstandingRows > 0 && d.outstanding >= d.MaxOutstandingRows {
		d.outOfMemory = true
		return nil
	}
	cp := make([]byte, d.fragSize)
	copy(cp, payload)
	d.rows[pivot] = &row{mask: mask.Clone(), payload: cp}
	d.outstanding++
	return nil
}

// resolveFromStoredRow checks whether the row just stored at pivot has
// in fact collapsed to a single unknown column, and if so promotes it.
func (d *Decoder) resolveFromStoredRow(pivot int) (bool, error) {
	r := d.rows[pivot]
	if r == nil || r.mask.PopCount() != 1 {
		return d.complete, nil
	}
	col, _ := r.mask.Lowest()
	if d.dataReceived.Test(col) {
		return d.complete, nil
	}
	payload := r.payload
	d.rows[pivot] = nil
	d.outstanding--
	if err := d.bd.Program(payload, d.dataOffset(col), d.fragSize); err != nil {
		return d.complete, err
	}
	if err := d.resolve(col, payload); err != nil {
		return d.complete, err
	}
	return d.complete, nil
}

// resolve marks column col as received and propagates that fact into
// every stored row whose mask still references it, recursively promoting
// any row that collapses to a single remaining column.
func (d *Decoder) resolve(col int, payload []byte) error {
	d.dataReceived.Set(col)
	if d.dataReceived.PopCount() == d.k {
		d.complete = true
	}
	for pivot, r := range d.rows {
		if r == nil || !r.mask.Test(col) {
			continue
		}
		xorInto(r.payload, payload)
		r.mask.Clear(col)
		if r.mask.PopCount() == 1 {
			if _, err := d.resolveFromStoredRow(pivot); err != nil {
				return err
			}
		} else if r.mask.IsEmpty() {
			if !isZero(r.payload) {
				d.logger.Warn("fec:parity-inconsistency", slog.Int("pivot", pivot))
			}
			d.rows[pivot] = nil
			d.outstanding--
		}
	}
	return nil
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
