package rockridge

import (
	"sort"

	"github.com/discolith/isokit/pkg/isoerr"
)

type reservation struct {
	offset uint32
	length uint32
}

// ContinuationBlock is a logical block hosting a packed, non-overlapping
// sequence of continuation-area entries (spec §3 "Continuation Block").
type ContinuationBlock struct {
	Extent       uint32
	MaxSize      uint32
	Data         []byte
	reservations []reservation
}

// NewContinuationBlock allocates a fresh, empty continuation block of
// maxSize bytes (conventionally one logical block).
func NewContinuationBlock(maxSize uint32) *ContinuationBlock {
	return &ContinuationBlock{MaxSize: maxSize}
}

// Allocate finds the first gap of sufficient size and reserves it,
// returning the offset at which length bytes were placed.
func (b *ContinuationBlock) Allocate(length uint32) (uint32, error) {
	sort.Slice(b.reservations, func(i, j int) bool { return b.reservations[i].offset < b.reservations[j].offset })
	var cursor uint32
	for _, r := range b.reservations {
		if r.offset-cursor >= length {
			break
		}
		cursor = r.offset + r.length
	}
	if cursor+length > b.MaxSize {
		return 0, isoerr.InvalidInput("continuation block has no gap of %d bytes", length)
	}
	b.reservations = append(b.reservations, reservation{offset: cursor, length: length})
	return cursor, nil
}

// Write copies data into the block's backing bytes at offset, growing
// Data as needed. Callers are expected to have already reserved
// [offset, offset+len(data)) through Allocate or Track.
func (b *ContinuationBlock) Write(offset uint32, data []byte) {
	end := offset + uint32(len(data))
	if uint32(len(b.Data)) < end {
		grown := make([]byte, end)
		copy(grown, b.Data)
		b.Data = grown
	}
	copy(b.Data[offset:end], data)
}

// Bytes returns the block's contents padded out to MaxSize, ready to
// write to its assigned extent.
func (b *ContinuationBlock) Bytes() []byte {
	out := make([]byte, b.MaxSize)
	copy(out, b.Data)
	return out
}

// Track records an already-placed reservation found while parsing an
// existing image, rejecting any overlap with what's already tracked.
func (b *ContinuationBlock) Track(offset, length uint32) error {
	if offset+length > b.MaxSize {
		return isoerr.InvalidISO("continuation block reservation [%d,%d) exceeds block size %d", offset, offset+length, b.MaxSize)
	}
	for _, r := range b.reservations {
		if offset < r.offset+r.length && r.offset < offset+length {
			return isoerr.InvalidISO("overlapping continuation-area reservation at offset %d", offset)
		}
	}
	b.reservations = append(b.reservations, reservation{offset: offset, length: length})
	return nil
}

// Allocator is the PVD-owned set of Rock Ridge continuation blocks.
type Allocator struct {
	Blocks   []*ContinuationBlock
	BlockLen uint32
}

// NewAllocator creates an empty allocator for blocks of blockLen bytes.
func NewAllocator(blockLen uint32) *Allocator {
	return &Allocator{BlockLen: blockLen}
}

// AddEntry scans existing blocks for the first fitting gap; on failure
// it allocates a new block (appended to Blocks, contributing to space
// size via the caller).
func (a *Allocator) AddEntry(length uint32) (block *ContinuationBlock, offset uint32, isNew bool, err error) {
	for _, b := range a.Blocks {
		if off, aerr := b.Allocate(length); aerr == nil {
			return b, off, false, nil
		}
	}
	nb := NewContinuationBlock(a.BlockLen)
	off, aerr := nb.Allocate(length)
	if aerr != nil {
		return nil, 0, false, aerr
	}
	a.Blocks = append(a.Blocks, nb)
	return nb, off, true, nil
}

// Place reserves room for data in the first block with a sufficient
// gap (allocating a new one if none fits) and writes it there,
// returning the block and the offset data now lives at.
func (a *Allocator) Place(data []byte) (block *ContinuationBlock, offset uint32, err error) {
	block, offset, _, err = a.AddEntry(uint32(len(data)))
	if err != nil {
		return nil, 0, err
	}
	block.Write(offset, data)
	return block, offset, nil
}

// ceEntryLen is the marshaled size of a CE (Continuation Entry), fixed
// by SUSP regardless of the area it points to.
const ceEntryLen = 28

// PackEntries decides how many of entries, in order, fit inline within
// budget bytes. If they all fit, split equals len(entries) and no
// continuation block is touched. Otherwise it packs as many leading
// entries as fit alongside a trailing CE record, concatenates the rest
// into a single payload, and places that payload in alloc; the caller
// is responsible for appending a CE record built from the returned
// block/offset/length after entries[:split].
func PackEntries(entries [][]byte, budget uint32, alloc *Allocator) (split int, block *ContinuationBlock, offset, length uint32, err error) {
	var total uint32
	for _, e := range entries {
		total += uint32(len(e))
	}
	if total <= budget {
		return len(entries), nil, 0, 0, nil
	}

	inlineBudget := uint32(0)
	if budget > ceEntryLen {
		inlineBudget = budget - ceEntryLen
	}
	var used uint32
	for i, e := range entries {
		el := uint32(len(e))
		if used+el > inlineBudget {
			break
		}
		used += el
		split = i + 1
	}

	var payload []byte
	for _, e := range entries[split:] {
		payload = append(payload, e...)
	}
	block, offset, err = alloc.Place(payload)
	if err != nil {
		return 0, nil, 0, 0, err
	}
	return split, block, offset, uint32(len(payload)), nil
}

// TrackEntry is the parse-time analogue of AddEntry: it records an
// already-placed reservation on the block at the given extent,
// creating the block's tracking structure on first sight.
func (a *Allocator) TrackEntry(extent uint32, offset, length uint32) error {
	for _, b := range a.Blocks {
		if b.Extent == extent {
			return b.Track(offset, length)
		}
	}
	nb := NewContinuationBlock(a.BlockLen)
	nb.Extent = extent
	if err := nb.Track(offset, length); err != nil {
		return err
	}
	a.Blocks = append(a.Blocks, nb)
	return nil
}
