package directory

import (
	"sort"

	"github.com/discolith/isokit/pkg/isoerr"
)

// Compare orders two identifiers the ECMA-119 9.3 way: raw byte
// compare, which is equivalent to space-padded compare because 0x20 is
// the minimum byte otherwise admissible. "." sorts before everything,
// ".." sorts second.
func Compare(a, b *Record) int {
	rank := func(r *Record) int {
		switch {
		case r.IsDot():
			return 0
		case r.IsDotDot():
			return 1
		default:
			return 2
		}
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	if ra != 2 {
		return 0
	}
	if a.FileIdentifier < b.FileIdentifier {
		return -1
	}
	if a.FileIdentifier > b.FileIdentifier {
		return 1
	}
	return 0
}

// AddChild inserts child into parent's ordered children list, then
// recomputes ExtentsToHere/OffsetToHere for every affected sibling.
// allowDuplicate permits a same-name file to become a multi-extent
// continuation of the existing entry rather than erroring.
func AddChild(parent, child *Record, blockSize uint32, allowDuplicate bool) error {
	if !parent.IsDirectory() {
		return isoerr.Internal("AddChild: parent %q is not a directory", parent.FileIdentifier)
	}
	idx := sort.Search(len(parent.Children), func(i int) bool {
		return Compare(parent.Children[i], child) >= 0
	})
	if idx < len(parent.Children) && !child.IsSpecial() &&
		parent.Children[idx].FileIdentifier == child.FileIdentifier &&
		!parent.Children[idx].FileFlags.AssociatedFile {
		if !allowDuplicate {
			return isoerr.InvalidInput("duplicate directory entry %q", child.FileIdentifier)
		}
		existing := parent.Children[idx]
		for existing.DataContinuation != nil {
			existing = existing.DataContinuation
		}
		existing.DataContinuation = child
		existing.FileFlags.MultiExtent = true
		child.Parent = parent
		return nil
	}

	child.Parent = parent
	parent.Children = append(parent.Children, nil)
	copy(parent.Children[idx+1:], parent.Children[idx:])
	parent.Children[idx] = child

	recomputeOffsets(parent, idx, blockSize)
	return growIfNeeded(parent, blockSize)
}

// recomputeOffsets walks forward from idx, accumulating each record's
// encoded length, advancing the extent counter whenever the next
// record would cross a block boundary.
func recomputeOffsets(parent *Record, from int, blockSize uint32) {
	var extent, offset uint32
	if from > 0 {
		prev := parent.Children[from-1]
		extent, offset = prev.ExtentsToHere, prev.OffsetToHere
	}
	for i := from; i < len(parent.Children); i++ {
		c := parent.Children[i]
		encoded, err := c.Marshal()
		length := uint32(0)
		if err == nil {
			length = uint32(len(encoded))
		}
		if offset+length > blockSize {
			extent++
			offset = 0
		}
		c.ExtentsToHere = extent
		c.OffsetToHere = offset
		offset += length
	}
}

// growIfNeeded bumps parent's DataLength by one block when the
// directory's recorded extent count now exceeds data_length/blockSize,
// and keeps the "." (and, for the root, "..") self-entries in sync.
func growIfNeeded(parent *Record, blockSize uint32) error {
	if len(parent.Children) == 0 {
		return nil
	}
	last := parent.Children[len(parent.Children)-1]
	neededExtents := last.ExtentsToHere + 1
	currentExtents := parent.DataLength / blockSize
	if currentExtents == 0 {
		currentExtents = 1
	}
	if neededExtents > currentExtents {
		parent.DataLength = neededExtents * blockSize
		for _, c := range parent.Children {
			if c.IsDot() {
				c.DataLength = parent.DataLength
			}
			if parent.Parent == nil && c.IsDotDot() {
				c.DataLength = parent.DataLength
			}
		}
		for _, c := range parent.Children {
			if c.IsDirectory() && !c.IsSpecial() {
				for _, gc := range c.Children {
					if gc.IsDotDot() {
						gc.DataLength = parent.DataLength
					}
				}
			}
		}
	}
	return nil
}

// RemoveChild removes child from parent's children, recomputes
// offsets, and releases one block only when the directory's slack now
// exceeds a full block.
func RemoveChild(parent, child *Record, blockSize uint32) error {
	idx := -1
	for i, c := range parent.Children {
		if c == child {
			idx = i
			break
		}
	}
	if idx < 0 {
		return isoerr.Internal("RemoveChild: %q is not a child of %q", child.FileIdentifier, parent.FileIdentifier)
	}
	if child.IsDirectory() && len(child.Children) > 2 {
		return isoerr.InvalidInput("cannot remove non-empty directory %q", child.FileIdentifier)
	}
	parent.Children = append(parent.Children[:idx], parent.Children[idx+1:]...)
	recomputeOffsets(parent, idx, blockSize)

	if len(parent.Children) > 0 {
		last := parent.Children[len(parent.Children)-1]
		usedExtents := last.ExtentsToHere + 1
		currentExtents := parent.DataLength / blockSize
		if currentExtents > usedExtents && (currentExtents-usedExtents)*blockSize > blockSize {
			parent.DataLength -= blockSize
		}
	}
	return nil
}

// Walk visits root and every descendant in depth-first order.
func Walk(root *Record, fn func(*Record)) {
	fn(root)
	for _, c := range root.Children {
		if c.IsSpecial() {
			continue
		}
		if c.IsDirectory() {
			Walk(c, fn)
		} else {
			fn(c)
		}
	}
}
