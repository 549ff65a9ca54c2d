// Package layout implements the extent-assignment pass that turns a
// fully-built but unplaced set of trees (ISO9660, Joliet, Rock Ridge
// continuation areas, El Torito boot catalog) into a single consistent
// logical block numbering, propagating every assigned extent back into
// the structures that reference it. A preserved UDF region, when the
// source image carries one, is not placed by this pass at all — see
// Image.ReservedThroughBlock.
package layout

import (
	"github.com/discolith/isokit/pkg/consts"
	"github.com/discolith/isokit/pkg/directory"
	"github.com/discolith/isokit/pkg/eltorito"
	"github.com/discolith/isokit/pkg/inode"
	"github.com/discolith/isokit/pkg/isoerr"
	"github.com/discolith/isokit/pkg/pathtable"
	"github.com/discolith/isokit/pkg/rockridge"
)

// Image is the full set of in-memory structures a reshuffle pass
// consumes and assigns extents to. Nil fields (Joliet, ElTorito) are
// simply skipped.
type Image struct {
	BlockSize uint32

	PrimaryTree  *directory.Record
	JolietTree   *directory.Record
	LPathTable   *pathtable.Table
	MPathTable   *pathtable.Table
	JLPathTable  *pathtable.Table
	JMPathTable  *pathtable.Table

	BootCatalog *eltorito.Catalog

	// ReservedThroughBlock, when non-zero, marks every block up to and
	// including it as already spoken for before step 1 starts handing
	// out extents. Save sets this to the highest block a round-tripped
	// image's UDF descriptor sequence occupies: this library has no API
	// for editing a UDF graph (spec Non-goal), so an image's UDF region
	// is preserved byte-for-byte at its original location rather than
	// re-placed by this engine, and the ISO9660/Joliet/Rock Ridge/El
	// Torito structures this engine does place must simply not land on
	// top of it.
	ReservedThroughBlock uint32

	// RRContinuationBlocks are the Rock Ridge continuation areas staged
	// while attaching System Use entries; each gets one block-sized
	// extent in step 6, mutated in place so callers holding the same
	// *rockridge.ContinuationBlock pointers see the assigned extent.
	RRContinuationBlocks []*rockridge.ContinuationBlock

	Inodes *inode.Table
}

// Result is the outcome of a layout pass: the final image size and
// the volume descriptors' extent fields, ready to be marshaled in
// extent order.
type Result struct {
	TotalBlocks uint32

	PrimaryTreeExtent uint32
	JolietTreeExtent  uint32
	LPathTableExtent  uint32
	MPathTableExtent  uint32
	JLPathTableExtent uint32
	JMPathTableExtent uint32

	BootCatalogExtent uint32
}

// allocator hands out consecutive logical blocks starting after the
// system area and volume descriptor set.
type allocator struct {
	next uint32
}

func (a *allocator) take(blocks uint32) uint32 {
	start := a.next
	a.next += blocks
	return start
}

// Run performs the single-pass reshuffle described for this library:
// volume descriptors, then path tables, then the ISO9660 tree
// (breadth-first), then the Joliet tree, then the El Torito catalog,
// then Rock Ridge continuation areas, then every Inode's data —
// propagating each assignment into the structure that references it as
// it is made. A preserved UDF region (ReservedThroughBlock) is treated
// as pre-allocated space the rest of this pass must build around.
func Run(img *Image) (*Result, error) {
	if img.BlockSize == 0 {
		img.BlockSize = consts.ISO9660_SECTOR_SIZE
	}
	a := &allocator{next: consts.ISO9660_SYSTEM_AREA_SECTORS}
	if img.ReservedThroughBlock+1 > a.next {
		a.next = img.ReservedThroughBlock + 1
	}

	res := &Result{}

	// 1. Volume descriptor set: system area (0-15) is fixed; the
	// descriptor set itself (PVD, SVD, boot record, terminator) is one
	// block each, reserved by the caller before invoking Run. Reserve
	// space for up to 4 descriptors (PVD, boot record, SVD, terminator)
	// plus the caller decides the exact count; here we reserve
	// conservatively based on what's populated.
	descCount := uint32(2) // PVD + terminator, always present
	if img.JolietTree != nil {
		descCount++
	}
	if img.BootCatalog != nil {
		descCount++
	}
	a.take(descCount)

	// 2. Path tables: L and M first (ISO9660), then Joliet's own pair
	// when Joliet is present. Each table's size is fixed once every
	// directory record exists, since identifiers don't change here.
	if img.LPathTable != nil {
		res.LPathTableExtent = a.take(blocksFor(uint32(img.LPathTable.Size()), img.BlockSize))
	}
	if img.MPathTable != nil {
		res.MPathTableExtent = a.take(blocksFor(uint32(img.MPathTable.Size()), img.BlockSize))
	}
	if img.JLPathTable != nil {
		res.JLPathTableExtent = a.take(blocksFor(uint32(img.JLPathTable.Size()), img.BlockSize))
	}
	if img.JMPathTable != nil {
		res.JMPathTableExtent = a.take(blocksFor(uint32(img.JMPathTable.Size()), img.BlockSize))
	}

	// 3. ISO9660 tree, breadth-first: every directory gets its extent
	// before any of its children are visited, matching path table
	// numbering order.
	if img.PrimaryTree != nil {
		res.PrimaryTreeExtent = a.next
		if err := layoutTreeBFS(img.PrimaryTree, a, img.BlockSize, img.LPathTable); err != nil {
			return nil, err
		}
	}

	// 4. Joliet tree, breadth-first, entirely separate from the
	// ISO9660 tree's extents (Joliet directory records are a parallel
	// view over the same file data, not the same directory blocks).
	if img.JolietTree != nil {
		res.JolietTreeExtent = a.next
		if err := layoutTreeBFS(img.JolietTree, a, img.BlockSize, img.JLPathTable); err != nil {
			return nil, err
		}
	}

	// 5. El Torito boot catalog: one block, fixed contents once every
	// entry's boot image has a final extent (assigned in step 7).
	if img.BootCatalog != nil {
		res.BootCatalogExtent = a.take(1)
	}

	// 6. Rock Ridge continuation areas (CE chains): each block gets one
	// dedicated extent, assigned directly onto the block so every CE
	// record already built against it (and Save's later refresh pass)
	// sees the real location.
	for _, b := range img.RRContinuationBlocks {
		b.Extent = a.take(1)
	}

	// 7. Walk every Inode and assign its final extent, skipping any
	// inode that already carries a nonzero NewExtent (left alone).
	if img.Inodes != nil {
		for _, n := range img.Inodes.All() {
			if n.NewExtent != 0 {
				continue
			}
			blocks := n.BlocksNeeded(img.BlockSize)
			if blocks == 0 {
				continue
			}
			n.NewExtent = a.take(blocks)
		}
	}

	res.TotalBlocks = a.next
	return res, propagate(img, res)
}

func blocksFor(size, blockSize uint32) uint32 {
	if size == 0 {
		return 0
	}
	return (size + blockSize - 1) / blockSize
}

// layoutTreeBFS assigns one extent per directory to every directory in
// the tree rooted at root, in breadth-first order, then fixes up the
// "." and ".." self-entries and (when pt is non-nil) the path table's
// recorded extents and parent numbers.
func layoutTreeBFS(root *directory.Record, a *allocator, blockSize uint32, pt *pathtable.Table) error {
	type queued struct {
		rec   *directory.Record
		ptIdx int
	}
	queue := []queued{{root, 0}}
	nextPTIdx := 1

	if pt != nil {
		pt.Records = pt.Records[:0]
		pt.Records = append(pt.Records, &pathtable.Record{
			ExtendedAttributeRecordLength: root.ExtendedAttributeRecordLength,
			ParentDirectoryNumber:         1,
			DirectoryIdentifier:           "\x00",
		})
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		blocks := blocksFor(cur.rec.DataLength, blockSize)
		if blocks == 0 {
			blocks = 1
		}
		extent := a.take(blocks)
		cur.rec.NewExtentLoc = extent
		cur.rec.LocationOfExtent = extent

		if pt != nil && cur.ptIdx < len(pt.Records) {
			pt.Records[cur.ptIdx].LocationOfExtent = extent
		}

		for _, c := range cur.rec.Children {
			if c.IsSpecial() {
				c.LocationOfExtent = extent
				c.NewExtentLoc = extent
				continue
			}
			if !c.IsDirectory() {
				continue
			}
			childIdx := nextPTIdx
			nextPTIdx++
			if pt != nil {
				pt.Records = append(pt.Records, &pathtable.Record{
					ExtendedAttributeRecordLength: c.ExtendedAttributeRecordLength,
					ParentDirectoryNumber:         uint16(cur.ptIdx + 1),
					DirectoryIdentifier:           c.FileIdentifier,
				})
			}
			queue = append(queue, queued{c, childIdx})
		}
	}
	return nil
}

// propagate finishes a pass by running validate. It writes no extents
// itself: directory extents were already set by layoutTreeBFS, and
// inode extents reach their referencing structures through the caller.
func propagate(img *Image, res *Result) error {
	// Non-directory records take their LocationOfExtent from the
	// Inode that backs them (inode.Reference), copied in by the
	// caller after Run returns, since this package cannot import
	// inode's reference Tag without a cycle.

	if err := validate(img); err != nil {
		return err
	}
	return nil
}

// validate checks that no two non-directory inodes claim overlapping
// blocks. It does not compare extents against a volume space size;
// Run sets TotalBlocks to the allocator's next free block.
func validate(img *Image) error {
	type span struct{ start, end uint32 }
	var spans []span
	if img.Inodes != nil {
		for _, n := range img.Inodes.All() {
			blocks := n.BlocksNeeded(img.BlockSize)
			if blocks == 0 {
				continue
			}
			spans = append(spans, span{n.NewExtent, n.NewExtent + blocks})
		}
	}
	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].start < spans[j].end && spans[j].start < spans[i].end {
				return isoerr.Internal("layout: inode extents [%d,%d) and [%d,%d) overlap",
					spans[i].start, spans[i].end, spans[j].start, spans[j].end)
			}
		}
	}
	return nil
}
