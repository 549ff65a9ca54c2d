// Package inode implements the data-backing layer shared by every
// metadata view of a file: ISO9660/Joliet directory records, UDF file
// entries, and El Torito boot entries. Each unique payload is owned
// by exactly one Inode regardless of how many trees reference it.
package inode

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/discolith/isokit/pkg/isoerr"
)

// Source identifies where an Inode's bytes come from.
type Source int

const (
	// DataOnOriginalISO means the data is at OrigExtent*blockSize in
	// the image being parsed/modified.
	DataOnOriginalISO Source = iota
	// DataInExternalFP means the data is at Offset in an
	// externally-supplied byte source, or (if ManageFP) at Offset in
	// a path this Inode opens on demand.
	DataInExternalFP
)

// Reference is a back-pointer from one metadata view to the Inode
// backing its data, tagged with where the reference came from.
type Reference struct {
	Kind string // "iso9660", "joliet", "udf", "eltorito"
	// Tag lets the owner re-locate the concrete DR/FE/entry this
	// reference names, without the inode package importing those
	// packages (which would create an import cycle).
	Tag any
}

// Inode is a unique data payload plus the list of metadata views that
// point at it.
type Inode struct {
	mu sync.Mutex

	DataLength uint32
	Source     Source

	// Valid when Source == DataOnOriginalISO.
	OrigExtent uint32

	// Valid when Source == DataInExternalFP.
	Reader   io.ReaderAt
	Offset   int64
	Path     string // used instead of Reader when ManageFP
	ManageFP bool

	References []Reference

	// NewExtent is the logical block number assigned by the reshuffle
	// engine; authoritative for every reference once layout completes.
	NewExtent uint32
}

// NewFromOriginal creates an Inode backed by a region of the image
// being parsed.
func NewFromOriginal(extent uint32, length uint32) *Inode {
	return &Inode{Source: DataOnOriginalISO, OrigExtent: extent, DataLength: length}
}

// NewFromReader creates an Inode backed by a caller-owned ReaderAt.
func NewFromReader(r io.ReaderAt, offset int64, length uint32) *Inode {
	return &Inode{Source: DataInExternalFP, Reader: r, Offset: offset, DataLength: length}
}

// NewFromPath creates an Inode that opens path on demand and closes
// it when OpenData's release function runs.
func NewFromPath(path string, length uint32) *Inode {
	return &Inode{Source: DataInExternalFP, Path: path, ManageFP: true, DataLength: length}
}

// AddReference records a new metadata view pointing at this inode.
func (n *Inode) AddReference(ref Reference) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.References = append(n.References, ref)
}

// BlocksNeeded returns the number of blockSize-byte extents required
// to hold this inode's data.
func (n *Inode) BlocksNeeded(blockSize uint32) uint32 {
	if n.DataLength == 0 {
		return 0
	}
	return (n.DataLength + blockSize - 1) / blockSize
}

// release is returned by OpenData; call it exactly once when done
// reading.
type release func() error

// OpenData is a scoped acquisition yielding a reader positioned at
// this inode's data and its length, plus a release function that must
// be called on every exit path. imageReader supplies bytes for
// DataOnOriginalISO sources; blockSize converts OrigExtent to a byte
// offset.
func (n *Inode) OpenData(imageReader io.ReaderAt, blockSize uint32) (io.ReaderAt, int64, uint32, release, error) {
	switch n.Source {
	case DataOnOriginalISO:
		if imageReader == nil {
			return nil, 0, 0, nil, isoerr.Internal("inode: original-ISO source requested without an image reader")
		}
		return imageReader, int64(n.OrigExtent) * int64(blockSize), n.DataLength, func() error { return nil }, nil
	case DataInExternalFP:
		if n.ManageFP {
			f, err := os.Open(n.Path)
			if err != nil {
				return nil, 0, 0, nil, fmt.Errorf("inode: open %s: %w", n.Path, err)
			}
			return f, n.Offset, n.DataLength, func() error { return f.Close() }, nil
		}
		if n.Reader == nil {
			return nil, 0, 0, nil, isoerr.Internal("inode: external source requested with no reader and no path")
		}
		return n.Reader, n.Offset, n.DataLength, func() error { return nil }, nil
	default:
		return nil, 0, 0, nil, isoerr.Internal("inode: unknown source %d", n.Source)
	}
}

// ReadAll is a convenience wrapper around OpenData for small payloads
// such as boot catalogs and El Torito images.
func (n *Inode) ReadAll(imageReader io.ReaderAt, blockSize uint32) ([]byte, error) {
	reader, offset, length, rel, err := n.OpenData(imageReader, blockSize)
	if err != nil {
		return nil, err
	}
	defer rel()
	buf := make([]byte, length)
	if _, err := reader.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("inode: read data: %w", err)
	}
	return buf, nil
}

// Table is the set of all Inodes backing one image, in stable
// insertion order for deterministic layout.
type Table struct {
	inodes []*Inode
}

// Add registers n with the table, preserving first-seen order.
func (t *Table) Add(n *Inode) {
	t.inodes = append(t.inodes, n)
}

// All returns every registered inode in stable order.
func (t *Table) All() []*Inode {
	return t.inodes
}
