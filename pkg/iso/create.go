package iso

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/discolith/isokit/pkg/consts"
	"github.com/discolith/isokit/pkg/descriptor"
	"github.com/discolith/isokit/pkg/directory"
	"github.com/discolith/isokit/pkg/eltorito"
	"github.com/discolith/isokit/pkg/inode"
	"github.com/discolith/isokit/pkg/isoerr"
	"github.com/discolith/isokit/pkg/layout"
	"github.com/discolith/isokit/pkg/logging"
	"github.com/discolith/isokit/pkg/mangle"
	"github.com/discolith/isokit/pkg/pathtable"
	"github.com/discolith/isokit/pkg/rockridge"
)

// maxISODepth is the deepest a directory may nest under ISO9660's
// eight-level limit (root counts as level 1) before Rock Ridge
// deep-tree relocation kicks in.
const maxISODepth = 8

// ProgressFunc reports incremental progress during Save, matching the
// teacher's extraction-callback shape: current item, bytes so far,
// total bytes, item index, item count.
type ProgressFunc func(name string, bytesDone, bytesTotal int64, itemIndex, itemCount int)

// New creates an empty image staged for writing; callers populate it
// via AddFile/AddDirectory/MarkBootable before calling Save.
func New(volumeIdentifier string, opts ...Option) *Image {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	root := directory.NewRoot(consts.ISO9660_SECTOR_SIZE)
	img := &Image{
		opts:        o,
		log:         logging.NewLogger(o.logger),
		PrimaryTree: root,
		Inodes:      &inode.Table{},
		rrAllocator: rockridge.NewAllocator(consts.ISO9660_SECTOR_SIZE),
	}
	if o.jolietEnabled {
		img.JolietTree = directory.NewRoot(consts.ISO9660_SECTOR_SIZE)
	}
	img.PrimaryVD = descriptor.NewPrimary()
	img.PrimaryVD.Body.VolumeIdentifier = volumeIdentifier
	img.PrimaryVD.Body.VolumeCreationDateAndTime = now()
	return img
}

// AddFile stages hostPath's contents at isoPath (slash-separated,
// relative to the root) in every enabled tree.
func (img *Image) AddFile(isoPath, hostPath string) error {
	stat, err := os.Stat(hostPath)
	if err != nil {
		return fmt.Errorf("iso: stat %s: %w", hostPath, err)
	}
	if stat.IsDir() {
		return isoerr.InvalidInput("iso: AddFile: %s is a directory, use AddDirectory", hostPath)
	}
	n := inode.NewFromPath(hostPath, uint32(stat.Size()))
	img.Inodes.Add(n)

	dir, base := splitISOPath(isoPath)
	parent, err := img.ensureDir(img.PrimaryTree, dir, false)
	if err != nil {
		return err
	}
	rec := directory.NewFile(isoIdentifier(base), n.DataLength)
	if img.opts.rockRidgeEnabled {
		if err := img.attachRockRidge(rec, base, stat.Mode(), stat.ModTime()); err != nil {
			return fmt.Errorf("iso: attach rock ridge to %s: %w", isoPath, err)
		}
	}
	if err := directory.AddChild(parent, rec, consts.ISO9660_SECTOR_SIZE, true); err != nil {
		return fmt.Errorf("iso: add %s: %w", isoPath, err)
	}
	n.AddReference(inode.Reference{Kind: "iso9660", Tag: rec})

	if img.JolietTree != nil {
		jparent, err := img.ensureDir(img.JolietTree, dir, true)
		if err != nil {
			return err
		}
		jrec := directory.NewFile(base, n.DataLength)
		jrec.Joliet = true
		if err := directory.AddChild(jparent, jrec, consts.ISO9660_SECTOR_SIZE, true); err != nil {
			return fmt.Errorf("iso: add joliet %s: %w", isoPath, err)
		}
		n.AddReference(inode.Reference{Kind: "joliet", Tag: jrec})
	}
	return nil
}

// AddDirectory stages an empty directory at isoPath; intermediate
// directories are created as needed.
func (img *Image) AddDirectory(isoPath string) error {
	if _, err := img.ensureDir(img.PrimaryTree, isoPath, false); err != nil {
		return err
	}
	if img.JolietTree != nil {
		if _, err := img.ensureDir(img.JolietTree, isoPath, true); err != nil {
			return err
		}
	}
	return nil
}

// AddTree walks hostDir and stages every file and subdirectory under
// isoRoot, in the order os.ReadDir returns (lexical by name).
func (img *Image) AddTree(isoRoot, hostDir string) error {
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		return fmt.Errorf("iso: read %s: %w", hostDir, err)
	}
	for _, e := range entries {
		isoPath := isoRoot + "/" + e.Name()
		hostPath := filepath.Join(hostDir, e.Name())
		if e.IsDir() {
			if err := img.AddDirectory(isoPath); err != nil {
				return err
			}
			if err := img.AddTree(isoPath, hostPath); err != nil {
				return err
			}
		} else {
			if err := img.AddFile(isoPath, hostPath); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarkBootable stages hostPath as the El Torito Initial/Default Entry
// boot image, BIOS platform, no emulation.
func (img *Image) MarkBootable(hostPath string) error {
	stat, err := os.Stat(hostPath)
	if err != nil {
		return fmt.Errorf("iso: stat boot image %s: %w", hostPath, err)
	}
	n := inode.NewFromPath(hostPath, uint32(stat.Size()))
	img.Inodes.Add(n)
	entry := &eltorito.Entry{
		Platform:  eltorito.BIOS,
		Emulation: eltorito.NoEmulation,
		BootFile:  hostPath,
		Bootable:  true,
		Size:      uint16((stat.Size() + 511) / 512),
	}
	n.AddReference(inode.Reference{Kind: "eltorito", Tag: entry})
	img.BootCatalog = &eltorito.Catalog{Initial: entry, Logger: img.opts.logger}
	return nil
}

// Save performs the reshuffle pass and writes the finished image to
// location, reporting progress through progress if non-nil.
func (img *Image) Save(location string, progress ProgressFunc) error {
	if img.PrimaryTree == nil {
		return isoerr.Internal("iso: Save called on an image with no staged tree")
	}

	img.LPathTable = pathtable.New(true)
	img.MPathTable = pathtable.New(false)

	l := &layout.Image{
		BlockSize:            consts.ISO9660_SECTOR_SIZE,
		PrimaryTree:          img.PrimaryTree,
		JolietTree:           img.JolietTree,
		LPathTable:           img.LPathTable,
		MPathTable:           img.MPathTable,
		BootCatalog:          img.BootCatalog,
		Inodes:               img.Inodes,
		RRContinuationBlocks: img.rrAllocator.Blocks,
		ReservedThroughBlock: img.udfReservedThroughBlock(),
	}
	res, err := layout.Run(l)
	if err != nil {
		return fmt.Errorf("iso: layout: %w", err)
	}
	propagateInodeExtents(img.Inodes)
	if err := img.finalizeRelocations(); err != nil {
		return err
	}
	if err := img.finalizeContinuations(); err != nil {
		return err
	}

	out, err := os.Create(location)
	if err != nil {
		return fmt.Errorf("iso: create %s: %w", location, err)
	}
	defer out.Close()

	totalBytes := int64(res.TotalBlocks) * consts.ISO9660_SECTOR_SIZE
	if err := out.Truncate(totalBytes); err != nil {
		return fmt.Errorf("iso: truncate %s: %w", location, err)
	}

	img.PrimaryVD.Body.VolumeSpaceSize = res.TotalBlocks
	img.PrimaryVD.Body.LogicalBlockSize = consts.ISO9660_SECTOR_SIZE
	img.PrimaryVD.Body.RootDirectoryRecord = img.PrimaryTree
	img.PrimaryVD.Body.PathTableSize = uint32(img.LPathTable.Size())
	img.PrimaryVD.Body.LocationOfTypeLPathTable = res.LPathTableExtent
	img.PrimaryVD.Body.LocationOfTypeMPathTable = res.MPathTableExtent
	img.PrimaryVD.Body.FileStructureVersion = 1

	pvdBytes, err := img.PrimaryVD.Marshal()
	if err != nil {
		return fmt.Errorf("iso: marshal PVD: %w", err)
	}
	if _, err := out.WriteAt(pvdBytes[:], int64(consts.ISO9660_SYSTEM_AREA_SECTORS)*consts.ISO9660_SECTOR_SIZE); err != nil {
		return err
	}

	nextDescSector := int64(consts.ISO9660_SYSTEM_AREA_SECTORS + 1)

	var svd *descriptor.SupplementaryVolumeDescriptor
	if img.JolietTree != nil {
		svd = descriptor.NewSupplementaryJoliet()
		svd.Body.VolumeSpaceSize = res.TotalBlocks
		svd.Body.LogicalBlockSize = consts.ISO9660_SECTOR_SIZE
		svd.Body.RootDirectoryRecord = img.JolietTree
		svd.Body.FileStructureVersion = 1
		svdBytes, err := svd.Marshal()
		if err != nil {
			return fmt.Errorf("iso: marshal SVD: %w", err)
		}
		if _, err := out.WriteAt(svdBytes[:], nextDescSector*consts.ISO9660_SECTOR_SIZE); err != nil {
			return err
		}
		nextDescSector++
	}

	if img.BootCatalog != nil {
		br := descriptor.NewElToritoBootRecord()
		binary.LittleEndian.PutUint32(br.BootSystemUse[0:4], res.BootCatalogExtent)
		brBytes := br.Marshal()
		if _, err := out.WriteAt(brBytes[:], nextDescSector*consts.ISO9660_SECTOR_SIZE); err != nil {
			return err
		}
		nextDescSector++
	}

	term := descriptor.NewTerminator()
	termBytes := term.Marshal()
	if _, err := out.WriteAt(termBytes[:], nextDescSector*consts.ISO9660_SECTOR_SIZE); err != nil {
		return err
	}

	if err := writePathTable(out, img.LPathTable, res.LPathTableExtent); err != nil {
		return err
	}
	if err := writePathTable(out, img.MPathTable, res.MPathTableExtent); err != nil {
		return err
	}

	if err := writeTree(out, img.PrimaryTree); err != nil {
		return err
	}
	if img.JolietTree != nil {
		if err := writeTree(out, img.JolietTree); err != nil {
			return err
		}
	}
	if err := writeContinuationBlocks(out, img.rrAllocator); err != nil {
		return err
	}
	if err := img.writeUDF(out); err != nil {
		return err
	}

	inodes := img.Inodes.All()
	for i, n := range inodes {
		if err := writeInode(out, n); err != nil {
			return err
		}
		if progress != nil {
			progress(n.Path, int64(n.DataLength), totalBytes, i+1, len(inodes))
		}
	}

	if img.BootCatalog != nil {
		catBytes, err := img.BootCatalog.Marshal()
		if err != nil {
			return fmt.Errorf("iso: marshal boot catalog: %w", err)
		}
		if _, err := out.WriteAt(catBytes, int64(res.BootCatalogExtent)*consts.ISO9660_SECTOR_SIZE); err != nil {
			return err
		}
	}

	return nil
}

// propagateInodeExtents copies each Inode's reshuffle-assigned
// NewExtent into the directory records and El Torito entries that
// reference it, so writeTree and the boot catalog marshal the final
// location rather than the zero value left in place at staging time.
func propagateInodeExtents(inodes *inode.Table) {
	if inodes == nil {
		return
	}
	for _, n := range inodes.All() {
		for _, ref := range n.References {
			switch ref.Kind {
			case "iso9660", "joliet":
				rec, ok := ref.Tag.(*directory.Record)
				if !ok {
					continue
				}
				rec.LocationOfExtent = n.NewExtent
				rec.NewExtentLoc = n.NewExtent
			case "eltorito":
				if e, ok := ref.Tag.(*eltorito.Entry); ok {
					e.Location = n.NewExtent
				}
			}
		}
	}
}

// finalizeRelocations patches every staged Rock Ridge CL/PL placeholder
// with the extent the reshuffle engine actually assigned, then
// re-synthesizes the affected records' SystemUse bytes. Must run after
// layout.Run, since CL/PL/RE reference the live directory extents of
// the stub, the relocated clone, and its logical parent.
func (img *Image) finalizeRelocations() error {
	for _, r := range img.relocations {
		*r.stub.RockRidge.ChildLinkExtent = r.real.NewExtentLoc
		if err := img.assignSystemUse(r.stub); err != nil {
			return fmt.Errorf("iso: finalize relocation stub for %s: %w", r.stub.FileIdentifier, err)
		}

		*r.real.RockRidge.ParentLinkExtent = r.logicalParent.NewExtentLoc
		if err := img.assignSystemUse(r.real); err != nil {
			return fmt.Errorf("iso: finalize relocated directory %s: %w", r.real.FileIdentifier, err)
		}
	}
	return nil
}

// finalizeContinuations refreshes the trailing CE record of every
// directory record whose System Use entries spilled into a
// continuation block, now that layout.Run has assigned those blocks
// their real extents.
func (img *Image) finalizeContinuations() error {
	for _, rec := range img.ceRecords {
		if err := img.assignSystemUse(rec); err != nil {
			return fmt.Errorf("iso: finalize rock ridge continuation area for %s: %w", rec.FileIdentifier, err)
		}
	}
	return nil
}

func writePathTable(out *os.File, t *pathtable.Table, extent uint32) error {
	if t == nil {
		return nil
	}
	data, err := t.Marshal()
	if err != nil {
		return fmt.Errorf("iso: marshal path table: %w", err)
	}
	_, err = out.WriteAt(data, int64(extent)*consts.ISO9660_SECTOR_SIZE)
	return err
}

func writeTree(out *os.File, root *directory.Record) error {
	var walkErr error
	directory.Walk(root, func(rec *directory.Record) {
		if walkErr != nil || !rec.IsDirectory() {
			return
		}
		var buf []byte
		for _, c := range rec.Children {
			enc, err := c.Marshal()
			if err != nil {
				walkErr = fmt.Errorf("iso: marshal directory record: %w", err)
				return
			}
			buf = append(buf, enc...)
		}
		if _, err := out.WriteAt(buf, int64(rec.NewExtentLoc)*consts.ISO9660_SECTOR_SIZE); err != nil {
			walkErr = err
		}
	})
	return walkErr
}

// writeContinuationBlocks writes every Rock Ridge continuation block
// to the extent layout.Run assigned it.
func writeContinuationBlocks(out *os.File, alloc *rockridge.Allocator) error {
	if alloc == nil {
		return nil
	}
	for _, b := range alloc.Blocks {
		if _, err := out.WriteAt(b.Bytes(), int64(b.Extent)*consts.ISO9660_SECTOR_SIZE); err != nil {
			return fmt.Errorf("iso: write rock ridge continuation block: %w", err)
		}
	}
	return nil
}

func writeInode(out *os.File, n *inode.Inode) error {
	reader, offset, length, release, err := n.OpenData(nil, consts.ISO9660_SECTOR_SIZE)
	if err != nil {
		return fmt.Errorf("iso: open inode data: %w", err)
	}
	defer release()
	buf := make([]byte, length)
	if _, err := reader.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("iso: read inode data: %w", err)
	}
	_, err = out.WriteAt(buf, int64(n.NewExtent)*consts.ISO9660_SECTOR_SIZE)
	return err
}

// ensureDir walks/creates the directory chain named by slashPath
// (e.g. "a/b/c") under root, returning the final directory record.
// Directories that would nest past maxISODepth in the (non-Joliet)
// ISO9660 tree are instead relocated under RR_MOVED, per Rock Ridge
// deep-tree relocation; Save finalizes their CL/PL extents once the
// reshuffle engine has placed every directory.
func (img *Image) ensureDir(root *directory.Record, slashPath string, joliet bool) (*directory.Record, error) {
	if slashPath == "" {
		return root, nil
	}
	cur := root
	depth := 1 // root counts as level 1
	for _, part := range splitPath(slashPath) {
		depth++
		name := part
		if !joliet {
			name = mangle.Mangle(part, true)
		}

		var found *directory.Record
		for _, c := range cur.Children {
			if c.IsSpecial() || !c.IsDirectory() {
				continue
			}
			if c.FileIdentifier == name {
				found = c
				break
			}
		}
		if found == nil {
			newDir := directory.NewDir(name, consts.ISO9660_SECTOR_SIZE)
			newDir.Joliet = joliet
			if img.opts.rockRidgeEnabled {
				if err := img.attachRockRidge(newDir, part, os.ModeDir|0o755, time.Now()); err != nil {
					return nil, fmt.Errorf("iso: attach rock ridge to directory %s: %w", part, err)
				}
			}

			if !joliet && img.opts.rockRidgeEnabled && depth > maxISODepth {
				real, err := img.relocateDir(newDir, cur)
				if err != nil {
					return nil, fmt.Errorf("iso: relocate directory %s: %w", part, err)
				}
				found = real
			} else {
				found = newDir
				if err := directory.AddChild(cur, found, consts.ISO9660_SECTOR_SIZE, false); err != nil {
					return nil, fmt.Errorf("iso: create directory %s: %w", part, err)
				}
			}
		}
		cur = found
	}
	return cur, nil
}

// relocateDir places newDir under the image's top-level RR_MOVED
// directory instead of logicalParent, leaving an empty stub at the
// logical position that points at it via a CL entry. Save finalizes
// both the stub's CL and newDir's PL extents once layout has run.
func (img *Image) relocateDir(newDir, logicalParent *directory.Record) (*directory.Record, error) {
	moved, err := img.ensureDir(img.PrimaryTree, "/"+rockridge.RRMovedDirName, false)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", rockridge.RRMovedDirName, err)
	}

	var clPlaceholder, plPlaceholder uint32
	stub := directory.NewDir(newDir.FileIdentifier, consts.ISO9660_SECTOR_SIZE)
	stub.RockRidge = &rockridge.Extensions{ChildLinkExtent: &clPlaceholder}
	if err := directory.AddChild(logicalParent, stub, consts.ISO9660_SECTOR_SIZE, false); err != nil {
		return nil, err
	}
	if err := img.assignSystemUse(stub); err != nil {
		return nil, fmt.Errorf("iso: pack relocation stub for %s: %w", newDir.FileIdentifier, err)
	}

	if newDir.RockRidge == nil {
		newDir.RockRidge = &rockridge.Extensions{}
	}
	newDir.RockRidge.ParentLinkExtent = &plPlaceholder
	newDir.RockRidge.Relocated = true
	if err := directory.AddChild(moved, newDir, consts.ISO9660_SECTOR_SIZE, false); err != nil {
		return nil, err
	}
	if err := img.assignSystemUse(newDir); err != nil {
		return nil, fmt.Errorf("iso: pack relocated directory %s: %w", newDir.FileIdentifier, err)
	}

	img.relocations = append(img.relocations, relocation{stub: stub, real: newDir, logicalParent: logicalParent})
	return newDir, nil
}

// attachRockRidge synthesizes PX/TF/NM entries for rec from a host
// file's real name, mode, and modification time, then packs them into
// rec's System Use field.
func (img *Image) attachRockRidge(rec *directory.Record, realName string, mode fs.FileMode, mtime time.Time) error {
	ext := rec.RockRidge
	if ext == nil {
		ext = &rockridge.Extensions{}
	}
	if rec.FileIdentifier != realName {
		name := realName
		ext.AlternateName = &name
	}
	ext.Posix = &rockridge.PosixEntry{Mode: mode, Links: 1}
	ext.Timestamps = &rockridge.Timestamps{Modification: &mtime}
	rec.RockRidge = ext
	return img.assignSystemUse(rec)
}

// assignSystemUse packs rec's Rock Ridge entries into its System Use
// field, spilling whatever doesn't fit rec.SystemUseBudget into a
// continuation block through img.rrAllocator and referencing it with
// a trailing CE record. Save re-invokes this for every record it
// placed a continuation block for (img.ceRecords) once layout.Run has
// assigned that block a real extent, and for every relocation once
// its CL/PL placeholders have been patched to real extents.
func (img *Image) assignSystemUse(rec *directory.Record) error {
	ext := rec.RockRidge
	entries := rockridge.AssignEntries(ext, false)

	if ext.ContinuationBlock == nil {
		split, block, offset, length, err := rockridge.PackEntries(entries, uint32(rec.SystemUseBudget()), img.rrAllocator)
		if err != nil {
			return fmt.Errorf("rock ridge entries for %q: %w", rec.FileIdentifier, err)
		}
		ext.ContinuationSplit = split
		if block != nil {
			ext.ContinuationBlock = block
			ext.ContinuationOffset = offset
			ext.ContinuationLength = length
			img.ceRecords = append(img.ceRecords, rec)
		}
	}

	rec.SystemUse = joinEntries(entries[:ext.ContinuationSplit])
	if ext.ContinuationBlock != nil {
		rec.SystemUse = append(rec.SystemUse, rockridge.MarshalContinuationEntry(&rockridge.ContinuationEntry{
			BlockLocation: ext.ContinuationBlock.Extent,
			Offset:        ext.ContinuationOffset,
			LengthOfArea:  ext.ContinuationLength,
		})...)
	}
	return nil
}

func joinEntries(entries [][]byte) []byte {
	var buf []byte
	for _, e := range entries {
		buf = append(buf, e...)
	}
	return buf
}

func splitISOPath(p string) (dir, base string) {
	idx := -1
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				parts = append(parts, p[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// isoIdentifier mangles name into a legal ISO9660 Level 2 identifier
// and appends the mandatory version suffix.
func isoIdentifier(name string) string {
	return mangle.Mangle(name, false)
}
