// Package iso is the top-level driver: Open parses an existing image,
// New builds one from a staged directory tree, and both hand off
// to the reshuffle engine in pkg/layout before anything is written.
package iso

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/discolith/isokit/pkg/consts"
	"github.com/discolith/isokit/pkg/descriptor"
	"github.com/discolith/isokit/pkg/directory"
	"github.com/discolith/isokit/pkg/eltorito"
	"github.com/discolith/isokit/pkg/inode"
	"github.com/discolith/isokit/pkg/isoerr"
	"github.com/discolith/isokit/pkg/layout"
	"github.com/discolith/isokit/pkg/logging"
	"github.com/discolith/isokit/pkg/pathtable"
	"github.com/discolith/isokit/pkg/rockridge"
	"github.com/discolith/isokit/pkg/udf"
	"github.com/go-logr/logr"
)

// Options controls how an Image is opened or created.
type Options struct {
	parseOnOpen      bool
	stripVersionInfo bool
	rockRidgeEnabled bool
	jolietEnabled    bool
	udfEnabled       bool
	eltoritoEnabled  bool
	bootFileLocation string
	preferJoliet     bool
	logger           logr.Logger
}

// Option mutates Options; WithXxx constructors follow the teacher's
// functional-options idiom.
type Option func(*Options)

func WithStripVersionInfo(enabled bool) Option { return func(o *Options) { o.stripVersionInfo = enabled } }
func WithRockRidgeEnabled(enabled bool) Option  { return func(o *Options) { o.rockRidgeEnabled = enabled } }
func WithJolietEnabled(enabled bool) Option     { return func(o *Options) { o.jolietEnabled = enabled } }
func WithUDFEnabled(enabled bool) Option        { return func(o *Options) { o.udfEnabled = enabled } }
func WithElToritoEnabled(enabled bool) Option   { return func(o *Options) { o.eltoritoEnabled = enabled } }
func WithBootFileLocation(loc string) Option    { return func(o *Options) { o.bootFileLocation = loc } }
func WithPreferJoliet(prefer bool) Option       { return func(o *Options) { o.preferJoliet = prefer } }
func WithLogger(l logr.Logger) Option           { return func(o *Options) { o.logger = l } }
func WithParseOnOpen(parse bool) Option         { return func(o *Options) { o.parseOnOpen = parse } }

func defaultOptions() Options {
	return Options{
		parseOnOpen:      true,
		stripVersionInfo: true,
		rockRidgeEnabled: true,
		jolietEnabled:    true,
		udfEnabled:       false,
		eltoritoEnabled:  true,
		bootFileLocation: "[BOOT]",
		logger:           logr.Discard(),
	}
}

// Image is a parsed or staged-for-creation optical-disc filesystem
// image, combining as many of the ISO9660/Joliet/Rock Ridge/El
// Torito/UDF views as the source image carries.
type Image struct {
	opts Options
	log  *logging.Logger

	file *os.File

	PrimaryVD *descriptor.PrimaryVolumeDescriptor
	JolietVD  *descriptor.SupplementaryVolumeDescriptor
	BootVD    *descriptor.BootRecord

	PrimaryTree *directory.Record
	JolietTree  *directory.Record

	LPathTable *pathtable.Table
	MPathTable *pathtable.Table

	BootCatalog *eltorito.Catalog

	UDF *UDFView

	Inodes *inode.Table

	// relocations tracks Rock Ridge deep-tree relocations staged by
	// ensureDir, so Save can patch CL/PL extents into their
	// SystemUse bytes once the reshuffle engine assigns real extents.
	relocations []relocation

	// rrAllocator owns every Rock Ridge continuation block staged
	// while an image built by New is staged; Save hands its Blocks to the layout engine so
	// each one gets a real extent, then finalizes the CE records that
	// point at them.
	rrAllocator *rockridge.Allocator

	// ceRecords holds every directory record whose System Use entries
	// spilled into a continuation block, so Save can refresh their
	// trailing CE pointer once layout.Run assigns the block its extent.
	ceRecords []*directory.Record

	parsed bool
}

// relocation is one Rock Ridge CL/PL/RE triple: stub is the empty
// directory record left at the logical position, real is the moved
// directory holding the actual children, under RR_MOVED.
type relocation struct {
	stub          *directory.Record
	real          *directory.Record
	logicalParent *directory.Record
}

// UDFView bundles the parsed UDF descriptors, populated only when
// WithUDFEnabled and the image actually carries an NSR volume
// structure descriptor.
//
// This library has no API for editing a UDF descriptor graph (spec
// Non-goal: "no UDF write support beyond what existing images
// require") — Save instead preserves the parsed sequence byte-for-byte
// at its original location via regions, rather than re-deriving and
// re-placing it the way the ISO9660/Joliet side is.
type UDFView struct {
	AVDP      *udf.AnchorVolumeDescriptorPointer
	PVD       *udf.PrimaryVolumeDescriptor
	Partition *udf.PartitionDescriptor
	LVD       *udf.LogicalVolumeDescriptor
	FileSet   *udf.FileSetDescriptor
	RootFE    *udf.FileEntry

	// regions are the exact on-disc byte ranges the sequence above was
	// parsed from (volume recognition sequence, AVDP, main/reserve
	// volume descriptor sequences, file set descriptor, root file
	// entry and its directory content), captured so Save can replay
	// them unchanged.
	regions []udfRegion
	// reservedThroughBlock is the highest block number any region
	// above occupies; the reshuffle engine must not place anything at
	// or below it.
	reservedThroughBlock uint32
}

// udfRegion is one fixed on-disc byte range copied verbatim from the
// source image to the saved one.
type udfRegion struct {
	startBlock uint32
	data       []byte
}

// addRegion records a byte-exact region starting at startBlock and
// extends the view's reserved span to cover it.
func (v *UDFView) addRegion(startBlock uint32, data []byte) {
	v.regions = append(v.regions, udfRegion{startBlock: startBlock, data: data})
	blocks := (uint32(len(data)) + consts.ISO9660_SECTOR_SIZE - 1) / consts.ISO9660_SECTOR_SIZE
	if blocks == 0 {
		return
	}
	if end := startBlock + blocks - 1; end > v.reservedThroughBlock {
		v.reservedThroughBlock = end
	}
}

// Open opens and, unless WithParseOnOpen(false), parses an existing
// image file.
func Open(location string, opts ...Option) (*Image, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	f, err := os.Open(location)
	if err != nil {
		return nil, err
	}
	img := &Image{opts: o, log: logging.NewLogger(o.logger), file: f}
	if o.parseOnOpen {
		if err := img.Parse(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return img, nil
}

// Close releases the underlying file handle.
func (img *Image) Close() error {
	if img.file == nil {
		return nil
	}
	return img.file.Close()
}

// Parsed reports whether Parse has completed successfully.
func (img *Image) Parsed() bool { return img.parsed }

// Parse walks the volume descriptor set, then every tree it
// describes: ISO9660 primary, Joliet (if present and enabled), the
// El Torito boot catalog, and the UDF descriptor sequence.
func (img *Image) Parse() error {
	if img.file == nil {
		return isoerr.Internal("iso: Parse called before Open")
	}
	img.Inodes = &inode.Table{}

	totalSize, err := img.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	if img.opts.udfEnabled {
		if err := img.parseUDFIfPresent(); err != nil {
			return fmt.Errorf("iso: parse UDF: %w", err)
		}
	}

	for off := int64(consts.ISO9660_SYSTEM_AREA_SECTORS * consts.ISO9660_SECTOR_SIZE); off < totalSize; off += consts.ISO9660_SECTOR_SIZE {
		raw := make([]byte, consts.ISO9660_SECTOR_SIZE)
		if _, err := img.file.ReadAt(raw, off); err != nil {
			return fmt.Errorf("iso: read volume descriptor at %d: %w", off, err)
		}
		var hdr descriptor.Header
		var hdrBytes [consts.ISO9660_VOLUME_DESC_HEADER_SIZE]byte
		copy(hdrBytes[:], raw[:consts.ISO9660_VOLUME_DESC_HEADER_SIZE])
		if err := hdr.Unmarshal(hdrBytes); err != nil {
			return fmt.Errorf("iso: volume descriptor header at %d: %w", off, err)
		}
		switch hdr.Type {
		case descriptor.TypePrimary:
			pvd := &descriptor.PrimaryVolumeDescriptor{}
			if err := pvd.Unmarshal(raw); err != nil {
				return fmt.Errorf("iso: primary volume descriptor: %w", err)
			}
			img.PrimaryVD = pvd
			tree, err := img.parseTree(pvd.Body.RootDirectoryRecord.LocationOfExtent, false)
			if err != nil {
				return fmt.Errorf("iso: primary tree: %w", err)
			}
			img.PrimaryTree = tree
		case descriptor.TypeSupplementary:
			svd := &descriptor.SupplementaryVolumeDescriptor{}
			if err := svd.Unmarshal(raw); err != nil {
				return fmt.Errorf("iso: supplementary volume descriptor: %w", err)
			}
			if descriptor.IsJoliet(svd.Body.EscapeSequences) && img.opts.jolietEnabled {
				img.JolietVD = svd
				tree, err := img.parseTree(svd.Body.RootDirectoryRecord.LocationOfExtent, true)
				if err != nil {
					return fmt.Errorf("iso: joliet tree: %w", err)
				}
				img.JolietTree = tree
			}
		case descriptor.TypeBootRecord:
			br := &descriptor.BootRecord{}
			if err := br.Unmarshal(raw); err != nil {
				return fmt.Errorf("iso: boot record: %w", err)
			}
			img.BootVD = br
			if img.opts.eltoritoEnabled && eltorito.IsElTorito(br.BootSystemID) {
				catalogLBN := binary.LittleEndian.Uint32(br.BootSystemUse[0:4])
				catBytes := make([]byte, consts.ISO9660_SECTOR_SIZE)
				if _, err := img.file.ReadAt(catBytes, int64(catalogLBN)*consts.ISO9660_SECTOR_SIZE); err != nil {
					return fmt.Errorf("iso: read boot catalog: %w", err)
				}
				cat, err := eltorito.Unmarshal(catBytes, img.opts.logger)
				if err != nil {
					return fmt.Errorf("iso: unmarshal boot catalog: %w", err)
				}
				img.BootCatalog = cat
			}
		case descriptor.TypeTerminator:
			img.parsed = true
			return nil
		default:
			img.log.Debug("unrecognized volume descriptor type, skipping", "type", hdr.Type)
		}
	}
	img.parsed = true
	return nil
}

// parseUDFIfPresent looks for the volume recognition sequence (BEA01,
// NSR02/NSR03, TEA01) in sectors 16-31, just past the system area;
// absence is not an error,
// since UDF is optional. The sequence's sector span is captured as a
// region so Save can reproduce it unchanged.
func (img *Image) parseUDFIfPresent() error {
	spanStart := -1
	foundNSR := false
	for sector := 16; sector < 32; sector++ {
		raw := make([]byte, consts.ISO9660_SECTOR_SIZE)
		if _, err := img.file.ReadAt(raw, int64(sector)*consts.ISO9660_SECTOR_SIZE); err != nil {
			return nil
		}
		vsd, err := udf.ParseVolumeStructureDescriptor(raw[:7])
		if err != nil {
			continue
		}
		switch strings.TrimRight(vsd.Identifier, "\x00") {
		case "BEA01":
			spanStart = sector
		case "NSR02", "NSR03":
			foundNSR = true
		case "TEA01":
			if spanStart == -1 {
				spanStart = sector
			}
			if !foundNSR {
				return nil
			}
			return img.parseUDFSequence(uint32(spanStart), uint32(sector))
		}
	}
	return nil
}

func (img *Image) parseUDFSequence(vsdStart, vsdEnd uint32) error {
	raw := make([]byte, consts.ISO9660_SECTOR_SIZE)
	if _, err := img.file.ReadAt(raw, 256*consts.ISO9660_SECTOR_SIZE); err != nil {
		return fmt.Errorf("iso: read AVDP: %w", err)
	}
	avdp, err := udf.ParseAVDP(raw, 256)
	if err != nil {
		return fmt.Errorf("iso: parse AVDP: %w", err)
	}
	view := &UDFView{AVDP: avdp}

	vsdRaw := make([]byte, (vsdEnd-vsdStart+1)*consts.ISO9660_SECTOR_SIZE)
	if _, err := img.file.ReadAt(vsdRaw, int64(vsdStart)*consts.ISO9660_SECTOR_SIZE); err == nil {
		view.addRegion(vsdStart, vsdRaw)
	}
	view.addRegion(256, raw)

	mainRaw := make([]byte, avdp.MainVDS.Length)
	if _, err := img.file.ReadAt(mainRaw, int64(avdp.MainVDS.Location)*consts.ISO9660_SECTOR_SIZE); err == nil {
		view.addRegion(avdp.MainVDS.Location, mainRaw)
	}
	reserveRaw := make([]byte, avdp.ReserveVDS.Length)
	if _, err := img.file.ReadAt(reserveRaw, int64(avdp.ReserveVDS.Location)*consts.ISO9660_SECTOR_SIZE); err == nil {
		view.addRegion(avdp.ReserveVDS.Location, reserveRaw)
	}

	base := int64(avdp.MainVDS.Location) * consts.ISO9660_SECTOR_SIZE
	count := avdp.MainVDS.Length / consts.ISO9660_SECTOR_SIZE
	for i := uint32(0); i < count; i++ {
		off := base + int64(i)*consts.ISO9660_SECTOR_SIZE
		raw := make([]byte, consts.ISO9660_SECTOR_SIZE)
		if _, err := img.file.ReadAt(raw, off); err != nil {
			break
		}
		tag, _, err := udf.ParseTag(raw, avdp.MainVDS.Location+i)
		if err != nil {
			continue
		}
		switch tag.Ident {
		case udf.TagPrimaryVolumeDescriptor:
			pvd, err := udf.ParsePrimaryVolumeDescriptor(raw, avdp.MainVDS.Location+i)
			if err == nil {
				view.PVD = pvd
			}
		case udf.TagPartitionDescriptor:
			pd, err := udf.ParsePartitionDescriptor(raw, avdp.MainVDS.Location+i)
			if err == nil {
				view.Partition = pd
			}
		case udf.TagLogicalVolumeDescriptor:
			lvd, err := udf.ParseLogicalVolumeDescriptor(raw, avdp.MainVDS.Location+i)
			if err == nil {
				view.LVD = lvd
			}
		case udf.TagTerminatingDescriptor:
			i = count
		}
	}

	if view.LVD != nil && view.Partition != nil {
		fsdExtent := view.Partition.PartitionStartingLoc + view.LVD.FileSetDescriptorLoc.Block
		fsdRaw := make([]byte, consts.ISO9660_SECTOR_SIZE)
		if _, err := img.file.ReadAt(fsdRaw, int64(fsdExtent)*consts.ISO9660_SECTOR_SIZE); err == nil {
			if fsd, err := udf.ParseFileSetDescriptor(fsdRaw, fsdExtent); err == nil {
				view.FileSet = fsd
				view.addRegion(fsdExtent, fsdRaw)

				rootExtent := view.Partition.PartitionStartingLoc + fsd.RootDirectoryICB.Block
				feRaw := make([]byte, consts.ISO9660_SECTOR_SIZE)
				if _, err := img.file.ReadAt(feRaw, int64(rootExtent)*consts.ISO9660_SECTOR_SIZE); err == nil {
					if fe, err := udf.ParseFileEntry(feRaw, rootExtent); err == nil {
						view.RootFE = fe
						view.addRegion(rootExtent, feRaw)
						if contentStart, contentLen, ok := rootDirContentLoc(view.Partition, fe); ok {
							contentRaw := make([]byte, contentLen)
							if _, err := img.file.ReadAt(contentRaw, int64(contentStart)*consts.ISO9660_SECTOR_SIZE); err == nil {
								view.addRegion(contentStart, contentRaw)
							}
						}
					}
				}
			}
		}
	}

	img.UDF = view
	return nil
}

// rootDirContentLoc resolves a root File Entry's first allocation
// descriptor to an absolute block and a sector-rounded byte length,
// using whichever allocation-descriptor form the entry's ICB tag
// selects.
func rootDirContentLoc(part *udf.PartitionDescriptor, fe *udf.FileEntry) (block uint32, length uint32, ok bool) {
	blocks := func(b uint64) uint32 {
		return uint32((b + consts.ISO9660_SECTOR_SIZE - 1) / consts.ISO9660_SECTOR_SIZE * consts.ISO9660_SECTOR_SIZE)
	}
	switch {
	case len(fe.ShortADs) > 0:
		ad := fe.ShortADs[0]
		return part.PartitionStartingLoc + ad.Block, blocks(uint64(ad.Length)), true
	case len(fe.LongADs) > 0:
		ad := fe.LongADs[0]
		return part.PartitionStartingLoc + ad.Block, blocks(uint64(ad.Length)), true
	default:
		return 0, 0, false
	}
}

// parseTree reads the directory tree rooted at extent, recursively
// expanding every subdirectory found, and registers a backing Inode
// for every non-directory record encountered.
func (img *Image) parseTree(extent uint32, joliet bool) (*directory.Record, error) {
	root, err := img.readDirectoryBlock(extent, joliet)
	if err != nil {
		return nil, err
	}
	var walk func(*directory.Record) error
	walk = func(dir *directory.Record) error {
		for _, c := range dir.Children {
			if c.IsSpecial() {
				continue
			}
			if c.IsDirectory() {
				sub, err := img.readDirectoryBlock(c.LocationOfExtent, joliet)
				if err != nil {
					return err
				}
				sub.Parent = dir
				c.Children = sub.Children
				for _, gc := range c.Children {
					gc.Parent = c
				}
				if err := walk(c); err != nil {
					return err
				}
			} else {
				n := inode.NewFromOriginal(c.LocationOfExtent, c.DataLength)
				n.AddReference(inode.Reference{Kind: refKind(joliet), Tag: c})
				img.Inodes.Add(n)
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return root, nil
}

func refKind(joliet bool) string {
	if joliet {
		return "joliet"
	}
	return "iso9660"
}

// readDirectoryBlock reads every directory record packed into the
// extent(s) starting at extent, following the DataLength to know how
// many blocks to read.
func (img *Image) readDirectoryBlock(extent uint32, joliet bool) (*directory.Record, error) {
	header := make([]byte, consts.ISO9660_SECTOR_SIZE)
	if _, err := img.file.ReadAt(header, int64(extent)*consts.ISO9660_SECTOR_SIZE); err != nil {
		return nil, fmt.Errorf("iso: read directory extent %d: %w", extent, err)
	}
	first, err := directory.Unmarshal(header, joliet)
	if err != nil {
		return nil, fmt.Errorf("iso: unmarshal directory record at extent %d: %w", extent, err)
	}
	blocks := (first.DataLength + consts.ISO9660_SECTOR_SIZE - 1) / consts.ISO9660_SECTOR_SIZE
	if blocks == 0 {
		blocks = 1
	}
	data := make([]byte, int64(blocks)*consts.ISO9660_SECTOR_SIZE)
	if _, err := img.file.ReadAt(data, int64(extent)*consts.ISO9660_SECTOR_SIZE); err != nil {
		return nil, fmt.Errorf("iso: read directory extent %d: %w", extent, err)
	}

	var children []*directory.Record
	offset := 0
	for offset < len(data) {
		if data[offset] == 0 {
			next := (offset/consts.ISO9660_SECTOR_SIZE + 1) * consts.ISO9660_SECTOR_SIZE
			if next >= len(data) {
				break
			}
			offset = next
			continue
		}
		rec, err := directory.Unmarshal(data[offset:], joliet)
		if err != nil {
			return nil, fmt.Errorf("iso: unmarshal directory record at offset %d: %w", offset, err)
		}
		if img.opts.rockRidgeEnabled && len(rec.SystemUse) > 0 {
			entries, err := rockridge.ParseEntries(rec.SystemUse, img.file, consts.ISO9660_SECTOR_SIZE)
			if err == nil {
				if ext, err := rockridge.ParseExtensions(entries, true); err == nil {
					rec.RockRidge = ext
				}
			}
		}
		children = append(children, rec)
		offset += int(rec.LengthOfDirectoryRecord)
	}
	root := children[0]
	root.Children = children
	for _, c := range children {
		c.Parent = root
	}
	return root, nil
}

// ExtractFiles writes every file in the active tree (Joliet preferred
// when WithPreferJoliet and present) under outputLocation.
func (img *Image) ExtractFiles(outputLocation string) error {
	if !img.parsed {
		if err := img.Parse(); err != nil {
			return err
		}
	}
	tree := img.PrimaryTree
	if img.opts.preferJoliet && img.JolietTree != nil {
		tree = img.JolietTree
	}
	if tree == nil {
		return isoerr.Internal("iso: no directory tree available to extract")
	}

	var walk func(*directory.Record, string) error
	walk = func(dir *directory.Record, relPath string) error {
		for _, c := range dir.Children {
			if c.IsSpecial() {
				continue
			}
			name := c.PrintableName(img.opts.rockRidgeEnabled)
			if img.opts.stripVersionInfo {
				name = stripVersion(name)
			}
			full := filepath.Join(outputLocation, relPath, name)
			if c.IsDirectory() {
				if err := os.MkdirAll(full, os.ModePerm); err != nil {
					return err
				}
				if err := walk(c, filepath.Join(relPath, name)); err != nil {
					return err
				}
				continue
			}
			if err := img.extractFile(c, full); err != nil {
				return err
			}
		}
		return nil
	}
	if err := os.MkdirAll(outputLocation, os.ModePerm); err != nil {
		return err
	}
	return walk(tree, "")
}

func (img *Image) extractFile(rec *directory.Record, fullPath string) error {
	out, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("iso: create %s: %w", fullPath, err)
	}
	defer out.Close()
	buf := make([]byte, rec.DataLength)
	if _, err := img.file.ReadAt(buf, int64(rec.LocationOfExtent)*consts.ISO9660_SECTOR_SIZE); err != nil && err != io.EOF {
		return fmt.Errorf("iso: read %s: %w", rec.FileIdentifier, err)
	}
	if _, err := out.Write(buf); err != nil {
		return fmt.Errorf("iso: write %s: %w", fullPath, err)
	}
	return nil
}

// ExtractBootImages writes every El Torito boot image to outputLocation.
func (img *Image) ExtractBootImages(outputLocation string) error {
	if img.BootCatalog == nil {
		return isoerr.InvalidInput("iso: image has no El Torito boot catalog")
	}
	return img.BootCatalog.ExtractBootImages(img.file, outputLocation)
}

func stripVersion(name string) string {
	if idx := strings.IndexByte(name, ';'); idx != -1 {
		return name[:idx]
	}
	return name
}

// HasRockRidge reports whether the root directory record carries Rock
// Ridge extensions.
func (img *Image) HasRockRidge() bool {
	return img.PrimaryTree != nil && img.PrimaryTree.RockRidge != nil
}

// HasJoliet reports whether a Joliet supplementary volume descriptor
// was found.
func (img *Image) HasJoliet() bool { return img.JolietTree != nil }

// HasElTorito reports whether an El Torito boot catalog was found.
func (img *Image) HasElTorito() bool { return img.BootCatalog != nil }

// HasUDF reports whether a UDF descriptor sequence was found.
func (img *Image) HasUDF() bool { return img.UDF != nil && img.UDF.PVD != nil }

// udfReservedThroughBlock reports the highest block a round-tripped
// UDF region occupies, or 0 when the image carries none, so Save can
// keep the reshuffle engine from placing anything on top of it.
func (img *Image) udfReservedThroughBlock() uint32 {
	if img.UDF == nil {
		return 0
	}
	return img.UDF.reservedThroughBlock
}

// writeUDF replays every captured UDF region back to out unchanged.
// This is the only UDF write path this library offers: there is no API
// to edit the parsed UDF graph, only to preserve it across Save.
func (img *Image) writeUDF(out *os.File) error {
	if img.UDF == nil {
		return nil
	}
	for _, r := range img.UDF.regions {
		if _, err := out.WriteAt(r.data, int64(r.startBlock)*consts.ISO9660_SECTOR_SIZE); err != nil {
			return fmt.Errorf("iso: write udf region at block %d: %w", r.startBlock, err)
		}
	}
	return nil
}

// now is a seam so New's volume timestamp can be overridden in
// tests without depending on wall-clock time.
var now = time.Now
