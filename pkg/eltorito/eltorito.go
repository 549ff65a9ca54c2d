// Package eltorito implements the El Torito boot catalog: validation
// entry, initial/default entry, section headers and entries, and boot
// image extraction/patching.
package eltorito

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/discolith/isokit/pkg/consts"
	"github.com/discolith/isokit/pkg/isoerr"
	"github.com/go-logr/logr"
)

// Platform identifies the target booting system.
type Platform uint8

const (
	BIOS Platform = 0x0
	PPC  Platform = 0x1
	Mac  Platform = 0x2
	EFI  Platform = 0xef
)

func (p Platform) String() string {
	switch p {
	case BIOS:
		return "BIOS"
	case PPC:
		return "PowerPC"
	case Mac:
		return "Macintosh"
	case EFI:
		return "EFI"
	default:
		return "Unknown"
	}
}

// Emulation identifies the boot-media emulation mode.
type Emulation uint8

const (
	NoEmulation        Emulation = 0x0
	Floppy12Emulation  Emulation = 0x1
	Floppy144Emulation Emulation = 0x2
	Floppy288Emulation Emulation = 0x3
	HardDiskEmulation  Emulation = 0x4
)

func (e Emulation) String() string {
	switch e {
	case NoEmulation:
		return "NoEmul"
	case Floppy12Emulation:
		return "1.2MFloppy"
	case Floppy144Emulation:
		return "1.44MFloppy"
	case Floppy288Emulation:
		return "2.88MFloppy"
	case HardDiskEmulation:
		return "HardDisk"
	default:
		return "Unknown"
	}
}

// Entry is one Initial/Default or Section Entry in the boot catalog.
type Entry struct {
	Platform      Platform
	Emulation     Emulation
	BootFile      string
	LoadSegment   uint16
	SelectionCrit byte
	Bootable      bool
	Size          uint16 // virtual-disk blocks, 512 bytes each
	Location      uint32 // LBN of the boot image
}

// SectionHeader groups a run of Entries under a non-BIOS platform.
type SectionHeader struct {
	Last     bool
	Platform Platform
	ID       string
	Entries  []*Entry
}

// Catalog is the full El Torito boot catalog: a mandatory BIOS
// Initial Entry plus zero or more platform sections.
type Catalog struct {
	Initial  *Entry
	Sections []*SectionHeader
	Logger   logr.Logger
}

// Marshal encodes the catalog to one 2048-byte sector.
func (c *Catalog) Marshal() ([]byte, error) {
	if c.Initial == nil {
		return nil, isoerr.InvalidInput("el torito: catalog has no Initial Entry")
	}
	data := make([]byte, consts.ISO9660_SECTOR_SIZE)
	writeValidationEntry(data[0:32], c.Initial.Platform)
	writeInitialEntry(data[32:64], c.Initial)

	offset := 64
	for i, s := range c.Sections {
		if offset+32 > len(data) {
			return nil, isoerr.InvalidInput("el torito: boot catalog exceeds sector size")
		}
		indicator := byte(0x90)
		if i == len(c.Sections)-1 {
			indicator = 0x91
		}
		writeSectionHeader(data[offset:offset+32], indicator, s)
		offset += 32
		for _, e := range s.Entries {
			if offset+32 > len(data) {
				return nil, isoerr.InvalidInput("el torito: boot catalog exceeds sector size")
			}
			writeSectionEntry(data[offset:offset+32], e)
			offset += 32
		}
	}
	return data, nil
}

func writeValidationEntry(b []byte, platform Platform) {
	b[0] = 0x01
	b[1] = byte(platform)
	b[0x1E], b[0x1F] = 0x55, 0xAA
	var sum uint16
	for i := 0; i < 32; i += 2 {
		sum += binary.LittleEndian.Uint16(b[i : i+2])
	}
	binary.LittleEndian.PutUint16(b[0x1C:0x1E], uint16(-int16(sum)))
}

func writeInitialEntry(b []byte, e *Entry) {
	if e.Bootable {
		b[0] = 0x88
	} else {
		b[0] = 0x00
	}
	b[1] = byte(e.Emulation)
	binary.LittleEndian.PutUint16(b[2:4], e.LoadSegment)
	b[4] = e.SelectionCrit
	binary.LittleEndian.PutUint16(b[6:8], e.Size)
	binary.LittleEndian.PutUint32(b[8:12], e.Location)
}

func writeSectionHeader(b []byte, indicator byte, s *SectionHeader) {
	b[0] = indicator
	b[1] = byte(s.Platform)
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(s.Entries)))
	copy(b[4:32], s.ID)
}

func writeSectionEntry(b []byte, e *Entry) {
	if e.Bootable {
		b[0] = 0x88
	} else {
		b[0] = 0x00
	}
	b[1] = byte(e.Emulation)
	binary.LittleEndian.PutUint16(b[2:4], e.LoadSegment)
	b[4] = e.SelectionCrit
	binary.LittleEndian.PutUint16(b[6:8], e.Size)
	binary.LittleEndian.PutUint32(b[8:12], e.Location)
}

// Unmarshal decodes a Catalog from one boot-catalog sector.
func Unmarshal(data []byte, logger logr.Logger) (*Catalog, error) {
	if len(data) < 64 {
		return nil, isoerr.InvalidISO("el torito: boot catalog sector too short")
	}
	if err := validateValidationEntry(data[0:32]); err != nil {
		return nil, err
	}
	c := &Catalog{Initial: parseEntry(data[32:64]), Logger: logger}

	offset := 64
	for offset+32 <= len(data) {
		b := data[offset : offset+32]
		switch b[0] {
		case 0x00:
			return c, nil
		case 0x90, 0x91:
			s := &SectionHeader{
				Last:     b[0] == 0x91,
				Platform: Platform(b[1]),
				ID:       strings.TrimRight(string(b[4:32]), "\x00"),
			}
			count := int(binary.LittleEndian.Uint16(b[2:4]))
			offset += 32
			for i := 0; i < count && offset+32 <= len(data); i++ {
				s.Entries = append(s.Entries, parseEntry(data[offset:offset+32]))
				offset += 32
			}
			c.Sections = append(c.Sections, s)
			continue
		default:
			// Stray entry with no governing section header: treat as
			// an additional BIOS default entry, per pycdlib leniency.
			c.Sections = append(c.Sections, &SectionHeader{Platform: BIOS, Entries: []*Entry{parseEntry(b)}})
		}
		offset += 32
	}
	return c, nil
}

func parseEntry(b []byte) *Entry {
	return &Entry{
		Bootable:      b[0] == 0x88,
		Emulation:     Emulation(b[1]),
		LoadSegment:   binary.LittleEndian.Uint16(b[2:4]),
		SelectionCrit: b[4],
		Size:          binary.LittleEndian.Uint16(b[6:8]),
		Location:      binary.LittleEndian.Uint32(b[8:12]),
	}
}

func validateValidationEntry(b []byte) error {
	if b[0] != 0x01 {
		return isoerr.InvalidISO("el torito: validation entry header id 0x%02x", b[0])
	}
	var sum uint16
	for i := 0; i < 32; i += 2 {
		sum += binary.LittleEndian.Uint16(b[i : i+2])
	}
	if sum != 0 {
		return isoerr.InvalidISO("el torito: validation entry checksum invalid")
	}
	if b[0x1E] != 0x55 || b[0x1F] != 0xAA {
		return isoerr.InvalidISO("el torito: validation entry key bytes 0x%02x%02x", b[0x1E], b[0x1F])
	}
	return nil
}

// IsElTorito reports whether a Boot Record's boot system identifier
// names the El Torito specification.
func IsElTorito(bootSystemIdentifier string) bool {
	return strings.TrimRight(bootSystemIdentifier, "\x00") == consts.EL_TORITO_BOOT_SYSTEM_ID
}

// allEntries flattens the Initial Entry and every section entry.
func (c *Catalog) allEntries() []*Entry {
	entries := []*Entry{c.Initial}
	for _, s := range c.Sections {
		entries = append(entries, s.Entries...)
	}
	return entries
}

// ExtractBootImages writes every bootable entry's image data to
// outputDir, naming each file by its ordinal position and emulation
// mode, and records the written path back onto the entry.
func (c *Catalog) ExtractBootImages(ra io.ReaderAt, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("el torito: create output directory %s: %w", outputDir, err)
	}
	for i, e := range c.allEntries() {
		if e.Size == 0 {
			continue
		}
		filename := fmt.Sprintf("%d-Boot-%s.img", i+1, e.Emulation)
		outputPath := filepath.Join(outputDir, filename)

		data := make([]byte, int64(e.Size)*512)
		startOffset := int64(e.Location) * int64(consts.ISO9660_SECTOR_SIZE)
		if _, err := ra.ReadAt(data, startOffset); err != nil {
			return fmt.Errorf("el torito: read boot image at offset %d: %w", startOffset, err)
		}
		if err := os.WriteFile(outputPath, data, 0o644); err != nil {
			return fmt.Errorf("el torito: write boot image %s: %w", outputPath, err)
		}
		e.BootFile = outputPath
	}
	return nil
}

// PatchBootInfoTable writes the Boot Info Table (a de-facto standard
// used by isolinux) into a boot image's payload at offset 8: PVD LBN,
// boot-file LBN, boot-file byte length, and a checksum of the
// remaining image bytes.
func PatchBootInfoTable(image []byte, pvdLBN, bootFileLBN uint32) {
	if len(image) < 64 {
		return
	}
	binary.LittleEndian.PutUint32(image[8:12], pvdLBN)
	binary.LittleEndian.PutUint32(image[12:16], bootFileLBN)
	binary.LittleEndian.PutUint32(image[16:20], uint32(len(image)))

	var checksum uint32
	for i := 64; i+4 <= len(image); i += 4 {
		checksum += binary.LittleEndian.Uint32(image[i : i+4])
	}
	binary.LittleEndian.PutUint32(image[20:24], checksum)
}

// ValidateHDMBR performs the hard-disk-emulation sanity check: a
// hybrid MBR boot image must carry the 0x55AA signature at its final
// two bytes of the first 512-byte sector.
func ValidateHDMBR(image []byte) error {
	if len(image) < 512 {
		return isoerr.InvalidISO("el torito: HD-emulation image shorter than one MBR sector")
	}
	if image[510] != 0x55 || image[511] != 0xAA {
		return isoerr.InvalidISO("el torito: HD-emulation image missing 0x55AA MBR signature")
	}
	return nil
}
