// Package descriptor implements the ECMA-119 Volume Descriptor Set:
// Primary and Supplementary (Joliet) Volume Descriptors, the Boot
// Record, and the Volume Descriptor Set Terminator.
package descriptor

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/discolith/isokit/pkg/consts"
	"github.com/discolith/isokit/pkg/directory"
	"github.com/discolith/isokit/pkg/encoding"
	"github.com/discolith/isokit/pkg/helpers"
	"github.com/discolith/isokit/pkg/isoerr"
)

// Type is the Volume Descriptor Type byte (ECMA-119 8.1.1).
type Type uint8

const (
	TypeBootRecord  Type = 0
	TypePrimary     Type = 1
	TypeSupplementary Type = 2
	TypePartition   Type = 3
	TypeTerminator  Type = 255
)

const (
	headerSize     = 7
	pvdBodySize    = 2041
	reservedField2 = 653
)

// Header is the 7-byte prefix shared by every Volume Descriptor.
type Header struct {
	Type       Type
	Identifier string
	Version    uint8
}

func (h *Header) Marshal() [headerSize]byte {
	var buf [headerSize]byte
	buf[0] = byte(h.Type)
	copy(buf[1:6], helpers.PadString(h.Identifier, 5))
	buf[6] = h.Version
	return buf
}

func (h *Header) Unmarshal(data [headerSize]byte) error {
	h.Type = Type(data[0])
	h.Identifier = string(data[1:6])
	h.Version = data[6]
	if h.Identifier != consts.ISO9660_STD_IDENTIFIER {
		return isoerr.InvalidISO("volume descriptor: standard identifier %q, expected %q", h.Identifier, consts.ISO9660_STD_IDENTIFIER)
	}
	return nil
}

// VolumeDescriptorBody holds the fields common to the Primary and
// Supplementary Volume Descriptors (ECMA-119 8.4/8.5); every volume
// descriptor after the header shares this shape, only the joliet flag
// changes identifier-encoding and escape-sequence interpretation.
type VolumeDescriptorBody struct {
	SystemIdentifier                 string
	VolumeIdentifier                 string
	VolumeSpaceSize                  uint32
	EscapeSequences                  [32]byte // SVD only; zero for PVD
	VolumeSetSize                    uint16
	VolumeSequenceNumber             uint16
	LogicalBlockSize                 uint16
	PathTableSize                    uint32
	LocationOfTypeLPathTable         uint32
	LocationOfOptionalTypeLPathTable uint32
	LocationOfTypeMPathTable         uint32
	LocationOfOptionalTypeMPathTable uint32
	RootDirectoryRecord              *directory.Record
	VolumeSetIdentifier              string
	PublisherIdentifier              string
	DataPreparerIdentifier           string
	ApplicationIdentifier            string
	CopyrightFileIdentifier          string
	AbstractFileIdentifier           string
	BibliographicFileIdentifier      string
	VolumeCreationDateAndTime        time.Time
	VolumeModificationDateAndTime    time.Time
	VolumeExpirationDateAndTime      time.Time
	VolumeEffectiveDateAndTime       time.Time
	FileStructureVersion             uint8
	ApplicationUse                   [consts.ISO9660_APPLICATION_USE_SIZE]byte
}

// Marshal encodes the body to its 2041-byte on-disc form.
func (b *VolumeDescriptorBody) Marshal() ([pvdBodySize]byte, error) {
	var data [pvdBodySize]byte
	offset := 0

	offset++ // unused byte 1, left zero

	copy(data[offset:offset+32], helpers.PadString(b.SystemIdentifier, 32))
	offset += 32
	copy(data[offset:offset+32], helpers.PadString(b.VolumeIdentifier, 32))
	offset += 32
	offset += 8 // unused field 2

	vss := encoding.MarshalBothByteOrders32(b.VolumeSpaceSize)
	copy(data[offset:offset+8], vss[:])
	offset += 8

	copy(data[offset:offset+32], b.EscapeSequences[:])
	offset += 32

	vsetSize := encoding.MarshalBothByteOrders16(b.VolumeSetSize)
	copy(data[offset:offset+4], vsetSize[:])
	offset += 4

	vsn := encoding.MarshalBothByteOrders16(b.VolumeSequenceNumber)
	copy(data[offset:offset+4], vsn[:])
	offset += 4

	lbs := encoding.MarshalBothByteOrders16(b.LogicalBlockSize)
	copy(data[offset:offset+4], lbs[:])
	offset += 4

	pts := encoding.MarshalBothByteOrders32(b.PathTableSize)
	copy(data[offset:offset+8], pts[:])
	offset += 8

	binary.LittleEndian.PutUint32(data[offset:offset+4], b.LocationOfTypeLPathTable)
	offset += 4
	binary.LittleEndian.PutUint32(data[offset:offset+4], b.LocationOfOptionalTypeLPathTable)
	offset += 4
	binary.BigEndian.PutUint32(data[offset:offset+4], b.LocationOfTypeMPathTable)
	offset += 4
	binary.BigEndian.PutUint32(data[offset:offset+4], b.LocationOfOptionalTypeMPathTable)
	offset += 4

	if b.RootDirectoryRecord == nil {
		return data, isoerr.Internal("volume descriptor: root directory record is nil")
	}
	rootBytes, err := b.RootDirectoryRecord.Marshal()
	if err != nil {
		return data, isoerr.Wrap(isoerr.KindInternal, err, "volume descriptor: marshal root directory record")
	}
	if len(rootBytes) < 34 {
		padded := make([]byte, 34)
		copy(padded, rootBytes)
		rootBytes = padded
	}
	copy(data[offset:offset+34], rootBytes[:34])
	offset += 34

	copy(data[offset:offset+128], helpers.PadString(b.VolumeSetIdentifier, 128))
	offset += 128
	copy(data[offset:offset+128], helpers.PadString(b.PublisherIdentifier, 128))
	offset += 128
	copy(data[offset:offset+128], helpers.PadString(b.DataPreparerIdentifier, 128))
	offset += 128
	copy(data[offset:offset+128], helpers.PadString(b.ApplicationIdentifier, 128))
	offset += 128
	copy(data[offset:offset+37], helpers.PadString(b.CopyrightFileIdentifier, 37))
	offset += 37
	copy(data[offset:offset+37], helpers.PadString(b.AbstractFileIdentifier, 37))
	offset += 37
	copy(data[offset:offset+37], helpers.PadString(b.BibliographicFileIdentifier, 37))
	offset += 37

	for _, t := range []time.Time{b.VolumeCreationDateAndTime, b.VolumeModificationDateAndTime, b.VolumeExpirationDateAndTime, b.VolumeEffectiveDateAndTime} {
		enc, err := encoding.MarshalDateTime(t)
		if err != nil {
			return data, isoerr.Wrap(isoerr.KindInternal, err, "volume descriptor: marshal date")
		}
		copy(data[offset:offset+17], enc[:])
		offset += 17
	}

	data[offset] = b.FileStructureVersion
	offset++
	offset++ // reserved field 1

	copy(data[offset:offset+consts.ISO9660_APPLICATION_USE_SIZE], b.ApplicationUse[:])
	offset += consts.ISO9660_APPLICATION_USE_SIZE

	offset += reservedField2

	if offset != pvdBodySize {
		return data, isoerr.Internal("volume descriptor: body encode offset %d, expected %d", offset, pvdBodySize)
	}
	return data, nil
}

// Unmarshal parses a 2041-byte body slice. joliet selects UCS-2-BE
// decoding of the root directory record's file identifiers.
func (b *VolumeDescriptorBody) Unmarshal(data []byte, joliet bool) error {
	if len(data) < pvdBodySize {
		return isoerr.InvalidISO("volume descriptor: body length %d, expected %d", len(data), pvdBodySize)
	}
	offset := 1 // skip unused byte 1

	b.SystemIdentifier = strings.TrimRight(string(data[offset:offset+32]), " ")
	offset += 32
	b.VolumeIdentifier = strings.TrimRight(string(data[offset:offset+32]), " ")
	offset += 32
	offset += 8

	var vss [8]byte
	copy(vss[:], data[offset:offset+8])
	space, err := encoding.UnmarshalUint32LSBMSB(vss)
	if err != nil {
		return isoerr.Wrap(isoerr.KindInvalidISO, err, "volume descriptor: volume space size")
	}
	b.VolumeSpaceSize = space
	offset += 8

	copy(b.EscapeSequences[:], data[offset:offset+32])
	offset += 32

	var vsetB [4]byte
	copy(vsetB[:], data[offset:offset+4])
	vset, err := encoding.UnmarshalUint16LSBMSB(vsetB)
	if err != nil {
		return isoerr.Wrap(isoerr.KindInvalidISO, err, "volume descriptor: volume set size")
	}
	b.VolumeSetSize = vset
	offset += 4

	var vsnB [4]byte
	copy(vsnB[:], data[offset:offset+4])
	vsn, err := encoding.UnmarshalUint16LSBMSB(vsnB)
	if err != nil {
		return isoerr.Wrap(isoerr.KindInvalidISO, err, "volume descriptor: volume sequence number")
	}
	b.VolumeSequenceNumber = vsn
	offset += 4

	var lbsB [4]byte
	copy(lbsB[:], data[offset:offset+4])
	lbs, err := encoding.UnmarshalUint16LSBMSB(lbsB)
	if err != nil {
		return isoerr.Wrap(isoerr.KindInvalidISO, err, "volume descriptor: logical block size")
	}
	b.LogicalBlockSize = lbs
	offset += 4

	var ptsB [8]byte
	copy(ptsB[:], data[offset:offset+8])
	pts, err := encoding.UnmarshalUint32LSBMSB(ptsB)
	if err != nil {
		return isoerr.Wrap(isoerr.KindInvalidISO, err, "volume descriptor: path table size")
	}
	b.PathTableSize = pts
	offset += 8

	b.LocationOfTypeLPathTable = binary.LittleEndian.Uint32(data[offset : offset+4])
	offset += 4
	b.LocationOfOptionalTypeLPathTable = binary.LittleEndian.Uint32(data[offset : offset+4])
	offset += 4
	b.LocationOfTypeMPathTable = binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4
	b.LocationOfOptionalTypeMPathTable = binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4

	root, err := directory.Unmarshal(data[offset:offset+34], joliet)
	if err != nil {
		return isoerr.Wrap(isoerr.KindInvalidISO, err, "volume descriptor: root directory record")
	}
	b.RootDirectoryRecord = root
	offset += 34

	b.VolumeSetIdentifier = strings.TrimRight(string(data[offset:offset+128]), " ")
	offset += 128
	b.PublisherIdentifier = strings.TrimRight(string(data[offset:offset+128]), " ")
	offset += 128
	b.DataPreparerIdentifier = strings.TrimRight(string(data[offset:offset+128]), " ")
	offset += 128
	b.ApplicationIdentifier = strings.TrimRight(string(data[offset:offset+128]), " ")
	offset += 128
	b.CopyrightFileIdentifier = strings.TrimRight(string(data[offset:offset+37]), " ")
	offset += 37
	b.AbstractFileIdentifier = strings.TrimRight(string(data[offset:offset+37]), " ")
	offset += 37
	b.BibliographicFileIdentifier = strings.TrimRight(string(data[offset:offset+37]), " ")
	offset += 37

	dates := make([]*time.Time, 4)
	for i := range dates {
		var db [17]byte
		copy(db[:], data[offset:offset+17])
		t, err := encoding.UnmarshalDateTime(db)
		if err != nil {
			return isoerr.Wrap(isoerr.KindInvalidISO, err, "volume descriptor: date field %d", i)
		}
		dates[i] = &t
		offset += 17
	}
	b.VolumeCreationDateAndTime = *dates[0]
	b.VolumeModificationDateAndTime = *dates[1]
	b.VolumeExpirationDateAndTime = *dates[2]
	b.VolumeEffectiveDateAndTime = *dates[3]

	b.FileStructureVersion = data[offset]
	offset++
	offset++ // reserved field 1

	copy(b.ApplicationUse[:], data[offset:offset+consts.ISO9660_APPLICATION_USE_SIZE])
	return nil
}

// PrimaryVolumeDescriptor is the mandatory PVD (ECMA-119 8.4).
type PrimaryVolumeDescriptor struct {
	Header Header
	Body   VolumeDescriptorBody
}

// NewPrimary builds a PVD with sane defaults for a fresh image.
func NewPrimary() *PrimaryVolumeDescriptor {
	return &PrimaryVolumeDescriptor{
		Header: Header{Type: TypePrimary, Identifier: consts.ISO9660_STD_IDENTIFIER, Version: consts.ISO9660_VOLUME_DESC_VERSION},
		Body:   VolumeDescriptorBody{FileStructureVersion: 1},
	}
}

func (pvd *PrimaryVolumeDescriptor) Marshal() ([consts.ISO9660_SECTOR_SIZE]byte, error) {
	var out [consts.ISO9660_SECTOR_SIZE]byte
	h := pvd.Header.Marshal()
	body, err := pvd.Body.Marshal()
	if err != nil {
		return out, err
	}
	copy(out[:headerSize], h[:])
	copy(out[headerSize:], body[:])
	return out, nil
}

func (pvd *PrimaryVolumeDescriptor) Unmarshal(data []byte) error {
	if len(data) < consts.ISO9660_SECTOR_SIZE {
		return isoerr.InvalidISO("primary volume descriptor: sector length %d", len(data))
	}
	var h [headerSize]byte
	copy(h[:], data[:headerSize])
	if err := pvd.Header.Unmarshal(h); err != nil {
		return err
	}
	if pvd.Header.Type != TypePrimary {
		return isoerr.InvalidISO("primary volume descriptor: type %d, expected %d", pvd.Header.Type, TypePrimary)
	}
	return pvd.Body.Unmarshal(data[headerSize:], false)
}

// SupplementaryVolumeDescriptor is the Joliet SVD (ECMA-119 8.5). Its
// EscapeSequences field names the Joliet UCS-2 level.
type SupplementaryVolumeDescriptor struct {
	Header Header
	Body   VolumeDescriptorBody
}

// NewSupplementaryJoliet builds an SVD configured for Joliet level 3.
func NewSupplementaryJoliet() *SupplementaryVolumeDescriptor {
	svd := &SupplementaryVolumeDescriptor{
		Header: Header{Type: TypeSupplementary, Identifier: consts.ISO9660_STD_IDENTIFIER, Version: consts.ISO9660_VOLUME_DESC_VERSION},
		Body:   VolumeDescriptorBody{FileStructureVersion: 1},
	}
	copy(svd.Body.EscapeSequences[:3], consts.JOLIET_LEVEL_3_ESCAPE)
	return svd
}

func (svd *SupplementaryVolumeDescriptor) Marshal() ([consts.ISO9660_SECTOR_SIZE]byte, error) {
	var out [consts.ISO9660_SECTOR_SIZE]byte
	h := svd.Header.Marshal()
	body, err := svd.Body.Marshal()
	if err != nil {
		return out, err
	}
	copy(out[:headerSize], h[:])
	copy(out[headerSize:], body[:])
	return out, nil
}

func (svd *SupplementaryVolumeDescriptor) Unmarshal(data []byte) error {
	if len(data) < consts.ISO9660_SECTOR_SIZE {
		return isoerr.InvalidISO("supplementary volume descriptor: sector length %d", len(data))
	}
	var h [headerSize]byte
	copy(h[:], data[:headerSize])
	if err := svd.Header.Unmarshal(h); err != nil {
		return err
	}
	if svd.Header.Type != TypeSupplementary {
		return isoerr.InvalidISO("supplementary volume descriptor: type %d, expected %d", svd.Header.Type, TypeSupplementary)
	}
	return svd.Body.Unmarshal(data[headerSize:], IsJoliet(svd.Body.EscapeSequences))
}

// IsJoliet reports whether an SVD's escape sequences name a Joliet
// UCS-2 level (1, 2, or 3).
func IsJoliet(escapes [32]byte) bool {
	s := string(escapes[:3])
	return s == consts.JOLIET_LEVEL_1_ESCAPE || s == consts.JOLIET_LEVEL_2_ESCAPE || s == consts.JOLIET_LEVEL_3_ESCAPE
}

const bootRecordBodySize = consts.ISO9660_SECTOR_SIZE - headerSize

// BootRecord is the Boot Record volume descriptor (ECMA-119 8.2),
// carrying the boot system identifier (e.g. El Torito's) and a
// system-defined boot-system-use area.
type BootRecord struct {
	Header           Header
	BootSystemID     string
	BootID           string
	BootSystemUse    [bootRecordBodySize - 64]byte
}

// NewElToritoBootRecord builds a Boot Record naming the El Torito spec.
func NewElToritoBootRecord() *BootRecord {
	return &BootRecord{
		Header:       Header{Type: TypeBootRecord, Identifier: consts.ISO9660_STD_IDENTIFIER, Version: consts.ISO9660_VOLUME_DESC_VERSION},
		BootSystemID: consts.EL_TORITO_BOOT_SYSTEM_ID,
	}
}

func (br *BootRecord) Marshal() [consts.ISO9660_SECTOR_SIZE]byte {
	var out [consts.ISO9660_SECTOR_SIZE]byte
	h := br.Header.Marshal()
	copy(out[:headerSize], h[:])
	copy(out[headerSize:headerSize+32], br.BootSystemID)
	copy(out[headerSize+32:headerSize+64], br.BootID)
	copy(out[headerSize+64:], br.BootSystemUse[:])
	return out
}

func (br *BootRecord) Unmarshal(data []byte) error {
	if len(data) < consts.ISO9660_SECTOR_SIZE {
		return isoerr.InvalidISO("boot record: sector length %d", len(data))
	}
	var h [headerSize]byte
	copy(h[:], data[:headerSize])
	if err := br.Header.Unmarshal(h); err != nil {
		return err
	}
	if br.Header.Type != TypeBootRecord {
		return isoerr.InvalidISO("boot record: type %d, expected %d", br.Header.Type, TypeBootRecord)
	}
	br.BootSystemID = strings.TrimRight(string(data[headerSize:headerSize+32]), "\x00")
	br.BootID = strings.TrimRight(string(data[headerSize+32:headerSize+64]), "\x00")
	copy(br.BootSystemUse[:], data[headerSize+64:])
	return nil
}

// Terminator is the Volume Descriptor Set Terminator (ECMA-119 8.3).
type Terminator struct {
	Header Header
}

func NewTerminator() *Terminator {
	return &Terminator{Header: Header{Type: TypeTerminator, Identifier: consts.ISO9660_STD_IDENTIFIER, Version: consts.ISO9660_VOLUME_DESC_VERSION}}
}

func (t *Terminator) Marshal() [consts.ISO9660_SECTOR_SIZE]byte {
	var out [consts.ISO9660_SECTOR_SIZE]byte
	h := t.Header.Marshal()
	copy(out[:headerSize], h[:])
	return out
}

func (t *Terminator) Unmarshal(data []byte) error {
	if len(data) < headerSize {
		return isoerr.InvalidISO("volume descriptor set terminator: too short")
	}
	var h [headerSize]byte
	copy(h[:], data[:headerSize])
	if err := t.Header.Unmarshal(h); err != nil {
		return err
	}
	if t.Header.Type != TypeTerminator {
		return isoerr.InvalidISO("volume descriptor set terminator: type %d, expected %d", t.Header.Type, TypeTerminator)
	}
	return nil
}
