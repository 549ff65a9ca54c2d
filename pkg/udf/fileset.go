package udf

import (
	"github.com/discolith/isokit/pkg/isoerr"
)

// FileSetDescriptor (ECMA-167 4/14.1) names a file set's root
// directory and carries the logical volume identifiers again for
// self-contained recovery.
type FileSetDescriptor struct {
	Tag                  *Tag
	RecordingDateTime    Timestamp
	InterchangeLevel     uint16
	MaxInterchangeLevel  uint16
	CharacterSetList     uint32
	MaxCharacterSetList  uint32
	FileSetNumber        uint32
	FileSetDescNumber    uint32
	LogicalVolumeIdent   string
	FileSetIdent         string
	CopyrightFileIdent   string
	AbstractFileIdent    string
	RootDirectoryICB     LongAD
	DomainID             EntityID
}

func (f *FileSetDescriptor) Marshal(location uint32) []byte {
	body := make([]byte, 448)
	copy(body[0:12], f.RecordingDateTime.Marshal())
	putU16(body[12:14], f.InterchangeLevel)
	putU16(body[14:16], f.MaxInterchangeLevel)
	putU32(body[16:20], f.CharacterSetList)
	putU32(body[20:24], f.MaxCharacterSetList)
	putU32(body[24:28], f.FileSetNumber)
	putU32(body[28:32], f.FileSetDescNumber)
	lvid, _ := marshalDString(f.LogicalVolumeIdent, 128)
	copy(body[32:160], lvid)
	fsid, _ := marshalDString(f.FileSetIdent, 32)
	copy(body[160:192], fsid)
	cfid, _ := marshalDString(f.CopyrightFileIdent, 32)
	copy(body[192:224], cfid)
	afid, _ := marshalDString(f.AbstractFileIdent, 32)
	copy(body[224:256], afid)
	copy(body[256:272], f.RootDirectoryICB.Marshal())
	copy(body[272:304], f.DomainID.Marshal())
	return MarshalDescriptor(f.Tag, location, body)
}

func ParseFileSetDescriptor(data []byte, extent uint32) (*FileSetDescriptor, error) {
	tag, body, err := ParseTag(data, extent)
	if err != nil {
		return nil, err
	}
	if tag.Ident != TagFileSetDescriptor {
		return nil, isoerr.InvalidISO("udf: FSD: tag ident %d, expected %d", tag.Ident, TagFileSetDescriptor)
	}
	if err := requireLen(body, 304, "FSD body"); err != nil {
		return nil, err
	}
	lvid, err := unmarshalDString(body[32:160])
	if err != nil {
		return nil, err
	}
	fsid, err := unmarshalDString(body[160:192])
	if err != nil {
		return nil, err
	}
	return &FileSetDescriptor{
		Tag:                 tag,
		RecordingDateTime:   parseTimestamp(body[0:12]),
		InterchangeLevel:    getU16(body[12:14]),
		MaxInterchangeLevel: getU16(body[14:16]),
		CharacterSetList:    getU32(body[16:20]),
		MaxCharacterSetList: getU32(body[20:24]),
		FileSetNumber:       getU32(body[24:28]),
		FileSetDescNumber:   getU32(body[28:32]),
		LogicalVolumeIdent:  lvid,
		FileSetIdent:        fsid,
		RootDirectoryICB:    parseLongAD(body[256:272]),
		DomainID:            parseEntityID(body[272:304]),
	}, nil
}

// ICBTag (ECMA-167 4/14.6) prefixes every File Entry / Extended File
// Entry and selects which allocation-descriptor form its data extents
// use.
type ICBTag struct {
	PriorDirectEntries uint32
	StrategyType       uint16
	StrategyParam      uint16
	MaxEntries         uint16
	FileType           uint8
	ParentICB          LongAD
	Flags              uint16
}

const icbTagSize = 20

// AllocType returns the allocation-descriptor form selected by the
// low 3 bits of Flags.
func (t ICBTag) AllocType() ADType { return ADType(t.Flags & 0x7) }

func (t ICBTag) Marshal() []byte {
	out := make([]byte, icbTagSize)
	putU32(out[0:4], t.PriorDirectEntries)
	putU16(out[4:6], t.StrategyType)
	putU16(out[6:8], t.StrategyParam)
	putU16(out[8:10], t.MaxEntries)
	out[11] = t.FileType
	copy(out[12:18], t.ParentICB.Marshal()[:6])
	putU16(out[18:20], t.Flags)
	return out
}

func parseICBTag(data []byte) ICBTag {
	return ICBTag{
		PriorDirectEntries: getU32(data[0:4]),
		StrategyType:       getU16(data[4:6]),
		StrategyParam:      getU16(data[6:8]),
		MaxEntries:         getU16(data[8:10]),
		FileType:           data[11],
		Flags:              getU16(data[18:20]),
	}
}

// File types (ECMA-167 4/14.6.6).
const (
	FileTypeDirectory = 4
	FileTypeRegular   = 5
	FileTypeSymlink   = 12
)

// FileEntry (ECMA-167 4/14.9) is the UDF inode: permissions,
// ownership, timestamps, and the allocation descriptors locating its
// data.
type FileEntry struct {
	Tag               *Tag
	ICB               ICBTag
	UID               uint32
	GID               uint32
	Permissions       uint32
	FileLinkCount     uint16
	RecordFormat      uint8
	InfoLength        uint64
	LogicalBlocksRecorded uint64
	AccessTime        Timestamp
	ModificationTime  Timestamp
	AttrTime          Timestamp
	Checkpoint        uint32
	ExtendedAttrICB   LongAD
	ImplementationID  EntityID
	UniqueID          uint64
	ShortADs          []ShortAD
	LongADs           []LongAD
	InlineData        []byte
}

const feFixedSize = 176

func (f *FileEntry) Marshal(location uint32) []byte {
	var adsBytes []byte
	switch f.ICB.AllocType() {
	case ADRecordedAndAllocated:
		for _, ad := range f.ShortADs {
			adsBytes = append(adsBytes, ad.Marshal()...)
		}
	case ADExtendedNextExtent:
		adsBytes = f.InlineData
	default:
		for _, ad := range f.LongADs {
			adsBytes = append(adsBytes, ad.Marshal()...)
		}
	}

	body := make([]byte, feFixedSize+len(adsBytes))
	copy(body[0:20], f.ICB.Marshal())
	putU32(body[20:24], f.UID)
	putU32(body[24:28], f.GID)
	putU32(body[28:32], f.Permissions)
	putU16(body[32:34], f.FileLinkCount)
	body[34] = f.RecordFormat
	putU64(body[40:48], f.InfoLength)
	putU64(body[48:56], f.LogicalBlocksRecorded)
	copy(body[56:68], f.AccessTime.Marshal())
	copy(body[68:80], f.ModificationTime.Marshal())
	copy(body[80:92], f.AttrTime.Marshal())
	putU32(body[92:96], f.Checkpoint)
	copy(body[96:112], f.ExtendedAttrICB.Marshal())
	copy(body[112:144], f.ImplementationID.Marshal())
	putU64(body[144:152], f.UniqueID)
	putU32(body[152:156], 0)                   // length of extended attributes
	putU32(body[156:160], uint32(len(adsBytes))) // length of allocation descriptors
	copy(body[176:], adsBytes)
	return MarshalDescriptor(f.Tag, location, body)
}

func ParseFileEntry(data []byte, extent uint32) (*FileEntry, error) {
	tag, body, err := ParseTag(data, extent)
	if err != nil {
		return nil, err
	}
	if tag.Ident != TagFileEntry {
		return nil, isoerr.InvalidISO("udf: FE: tag ident %d, expected %d", tag.Ident, TagFileEntry)
	}
	if err := requireLen(body, feFixedSize, "FE body"); err != nil {
		return nil, err
	}
	fe := &FileEntry{
		Tag:                   tag,
		ICB:                   parseICBTag(body[0:20]),
		UID:                   getU32(body[20:24]),
		GID:                   getU32(body[24:28]),
		Permissions:           getU32(body[28:32]),
		FileLinkCount:         getU16(body[32:34]),
		RecordFormat:          body[34],
		InfoLength:            getU64(body[40:48]),
		LogicalBlocksRecorded: getU64(body[48:56]),
		AccessTime:            parseTimestamp(body[56:68]),
		ModificationTime:      parseTimestamp(body[68:80]),
		AttrTime:              parseTimestamp(body[80:92]),
		Checkpoint:            getU32(body[92:96]),
		ExtendedAttrICB:       parseLongAD(body[96:112]),
		ImplementationID:      parseEntityID(body[112:144]),
		UniqueID:              getU64(body[144:152]),
	}
	adLen := int(getU32(body[156:160]))
	if feFixedSize+adLen > len(body) {
		return nil, isoerr.InvalidISO("udf: FE: allocation descriptor area overruns body")
	}
	adBytes := body[feFixedSize : feFixedSize+adLen]
	switch fe.ICB.AllocType() {
	case ADRecordedAndAllocated:
		for i := 0; i+shortADSize <= len(adBytes); i += shortADSize {
			fe.ShortADs = append(fe.ShortADs, parseShortAD(adBytes[i:i+shortADSize]))
		}
	case ADExtendedNextExtent:
		fe.InlineData = adBytes
	default:
		for i := 0; i+longADSize <= len(adBytes); i += longADSize {
			fe.LongADs = append(fe.LongADs, parseLongAD(adBytes[i:i+longADSize]))
		}
	}
	return fe, nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// FileIdentifierDescriptor (ECMA-167 4/14.4) is one directory entry:
// a flags byte, the referent's ICB, and its name.
type FileIdentifierDescriptor struct {
	Tag          *Tag
	FileVersion  uint16
	Characteristics byte
	ICB          LongAD
	FileIdent    string // empty for parent ("..") entries
}

const (
	ficHidden   = 1 << 0
	ficDirectory = 1 << 1
	ficDeleted  = 1 << 2
	ficParent   = 1 << 3
	ficMetadata = 1 << 4
)

// IsParent reports whether this FID is the directory's ".." entry.
func (f *FileIdentifierDescriptor) IsParent() bool { return f.Characteristics&ficParent != 0 }

// IsDirectory reports whether the referent is a directory.
func (f *FileIdentifierDescriptor) IsDirectory() bool { return f.Characteristics&ficDirectory != 0 }

// Marshal encodes the FID, padding its total length to a multiple of
// 4 bytes as ECMA-167 4/14.4.9 requires.
func (f *FileIdentifierDescriptor) Marshal(location uint32) []byte {
	var fiBytes []byte
	encodingByte := byte(0)
	if !f.IsParent() {
		fiBytes, encodingByte = encodeFileIdent(f.FileIdent)
	}
	fixed := 16 + 1 + 1 + 1 + 1 + 16 + 2 // version,char,lenfi,lenimpluse,icb,impluse len placeholder
	_ = fixed
	lenFI := byte(0)
	var nameField []byte
	if !f.IsParent() {
		nameField = append([]byte{encodingByte}, fiBytes...)
		lenFI = byte(len(nameField))
	}
	bodyLen := 2 + 1 + 1 + 2 + 16 + int(lenFI)
	body := make([]byte, bodyLen)
	putU16(body[0:2], f.FileVersion)
	body[2] = f.Characteristics
	body[3] = lenFI
	putU16(body[4:6], 0) // length of implementation use
	copy(body[6:22], f.ICB.Marshal())
	copy(body[22:], nameField)

	full := MarshalDescriptor(f.Tag, location, body)
	pad := (4 - len(full)%4) % 4
	return append(full, make([]byte, pad)...)
}

func encodeFileIdent(name string) ([]byte, byte) {
	enc, err := marshalDString(name, len(name)+2)
	if err != nil || len(enc) == 0 {
		return []byte(name), 8
	}
	// marshalDString zero-pads to a fixed field with a trailing
	// used-length byte; a FID's name field has no padding, so
	// re-encode without the OSTA dstring envelope.
	encByte := byte(8)
	for _, r := range name {
		if r > 0xFF {
			encByte = 16
			break
		}
	}
	if encByte == 16 {
		return []byte(toUCS2BE(name)), 16
	}
	return []byte(name), 8
}

func toUCS2BE(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		out = append(out, byte(r>>8), byte(r))
	}
	return out
}

// ParseFileIdentifierDescriptor decodes one FID starting at data[0],
// returning it and its total padded length.
func ParseFileIdentifierDescriptor(data []byte, extent uint32) (*FileIdentifierDescriptor, int, error) {
	tag, body, err := ParseTag(data, extent)
	if err != nil {
		return nil, 0, err
	}
	if tag.Ident != TagFileIdentifierDescriptor {
		return nil, 0, isoerr.InvalidISO("udf: FID: tag ident %d, expected %d", tag.Ident, TagFileIdentifierDescriptor)
	}
	if err := requireLen(body, 22, "FID body"); err != nil {
		return nil, 0, err
	}
	f := &FileIdentifierDescriptor{
		Tag:             tag,
		FileVersion:     getU16(body[0:2]),
		Characteristics: body[2],
		ICB:             parseLongAD(body[6:22]),
	}
	lenFI := int(body[3])
	lenImplUse := int(getU16(body[4:6]))
	nameOffset := 22 + lenImplUse
	if lenFI > 0 {
		if nameOffset+lenFI > len(body) {
			return nil, 0, isoerr.InvalidISO("udf: FID: name field overruns body")
		}
		nameField := body[nameOffset : nameOffset+lenFI]
		encByte := nameField[0]
		if encByte == 16 {
			var sb []rune
			for i := 1; i+1 < len(nameField); i += 2 {
				sb = append(sb, rune(nameField[i])<<8|rune(nameField[i+1]))
			}
			f.FileIdent = string(sb)
		} else {
			f.FileIdent = string(nameField[1:])
		}
	}
	total := tagSize + int(tag.CRCLength)
	total += (4 - total%4) % 4
	return f, total, nil
}
