package udf

import (
	"strings"

	"github.com/discolith/isokit/pkg/consts"
	"github.com/discolith/isokit/pkg/isoerr"
)

// VolumeStructureDescriptor is one of the system-area ECMA-167 2/9.1
// volume structure descriptors (BEA01, NSR02/NSR03, TEA01): a
// structure type byte, a 5-byte standard identifier, and a version.
type VolumeStructureDescriptor struct {
	StructureType byte
	Identifier    string
	Version       byte
}

func (d VolumeStructureDescriptor) Marshal() []byte {
	out := make([]byte, consts.ISO9660_SECTOR_SIZE)
	out[0] = d.StructureType
	copy(out[1:6], d.Identifier)
	out[6] = d.Version
	return out
}

func ParseVolumeStructureDescriptor(data []byte) (*VolumeStructureDescriptor, error) {
	if err := requireLen(data, 7, "volume structure descriptor"); err != nil {
		return nil, err
	}
	return &VolumeStructureDescriptor{StructureType: data[0], Identifier: string(data[1:6]), Version: data[6]}, nil
}

func BeginningExtendedAreaDescriptor() VolumeStructureDescriptor {
	return VolumeStructureDescriptor{StructureType: 0, Identifier: "BEA01", Version: 1}
}

func NSRDescriptor() VolumeStructureDescriptor {
	return VolumeStructureDescriptor{StructureType: 0, Identifier: "NSR03", Version: 1}
}

func TerminatingExtendedAreaDescriptor() VolumeStructureDescriptor {
	return VolumeStructureDescriptor{StructureType: 0, Identifier: "TEA01", Version: 1}
}

// IsNSR reports whether a parsed volume structure descriptor names
// one of the NSR revisions UDF permits.
func IsNSR(d *VolumeStructureDescriptor) bool {
	id := strings.TrimRight(d.Identifier, "\x00")
	return id == "NSR02" || id == "NSR03"
}

// AnchorVolumeDescriptorPointer (AVDP, ECMA-167 3/10.2) is fixed at
// sector 256 and at the image's final sector, pointing at the main
// and reserve volume descriptor sequences.
type AnchorVolumeDescriptorPointer struct {
	Tag       *Tag
	MainVDS   ExtentAD
	ReserveVDS ExtentAD
}

const avdpBodySize = 16

func NewAVDP(main, reserve ExtentAD) *AnchorVolumeDescriptorPointer {
	return &AnchorVolumeDescriptorPointer{Tag: NewTag(TagAnchorVolumeDescriptorPointer), MainVDS: main, ReserveVDS: reserve}
}

func (a *AnchorVolumeDescriptorPointer) Marshal(location uint32) []byte {
	body := make([]byte, avdpBodySize)
	copy(body[0:8], a.MainVDS.Marshal())
	copy(body[8:16], a.ReserveVDS.Marshal())
	full := MarshalDescriptor(a.Tag, location, body)
	out := make([]byte, consts.ISO9660_SECTOR_SIZE)
	copy(out, full)
	return out
}

func ParseAVDP(data []byte, extent uint32) (*AnchorVolumeDescriptorPointer, error) {
	tag, body, err := ParseTag(data, extent)
	if err != nil {
		return nil, err
	}
	if tag.Ident != TagAnchorVolumeDescriptorPointer {
		return nil, isoerr.InvalidISO("udf: AVDP: tag ident %d, expected %d", tag.Ident, TagAnchorVolumeDescriptorPointer)
	}
	if err := requireLen(body, avdpBodySize, "AVDP body"); err != nil {
		return nil, err
	}
	return &AnchorVolumeDescriptorPointer{Tag: tag, MainVDS: parseExtentAD(body[0:8]), ReserveVDS: parseExtentAD(body[8:16])}, nil
}

// PrimaryVolumeDescriptor (ECMA-167 3/10.1) names the volume/volume-set.
type PrimaryVolumeDescriptor struct {
	Tag                     *Tag
	VolumeDescriptorSeqNum  uint32
	PrimaryVolumeDescNum    uint32
	VolumeIdentifier        string
	VolumeSequenceNumber    uint16
	MaxVolumeSequenceNumber uint16
	InterchangeLevel        uint16
	MaxInterchangeLevel     uint16
	CharacterSetList        uint32
	MaxCharacterSetList     uint32
	VolumeSetIdentifier     string
	DescCharset             Charspec
	ExplanatoryCharset      Charspec
	VolumeAbstract          ExtentAD
	VolumeCopyrightNotice   ExtentAD
	ApplicationID           EntityID
	RecordingDateTime       Timestamp
	ImplementationID        EntityID
}

func (p *PrimaryVolumeDescriptor) Marshal(location uint32) []byte {
	body := make([]byte, 490)
	putU32(body[0:4], p.VolumeDescriptorSeqNum)
	putU32(body[4:8], p.PrimaryVolumeDescNum)
	vid, _ := marshalDString(p.VolumeIdentifier, 32)
	copy(body[8:40], vid)
	putU16(body[40:42], p.VolumeSequenceNumber)
	putU16(body[42:44], p.MaxVolumeSequenceNumber)
	putU16(body[44:46], p.InterchangeLevel)
	putU16(body[46:48], p.MaxInterchangeLevel)
	putU32(body[48:52], p.CharacterSetList)
	putU32(body[52:56], p.MaxCharacterSetList)
	vsid, _ := marshalDString(p.VolumeSetIdentifier, 128)
	copy(body[56:184], vsid)
	copy(body[184:248], p.DescCharset.Marshal())
	copy(body[248:312], p.ExplanatoryCharset.Marshal())
	copy(body[312:320], p.VolumeAbstract.Marshal())
	copy(body[320:328], p.VolumeCopyrightNotice.Marshal())
	copy(body[328:360], p.ApplicationID.Marshal())
	copy(body[360:372], p.RecordingDateTime.Marshal())
	copy(body[372:404], p.ImplementationID.Marshal())
	return MarshalDescriptor(p.Tag, location, body)
}

func ParsePrimaryVolumeDescriptor(data []byte, extent uint32) (*PrimaryVolumeDescriptor, error) {
	tag, body, err := ParseTag(data, extent)
	if err != nil {
		return nil, err
	}
	if tag.Ident != TagPrimaryVolumeDescriptor {
		return nil, isoerr.InvalidISO("udf: PVD: tag ident %d, expected %d", tag.Ident, TagPrimaryVolumeDescriptor)
	}
	if err := requireLen(body, 404, "PVD body"); err != nil {
		return nil, err
	}
	vid, err := unmarshalDString(body[8:40])
	if err != nil {
		return nil, err
	}
	vsid, err := unmarshalDString(body[56:184])
	if err != nil {
		return nil, err
	}
	return &PrimaryVolumeDescriptor{
		Tag:                     tag,
		VolumeDescriptorSeqNum:  getU32(body[0:4]),
		PrimaryVolumeDescNum:    getU32(body[4:8]),
		VolumeIdentifier:        vid,
		VolumeSequenceNumber:    getU16(body[40:42]),
		MaxVolumeSequenceNumber: getU16(body[42:44]),
		InterchangeLevel:        getU16(body[44:46]),
		MaxInterchangeLevel:     getU16(body[46:48]),
		CharacterSetList:        getU32(body[48:52]),
		MaxCharacterSetList:     getU32(body[52:56]),
		VolumeSetIdentifier:     vsid,
		DescCharset:             parseCharspec(body[184:248]),
		ExplanatoryCharset:      parseCharspec(body[248:312]),
		VolumeAbstract:          parseExtentAD(body[312:320]),
		VolumeCopyrightNotice:   parseExtentAD(body[320:328]),
		ApplicationID:           parseEntityID(body[328:360]),
		RecordingDateTime:       parseTimestamp(body[360:372]),
		ImplementationID:        parseEntityID(body[372:404]),
	}, nil
}

// PartitionDescriptor (ECMA-167 3/10.5) describes one partition's
// extent on the medium; this library always writes a single Type 1
// partition map covering the whole usable image.
type PartitionDescriptor struct {
	Tag                     *Tag
	VolumeDescriptorSeqNum  uint32
	PartitionFlags          uint16
	PartitionNumber         uint16
	PartitionContents       EntityID
	AccessType              uint32
	PartitionStartingLoc    uint32
	PartitionLength         uint32
	ImplementationID        EntityID
}

func (p *PartitionDescriptor) Marshal(location uint32) []byte {
	body := make([]byte, 356)
	putU32(body[0:4], p.VolumeDescriptorSeqNum)
	putU16(body[4:6], p.PartitionFlags)
	putU16(body[6:8], p.PartitionNumber)
	copy(body[8:40], p.PartitionContents.Marshal())
	putU32(body[72:76], p.AccessType)
	putU32(body[76:80], p.PartitionStartingLoc)
	putU32(body[80:84], p.PartitionLength)
	copy(body[84:116], p.ImplementationID.Marshal())
	return MarshalDescriptor(p.Tag, location, body)
}

func ParsePartitionDescriptor(data []byte, extent uint32) (*PartitionDescriptor, error) {
	tag, body, err := ParseTag(data, extent)
	if err != nil {
		return nil, err
	}
	if tag.Ident != TagPartitionDescriptor {
		return nil, isoerr.InvalidISO("udf: partition descriptor: tag ident %d, expected %d", tag.Ident, TagPartitionDescriptor)
	}
	if err := requireLen(body, 116, "partition descriptor body"); err != nil {
		return nil, err
	}
	return &PartitionDescriptor{
		Tag:                    tag,
		VolumeDescriptorSeqNum: getU32(body[0:4]),
		PartitionFlags:         getU16(body[4:6]),
		PartitionNumber:        getU16(body[6:8]),
		PartitionContents:      parseEntityID(body[8:40]),
		AccessType:             getU32(body[72:76]),
		PartitionStartingLoc:   getU32(body[76:80]),
		PartitionLength:        getU32(body[80:84]),
		ImplementationID:       parseEntityID(body[84:116]),
	}, nil
}

// LogicalVolumeDescriptor (ECMA-167 3/10.6) ties a logical volume to
// its partition map and names the File Set Descriptor's location.
type LogicalVolumeDescriptor struct {
	Tag                    *Tag
	VolumeDescriptorSeqNum uint32
	DescCharset            Charspec
	LogicalVolumeIdent     string
	LogicalBlockSize       uint32
	DomainID               EntityID
	FileSetDescriptorLoc   LongAD
	IntegritySeqExtent     ExtentAD
	PartitionMap           UDFPartitionMap
	ImplementationID       EntityID
}

// UDFPartitionMap is a Type 1 partition map (ECMA-167 3/10.7.2).
type UDFPartitionMap struct {
	VolumeSeqNum    uint16
	PartitionNumber uint16
}

func (m UDFPartitionMap) Marshal() []byte {
	out := make([]byte, 6)
	out[0], out[1] = 1, 6
	putU16(out[2:4], m.VolumeSeqNum)
	putU16(out[4:6], m.PartitionNumber)
	return out
}

func (l *LogicalVolumeDescriptor) Marshal(location uint32) []byte {
	body := make([]byte, 440+6)
	putU32(body[0:4], l.VolumeDescriptorSeqNum)
	copy(body[4:68], l.DescCharset.Marshal())
	lvid, _ := marshalDString(l.LogicalVolumeIdent, 128)
	copy(body[68:196], lvid)
	putU32(body[196:200], l.LogicalBlockSize)
	copy(body[200:232], l.DomainID.Marshal())
	copy(body[232:248], l.FileSetDescriptorLoc.Marshal())
	putU32(body[248:252], 6) // map table length
	putU32(body[252:256], 1) // number of partition maps
	copy(body[256:288], l.ImplementationID.Marshal())
	copy(body[288:296], l.IntegritySeqExtent.Marshal())
	copy(body[296:302], l.PartitionMap.Marshal())
	return MarshalDescriptor(l.Tag, location, body[:302])
}

func ParseLogicalVolumeDescriptor(data []byte, extent uint32) (*LogicalVolumeDescriptor, error) {
	tag, body, err := ParseTag(data, extent)
	if err != nil {
		return nil, err
	}
	if tag.Ident != TagLogicalVolumeDescriptor {
		return nil, isoerr.InvalidISO("udf: LVD: tag ident %d, expected %d", tag.Ident, TagLogicalVolumeDescriptor)
	}
	if err := requireLen(body, 302, "LVD body"); err != nil {
		return nil, err
	}
	lvid, err := unmarshalDString(body[68:196])
	if err != nil {
		return nil, err
	}
	return &LogicalVolumeDescriptor{
		Tag:                    tag,
		VolumeDescriptorSeqNum: getU32(body[0:4]),
		DescCharset:            parseCharspec(body[4:68]),
		LogicalVolumeIdent:     lvid,
		LogicalBlockSize:       getU32(body[196:200]),
		DomainID:               parseEntityID(body[200:232]),
		FileSetDescriptorLoc:   parseLongAD(body[232:248]),
		ImplementationID:       parseEntityID(body[256:288]),
		IntegritySeqExtent:     parseExtentAD(body[288:296]),
		PartitionMap:           UDFPartitionMap{VolumeSeqNum: getU16(body[298:300]), PartitionNumber: getU16(body[300:302])},
	}, nil
}

// UnallocatedSpaceDescriptor (ECMA-167 3/10.8) lists free extents;
// this library always writes it empty since a freshly-built image has
// no unallocated space to report.
type UnallocatedSpaceDescriptor struct {
	Tag                    *Tag
	VolumeDescriptorSeqNum uint32
}

func (u *UnallocatedSpaceDescriptor) Marshal(location uint32) []byte {
	body := make([]byte, 8)
	putU32(body[0:4], u.VolumeDescriptorSeqNum)
	return MarshalDescriptor(u.Tag, location, body)
}

// TerminatingDescriptor (ECMA-167 3/10.9) closes a volume or extent
// descriptor sequence; it carries no body beyond the tag.
type TerminatingDescriptor struct {
	Tag *Tag
}

func NewTerminatingDescriptor() *TerminatingDescriptor {
	return &TerminatingDescriptor{Tag: NewTag(TagTerminatingDescriptor)}
}

func (t *TerminatingDescriptor) Marshal(location uint32) []byte {
	return MarshalDescriptor(t.Tag, location, nil)
}

func putU32(b []byte, v uint32) { b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24) }
func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putU16(b []byte, v uint16) { b[0], b[1] = byte(v), byte(v>>8) }
func getU16(b []byte) uint16    { return uint16(b[0]) | uint16(b[1])<<8 }
