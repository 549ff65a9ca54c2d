// Package udf implements the ECMA-167/UDF descriptor graph: tags,
// anchor volume descriptor pointers, the volume descriptor sequence,
// the file set descriptor, file entries, and file identifier
// descriptors.
package udf

import (
	"encoding/binary"

	"github.com/discolith/isokit/pkg/encoding"
	"github.com/discolith/isokit/pkg/isoerr"
)

// Tag identifiers (ECMA-167 3/7.2.1).
const (
	TagPrimaryVolumeDescriptor        = 1
	TagAnchorVolumeDescriptorPointer  = 2
	TagVolumeDescriptorPointer        = 3
	TagImplementationUseVolumeDesc    = 4
	TagPartitionDescriptor            = 5
	TagLogicalVolumeDescriptor        = 6
	TagUnallocatedSpaceDescriptor     = 7
	TagTerminatingDescriptor          = 8
	TagLogicalVolumeIntegrityDesc     = 9
	TagFileSetDescriptor              = 256
	TagFileIdentifierDescriptor       = 257
	TagAllocationExtentDescriptor     = 258
	TagIndirectEntry                  = 259
	TagTerminalEntry                  = 260
	TagFileEntry                      = 261
	TagExtendedAttributeHeaderDesc    = 262
	TagUnallocatedSpaceEntry          = 263
	TagSpaceBitmapDescriptor          = 264
	TagPartitionIntegrityEntry        = 265
	TagExtendedFileEntry              = 266
)

const tagSize = 16

// Tag is the 16-byte descriptor tag prefixing every UDF descriptor.
type Tag struct {
	Ident           uint16
	Version         uint16
	SerialNumber    uint16
	CRCLength       uint16
	Location        uint32
}

// ParseTag reads a Tag from the first 16 bytes of data and validates its
// checksum, CRC (against the following CRCLength body bytes), and
// location against the extent it was read from. A location mismatch
// is tolerated and silently corrected, matching real-world images
// whose second anchor or terminator carries a stale tag_location.
func ParseTag(data []byte, extent uint32) (*Tag, []byte, error) {
	if len(data) < tagSize {
		return nil, nil, isoerr.InvalidISO("udf: tag: data shorter than %d bytes", tagSize)
	}
	t := &Tag{
		Ident:        binary.LittleEndian.Uint16(data[0:2]),
		Version:      binary.LittleEndian.Uint16(data[2:4]),
		SerialNumber: binary.LittleEndian.Uint16(data[6:8]),
		CRCLength:    binary.LittleEndian.Uint16(data[10:12]),
		Location:     binary.LittleEndian.Uint32(data[12:16]),
	}
	checksum := data[4]
	reserved := data[5]
	if reserved != 0 {
		return nil, nil, isoerr.InvalidISO("udf: tag: reserved byte not zero")
	}
	if encoding.TagChecksum([16]byte(data[:16])) != checksum {
		return nil, nil, isoerr.InvalidISO("udf: tag: checksum mismatch")
	}
	if t.Version != 2 && t.Version != 3 {
		return nil, nil, isoerr.InvalidISO("udf: tag: descriptor version %d not 2 or 3", t.Version)
	}
	if t.Location != extent {
		t.Location = extent
	}
	if len(data)-tagSize < int(t.CRCLength) {
		return nil, nil, isoerr.InvalidISO("udf: tag: not enough bytes for CRC body")
	}
	body := data[tagSize : tagSize+int(t.CRCLength)]
	crc := binary.LittleEndian.Uint16(data[8:10])
	if encoding.CRCCCITT(body) != crc {
		return nil, nil, isoerr.InvalidISO("udf: tag: CRC mismatch")
	}
	return t, body, nil
}

// Marshal encodes the tag, computing its CRC over crcBytes and its
// checksum over the finished 16-byte header.
func (t *Tag) Marshal(crcBytes []byte) []byte {
	out := make([]byte, tagSize)
	binary.LittleEndian.PutUint16(out[0:2], t.Ident)
	binary.LittleEndian.PutUint16(out[2:4], t.Version)
	out[5] = 0
	binary.LittleEndian.PutUint16(out[6:8], t.SerialNumber)
	binary.LittleEndian.PutUint16(out[8:10], encoding.CRCCCITT(crcBytes))
	binary.LittleEndian.PutUint16(out[10:12], uint16(len(crcBytes)))
	binary.LittleEndian.PutUint32(out[12:16], t.Location)
	out[4] = encoding.TagChecksum([16]byte(out))
	return out
}

// NewTag creates an unlocated tag; MarshalDescriptor sets Location
// from its location argument.
func NewTag(ident uint16) *Tag {
	return &Tag{Ident: ident, Version: 2}
}

// MarshalDescriptor assembles a full tagged descriptor: tag header
// followed by body, with the tag's CRC computed over body.
func MarshalDescriptor(t *Tag, location uint32, body []byte) []byte {
	t.Location = location
	header := t.Marshal(body)
	out := make([]byte, len(header)+len(body))
	copy(out, header)
	copy(out[len(header):], body)
	return out
}
