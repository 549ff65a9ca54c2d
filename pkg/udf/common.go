package udf

import (
	"encoding/binary"
	"time"

	"github.com/discolith/isokit/pkg/encoding"
	"github.com/discolith/isokit/pkg/isoerr"
)

// EntityID identifies the implementation or standard responsible for
// a descriptor (ECMA-167 1/7.4): a flags byte, a 23-byte identifier,
// and a 8-byte suffix.
type EntityID struct {
	Flags      byte
	Identifier string
	Suffix     [8]byte
}

const entityIDSize = 32

// OSTA entity identifiers used by this library's own writer.
var (
	EntityIDPrimaryVolumeDescriptor = EntityID{Identifier: "*OSTA UDF Compliant"}
	EntityIDLogicalVolume           = EntityID{Identifier: "*OSTA UDF Compliant"}
	EntityIDPartition               = EntityID{Identifier: "*OSTA UDF Compliant"}
	EntityIDImplementation          = EntityID{Identifier: "*discolith isokit"}
	EntityIDFileSet                 = EntityID{Identifier: "*OSTA UDF Compliant"}
	EntityIDFileEntry               = EntityID{Identifier: ""}
)

func (e EntityID) Marshal() []byte {
	out := make([]byte, entityIDSize)
	out[0] = e.Flags
	copy(out[1:24], e.Identifier)
	copy(out[24:32], e.Suffix[:])
	return out
}

func parseEntityID(data []byte) EntityID {
	var e EntityID
	e.Flags = data[0]
	end := 1
	for end < 24 && data[end] != 0 {
		end++
	}
	e.Identifier = string(data[1:end])
	copy(e.Suffix[:], data[24:32])
	return e
}

// Charspec names a character set (ECMA-167 1/7.2.1). UDF mandates
// CS0 (set type 0, OSTA CS0 info string) for every instance this
// library emits.
type Charspec struct {
	SetType byte
	SetInfo [63]byte
}

var CS0 = Charspec{SetType: 0, SetInfo: cs0Info()}

func cs0Info() [63]byte {
	var b [63]byte
	copy(b[:], "OSTA Compressed Unicode")
	return b
}

func (c Charspec) Marshal() []byte {
	out := make([]byte, 64)
	out[0] = c.SetType
	copy(out[1:], c.SetInfo[:])
	return out
}

func parseCharspec(data []byte) Charspec {
	var c Charspec
	c.SetType = data[0]
	copy(c.SetInfo[:], data[1:64])
	return c
}

// ExtentAD is an (length, location) pair used by anchors and pointers
// to name a whole extent (ECMA-167 3/7.1).
type ExtentAD struct {
	Length   uint32
	Location uint32
}

func (e ExtentAD) Marshal() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], e.Length)
	binary.LittleEndian.PutUint32(out[4:8], e.Location)
	return out
}

func parseExtentAD(data []byte) ExtentAD {
	return ExtentAD{Length: binary.LittleEndian.Uint32(data[0:4]), Location: binary.LittleEndian.Uint32(data[4:8])}
}

// ADType selects how an allocation descriptor's extent-length field
// is interpreted (ECMA-167 4/14.14.1.1).
type ADType uint8

const (
	ADRecordedAndAllocated ADType = 0
	ADNotRecordedAllocated ADType = 1
	ADNotRecordedNotAlloc  ADType = 2
	ADExtendedNextExtent   ADType = 3
)

// ShortAD is the short form allocation descriptor: extent length
// (with type in the high 2 bits) and a block number relative to the
// partition.
type ShortAD struct {
	Type   ADType
	Length uint32 // low 30 bits only
	Block  uint32
}

const shortADSize = 8

func (a ShortAD) Marshal() []byte {
	out := make([]byte, shortADSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(a.Type)<<30|(a.Length&0x3FFFFFFF))
	binary.LittleEndian.PutUint32(out[4:8], a.Block)
	return out
}

func parseShortAD(data []byte) ShortAD {
	raw := binary.LittleEndian.Uint32(data[0:4])
	return ShortAD{Type: ADType(raw >> 30), Length: raw & 0x3FFFFFFF, Block: binary.LittleEndian.Uint32(data[4:8])}
}

// LongAD adds a partition reference number and 6 bytes of
// implementation-use to the short form.
type LongAD struct {
	Type       ADType
	Length     uint32
	Block      uint32
	PartRef    uint16
	ImplUse    [6]byte
}

const longADSize = 16

func (a LongAD) Marshal() []byte {
	out := make([]byte, longADSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(a.Type)<<30|(a.Length&0x3FFFFFFF))
	binary.LittleEndian.PutUint32(out[4:8], a.Block)
	binary.LittleEndian.PutUint16(out[8:10], a.PartRef)
	copy(out[10:16], a.ImplUse[:])
	return out
}

func parseLongAD(data []byte) LongAD {
	raw := binary.LittleEndian.Uint32(data[0:4])
	a := LongAD{Type: ADType(raw >> 30), Length: raw & 0x3FFFFFFF, Block: binary.LittleEndian.Uint32(data[4:8]), PartRef: binary.LittleEndian.Uint16(data[8:10])}
	copy(a.ImplUse[:], data[10:16])
	return a
}

// maxADLength is the largest byte length a single AD may claim before
// a new AD must be appended. ECMA-167 4/14.14.1.1 allows the full 30
// bits (up to 0x3FFFFFFF), but cdrkit/cdrtools splits at 0x3ffff800 and most
// readers expect that; we match it for compatibility.
const maxADLength = 0x3ffff800

// Timestamp is the UDF date/time record (ECMA-167 1/7.3).
type Timestamp struct {
	TypeAndZone uint16
	Year        int16
	Month       uint8
	Day         uint8
	Hour        uint8
	Minute      uint8
	Second      uint8
	Centiseconds   uint8
	HundredsOfMicroseconds uint8
	Microseconds uint8
}

const timestampSize = 12

func (t Timestamp) Marshal() []byte {
	out := make([]byte, timestampSize)
	binary.LittleEndian.PutUint16(out[0:2], t.TypeAndZone)
	binary.LittleEndian.PutUint16(out[2:4], uint16(t.Year))
	out[4] = t.Month
	out[5] = t.Day
	out[6] = t.Hour
	out[7] = t.Minute
	out[8] = t.Second
	out[9] = t.Centiseconds
	out[10] = t.HundredsOfMicroseconds
	out[11] = t.Microseconds
	return out
}

func parseTimestamp(data []byte) Timestamp {
	return Timestamp{
		TypeAndZone:            binary.LittleEndian.Uint16(data[0:2]),
		Year:                   int16(binary.LittleEndian.Uint16(data[2:4])),
		Month:                  data[4],
		Day:                    data[5],
		Hour:                   data[6],
		Minute:                 data[7],
		Second:                 data[8],
		Centiseconds:           data[9],
		HundredsOfMicroseconds: data[10],
		Microseconds:           data[11],
	}
}

// ToTime converts a Timestamp to a UTC time.Time, ignoring its
// timezone offset (type/zone low 12 bits) for simplicity.
func (t Timestamp) ToTime() time.Time {
	nsec := int(t.Centiseconds)*10_000_000 + int(t.HundredsOfMicroseconds)*1_000 + int(t.Microseconds)*100
	return time.Date(int(t.Year), time.Month(t.Month), int(t.Day), int(t.Hour), int(t.Minute), int(t.Second), nsec, time.UTC)
}

// NewTimestamp builds a Timestamp from a time.Time in UTC, type 1
// (local time taken as UTC, zone offset 0 per ECMA-167 1/7.3.1).
func NewTimestamp(t time.Time) Timestamp {
	t = t.UTC()
	return Timestamp{
		TypeAndZone: 0x1000,
		Year:        int16(t.Year()),
		Month:       uint8(t.Month()),
		Day:         uint8(t.Day()),
		Hour:        uint8(t.Hour()),
		Minute:      uint8(t.Minute()),
		Second:      uint8(t.Second()),
		Centiseconds: uint8(t.Nanosecond() / 10_000_000),
	}
}

// marshalDString wraps the already-implemented OSTA Unicode codec
// from pkg/encoding for UDF's zero-padded dstring identifier fields.
func marshalDString(s string, fieldLen int) ([]byte, error) {
	return encoding.EncodeOSTAUnicode(s, fieldLen)
}

func unmarshalDString(field []byte) (string, error) {
	return encoding.DecodeOSTAUnicode(field)
}

func requireLen(data []byte, n int, what string) error {
	if len(data) < n {
		return isoerr.InvalidISO("udf: %s: data shorter than %d bytes", what, n)
	}
	return nil
}
