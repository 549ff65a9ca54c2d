// Package rockridge implements SUSP/Rock Ridge entry parsing and
// synthesis: the System Use area attached to each directory record,
// continuation-block overflow, the continuation-block allocator, and
// deep-tree relocation bookkeeping.
package rockridge

import (
	"fmt"

	"github.com/discolith/isokit/pkg/consts"
	"github.com/discolith/isokit/pkg/encoding"
	"github.com/discolith/isokit/pkg/isoerr"
)

// Identifier is the two-byte SUSP/RR entry signature ("PX", "NM", ...).
type Identifier string

const (
	TypeContinuationArea Identifier = "CE"
	TypePadding          Identifier = "PD"
	TypeSharingProtocol  Identifier = "SP"
	TypeAreaTerminator   Identifier = "ST"
	TypeExtensionRef     Identifier = "ER"
	TypeExtensionSel     Identifier = "ES"
	TypeRockRidge        Identifier = "RR"
	TypePosixPerms       Identifier = "PX"
	TypePosixDevice      Identifier = "PN"
	TypeSymlink          Identifier = "SL"
	TypeAlternateName    Identifier = "NM"
	TypeChildLink        Identifier = "CL"
	TypeParentLink       Identifier = "PL"
	TypeRelocated        Identifier = "RE"
	TypeTimestamps       Identifier = "TF"
	TypeSparse           Identifier = "SF"
)

// Entry is one raw System Use Sharing Protocol entry.
type Entry struct {
	Type   Identifier
	Length uint8
	Data   []byte // BP5 onward (after the 4-byte signature/length/version header)
}

// SystemUseReader reads raw bytes for continuation-area overflow,
// satisfied by io.ReaderAt in the I/O driver.
type SystemUseReader interface {
	ReadAt(p []byte, off int64) (n int, err error)
}

// ParseEntries parses the System Use field of one directory record,
// recursively following CE continuation entries. visited tracks
// already-read continuation blocks to reject cycles, per spec.
func ParseEntries(data []byte, reader SystemUseReader, blockSize uint32) ([]*Entry, error) {
	return parseEntries(data, map[uint32]bool{}, reader, blockSize)
}

func parseEntries(data []byte, visited map[uint32]bool, reader SystemUseReader, blockSize uint32) ([]*Entry, error) {
	var entries []*Entry
	for offset := 0; offset < len(data); {
		if data[offset] == 0x00 {
			break
		}
		if len(data[offset:]) < 4 {
			break
		}
		entryLen := int(data[offset+2])
		if entryLen < 4 {
			return nil, isoerr.InvalidISO("rockridge: entry length %d below minimum 4", entryLen)
		}
		if offset+entryLen > len(data) {
			return nil, isoerr.InvalidISO("rockridge: entry length %d exceeds remaining data", entryLen)
		}

		e := &Entry{
			Type:   Identifier(data[offset : offset+2]),
			Length: uint8(entryLen),
			Data:   append([]byte(nil), data[offset+4:offset+entryLen]...),
		}

		if e.Type == TypeContinuationArea {
			ce, err := UnmarshalContinuationEntry(e)
			if err != nil {
				return nil, err
			}
			if visited[ce.BlockLocation] {
				return nil, isoerr.InvalidISO("rockridge: circular continuation-area reference at block %d", ce.BlockLocation)
			}
			visited[ce.BlockLocation] = true
			if reader != nil {
				buf := make([]byte, ce.LengthOfArea)
				ceOffset := int64(ce.BlockLocation)*int64(blockSize) + int64(ce.Offset)
				if _, err := reader.ReadAt(buf, ceOffset); err != nil {
					return nil, fmt.Errorf("rockridge: read continuation area at %d: %w", ceOffset, err)
				}
				continued, err := parseEntries(buf, visited, reader, blockSize)
				if err != nil {
					return nil, err
				}
				entries = append(entries, continued...)
			}
		} else {
			entries = append(entries, e)
		}
		offset += entryLen
	}
	return entries, nil
}

// ContinuationEntry is the parsed form of a CE record (SUSP 5.1).
type ContinuationEntry struct {
	BlockLocation uint32
	Offset        uint32
	LengthOfArea  uint32
}

// UnmarshalContinuationEntry parses a CE record's 24-byte payload.
func UnmarshalContinuationEntry(e *Entry) (*ContinuationEntry, error) {
	if e.Length != 28 {
		return nil, isoerr.InvalidISO("rockridge: CE record length %d, expected 28", e.Length)
	}
	var locB, offB, lenB [8]byte
	copy(locB[:], e.Data[0:8])
	copy(offB[:], e.Data[8:16])
	copy(lenB[:], e.Data[16:24])
	loc, err := encoding.UnmarshalUint32LSBMSB(locB)
	if err != nil {
		return nil, fmt.Errorf("rockridge: CE block location: %w", err)
	}
	off, err := encoding.UnmarshalUint32LSBMSB(offB)
	if err != nil {
		return nil, fmt.Errorf("rockridge: CE offset: %w", err)
	}
	length, err := encoding.UnmarshalUint32LSBMSB(lenB)
	if err != nil {
		return nil, fmt.Errorf("rockridge: CE length: %w", err)
	}
	return &ContinuationEntry{BlockLocation: loc, Offset: off, LengthOfArea: length}, nil
}

// MarshalContinuationEntry encodes a CE record.
func MarshalContinuationEntry(ce *ContinuationEntry) []byte {
	out := make([]byte, 28)
	out[0], out[1] = 'C', 'E'
	out[2] = 28
	out[3] = 1
	loc := encoding.MarshalBothByteOrders32(ce.BlockLocation)
	off := encoding.MarshalBothByteOrders32(ce.Offset)
	length := encoding.MarshalBothByteOrders32(ce.LengthOfArea)
	copy(out[4:12], loc[:])
	copy(out[12:20], off[:])
	copy(out[20:28], length[:])
	return out
}

// ExtensionRecord is the parsed form of an ER record.
type ExtensionRecord struct {
	Version    int
	Identifier string
	Descriptor string
	Source     string
}

// UnmarshalExtensionRecord parses an ER record.
func UnmarshalExtensionRecord(e *Entry) (*ExtensionRecord, error) {
	if e.Type != TypeExtensionRef {
		return nil, isoerr.InvalidISO("rockridge: expected ER record")
	}
	if len(e.Data) < 4 {
		return nil, isoerr.InvalidISO("rockridge: ER record too short")
	}
	idLen := int(e.Data[0])
	descLen := int(e.Data[1])
	srcLen := int(e.Data[2])
	need := 4 + idLen + descLen + srcLen
	if len(e.Data) < need {
		return nil, isoerr.InvalidISO("rockridge: ER record length %d, need %d", len(e.Data), need)
	}
	return &ExtensionRecord{
		Version:    int(e.Data[3]),
		Identifier: string(e.Data[4 : 4+idLen]),
		Descriptor: string(e.Data[4+idLen : 4+idLen+descLen]),
		Source:     string(e.Data[4+idLen+descLen : 4+idLen+descLen+srcLen]),
	}, nil
}

const blockSizeDefault = consts.ISO9660_SECTOR_SIZE
