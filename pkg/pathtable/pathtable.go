// Package pathtable implements the L-Path-Table (little-endian) and
// M-Path-Table (big-endian) directory index required alongside the
// directory-record tree.
package pathtable

import (
	"encoding/binary"

	"github.com/discolith/isokit/pkg/isoerr"
)

// Record is one Path Table Record: a directory's extent location and
// its parent's 1-based record number.
type Record struct {
	ExtendedAttributeRecordLength uint8
	LocationOfExtent              uint32
	ParentDirectoryNumber         uint16
	DirectoryIdentifier           string
}

// Table is an ordered list of path table records, sorted per ECMA-119
// 9.4 (parent directory number ascending, then identifier within a
// parent).
type Table struct {
	Records      []*Record
	LittleEndian bool
}

// New creates an empty table in the given byte order.
func New(littleEndian bool) *Table {
	return &Table{LittleEndian: littleEndian}
}

// Marshal encodes the full table to its on-disc byte representation.
func (t *Table) Marshal() ([]byte, error) {
	var buf []byte
	for _, r := range t.Records {
		enc, err := t.marshalRecord(r)
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

func (t *Table) marshalRecord(r *Record) ([]byte, error) {
	identBytes := []byte(r.DirectoryIdentifier)
	length := len(identBytes)
	if length > 255 {
		return nil, isoerr.InvalidInput("path table directory identifier length %d exceeds 255", length)
	}
	recLen := 8 + length
	if length%2 != 0 {
		recLen++
	}
	out := make([]byte, recLen)
	out[0] = uint8(length)
	out[1] = r.ExtendedAttributeRecordLength

	order := t.byteOrder()
	order.PutUint32(out[2:6], r.LocationOfExtent)
	order.PutUint16(out[6:8], r.ParentDirectoryNumber)
	copy(out[8:], identBytes)
	return out, nil
}

// Unmarshal parses a full table from its raw extent bytes.
func Unmarshal(data []byte, littleEndian bool) (*Table, error) {
	t := New(littleEndian)
	order := t.byteOrder()
	offset := 0
	for offset < len(data) {
		if offset+8 > len(data) {
			break
		}
		identLen := int(data[offset])
		if identLen == 0 {
			break
		}
		recLen := 8 + identLen
		if identLen%2 != 0 {
			recLen++
		}
		if offset+recLen > len(data) {
			return nil, isoerr.InvalidISO("path table record overruns extent data")
		}
		r := &Record{
			ExtendedAttributeRecordLength: data[offset+1],
			LocationOfExtent:              order.Uint32(data[offset+2 : offset+6]),
			ParentDirectoryNumber:         order.Uint16(data[offset+6 : offset+8]),
			DirectoryIdentifier:           string(data[offset+8 : offset+8+identLen]),
		}
		t.Records = append(t.Records, r)
		offset += recLen
	}
	return t, nil
}

func (t *Table) byteOrder() binary.ByteOrder {
	if t.LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Size returns the table's encoded byte length without marshaling it.
func (t *Table) Size() int {
	total := 0
	for _, r := range t.Records {
		recLen := 8 + len(r.DirectoryIdentifier)
		if len(r.DirectoryIdentifier)%2 != 0 {
			recLen++
		}
		total += recLen
	}
	return total
}
