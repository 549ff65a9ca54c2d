// Package directory implements the in-memory directory-record tree
// (ISO9660 and Joliet): on-disc codec, sibling ordering, and the
// add/remove tree-mutation operations.
package directory

import (
	"fmt"
	"os"
	"time"

	"github.com/discolith/isokit/pkg/encoding"
	"github.com/discolith/isokit/pkg/isoerr"
	"github.com/discolith/isokit/pkg/rockridge"
)

// Special identifier bytes for "." and "..".
const (
	IdentCurrent = "\x00"
	IdentParent  = "\x01"
)

// Record is one entry in an ISO9660 or Joliet directory tree.
type Record struct {
	LengthOfDirectoryRecord       uint8
	ExtendedAttributeRecordLength uint8
	LocationOfExtent              uint32
	DataLength                    uint32
	RecordingDateAndTime          time.Time
	FileFlags                     FileFlags
	FileUnitSize                  uint8
	InterleaveGapSize             uint8
	VolumeSequenceNumber          uint16
	LengthOfFileIdentifier        uint8
	FileIdentifier                string
	SystemUse                     []byte
	RockRidge                     *rockridge.Extensions
	Joliet                        bool

	// Tree links. Parent is a weak back-reference; nil only for the
	// root. Children is ordered per the sibling-insertion rule.
	Parent   *Record
	Children []*Record

	// DataContinuation links a multi-extent chain's earlier record to
	// its successor.
	DataContinuation *Record

	// ExtentsToHere/OffsetToHere cache this record's position within
	// the parent's directory extent after the last layout pass.
	ExtentsToHere uint32
	OffsetToHere  uint32

	// PathTableIndex is a weak reference to this directory's path
	// table entry, valid only for directory records.
	PathTableIndex int

	// NewExtentLoc is the logical block number assigned by the
	// reshuffle engine; authoritative over LocationOfExtent once set.
	NewExtentLoc uint32
}

// IsDirectory reports whether this record identifies a directory,
// accounting for Rock Ridge PX permissions overriding the plain flag.
func (r *Record) IsDirectory() bool {
	if r.RockRidge != nil && r.RockRidge.Posix != nil {
		return r.RockRidge.Posix.IsDir()
	}
	return r.FileFlags.Directory
}

// IsSpecial reports whether this record is "." or "..".
func (r *Record) IsSpecial() bool {
	return r.FileIdentifier == IdentCurrent || r.FileIdentifier == IdentParent
}

// IsDot reports whether this record is ".".
func (r *Record) IsDot() bool { return r.FileIdentifier == IdentCurrent }

// IsDotDot reports whether this record is "..".
func (r *Record) IsDotDot() bool { return r.FileIdentifier == IdentParent }

// PrintableName returns the best available display name: ".", "..",
// the Rock Ridge alternate name when present, or the raw ISO9660
// identifier with its version suffix stripped.
func (r *Record) PrintableName(rockRidgeEnabled bool) string {
	if r.IsSpecial() {
		if r.IsDot() {
			return "."
		}
		return ".."
	}
	if rockRidgeEnabled && r.RockRidge != nil && r.RockRidge.AlternateName != nil {
		return *r.RockRidge.AlternateName
	}
	return stripVersion(r.FileIdentifier)
}

func stripVersion(ident string) string {
	for i := len(ident) - 1; i >= 0; i-- {
		if ident[i] == ';' {
			return ident[:i]
		}
	}
	return ident
}

// Permissions returns the effective POSIX mode, preferring Rock Ridge
// PX over the ISO9660 defaults (0755 for directories, 0644 otherwise).
func (r *Record) Permissions(rockRidgeEnabled bool) os.FileMode {
	if rockRidgeEnabled && r.RockRidge != nil && r.RockRidge.Posix != nil {
		return r.RockRidge.Posix.Mode
	}
	if r.IsDirectory() {
		return 0o755
	}
	return 0o644
}

// Ownership returns the Rock Ridge UID/GID, if present.
func (r *Record) Ownership(rockRidgeEnabled bool) (uid, gid *uint32) {
	if rockRidgeEnabled && r.RockRidge != nil && r.RockRidge.Posix != nil {
		return &r.RockRidge.Posix.UID, &r.RockRidge.Posix.GID
	}
	return nil, nil
}

// SystemUseBudget returns how many bytes remain for the System Use
// field before Marshal's 255-byte directory-record cap, given the
// record's identifier as it stands now.
func (r *Record) SystemUseBudget() int {
	identBytes := r.encodeIdentifier()
	fixed := 33 + len(identBytes)
	if len(identBytes)%2 == 0 {
		fixed++ // padding field
	}
	if budget := 255 - fixed; budget > 0 {
		return budget
	}
	return 0
}

// Marshal encodes the record to its on-disc byte representation,
// including any System Use (SUSP/Rock Ridge) area, setting
// LengthOfDirectoryRecord as a side effect. dr_len is always kept
// even via a trailing pad byte.
func (r *Record) Marshal() ([]byte, error) {
	var buf []byte
	buf = append(buf, 0) // placeholder for LengthOfDirectoryRecord
	buf = append(buf, r.ExtendedAttributeRecordLength)

	loc := encoding.MarshalBothByteOrders32(r.LocationOfExtent)
	buf = append(buf, loc[:]...)

	dataLen := encoding.MarshalBothByteOrders32(r.DataLength)
	buf = append(buf, dataLen[:]...)

	recTime, err := encoding.MarshalRecordingDateTime(r.RecordingDateAndTime)
	if err != nil {
		return nil, fmt.Errorf("marshal directory record: recording date: %w", err)
	}
	buf = append(buf, recTime[:]...)

	buf = append(buf, r.FileFlags.Marshal())
	buf = append(buf, r.FileUnitSize)
	buf = append(buf, r.InterleaveGapSize)

	volSeq := encoding.MarshalBothByteOrders16(r.VolumeSequenceNumber)
	buf = append(buf, volSeq[:]...)

	identBytes := r.encodeIdentifier()
	fiLen := uint8(len(identBytes))
	buf = append(buf, fiLen)
	buf = append(buf, identBytes...)
	if fiLen%2 == 0 {
		buf = append(buf, 0x00) // padding field
	}

	buf = append(buf, r.SystemUse...)

	recordLength := len(buf)
	if recordLength > 255 {
		return nil, isoerr.InvalidInput("directory record length %d exceeds 255", recordLength)
	}
	if recordLength%2 != 0 {
		buf = append(buf, 0x00)
		recordLength++
	}
	buf[0] = uint8(recordLength)
	r.LengthOfDirectoryRecord = uint8(recordLength)
	return buf, nil
}

func (r *Record) encodeIdentifier() []byte {
	if r.IsSpecial() {
		return []byte(r.FileIdentifier)
	}
	if r.Joliet {
		return encoding.EncodeUCS2BigEndian(r.FileIdentifier)
	}
	return []byte(r.FileIdentifier)
}

// Unmarshal decodes a Record from data, which must contain at least
// the record's own LengthOfDirectoryRecord bytes. joliet selects
// UCS-2-BE identifier decoding.
func Unmarshal(data []byte, joliet bool) (*Record, error) {
	if len(data) < 1 {
		return nil, isoerr.InvalidISO("directory record: empty data")
	}
	r := &Record{Joliet: joliet}
	offset := 0

	recordLength := data[offset]
	r.LengthOfDirectoryRecord = recordLength
	if recordLength == 0 {
		return nil, isoerr.InvalidISO("directory record: zero length")
	}
	if len(data) < int(recordLength) {
		return nil, isoerr.InvalidISO("directory record: data length %d shorter than record length %d", len(data), recordLength)
	}
	offset++

	r.ExtendedAttributeRecordLength = data[offset]
	offset++

	var locBytes [8]byte
	copy(locBytes[:], data[offset:offset+8])
	r.LocationOfExtent = encoding.UnmarshalUint32LSBMSBTolerant(locBytes)
	offset += 8

	var dataLenBytes [8]byte
	copy(dataLenBytes[:], data[offset:offset+8])
	r.DataLength = encoding.UnmarshalUint32LSBMSBTolerant(dataLenBytes)
	offset += 8

	var recTimeBytes [7]byte
	copy(recTimeBytes[:], data[offset:offset+7])
	recTime, err := encoding.UnmarshalRecordingDateTime(recTimeBytes)
	if err != nil {
		return nil, isoerr.Wrap(isoerr.KindInvalidISO, err, "directory record: recording date")
	}
	r.RecordingDateAndTime = recTime
	offset += 7

	ff, err := UnmarshalFileFlags(data[offset])
	if err != nil {
		return nil, isoerr.Wrap(isoerr.KindInvalidISO, err, "directory record: file flags")
	}
	r.FileFlags = ff
	offset++

	r.FileUnitSize = data[offset]
	offset++
	r.InterleaveGapSize = data[offset]
	offset++

	var volSeqBytes [4]byte
	copy(volSeqBytes[:], data[offset:offset+4])
	volSeq, err := encoding.UnmarshalUint16LSBMSB(volSeqBytes)
	if err != nil {
		return nil, isoerr.Wrap(isoerr.KindInvalidISO, err, "directory record: volume sequence number")
	}
	r.VolumeSequenceNumber = volSeq
	offset += 4

	fiLen := int(data[offset])
	r.LengthOfFileIdentifier = uint8(fiLen)
	offset++

	if offset+fiLen > int(recordLength) {
		return nil, isoerr.InvalidISO("directory record: identifier overruns record")
	}
	identBytes := data[offset : offset+fiLen]
	if fiLen == 1 && (identBytes[0] == 0x00 || identBytes[0] == 0x01) {
		r.FileIdentifier = string(identBytes)
	} else if joliet {
		r.FileIdentifier = encoding.DecodeUCS2BigEndian(identBytes)
	} else {
		r.FileIdentifier = string(identBytes)
	}
	offset += fiLen

	if fiLen%2 == 0 {
		offset++ // padding field, not validated: some writers emit non-zero pad
	}

	if offset < int(recordLength) {
		suLen := int(recordLength) - offset
		r.SystemUse = make([]byte, suLen)
		copy(r.SystemUse, data[offset:offset+suLen])
	}

	return r, nil
}

// NewRoot creates a fresh root directory record with "." and ".."
// children, each with DataLength equal to one block.
func NewRoot(blockSize uint32) *Record {
	root := &Record{
		FileIdentifier:       IdentCurrent,
		FileFlags:            FileFlags{Directory: true},
		DataLength:           blockSize,
		RecordingDateAndTime: time.Now(),
	}
	dot := &Record{
		FileIdentifier:       IdentCurrent,
		FileFlags:            FileFlags{Directory: true},
		DataLength:           blockSize,
		RecordingDateAndTime: root.RecordingDateAndTime,
		Parent:               root,
	}
	dotdot := &Record{
		FileIdentifier:       IdentParent,
		FileFlags:            FileFlags{Directory: true},
		DataLength:           blockSize,
		RecordingDateAndTime: root.RecordingDateAndTime,
		Parent:               root,
	}
	root.Children = []*Record{dot, dotdot}
	return root
}

// NewDir creates a detached directory record ready to be added to a
// parent via AddChild.
func NewDir(name string, blockSize uint32) *Record {
	now := time.Now()
	dir := &Record{
		FileIdentifier:       name,
		FileFlags:            FileFlags{Directory: true},
		DataLength:           blockSize,
		RecordingDateAndTime: now,
	}
	dot := &Record{FileIdentifier: IdentCurrent, FileFlags: FileFlags{Directory: true}, DataLength: blockSize, RecordingDateAndTime: now, Parent: dir}
	dotdot := &Record{FileIdentifier: IdentParent, FileFlags: FileFlags{Directory: true}, DataLength: blockSize, RecordingDateAndTime: now}
	dir.Children = []*Record{dot, dotdot}
	return dir
}

// NewFile creates a detached file record of the given data length
// (the inode/extent is assigned later by the reshuffle engine).
func NewFile(name string, dataLength uint32) *Record {
	return &Record{
		FileIdentifier:       name,
		DataLength:           dataLength,
		RecordingDateAndTime: time.Now(),
	}
}
