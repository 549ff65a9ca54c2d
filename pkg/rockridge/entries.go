package rockridge

import (
	"io/fs"
	"os"
	"time"

	"github.com/discolith/isokit/pkg/encoding"
	"github.com/discolith/isokit/pkg/isoerr"
)

const (
	Identifier1991A = "RRIP_1991A"
	Version1        = 1
)

// PosixEntry is the parsed PX record: POSIX mode, link count, uid/gid,
// and serial number.
type PosixEntry struct {
	Mode     fs.FileMode
	UID      uint32
	GID      uint32
	Links    uint32
	SerialNo uint32
}

// IsDir reports whether the PX mode bits name a directory.
func (p *PosixEntry) IsDir() bool { return p.Mode.IsDir() }

// UnmarshalPosixEntry parses a PX record's payload (data begins at BP5).
func UnmarshalPosixEntry(data []byte) (*PosixEntry, error) {
	if len(data) < 32 {
		return nil, isoerr.InvalidISO("rockridge: PX record too short (%d bytes)", len(data))
	}
	var modeB, linksB, uidB, gidB [8]byte
	copy(modeB[:], data[0:8])
	copy(linksB[:], data[8:16])
	copy(uidB[:], data[16:24])
	copy(gidB[:], data[24:32])

	modeVal, err := encoding.UnmarshalUint32LSBMSB(modeB)
	if err != nil {
		return nil, err
	}
	links, err := encoding.UnmarshalUint32LSBMSB(linksB)
	if err != nil {
		return nil, err
	}
	uid, err := encoding.UnmarshalUint32LSBMSB(uidB)
	if err != nil {
		return nil, err
	}
	gid, err := encoding.UnmarshalUint32LSBMSB(gidB)
	if err != nil {
		return nil, err
	}
	var serial uint32
	if len(data) >= 40 {
		var serB [8]byte
		copy(serB[:], data[32:40])
		serial, _ = encoding.UnmarshalUint32LSBMSB(serB)
	}

	return &PosixEntry{Mode: parseFileMode(modeVal), UID: uid, GID: gid, Links: links, SerialNo: serial}, nil
}

// MarshalPosixEntry encodes a PX record. Version 1.12 includes the
// trailing serial-number field (44 bytes total); earlier versions omit
// it (36 bytes).
func MarshalPosixEntry(p *PosixEntry, includeSerial bool) []byte {
	length := 36
	if includeSerial {
		length = 44
	}
	out := make([]byte, length)
	out[0], out[1] = 'P', 'X'
	out[2] = byte(length)
	out[3] = Version1

	mode := rawFileMode(p.Mode)
	modeB := encoding.MarshalBothByteOrders32(mode)
	linksB := encoding.MarshalBothByteOrders32(p.Links)
	uidB := encoding.MarshalBothByteOrders32(p.UID)
	gidB := encoding.MarshalBothByteOrders32(p.GID)
	copy(out[4:12], modeB[:])
	copy(out[12:20], linksB[:])
	copy(out[20:28], uidB[:])
	copy(out[28:36], gidB[:])
	if includeSerial {
		serB := encoding.MarshalBothByteOrders32(p.SerialNo)
		copy(out[36:44], serB[:])
	}
	return out
}

func parseFileMode(mode uint32) fs.FileMode {
	var m fs.FileMode
	switch mode & 0xF000 {
	case 0xC000:
		m |= fs.ModeSocket
	case 0xA000:
		m |= fs.ModeSymlink
	case 0x6000:
		m |= fs.ModeDevice
	case 0x2000:
		m |= fs.ModeCharDevice
	case 0x4000:
		m |= fs.ModeDir
	case 0x1000:
		m |= fs.ModeNamedPipe
	}
	m |= fs.FileMode(mode & 0777)
	if mode&0x0800 != 0 {
		m |= os.ModeSetuid
	}
	if mode&0x0400 != 0 {
		m |= os.ModeSetgid
	}
	if mode&0x0200 != 0 {
		m |= os.ModeSticky
	}
	return m
}

func rawFileMode(m fs.FileMode) uint32 {
	var mode uint32
	switch {
	case m&fs.ModeSocket != 0:
		mode |= 0xC000
	case m&fs.ModeSymlink != 0:
		mode |= 0xA000
	case m&fs.ModeDevice != 0 && m&fs.ModeCharDevice == 0:
		mode |= 0x6000
	case m&fs.ModeCharDevice != 0:
		mode |= 0x2000
	case m&fs.ModeDir != 0:
		mode |= 0x4000
	case m&fs.ModeNamedPipe != 0:
		mode |= 0x1000
	default:
		mode |= 0x8000
	}
	mode |= uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		mode |= 0x0800
	}
	if m&os.ModeSetgid != 0 {
		mode |= 0x0400
	}
	if m&os.ModeSticky != 0 {
		mode |= 0x0200
	}
	return mode
}

// NameEntry is the parsed NM record.
type NameEntry struct {
	Continue bool
	Current  bool
	Parent   bool
	Name     string
}

// UnmarshalNameEntry parses an NM record; length is the record's own
// LEN_NM field, data begins at BP5 (the flags byte).
func UnmarshalNameEntry(length uint8, data []byte) (*NameEntry, error) {
	if len(data) < 1 {
		return nil, isoerr.InvalidISO("rockridge: NM record too short")
	}
	flags := data[0]
	nameLen := int(length) - 5
	if nameLen < 0 || len(data) < 1+nameLen {
		return nil, isoerr.InvalidISO("rockridge: NM record name length mismatch")
	}
	return &NameEntry{
		Continue: flags&0x01 != 0,
		Current:  flags&0x02 != 0,
		Parent:   flags&0x04 != 0,
		Name:     string(data[1 : 1+nameLen]),
	}, nil
}

// MarshalNameEntry encodes a single NM record; the caller (Extensions
// assembler) is responsible for chunking names longer than 250 bytes
// across multiple records with Continue set on all but the last.
func MarshalNameEntry(name string, continued bool) []byte {
	length := 5 + len(name)
	out := make([]byte, length)
	out[0], out[1] = 'N', 'M'
	out[2] = byte(length)
	out[3] = Version1
	if continued {
		out[4] = 0x01
	}
	copy(out[5:], name)
	return out
}

// SLComponent is one component of a symbolic-link target.
type SLComponent struct {
	Root      bool // "/"
	Current   bool // "."
	Parent    bool // ".."
	Continued bool
	Content   string
}

const (
	slFlagContinue = 1 << 0
	slFlagCurrent  = 1 << 1
	slFlagParent   = 1 << 2
	slFlagRoot     = 1 << 3
)

// UnmarshalSymlinkComponents parses an SL record's component list
// (data begins at BP6, after the SL flags byte at BP5).
func UnmarshalSymlinkComponents(data []byte) ([]SLComponent, error) {
	var comps []SLComponent
	for i := 0; i < len(data); {
		if i+2 > len(data) {
			return nil, isoerr.InvalidISO("rockridge: truncated SL component")
		}
		flags := data[i]
		clen := int(data[i+1])
		if i+2+clen > len(data) {
			return nil, isoerr.InvalidISO("rockridge: SL component length overruns record")
		}
		comps = append(comps, SLComponent{
			Root:      flags&slFlagRoot != 0,
			Current:   flags&slFlagCurrent != 0,
			Parent:    flags&slFlagParent != 0,
			Continued: flags&slFlagContinue != 0,
			Content:   string(data[i+2 : i+2+clen]),
		})
		i += 2 + clen
	}
	return comps, nil
}

// ReconstructSymlinkTarget concatenates SL components into a path,
// gluing continued components and treating a root component as a
// reset that discards everything accumulated before it.
func ReconstructSymlinkTarget(comps []SLComponent) string {
	var parts []string
	var cur string
	for _, c := range comps {
		switch {
		case c.Root:
			parts = nil
			parts = append(parts, "")
		case c.Current:
			parts = append(parts, ".")
		case c.Parent:
			parts = append(parts, "..")
		default:
			cur += c.Content
			if !c.Continued {
				parts = append(parts, cur)
				cur = ""
			}
			continue
		}
	}
	out := ""
	for i, p := range parts {
		if i == 0 {
			out = p
			continue
		}
		out += "/" + p
	}
	return out
}

// Timestamps is the parsed TF record (creation/modification/access/
// attribute-change, as present per the TF flags bitmask).
type Timestamps struct {
	Creation     *time.Time
	Modification *time.Time
	Access       *time.Time
	AttrChange   *time.Time
}

const (
	tfCreation   = 1 << 0
	tfModify     = 1 << 1
	tfAccess     = 1 << 2
	tfAttribute  = 1 << 3
	tfLongForm   = 1 << 7
)

// UnmarshalTimestamps parses a TF record (data begins at BP5, the
// flags byte).
func UnmarshalTimestamps(data []byte) (*Timestamps, error) {
	if len(data) < 1 {
		return nil, isoerr.InvalidISO("rockridge: TF record too short")
	}
	flags := data[0]
	ts := &Timestamps{}
	offset := 1
	width := 7
	if flags&tfLongForm != 0 {
		width = 17
	}
	read := func() (*time.Time, error) {
		if offset+width > len(data) {
			return nil, isoerr.InvalidISO("rockridge: TF record truncated")
		}
		var t time.Time
		var err error
		if width == 17 {
			var b [17]byte
			copy(b[:], data[offset:offset+17])
			t, err = encoding.UnmarshalDateTime(b)
		} else {
			var b [7]byte
			copy(b[:], data[offset:offset+7])
			t, err = encoding.UnmarshalRecordingDateTime(b)
		}
		offset += width
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	var err error
	if flags&tfCreation != 0 {
		if ts.Creation, err = read(); err != nil {
			return nil, err
		}
	}
	if flags&tfModify != 0 {
		if ts.Modification, err = read(); err != nil {
			return nil, err
		}
	}
	if flags&tfAccess != 0 {
		if ts.Access, err = read(); err != nil {
			return nil, err
		}
	}
	if flags&tfAttribute != 0 {
		if ts.AttrChange, err = read(); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// MarshalTimestamps encodes a TF record using the 7-byte directory
// date form.
func MarshalTimestamps(ts *Timestamps) []byte {
	var flags byte
	var payload []byte
	add := func(bit byte, t *time.Time) {
		if t == nil {
			return
		}
		flags |= bit
		b, _ := encoding.MarshalRecordingDateTime(*t)
		payload = append(payload, b[:]...)
	}
	add(tfCreation, ts.Creation)
	add(tfModify, ts.Modification)
	add(tfAccess, ts.Access)
	add(tfAttribute, ts.AttrChange)

	length := 5 + len(payload)
	out := make([]byte, length)
	out[0], out[1] = 'T', 'F'
	out[2] = byte(length)
	out[3] = Version1
	out[4] = flags
	copy(out[5:], payload)
	return out
}

// ChildLink (CL), ParentLink (PL) carry a 32-bit logical block number
// in both-byte-order form.

// UnmarshalBlockLocation decodes a CL/PL record's block-location
// payload (data begins at BP5).
func UnmarshalBlockLocation(data []byte) (uint32, error) {
	if len(data) < 8 {
		return 0, isoerr.InvalidISO("rockridge: CL/PL record too short")
	}
	var b [8]byte
	copy(b[:], data[0:8])
	return encoding.UnmarshalUint32LSBMSB(b)
}

// MarshalChildLink encodes a CL record.
func MarshalChildLink(extent uint32) []byte {
	return marshalLocEntry('C', 'L', extent)
}

// MarshalParentLink encodes a PL record.
func MarshalParentLink(extent uint32) []byte {
	return marshalLocEntry('P', 'L', extent)
}

func marshalLocEntry(a, b byte, extent uint32) []byte {
	out := make([]byte, 12)
	out[0], out[1] = a, b
	out[2] = 12
	out[3] = Version1
	locB := encoding.MarshalBothByteOrders32(extent)
	copy(out[4:12], locB[:])
	return out
}

// MarshalRelocated encodes an RE record (no payload beyond the header).
func MarshalRelocated() []byte {
	return []byte{'R', 'E', 4, Version1}
}

// MarshalSharingProtocol encodes the SP record that must be the very
// first SUSP entry in the root directory's "." record.
func MarshalSharingProtocol() []byte {
	return []byte{'S', 'P', 7, Version1, 0xBE, 0xEF, 0x00}
}

// MarshalExtensionRef encodes an ER record for Rock Ridge 1.12.
func MarshalExtensionRef(id, descriptor, source string, version int) []byte {
	length := 8 + len(id) + len(descriptor) + len(source)
	out := make([]byte, length)
	out[0], out[1] = 'E', 'R'
	out[2] = byte(length)
	out[3] = Version1
	out[4] = byte(len(id))
	out[5] = byte(len(descriptor))
	out[6] = byte(len(source))
	out[7] = byte(version)
	copy(out[8:], id)
	copy(out[8+len(id):], descriptor)
	copy(out[8+len(id)+len(descriptor):], source)
	return out
}
