package rockridge

import (
	"strings"

	"github.com/discolith/isokit/pkg/isoerr"
)

// RRMovedDirName is the conventional top-level directory name under
// which deep-tree relocation (CL/PL/RE) collects directories that
// would otherwise nest past the eight-level limit.
const RRMovedDirName = "RR_MOVED"

// Extensions is the assembled Rock Ridge view of one directory record,
// built from its parsed System Use entry list.
type Extensions struct {
	Posix            *PosixEntry
	AlternateName    *string
	SymlinkTarget    *string
	Timestamps       *Timestamps
	ChildLinkExtent  *uint32 // CL: this record stands in for a relocated directory at this extent
	ParentLinkExtent *uint32 // PL: on a directory moved under RR_MOVED, the extent of its logical parent
	Relocated        bool    // RE: this directory was moved under RR_MOVED
	Sparse           bool
	ExtensionRef     *ExtensionRecord

	// ContinuationBlock, ContinuationOffset and ContinuationLength
	// locate the continuation area holding whatever entries didn't fit
	// inline in the owning record's System Use field; ContinuationSplit
	// is the number of AssignEntries() results that did fit inline,
	// ahead of the trailing CE pointing at the rest. ContinuationBlock
	// is nil when every entry fit inline.
	ContinuationBlock  *ContinuationBlock
	ContinuationOffset uint32
	ContinuationLength uint32
	ContinuationSplit  int
}

// ParseExtensions assembles an Extensions value from a record's parsed
// SUSP entry list (post CE-continuation flattening). version112 is not
// consulted: a PX record's serial number is read whenever the record
// is long enough to carry one.
func ParseExtensions(entries []*Entry, version112 bool) (*Extensions, error) {
	ext := &Extensions{}
	var nameParts []string
	var slComps []SLComponent

	for _, e := range entries {
		switch e.Type {
		case TypePosixPerms:
			px, err := UnmarshalPosixEntry(e.Data)
			if err != nil {
				return nil, err
			}
			ext.Posix = px
		case TypeAlternateName:
			nm, err := UnmarshalNameEntry(e.Length, e.Data)
			if err != nil {
				return nil, err
			}
			nameParts = append(nameParts, nm.Name)
		case TypeSymlink:
			if len(e.Data) < 1 {
				return nil, isoerr.InvalidISO("rockridge: SL record too short")
			}
			comps, err := UnmarshalSymlinkComponents(e.Data[1:])
			if err != nil {
				return nil, err
			}
			slComps = append(slComps, comps...)
		case TypeTimestamps:
			tf, err := UnmarshalTimestamps(e.Data)
			if err != nil {
				return nil, err
			}
			ext.Timestamps = tf
		case TypeChildLink:
			loc, err := UnmarshalBlockLocation(e.Data)
			if err != nil {
				return nil, err
			}
			ext.ChildLinkExtent = &loc
		case TypeParentLink:
			loc, err := UnmarshalBlockLocation(e.Data)
			if err != nil {
				return nil, err
			}
			ext.ParentLinkExtent = &loc
		case TypeRelocated:
			ext.Relocated = true
		case TypeSparse:
			ext.Sparse = true
		case TypeExtensionRef:
			er, err := UnmarshalExtensionRecord(e)
			if err != nil {
				return nil, err
			}
			ext.ExtensionRef = er
		}
	}

	if len(nameParts) > 0 {
		name := strings.Join(nameParts, "")
		ext.AlternateName = &name
	}
	if len(slComps) > 0 {
		target := ReconstructSymlinkTarget(slComps)
		ext.SymlinkTarget = &target
	}
	return ext, nil
}

// maxInlineEntryLen is the most name bytes one NM record carries
// (5-byte header + 250 = 255, the largest SUSP entry length); longer
// names are split across continued NM records by chunkName.
const maxInlineEntryLen = 250

// AssignEntries synthesizes the ordered list of raw SUSP entries for a
// record, in this order: SP and ER (root "." only), NM*, PX, SL, TF,
// CL, PL, RE. No RR, ES, AL, PD, ST or SF record is emitted, and the
// CE record is appended by the caller. Names longer than
// maxInlineEntryLen are chunked across multiple continued NM records;
// a symlink target is always emitted as a single SL record.
func AssignEntries(ext *Extensions, isRoot bool) [][]byte {
	var out [][]byte
	if isRoot {
		out = append(out, MarshalSharingProtocol())
		out = append(out, MarshalExtensionRef(Identifier1991A, "THE ROCK RIDGE INTERCHANGE PROTOCOL", "PLEASE CONTACT DISC PUBLISHER FOR SPECIFICATION SOURCE.", Version1))
	}
	if ext == nil {
		return out
	}
	if ext.AlternateName != nil {
		out = append(out, chunkName(*ext.AlternateName)...)
	}
	if ext.Posix != nil {
		out = append(out, MarshalPosixEntry(ext.Posix, true))
	}
	if ext.SymlinkTarget != nil {
		out = append(out, marshalSymlink(*ext.SymlinkTarget)...)
	}
	if ext.Timestamps != nil {
		out = append(out, MarshalTimestamps(ext.Timestamps))
	}
	if ext.ChildLinkExtent != nil {
		out = append(out, MarshalChildLink(*ext.ChildLinkExtent))
	}
	if ext.ParentLinkExtent != nil {
		out = append(out, MarshalParentLink(*ext.ParentLinkExtent))
	}
	if ext.Relocated {
		out = append(out, MarshalRelocated())
	}
	return out
}

func chunkName(name string) [][]byte {
	var out [][]byte
	for len(name) > maxInlineEntryLen {
		out = append(out, MarshalNameEntry(name[:maxInlineEntryLen], true))
		name = name[maxInlineEntryLen:]
	}
	out = append(out, MarshalNameEntry(name, false))
	return out
}

func marshalSymlink(target string) [][]byte {
	comps := splitSymlinkComponents(target)
	// A single SL record per call; a target is not split across
	// continued SL records, so its encoded length must fit one record.
	payload := []byte{0x00}
	for _, c := range comps {
		payload = append(payload, encodeSLComponent(c)...)
	}
	length := 5 + len(payload)
	out := make([]byte, length)
	out[0], out[1] = 'S', 'L'
	out[2] = byte(length)
	out[3] = Version1
	copy(out[4:], payload)
	return [][]byte{out}
}

func splitSymlinkComponents(target string) []SLComponent {
	var comps []SLComponent
	rest := target
	if strings.HasPrefix(rest, "/") {
		comps = append(comps, SLComponent{Root: true})
		rest = strings.TrimPrefix(rest, "/")
	}
	for _, part := range strings.Split(rest, "/") {
		switch part {
		case ".":
			comps = append(comps, SLComponent{Current: true})
		case "..":
			comps = append(comps, SLComponent{Parent: true})
		default:
			comps = append(comps, SLComponent{Content: part})
		}
	}
	return comps
}

func encodeSLComponent(c SLComponent) []byte {
	var flags byte
	if c.Root {
		flags |= slFlagRoot
	}
	if c.Current {
		flags |= slFlagCurrent
	}
	if c.Parent {
		flags |= slFlagParent
	}
	if c.Continued {
		flags |= slFlagContinue
	}
	out := make([]byte, 2+len(c.Content))
	out[0] = flags
	out[1] = byte(len(c.Content))
	copy(out[2:], c.Content)
	return out
}
