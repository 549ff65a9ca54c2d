package rockridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalChildLinkRoundTrip(t *testing.T) {
	data := MarshalChildLink(0xdeadbeef)
	assert.Equal(t, byte('C'), data[0])
	assert.Equal(t, byte('L'), data[1])
	loc, err := UnmarshalBlockLocation(data[4:])
	require.NoError(t, err)
	assert.EqualValues(t, 0xdeadbeef, loc)
}

func TestMarshalParentLinkRoundTrip(t *testing.T) {
	data := MarshalParentLink(42)
	assert.Equal(t, byte('P'), data[0])
	assert.Equal(t, byte('L'), data[1])
	loc, err := UnmarshalBlockLocation(data[4:])
	require.NoError(t, err)
	assert.EqualValues(t, 42, loc)
}

func TestMarshalRelocated(t *testing.T) {
	data := MarshalRelocated()
	assert.Equal(t, []byte{'R', 'E', 4, Version1}, data)
}

func TestAssignEntriesOrdersCLBeforePLBeforeRE(t *testing.T) {
	cl := uint32(10)
	pl := uint32(20)
	ext := &Extensions{
		ChildLinkExtent:  &cl,
		ParentLinkExtent: &pl,
		Relocated:        true,
	}
	entries := AssignEntries(ext, false)
	require.Len(t, entries, 3)
	assert.Equal(t, "CL", string(entries[0][:2]))
	assert.Equal(t, "PL", string(entries[1][:2]))
	assert.Equal(t, "RE", string(entries[2][:2]))
}

func TestParseExtensionsRecoversChildLink(t *testing.T) {
	data := MarshalChildLink(99)
	entry := &Entry{Type: TypeChildLink, Length: data[2], Data: data[4:]}
	ext, err := ParseExtensions([]*Entry{entry}, true)
	require.NoError(t, err)
	require.NotNil(t, ext.ChildLinkExtent)
	assert.EqualValues(t, 99, *ext.ChildLinkExtent)
}
