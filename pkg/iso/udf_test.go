package iso

import (
	"os"
	"testing"

	"github.com/discolith/isokit/pkg/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAddRegionExtendsReservedThroughBlock confirms a captured region's
// reserved span rounds up to whole blocks and only grows, never shrinks,
// as more regions are recorded — the invariant layout.Image.
// ReservedThroughBlock depends on to keep the reshuffle engine off a
// preserved UDF sequence.
func TestAddRegionExtendsReservedThroughBlock(t *testing.T) {
	view := &UDFView{}

	view.addRegion(16, make([]byte, 16*consts.ISO9660_SECTOR_SIZE))
	assert.Equal(t, uint32(31), view.reservedThroughBlock, "a 16-sector region starting at block 16 reserves through block 31")

	view.addRegion(256, make([]byte, 1))
	assert.Equal(t, uint32(256), view.reservedThroughBlock, "a sub-block region still reserves its whole block")

	view.addRegion(4, make([]byte, consts.ISO9660_SECTOR_SIZE))
	assert.Equal(t, uint32(256), view.reservedThroughBlock, "an earlier, smaller region must not shrink the already-recorded maximum")
}

// TestWriteUDFReplaysRegionsUnchanged exercises the only UDF write path
// this library offers: every region captured during parse is replayed
// verbatim at its original absolute block, byte-for-byte, with nothing
// re-derived or re-marshaled.
func TestWriteUDFReplaysRegionsUnchanged(t *testing.T) {
	img := newTestImage()

	avdpBytes := make([]byte, consts.ISO9660_SECTOR_SIZE)
	copy(avdpBytes, "fake-avdp-contents")
	mainVDSBytes := make([]byte, 16*consts.ISO9660_SECTOR_SIZE)
	copy(mainVDSBytes, "fake-main-vds-contents")

	img.UDF = &UDFView{}
	img.UDF.addRegion(256, avdpBytes)
	img.UDF.addRegion(257, mainVDSBytes)

	f, err := os.CreateTemp(t.TempDir(), "udf-replay-*.iso")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(300*consts.ISO9660_SECTOR_SIZE))

	require.NoError(t, img.writeUDF(f))

	got := make([]byte, consts.ISO9660_SECTOR_SIZE)
	_, err = f.ReadAt(got, 256*consts.ISO9660_SECTOR_SIZE)
	require.NoError(t, err)
	assert.Equal(t, avdpBytes, got)

	got = make([]byte, len(mainVDSBytes))
	_, err = f.ReadAt(got, 257*consts.ISO9660_SECTOR_SIZE)
	require.NoError(t, err)
	assert.Equal(t, mainVDSBytes, got)
}

// TestUDFReservedThroughBlockNilView confirms an image without a parsed
// UDF sequence reserves nothing, leaving the reshuffle engine's
// allocator at its normal starting point.
func TestUDFReservedThroughBlockNilView(t *testing.T) {
	img := newTestImage()
	assert.Equal(t, uint32(0), img.udfReservedThroughBlock())
	assert.NoError(t, img.writeUDF(nil), "a nil UDF view must be a no-op, not a nil-pointer panic")
}
