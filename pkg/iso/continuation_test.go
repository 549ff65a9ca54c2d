package iso

import (
	"strings"
	"testing"

	"github.com/discolith/isokit/pkg/consts"
	"github.com/discolith/isokit/pkg/directory"
	"github.com/discolith/isokit/pkg/rockridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memReaderAt []byte

func (m memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m[off:]), nil
}

// TestAssignSystemUseSpillsLongNameIntoContinuationBlock exercises the
// CE/continuation-block path: a name too long to fit inline must spill
// into a continuation block as multiple NM records, reachable via a
// trailing CE pointing at the block's final, layout-assigned extent.
func TestAssignSystemUseSpillsLongNameIntoContinuationBlock(t *testing.T) {
	img := newTestImage()
	img.opts.rockRidgeEnabled = true

	longName := strings.Repeat("a", 300)
	rec := directory.NewFile("LONGNAME.TXT;1", 0)
	rec.RockRidge = &rockridge.Extensions{
		AlternateName: &longName,
		Posix:         &rockridge.PosixEntry{Mode: 0o644, Links: 1},
	}

	require.NoError(t, img.assignSystemUse(rec))
	require.NotNil(t, rec.RockRidge.ContinuationBlock, "a 300-byte name must overflow the directory record and spill into a continuation block")
	require.Contains(t, img.ceRecords, rec)
	assert.LessOrEqual(t, len(rec.SystemUse)+33+len(rec.FileIdentifier), 255)

	// Simulate layout.Run assigning the block its real extent, then
	// let Save's finalize pass refresh the CE bytes against it.
	rec.RockRidge.ContinuationBlock.Extent = 42
	require.NoError(t, img.finalizeContinuations())

	buf := make(memReaderAt, 43*consts.ISO9660_SECTOR_SIZE)
	copy(buf[42*consts.ISO9660_SECTOR_SIZE:], rec.RockRidge.ContinuationBlock.Bytes())

	entries, err := rockridge.ParseEntries(rec.SystemUse, buf, consts.ISO9660_SECTOR_SIZE)
	require.NoError(t, err)

	var nmCount int
	var reconstructed strings.Builder
	for _, e := range entries {
		if e.Type != rockridge.TypeAlternateName {
			continue
		}
		nmCount++
		nm, err := rockridge.UnmarshalNameEntry(e.Length, e.Data)
		require.NoError(t, err)
		reconstructed.WriteString(nm.Name)
	}
	assert.GreaterOrEqual(t, nmCount, 2, "a 300-byte name must chunk across at least two NM records")
	assert.Equal(t, longName, reconstructed.String())
}

// TestAssignSystemUseLeavesShortNamesInline confirms the common case
// (no overflow) never touches the continuation allocator.
func TestAssignSystemUseLeavesShortNamesInline(t *testing.T) {
	img := newTestImage()
	img.opts.rockRidgeEnabled = true

	name := "short.txt"
	rec := directory.NewFile("SHORT.TXT;1", 0)
	rec.RockRidge = &rockridge.Extensions{
		AlternateName: &name,
		Posix:         &rockridge.PosixEntry{Mode: 0o644, Links: 1},
	}

	require.NoError(t, img.assignSystemUse(rec))
	assert.Nil(t, rec.RockRidge.ContinuationBlock)
	assert.Empty(t, img.ceRecords)
	assert.NotEmpty(t, rec.SystemUse)
}
