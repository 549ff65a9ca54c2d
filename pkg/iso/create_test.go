package iso

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/discolith/isokit/pkg/directory"
	"github.com/discolith/isokit/pkg/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestImage() *Image {
	return New("TESTVOL", WithJolietEnabled(false))
}

func TestEnsureDirMangledLookupIsIdempotent(t *testing.T) {
	img := newTestImage()
	first, err := img.ensureDir(img.PrimaryTree, "my dir/sub", false)
	require.NoError(t, err)

	second, err := img.ensureDir(img.PrimaryTree, "my dir/sub", false)
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestEnsureDirMangledPathsRepeatedCallSameParent(t *testing.T) {
	img := newTestImage()
	_, err := img.ensureDir(img.PrimaryTree, "My Dir", false)
	require.NoError(t, err)

	// A second, unrelated child under the same mangled parent must not
	// error as a duplicate of the parent itself.
	_, err = img.ensureDir(img.PrimaryTree, "My Dir/child", false)
	require.NoError(t, err)

	var found *directory.Record
	for _, c := range img.PrimaryTree.Children {
		if c.FileIdentifier == "MY_DIR" {
			found = c
		}
	}
	require.NotNil(t, found)
}

func TestEnsureDirRelocatesPastMaxDepth(t *testing.T) {
	img := newTestImage()
	img.opts.rockRidgeEnabled = true

	deepPath := "a/b/c/d/e/f/g/h"
	rec, err := img.ensureDir(img.PrimaryTree, deepPath, false)
	require.NoError(t, err)

	require.Len(t, img.relocations, 1)
	reloc := img.relocations[0]
	assert.Same(t, rec, reloc.real)
	require.NotNil(t, rec.RockRidge)
	assert.True(t, rec.RockRidge.Relocated)
	require.NotNil(t, rec.RockRidge.ParentLinkExtent)
	require.NotNil(t, reloc.stub.RockRidge.ChildLinkExtent)

	var movedDir *directory.Record
	for _, c := range img.PrimaryTree.Children {
		if c.FileIdentifier == "RR_MOVED" {
			movedDir = c
		}
	}
	require.NotNil(t, movedDir, "relocated directory must live under RR_MOVED")
}

func TestFinalizeRelocationsPatchesExtents(t *testing.T) {
	img := newTestImage()
	img.opts.rockRidgeEnabled = true

	_, err := img.ensureDir(img.PrimaryTree, "a/b/c/d/e/f/g/h", false)
	require.NoError(t, err)

	reloc := img.relocations[0]
	reloc.real.NewExtentLoc = 500
	reloc.logicalParent.NewExtentLoc = 10

	require.NoError(t, img.finalizeRelocations())

	assert.EqualValues(t, 500, *reloc.stub.RockRidge.ChildLinkExtent)
	assert.EqualValues(t, 10, *reloc.real.RockRidge.ParentLinkExtent)
	assert.NotEmpty(t, reloc.stub.SystemUse)
	assert.NotEmpty(t, reloc.real.SystemUse)
}

func TestAddFileAttachesRockRidgeAndMangledIdentifier(t *testing.T) {
	dir := t.TempDir()
	hostPath := filepath.Join(dir, "my file.txt")
	require.NoError(t, os.WriteFile(hostPath, []byte("hello"), 0o644))

	img := newTestImage()
	img.opts.rockRidgeEnabled = true
	require.NoError(t, img.AddFile("/my file.txt", hostPath))

	var rec *directory.Record
	for _, c := range img.PrimaryTree.Children {
		if !c.IsSpecial() {
			rec = c
		}
	}
	require.NotNil(t, rec)
	assert.Equal(t, "MY_FILE.TXT;1", rec.FileIdentifier)
	require.NotNil(t, rec.RockRidge)
	require.NotNil(t, rec.RockRidge.AlternateName)
	assert.Equal(t, "my file.txt", *rec.RockRidge.AlternateName)
}

func TestPropagateInodeExtentsUpdatesRecords(t *testing.T) {
	rec := directory.NewFile("FILE.TXT;1", 5)
	n := &inode.Inode{NewExtent: 1234}
	n.AddReference(inode.Reference{Kind: "iso9660", Tag: rec})

	table := &inode.Table{}
	table.Add(n)

	propagateInodeExtents(table)

	assert.EqualValues(t, 1234, rec.LocationOfExtent)
	assert.EqualValues(t, 1234, rec.NewExtentLoc)
}

func TestIsoIdentifierMangles(t *testing.T) {
	assert.Equal(t, "README.TXT;1", isoIdentifier("readme.txt"))
}
