package mangle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMangleFileAddsVersion(t *testing.T) {
	assert.Equal(t, "README.TXT;1", Mangle("readme.txt", false))
}

func TestMangleFileNoExtension(t *testing.T) {
	assert.Equal(t, "MAKEFILE;1", Mangle("Makefile", false))
}

func TestMangleFileCollapsesNonDChars(t *testing.T) {
	assert.Equal(t, "MY_FILE_.TXT;1", Mangle("my file!!.txt", false))
}

func TestMangleFileLeadingDotHasNoExtension(t *testing.T) {
	assert.Equal(t, "_BASHRC;1", Mangle(".bashrc", false))
}

func TestMangleFileTruncatesCombinedLength(t *testing.T) {
	got := Mangle(strings.Repeat("a", 40)+".txt", false)
	assert.True(t, strings.HasSuffix(got, ".TXT;1"))
	base := strings.TrimSuffix(strings.TrimSuffix(got, ";1"), ".TXT")
	assert.LessOrEqual(t, len(base)+len("TXT"), 30)
}

func TestMangleDirTruncatesTo31Bytes(t *testing.T) {
	got := Mangle(strings.Repeat("b", 40), true)
	assert.Len(t, got, 31)
	assert.False(t, strings.Contains(got, ";"))
}

func TestMangleDirCollapsesNonDChars(t *testing.T) {
	assert.Equal(t, "MY_DIR", Mangle("my dir", true))
}
