// Package mangle derives legal ISO9660 Level 1/2 identifiers from
// arbitrary filenames, for use when Rock Ridge or Joliet carries the
// real name alongside it.
package mangle

import "strings"

const dChars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_"

func isDChar(b byte) bool {
	return strings.IndexByte(dChars, b) >= 0
}

// translate uppercases s and replaces every run of non-d-characters
// with a single underscore.
func translate(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevUnderscore := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if isDChar(c) {
			b.WriteByte(c)
			prevUnderscore = false
		} else if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	return b.String()
}

// Mangle produces an ISO9660 Level 2 identifier for name: non-d-
// character runs collapse to "_", the result truncates to 31 bytes
// for directories or 30 bytes (basename+extension) for files, and
// files get the mandatory ";1" version suffix. isDir selects which
// truncation rule applies.
func Mangle(name string, isDir bool) string {
	if isDir {
		return truncate(translate(name), 31)
	}

	base, ext := splitExt(name)
	base = translate(base)
	ext = translate(ext)

	// Keep base+ext within 30 characters combined, trimming the
	// basename first since the extension is usually more meaningful.
	for len(base)+len(ext) > 30 && len(base) > 0 {
		base = base[:len(base)-1]
	}
	if len(base) == 0 && len(ext) == 0 {
		base = "_"
	}

	ident := base
	if ext != "" {
		ident += "." + ext
	}
	return ident + ";1"
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

// splitExt splits name at its last '.', pycdlib-style: a name with no
// dot has no extension, and a name that is entirely a single leading
// dot (".bashrc") is treated as having no extension either.
func splitExt(name string) (base, ext string) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}
