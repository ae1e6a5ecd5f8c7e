package archive

import (
	"bytes"
	"strings"
)

// Format identifies a supported container format. Adding a format means
// adding a constant here plus one extractor implementation.
type Format string

const (
	FormatUnrecognized Format = ""
	FormatZip          Format = "zip"
	FormatRar          Format = "rar"
	FormatSevenZip     Format = "7z"
	FormatTar          Format = "tar"
	FormatTarGz        Format = "tar.gz"
	FormatTarBz2       Format = "tar.bz2"
	FormatTarXz        Format = "tar.xz"
	FormatTarZst       Format = "tar.zst"
)

// HeaderLen is how many leading bytes Identify needs to see every signature
// it knows about.
const HeaderLen = 512 + 8

var (
	magicZip  = []byte{'P', 'K', 0x03, 0x04}
	magicZip5 = []byte{'P', 'K', 0x05, 0x06} // empty archive
	magicRar  = []byte("Rar!\x1a\x07")
	magic7z   = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}
	magicGzip = []byte{0x1f, 0x8b}
	magicBz2  = []byte("BZh")
	magicXz   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZst  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Identify inspects an artifact's leading bytes and declared name. Signature
// match is authoritative; the extension heuristic only breaks ties for
// formats without a usable signature (plain tar with a short header) or picks
// the tar flavor for a bare compression signature. Unrecognized means the
// caller must not attempt extraction.
func Identify(header []byte, declaredName string) Format {
	switch {
	case bytes.HasPrefix(header, magicZip), bytes.HasPrefix(header, magicZip5):
		return FormatZip
	case bytes.HasPrefix(header, magicRar):
		return FormatRar
	case bytes.HasPrefix(header, magic7z):
		return FormatSevenZip
	case bytes.HasPrefix(header, magicGzip):
		return FormatTarGz
	case bytes.HasPrefix(header, magicXz):
		return FormatTarXz
	case bytes.HasPrefix(header, magicZst):
		return FormatTarZst
	case bytes.HasPrefix(header, magicBz2):
		return FormatTarBz2
	}

	// The tar magic sits at offset 257 in the first header block.
	if len(header) >= 262 && string(header[257:262]) == "ustar" {
		return FormatTar
	}

	return formatFromName(declaredName)
}

func formatFromName(name string) Format {
	lowered := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasSuffix(lowered, ".zip"):
		return FormatZip
	case strings.HasSuffix(lowered, ".rar"):
		return FormatRar
	case strings.HasSuffix(lowered, ".7z"):
		return FormatSevenZip
	case strings.HasSuffix(lowered, ".tar.gz"), strings.HasSuffix(lowered, ".tgz"):
		return FormatTarGz
	case strings.HasSuffix(lowered, ".tar.bz2"), strings.HasSuffix(lowered, ".tbz2"):
		return FormatTarBz2
	case strings.HasSuffix(lowered, ".tar.xz"), strings.HasSuffix(lowered, ".txz"):
		return FormatTarXz
	case strings.HasSuffix(lowered, ".tar.zst"):
		return FormatTarZst
	case strings.HasSuffix(lowered, ".tar"):
		return FormatTar
	}
	return FormatUnrecognized
}
