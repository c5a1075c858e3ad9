package transform

import (
	"bytes"
	"net/http"
	"path/filepath"
	"strings"

	"texture-cache/internal/filesystem"
)

// pictureExts are extensions the domain classifies as pictures.
var pictureExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".tiff": true, ".tif": true,
	".ico": true, ".tbn": true,
}

// archiveMagic lists signatures of archive/container formats that must
// never be fed to an image decoder regardless of their extension.
var archiveMagic = [][]byte{
	{0x50, 0x4B, 0x03, 0x04},       // zip / cbz
	{0x50, 0x4B, 0x05, 0x06},       // empty zip
	{0x52, 0x61, 0x72, 0x21},       // rar / cbr
	{0x1F, 0x8B},                   // gzip
	{0x37, 0x7A, 0xBC, 0xAF},       // 7z
	{0x42, 0x5A, 0x68},             // bzip2
	{0x75, 0x73, 0x74, 0x61, 0x72}, // tar (offset handled below)
}

// IsPicturePath reports whether the locator's extension classifies it
// as a picture.
func IsPicturePath(locator string) bool {
	return pictureExts[strings.ToLower(filepath.Ext(locator))]
}

// classify reads the file header and decides whether the content may be
// decoded as an image. It returns (ok, sniffed MIME).
func classify(path string, retry filesystem.RetryConfig) (bool, string) {
	file, err := filesystem.OpenWithRetry(path, retry)
	if err != nil {
		return false, ""
	}
	defer func() { _ = file.Close() }()

	header := make([]byte, 512)
	n, err := file.Read(header)
	if err != nil || n == 0 {
		return false, ""
	}
	header = header[:n]

	for _, magic := range archiveMagic {
		if bytes.HasPrefix(header, magic) {
			return false, ""
		}
	}
	// tar puts its magic at offset 257
	if len(header) >= 262 && bytes.Equal(header[257:262], []byte("ustar")) {
		return false, ""
	}

	mime := http.DetectContentType(header)
	if strings.HasPrefix(mime, "image/") || mime == "application/octet-stream" {
		return true, mime
	}
	if IsPicturePath(path) {
		return true, mime
	}
	return false, mime
}
