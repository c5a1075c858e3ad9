package transform

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/disintegration/imaging"
)

// Loader produces an image for a specially generated source class that
// cannot be handled by generic file decoding (embedded artwork, chapter
// frames, composite folder thumbs). Implementations return a nil image
// without error when they have nothing to offer for the locator.
type Loader interface {
	TryLoad(locator string, width, height int) (image.Image, error)
}

// LoaderFunc adapts a plain function to the Loader interface.
type LoaderFunc func(locator string, width, height int) (image.Image, error)

// TryLoad calls f.
func (f LoaderFunc) TryLoad(locator string, width, height int) (image.Image, error) {
	return f(locator, width, height)
}

// FolderImageLoader serves picture-folder thumbnails by decoding a
// well-known artwork file inside the folder.
type FolderImageLoader struct {
	// Candidates are file names probed in order inside the folder.
	Candidates []string
}

// NewFolderImageLoader returns a loader probing the conventional folder
// artwork names.
func NewFolderImageLoader() *FolderImageLoader {
	return &FolderImageLoader{
		Candidates: []string{"folder.jpg", "cover.jpg", "cover.png", "poster.jpg"},
	}
}

// TryLoad probes the candidate artwork names inside the folder locator.
func (l *FolderImageLoader) TryLoad(locator string, width, height int) (image.Image, error) {
	dir := strings.TrimSuffix(locator, "/")
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, nil
	}

	for _, name := range l.Candidates {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		img, err := imaging.Open(candidate, imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("folder artwork %s: %w", candidate, err)
		}
		return img, nil
	}
	return nil, nil
}

// EmbeddedArtLoader serves music artwork by extracting the picture
// embedded in the audio file's metadata (ID3, FLAC, MP4 and friends).
type EmbeddedArtLoader struct{}

// NewEmbeddedArtLoader returns a loader for embedded audio artwork.
func NewEmbeddedArtLoader() *EmbeddedArtLoader {
	return &EmbeddedArtLoader{}
}

// TryLoad opens the audio file and decodes its embedded picture. Files
// without readable metadata or without a picture have nothing to offer.
func (l *EmbeddedArtLoader) TryLoad(locator string, width, height int) (image.Image, error) {
	f, err := os.Open(strings.TrimPrefix(locator, "file://"))
	if err != nil {
		return nil, nil
	}
	defer func() { _ = f.Close() }()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		return nil, nil
	}
	pic := meta.Picture()
	if pic == nil || len(pic.Data) == 0 {
		return nil, nil
	}

	img, err := imaging.Decode(bytes.NewReader(pic.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("embedded artwork in %s: %w", locator, err)
	}
	return img, nil
}

// VideoArtLoader serves video artwork by probing the conventional
// sibling artwork files next to the video. Chapter references resolve
// to the artwork of their video.
type VideoArtLoader struct {
	// SiblingSuffixes are appended to the video's stem, probed in order.
	SiblingSuffixes []string
}

// NewVideoArtLoader returns a loader probing the conventional sibling
// artwork names.
func NewVideoArtLoader() *VideoArtLoader {
	return &VideoArtLoader{
		SiblingSuffixes: []string{"-thumb.jpg", "-poster.jpg", ".tbn"},
	}
}

// TryLoad probes sibling artwork for the video file locator.
func (l *VideoArtLoader) TryLoad(locator string, width, height int) (image.Image, error) {
	path := videoPath(locator)
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}

	stem := strings.TrimSuffix(path, filepath.Ext(path))
	for _, suffix := range l.SiblingSuffixes {
		candidate := stem + suffix
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		img, err := imaging.Open(candidate, imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("video artwork %s: %w", candidate, err)
		}
		return img, nil
	}
	return nil, nil
}

// videoPath strips the chapter scheme and chapter ordinal, and the
// file scheme, leaving the plain path of the video file.
func videoPath(locator string) string {
	if rest, ok := strings.CutPrefix(locator, "chapter://"); ok {
		if idx := strings.LastIndex(rest, "/"); idx > 0 {
			ordinal := rest[idx+1:]
			if ordinal != "" && strings.IndexFunc(ordinal, func(r rune) bool { return r < '0' || r > '9' }) < 0 {
				rest = rest[:idx]
			}
		}
		return rest
	}
	return strings.TrimPrefix(locator, "file://")
}
