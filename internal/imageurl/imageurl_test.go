package imageurl

import (
	"errors"
	"fmt"
	"hash/crc32"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeEmptyReference(t *testing.T) {
	n := NewNormalizer(0)
	_, err := n.Normalize("")
	if !errors.Is(err, ErrInvalidReference) {
		t.Errorf("Normalize(\"\") = %v, want ErrInvalidReference", err)
	}
}

func TestNormalizePlainLocator(t *testing.T) {
	n := NewNormalizer(0)

	res, err := n.Normalize("/media/photos/cat.jpg")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if res.Locator != "/media/photos/cat.jpg" {
		t.Errorf("Locator = %q", res.Locator)
	}
	if res.Tag != "" || res.Width != 0 || res.Height != 0 || res.Flipped {
		t.Errorf("plain locator got transform params: %+v", res)
	}
	if res.Precached {
		t.Error("plain absolute path should not be precached")
	}
}

func TestNormalizeRelativeIsPrecached(t *testing.T) {
	n := NewNormalizer(0)
	res, err := n.Normalize("skin/background.png")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if !res.Precached {
		t.Error("relative reference should be precached")
	}
	if res.Locator != "skin/background.png" {
		t.Errorf("Locator = %q, want input unchanged", res.Locator)
	}
}

func TestNormalizeResolvedRoot(t *testing.T) {
	n := NewNormalizer(0, "/thumbnails")
	res, err := n.Normalize("/thumbnails/a/abcd1234.jpg")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if !res.Precached {
		t.Error("reference under a resolved root should be precached")
	}

	// A sibling path sharing the prefix string but not the root must
	// not match.
	res, err = n.Normalize("/thumbnails-other/x.jpg")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if res.Precached {
		t.Error("/thumbnails-other must not match root /thumbnails")
	}
}

func TestNormalizeWrappedRoundTrip(t *testing.T) {
	n := NewNormalizer(0)
	locators := []string{
		"/media/photos/summer trip/IMG 001.jpg",
		"smb://server/share/art.png",
		"https://example.com/a?b=c&d=e",
		"/path/with/ümlaut.jpg",
	}

	for _, locator := range locators {
		t.Run(locator, func(t *testing.T) {
			wrapped := Wrap("", locator)
			res, err := n.Normalize(wrapped)
			if err != nil {
				t.Fatalf("Normalize(%q) error = %v", wrapped, err)
			}
			if res.Locator != locator {
				t.Errorf("round trip: got %q, want %q", res.Locator, locator)
			}
		})
	}
}

func TestNormalizeWrappedOwner(t *testing.T) {
	n := NewNormalizer(0)

	tests := []struct {
		owner   string
		wantTag string
		wantErr bool
	}{
		{owner: "", wantTag: ""},
		{owner: "music", wantTag: "music"},
		{owner: "video", wantTag: "video"},
		{owner: "picturefolder", wantTag: "picturefolder"},
		{owner: "video_chapter", wantTag: "video_chapter"},
		{owner: "pvrchannel", wantTag: "pvrchannel"},
		{owner: "epgtag", wantTag: "epgtag"},
		{owner: "web", wantErr: true},
		{owner: "unknown", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("owner_"+tt.owner, func(t *testing.T) {
			res, err := n.Normalize(Wrap(tt.owner, "/media/a.jpg"))
			if tt.wantErr {
				if !errors.Is(err, ErrUnresolvable) {
					t.Errorf("err = %v, want ErrUnresolvable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if res.Tag != tt.wantTag {
				t.Errorf("Tag = %q, want %q", res.Tag, tt.wantTag)
			}
		})
	}
}

func TestNormalizeTransformOptions(t *testing.T) {
	n := NewNormalizer(0)

	res, err := n.Normalize(WrapWithOptions("", "/media/a.jpg", map[string]string{
		"width":             "640",
		"height":            "480",
		"scaling_algorithm": "lanczos",
	}))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if res.Width != 640 || res.Height != 480 {
		t.Errorf("box = %dx%d, want 640x480", res.Width, res.Height)
	}
	if res.Scaling != "lanczos" {
		t.Errorf("Scaling = %q, want lanczos", res.Scaling)
	}
}

func TestNormalizeSizeThumb(t *testing.T) {
	n := NewNormalizer(256)
	res, err := n.Normalize(WrapWithOptions("", "/media/a.jpg", map[string]string{"size": "thumb"}))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if res.Width != 256 || res.Height != 256 {
		t.Errorf("box = %dx%d, want 256x256", res.Width, res.Height)
	}

	// Explicit dimensions win over size=thumb
	res, err = n.Normalize(WrapWithOptions("", "/media/a.jpg", map[string]string{
		"size":  "thumb",
		"width": "100",
	}))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if res.Width != 100 {
		t.Errorf("Width = %d, want explicit 100", res.Width)
	}
}

func TestNormalizeFlipped(t *testing.T) {
	n := NewNormalizer(0)

	res, err := n.Normalize(WrapWithOptions("", "/media/a.jpg", map[string]string{"flipped": ""}))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if !res.Flipped {
		t.Error("Flipped = false, want true")
	}
	if res.Tag != TagFlipped {
		t.Errorf("Tag = %q, want %q", res.Tag, TagFlipped)
	}

	// An owner tag is not overwritten by the flipped flag
	res, err = n.Normalize(WrapWithOptions("music", "/media/a.mp3", map[string]string{"flipped": ""}))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if !res.Flipped {
		t.Error("Flipped = false, want true")
	}
	if res.Tag != TagMusic {
		t.Errorf("Tag = %q, want %q", res.Tag, TagMusic)
	}
}

func TestNormalizeBadOptionSegment(t *testing.T) {
	n := NewNormalizer(0)
	_, err := n.Normalize("image://" + escapeLocator("/media/a.jpg") + "/bogus?x=1")
	if !errors.Is(err, ErrUnresolvable) {
		t.Errorf("err = %v, want ErrUnresolvable", err)
	}
}

func TestNormalizeChapterTag(t *testing.T) {
	n := NewNormalizer(0)

	res, err := n.Normalize("chapter://movie.mkv/3")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if res.Tag != TagVideoChapter {
		t.Errorf("Tag = %q, want %q", res.Tag, TagVideoChapter)
	}
}

func TestNormalizeAudioTrackFolderShortcut(t *testing.T) {
	dir := t.TempDir()
	track := filepath.Join(dir, "track01.sndtrk")

	n := NewNormalizer(0)
	res, err := n.Normalize(Wrap("music", track))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if res.Locator != dir {
		t.Errorf("Locator = %q, want album folder %q", res.Locator, dir)
	}

	// When the folder does not exist the locator stays as-is
	gone := filepath.Join(dir, "missing", "track02.sndtrk")
	res, err = n.Normalize(Wrap("music", gone))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if res.Locator != gone {
		t.Errorf("Locator = %q, want %q", res.Locator, gone)
	}
}

func TestCacheKey(t *testing.T) {
	key := CacheKey("/media/a.jpg")

	crc := crc32.ChecksumIEEE([]byte("/media/a.jpg"))
	want := fmt.Sprintf("%08x", crc)
	if key != fmt.Sprintf("%c/%s", want[0], want) {
		t.Errorf("CacheKey = %q, want %c/%s", key, want[0], want)
	}
	if len(key) != 10 || key[1] != '/' {
		t.Errorf("CacheKey = %q, want <bucket>/<8 hex chars>", key)
	}
}

func TestCacheKeyCaseInsensitive(t *testing.T) {
	if CacheKey("/Media/A.JPG") != CacheKey("/media/a.jpg") {
		t.Error("cache key must be case-insensitive")
	}
}

func TestCacheKeyDistinct(t *testing.T) {
	if CacheKey("/media/a.jpg") == CacheKey("/media/b.jpg") {
		t.Error("distinct locators mapped to the same key")
	}
}

func TestEscapeLocator(t *testing.T) {
	got := escapeLocator("/a b/c.jpg")
	if strings.ContainsAny(got, "/ ") {
		t.Errorf("escapeLocator left reserved bytes: %q", got)
	}
	if got != "%2fa%20b%2fc.jpg" {
		t.Errorf("escapeLocator = %q, want %%2fa%%20b%%2fc.jpg", got)
	}
}

func TestIsFullyQualified(t *testing.T) {
	tests := []struct {
		ref  string
		want bool
	}{
		{"/abs/path.jpg", true},
		{"smb://server/a.jpg", true},
		{"relative/path.jpg", false},
		{"file.png", false},
	}
	for _, tt := range tests {
		if got := IsFullyQualified(tt.ref); got != tt.want {
			t.Errorf("IsFullyQualified(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}
