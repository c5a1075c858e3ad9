package transform

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"texture-cache/internal/imageurl"
)

func TestTargetBox(t *testing.T) {
	tests := []struct {
		name         string
		srcW, srcH   int
		reqW, reqH   int
		wantW, wantH int
	}{
		{name: "unconstrained", srcW: 100, srcH: 50, reqW: 0, reqH: 0, wantW: 100, wantH: 50},
		{name: "fit box", srcW: 100, srcH: 50, reqW: 50, reqH: 50, wantW: 50, wantH: 25},
		{name: "width only", srcW: 100, srcH: 50, reqW: 25, reqH: 0, wantW: 25, wantH: 13},
		{name: "height only", srcW: 100, srcH: 50, reqW: 0, reqH: 25, wantW: 50, wantH: 25},
		{name: "no upscale", srcW: 10, srcH: 10, reqW: 100, reqH: 100, wantW: 10, wantH: 10},
		{name: "exact match", srcW: 64, srcH: 64, reqW: 64, reqH: 64, wantW: 64, wantH: 64},
		{name: "portrait fit", srcW: 50, srcH: 100, reqW: 50, reqH: 50, wantW: 25, wantH: 50},
		{name: "floor to one", srcW: 1000, srcH: 2, reqW: 10, reqH: 0, wantW: 10, wantH: 1},
		{name: "degenerate source", srcW: 0, srcH: 0, reqW: 64, reqH: 64, wantW: 0, wantH: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := targetBox(tt.srcW, tt.srcH, tt.reqW, tt.reqH)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("targetBox(%dx%d, %dx%d) = %dx%d, want %dx%d",
					tt.srcW, tt.srcH, tt.reqW, tt.reqH, w, h, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestFilterFor(t *testing.T) {
	tests := []struct {
		name string
		want imaging.ResampleFilter
	}{
		{"nearest", imaging.NearestNeighbor},
		{"bilinear", imaging.Linear},
		{"bicubic", imaging.CatmullRom},
		{"box", imaging.Box},
		{"lanczos", imaging.Lanczos},
		{"", imaging.Lanczos},
		{"LANCZOS", imaging.Lanczos},
		{"bogus", imaging.Lanczos},
	}
	for _, tt := range tests {
		if got := filterFor(tt.name); got.Support != tt.want.Support {
			t.Errorf("filterFor(%q).Support = %v, want %v", tt.name, got.Support, tt.want.Support)
		}
	}
}

func TestHasAlpha(t *testing.T) {
	opaque := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			opaque.SetNRGBA(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	if hasAlpha(opaque) {
		t.Error("hasAlpha(opaque) = true, want false")
	}

	transparent := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	transparent.SetNRGBA(1, 1, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
	// remaining pixels are zero-valued and fully transparent anyway
	if !hasAlpha(transparent) {
		t.Error("hasAlpha(transparent) = false, want true")
	}
}

func writeSourcePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return path
}

func opaqueSource(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 200, G: 40, B: 40, A: 255}
			if x >= w/2 {
				c = color.NRGBA{R: 40, G: 40, B: 200, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestProduceResizesAndPersists(t *testing.T) {
	root := t.TempDir()
	e := NewEngine(root)
	src := writeSourcePNG(t, opaqueSource(100, 50))

	key := imageurl.CacheKey(src)
	result, err := e.Produce(imageurl.Resolved{Locator: src, Width: 50, Height: 50}, key)
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}

	if result.RelativeFile != key+".jpg" {
		t.Errorf("RelativeFile = %q, want %q", result.RelativeFile, key+".jpg")
	}
	if result.Width != 50 || result.Height != 25 {
		t.Errorf("result = %dx%d, want 50x25", result.Width, result.Height)
	}

	stored, err := imaging.Open(filepath.Join(root, result.RelativeFile))
	if err != nil {
		t.Fatalf("stored derivative unreadable: %v", err)
	}
	if stored.Bounds().Dx() != 50 || stored.Bounds().Dy() != 25 {
		t.Errorf("stored = %dx%d, want 50x25",
			stored.Bounds().Dx(), stored.Bounds().Dy())
	}
}

func TestProduceNeverUpscales(t *testing.T) {
	root := t.TempDir()
	e := NewEngine(root)
	src := writeSourcePNG(t, opaqueSource(10, 10))

	result, err := e.Produce(imageurl.Resolved{Locator: src, Width: 512, Height: 512}, "a/00000001")
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if result.Width != 10 || result.Height != 10 {
		t.Errorf("result = %dx%d, want original 10x10", result.Width, result.Height)
	}
}

func TestProduceAlphaSelectsPNG(t *testing.T) {
	root := t.TempDir()
	e := NewEngine(root)

	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
		}
	}
	img.SetNRGBA(0, 0, color.NRGBA{A: 0})
	src := writeSourcePNG(t, img)

	result, err := e.Produce(imageurl.Resolved{Locator: src}, "b/00000002")
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if filepath.Ext(result.RelativeFile) != ".png" {
		t.Errorf("RelativeFile = %q, want .png for transparent content", result.RelativeFile)
	}
	if _, err := os.Stat(filepath.Join(root, result.RelativeFile)); err != nil {
		t.Errorf("derivative missing on disk: %v", err)
	}
}

func TestProduceFlipped(t *testing.T) {
	root := t.TempDir()
	e := NewEngine(root)
	src := writeSourcePNG(t, opaqueSource(16, 16))

	result, err := e.Produce(imageurl.Resolved{
		Locator: src,
		Tag:     imageurl.TagFlipped,
		Flipped: true,
	}, "c/00000003")
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}

	stored, err := imaging.Open(filepath.Join(root, result.RelativeFile))
	if err != nil {
		t.Fatalf("stored derivative unreadable: %v", err)
	}

	// The source has red on the left and blue on the right; the mirror
	// must reverse that.
	r, _, b, _ := stored.At(2, 8).RGBA()
	if b <= r {
		t.Errorf("left side of the mirror not blue: r=%d b=%d", r>>8, b>>8)
	}
	r, _, b, _ = stored.At(13, 8).RGBA()
	if r <= b {
		t.Errorf("right side of the mirror not red: r=%d b=%d", r>>8, b>>8)
	}
}

func TestProduceRejectsArchiveContent(t *testing.T) {
	root := t.TempDir()
	e := NewEngine(root)

	path := filepath.Join(t.TempDir(), "comic.jpg")
	if err := os.WriteFile(path, []byte{0x50, 0x4B, 0x03, 0x04, 0, 0}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := e.Produce(imageurl.Resolved{Locator: path}, "d/00000004")
	if !errors.Is(err, ErrNotAnImage) {
		t.Errorf("Produce(zip) = %v, want ErrNotAnImage", err)
	}
}

func TestProduceUnregisteredTag(t *testing.T) {
	e := NewEngine(t.TempDir())

	_, err := e.Produce(imageurl.Resolved{
		Locator: "/media/a.mp3",
		Tag:     imageurl.TagMusic,
	}, "e/00000005")
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Errorf("Produce(unregistered tag) = %v, want ErrUnsupportedSource", err)
	}
}

func TestProduceUnknownProtocol(t *testing.T) {
	e := NewEngine(t.TempDir())

	_, err := e.Produce(imageurl.Resolved{Locator: "plugin://some.addon/art"}, "f/00000006")
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Errorf("Produce(protocol source) = %v, want ErrUnsupportedSource", err)
	}
}

func TestProduceLoaderResult(t *testing.T) {
	root := t.TempDir()
	e := NewEngine(root)
	e.RegisterLoader(imageurl.TagPictureFolder, LoaderFunc(func(locator string, w, h int) (image.Image, error) {
		return opaqueSource(20, 20), nil
	}))

	result, err := e.Produce(imageurl.Resolved{
		Locator: "/media/pictures",
		Tag:     imageurl.TagPictureFolder,
		Width:   10,
		Height:  10,
	}, "a/00000007")
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if result.Width != 10 || result.Height != 10 {
		t.Errorf("result = %dx%d, want 10x10", result.Width, result.Height)
	}
}

func TestLoaderPrefixFallback(t *testing.T) {
	e := NewEngine(t.TempDir())
	e.RegisterLoader(imageurl.TagVideo, LoaderFunc(func(locator string, w, h int) (image.Image, error) {
		return opaqueSource(12, 12), nil
	}))

	// Derived classes route to their base loader
	result, err := e.Produce(imageurl.Resolved{
		Locator: "/media/actor",
		Tag:     "video_actor",
	}, "b/00000008")
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if result.Width != 12 {
		t.Errorf("width = %d, want 12", result.Width)
	}

	_, err = e.Produce(imageurl.Resolved{
		Locator: "/media/channel",
		Tag:     "pvrchannel",
	}, "c/00000009")
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Errorf("Produce(no base loader) = %v, want ErrUnsupportedSource", err)
	}
}
