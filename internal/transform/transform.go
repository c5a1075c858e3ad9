package transform

import (
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"texture-cache/internal/filesystem"
	"texture-cache/internal/imageurl"
	"texture-cache/internal/logging"

	_ "image/gif"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var (
	// ErrNotAnImage marks content that decodes as something other than
	// an image (archives, text, containers). Permanent for the
	// reference; never negative-cached.
	ErrNotAnImage = errors.New("source is not an image")
	// ErrUnsupportedSource marks a specialized source class with no
	// registered loader, or a loader that produced nothing.
	ErrUnsupportedSource = errors.New("unsupported image source")
	// ErrWrite marks a failed derivative persist; transient, the next
	// request may retry.
	ErrWrite = errors.New("derivative write failed")
)

// jpegQuality matches the quality class used for stored thumbnails.
const jpegQuality = 90

// fetchTimeout bounds remote source downloads.
const fetchTimeout = 30 * time.Second

// Result describes a successfully persisted derivative.
type Result struct {
	// RelativeFile is the derivative path below the cache root,
	// extension included.
	RelativeFile string
	// Width and Height are the dimensions actually produced, which may
	// be smaller than requested and are never upscaled past the source.
	Width  int
	Height int
}

// Engine produces persisted image derivatives: fetch, decode, orient,
// resize, and write, in that order. It owns no cache state; outcomes are
// recorded by the orchestrator.
type Engine struct {
	cacheRoot string
	retry     filesystem.RetryConfig
	client    *http.Client

	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewEngine creates an Engine writing derivatives below cacheRoot.
func NewEngine(cacheRoot string) *Engine {
	return &Engine{
		cacheRoot: cacheRoot,
		retry:     filesystem.DefaultRetryConfig(),
		client:    &http.Client{Timeout: fetchTimeout},
		loaders:   make(map[string]Loader),
	}
}

// RegisterLoader installs the loader serving a routing tag. Tags without
// a loader fail population with ErrUnsupportedSource.
func (e *Engine) RegisterLoader(tag string, l Loader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaders[tag] = l
}

func (e *Engine) loader(tag string) Loader {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if l, ok := e.loaders[tag]; ok {
		return l
	}
	// Derived classes such as video_actor fall back to the loader of the
	// longest registered prefix.
	best := ""
	for registered := range e.loaders {
		if strings.HasPrefix(tag, registered) && len(registered) > len(best) {
			best = registered
		}
	}
	if best == "" {
		return nil
	}
	return e.loaders[best]
}

// Produce runs the full pipeline for a normalized reference and persists
// the derivative under key (the extension is chosen here, by alpha
// presence). It does not touch the metadata store.
func (e *Engine) Produce(res imageurl.Resolved, key string) (*Result, error) {
	img, err := e.load(res)
	if err != nil {
		return nil, err
	}

	// Mirrored variants compose with the already-applied orientation by
	// toggling the horizontal-flip bit.
	if res.Flipped {
		img = ApplyOrientation(img, OrientIdentity^1)
	}

	srcW := img.Bounds().Dx()
	srcH := img.Bounds().Dy()
	tw, th := targetBox(srcW, srcH, res.Width, res.Height)
	if tw != srcW || th != srcH {
		img = imaging.Resize(img, tw, th, filterFor(res.Scaling))
	}

	ext := ".jpg"
	if hasAlpha(img) {
		ext = ".png"
	}
	rel := key + ext

	if err := e.persist(img, rel); err != nil {
		return nil, err
	}

	return &Result{RelativeFile: rel, Width: tw, Height: th}, nil
}

// load obtains the decoded, orientation-corrected source image, either
// through a specialized loader or by generic fetch+decode.
func (e *Engine) load(res imageurl.Resolved) (image.Image, error) {
	if res.Tag != "" && res.Tag != imageurl.TagFlipped {
		loader := e.loader(res.Tag)
		if loader == nil {
			return nil, fmt.Errorf("%w: no loader for %q", ErrUnsupportedSource, res.Tag)
		}
		img, err := loader.TryLoad(res.Locator, res.Width, res.Height)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
		}
		if img == nil {
			return nil, fmt.Errorf("%w: loader for %q produced nothing", ErrUnsupportedSource, res.Tag)
		}
		return img, nil
	}

	path, cleanup, err := e.fetch(res.Locator)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if ok, mime := classify(path, e.retry); !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotAnImage, res.Locator, mime)
	}

	return e.decode(path, res.Width, res.Height)
}

// fetch resolves the locator to a local file, downloading remote
// sources to a temp file. cleanup is always safe to call.
func (e *Engine) fetch(locator string) (string, func(), error) {
	noop := func() {}

	lower := strings.ToLower(locator)
	switch {
	case strings.HasPrefix(lower, "file://"):
		return locator[len("file://"):], noop, nil
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return e.download(locator)
	case strings.Contains(locator, "://"):
		return "", noop, fmt.Errorf("%w: protocol source %s", ErrUnsupportedSource, locator)
	}
	return locator, noop, nil
}

func (e *Engine) download(locator string) (string, func(), error) {
	noop := func() {}

	resp, err := e.client.Get(locator)
	if err != nil {
		return "", noop, fmt.Errorf("%w: fetch %s: %v", ErrUnsupportedSource, locator, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", noop, fmt.Errorf("%w: fetch %s: status %d", ErrUnsupportedSource, locator, resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "texture-fetch-*")
	if err != nil {
		return "", noop, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("%w: fetch %s: %v", ErrUnsupportedSource, locator, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", noop, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	return tmp.Name(), cleanup, nil
}

// decode loads the image honoring embedded orientation metadata, with a
// vips decode-time-shrink fast path and a plain decoder fallback.
func (e *Engine) decode(path string, targetWidth, targetHeight int) (image.Image, error) {
	if IsVipsAvailable() {
		if img, err := loadWithVips(path, targetWidth, targetHeight); err == nil {
			return img, nil
		} else {
			logging.Debug("vips decode failed for %s: %v, falling back", path, err)
		}
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err == nil {
		return img, nil
	}
	logging.Debug("imaging.Open failed for %s: %v, trying generic decode", path, err)

	file, openErr := filesystem.OpenWithRetry(path, e.retry)
	if openErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAnImage, path, openErr)
	}
	defer func() { _ = file.Close() }()

	img, format, decodeErr := image.Decode(file)
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAnImage, path, decodeErr)
	}
	logging.Debug("decoded %s as %s via fallback", path, format)
	return img, nil
}

// persist writes the derivative atomically: encode to a temp file in the
// target bucket, then rename, so a failed write never leaves a partial
// file at the final path.
func (e *Engine) persist(img image.Image, rel string) error {
	full := filepath.Join(e.cacheRoot, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".texture-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	format := imaging.JPEG
	if strings.HasSuffix(rel, ".png") {
		format = imaging.PNG
	}

	if err := imaging.Encode(tmp, img, format, imaging.JPEGQuality(jpegQuality)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// targetBox derives the stored dimensions: aspect-preserving fit inside
// the requested box with unspecified sides derived, never upscaling
// past the source.
func targetBox(srcW, srcH, reqW, reqH int) (int, int) {
	if srcW <= 0 || srcH <= 0 {
		return srcW, srcH
	}

	scale := 1.0
	if reqW > 0 {
		if s := float64(reqW) / float64(srcW); s < scale {
			scale = s
		}
	}
	if reqH > 0 {
		if s := float64(reqH) / float64(srcH); s < scale {
			scale = s
		}
	}
	if scale >= 1.0 {
		return srcW, srcH
	}

	w := int(float64(srcW)*scale + 0.5)
	h := int(float64(srcH)*scale + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// filterFor maps a requested scaling algorithm name onto a resample
// filter; unknown or empty names use the default.
func filterFor(name string) imaging.ResampleFilter {
	switch strings.ToLower(name) {
	case "nearest":
		return imaging.NearestNeighbor
	case "bilinear":
		return imaging.Linear
	case "bicubic":
		return imaging.CatmullRom
	case "box":
		return imaging.Box
	case "lanczos", "":
		return imaging.Lanczos
	default:
		return imaging.Lanczos
	}
}

// hasAlpha reports whether the final buffer carries an alpha channel
// with any transparent pixel, which selects the .png derivative format.
func hasAlpha(img image.Image) bool {
	if op, ok := img.(interface{ Opaque() bool }); ok {
		return !op.Opaque()
	}

	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}
