package imageurl

import (
	"errors"
	"fmt"
	"hash/crc32"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Scheme is the wrapped image locator scheme.
const Scheme = "image"

// DefaultThumbSize is the resolution used for size=thumb requests when no
// override is configured.
const DefaultThumbSize = 512

// Routing tags carried alongside a normalized locator. A non-empty tag
// other than TagFlipped marks a specially generated image class that is
// served by a dedicated loader.
const (
	// TagFlipped marks a horizontally mirrored variant of a plain image.
	TagFlipped = "flipped"
	// TagMusic marks artwork embedded in an audio file.
	TagMusic = "music"
	// TagVideo marks artwork for a video file.
	TagVideo = "video"
	// TagPictureFolder marks a composite picture-folder thumbnail.
	TagPictureFolder = "picturefolder"
	// TagVideoChapter marks a frame extracted for a video chapter.
	TagVideoChapter = "videochapter"
)

// audioTrackExt is the synthetic extension used for tracks inside
// container audio formats whose artwork lives on the containing album
// folder.
const audioTrackExt = ".sndtrk"

var (
	// ErrInvalidReference is returned for an empty input reference.
	ErrInvalidReference = errors.New("invalid image reference")
	// ErrUnresolvable is returned for a wrapped URL that cannot be
	// parsed or whose owner is not eligible for caching.
	ErrUnresolvable = errors.New("unresolvable image reference")
)

// Resolved is the outcome of normalizing an input reference.
type Resolved struct {
	// Locator is the canonical underlying-image locator.
	Locator string
	// Tag is the routing tag driving loader selection and the
	// freshness policy. Empty for plain images.
	Tag string
	// Width and Height are the requested target box; zero means
	// unconstrained (derived from aspect when the other is set).
	Width  int
	Height int
	// Flipped requests a horizontal mirror of the source.
	Flipped bool
	// Scaling names the requested scaling algorithm, empty for default.
	Scaling string
	// Precached means the reference already points at a resolved
	// location and must not be cached; Locator equals the input.
	Precached bool
}

// Normalizer turns arbitrary image references into canonical locators,
// cache keys and transform parameters.
type Normalizer struct {
	thumbSize     int
	resolvedRoots []string
}

// NewNormalizer creates a Normalizer. resolvedRoots are directory roots
// whose contents are considered already resolved (skin images, temp
// files, bundled resources, the thumbnail store itself); references
// below them bypass caching entirely.
func NewNormalizer(thumbSize int, resolvedRoots ...string) *Normalizer {
	if thumbSize <= 0 {
		thumbSize = DefaultThumbSize
	}
	roots := make([]string, 0, len(resolvedRoots))
	for _, r := range resolvedRoots {
		if r == "" {
			continue
		}
		roots = append(roots, strings.TrimSuffix(r, "/")+"/")
	}
	return &Normalizer{thumbSize: thumbSize, resolvedRoots: roots}
}

// Normalize implements the reference → (locator, params) contract.
//
// Plain fully-qualified locators pass through with empty transform
// parameters; wrapped image:// URLs are unwrapped; anything under a
// resolved root (or not fully qualified at all) is returned as-is with
// Precached set.
func (n *Normalizer) Normalize(reference string) (Resolved, error) {
	if reference == "" {
		return Resolved{}, ErrInvalidReference
	}

	if strings.HasPrefix(reference, Scheme+"://") {
		return n.parseWrapped(reference)
	}

	if n.isPrecached(reference) {
		return Resolved{Locator: reference, Precached: true}, nil
	}

	res := Resolved{Locator: reference}
	if strings.HasPrefix(reference, "chapter://") {
		res.Tag = TagVideoChapter
	}
	return res, nil
}

// isPrecached reports whether reference needs no cache resolution at
// all: either it is not a fully-qualified locator, or it already lives
// under one of the resolved roots.
func (n *Normalizer) isPrecached(reference string) bool {
	if !IsFullyQualified(reference) {
		return true
	}
	for _, root := range n.resolvedRoots {
		if strings.HasPrefix(reference, root) {
			return true
		}
	}
	return false
}

// IsFullyQualified reports whether a reference names an absolute
// location: an absolute filesystem path or a protocol-prefixed URL.
func IsFullyQualified(reference string) bool {
	if filepath.IsAbs(reference) {
		return true
	}
	return strings.Contains(reference, "://")
}

func (n *Normalizer) parseWrapped(reference string) (Resolved, error) {
	rest := strings.TrimPrefix(reference, Scheme+"://")

	// Split the encoded host part from the trailing /[transform?opts].
	host := rest
	options := ""
	if idx := strings.Index(rest, "/"); idx >= 0 {
		host = rest[:idx]
		options = rest[idx+1:]
	}

	owner := ""
	if at := strings.Index(host, "@"); at >= 0 {
		owner = host[:at]
		host = host[at+1:]
	}

	if !ownerAllowed(owner) {
		return Resolved{}, fmt.Errorf("%w: owner %q", ErrUnresolvable, owner)
	}

	locator, err := url.PathUnescape(host)
	if err != nil || locator == "" {
		return Resolved{}, fmt.Errorf("%w: bad encoded locator", ErrUnresolvable)
	}

	res := Resolved{Locator: locator, Tag: owner}

	if err := n.applyOptions(&res, options); err != nil {
		return Resolved{}, err
	}

	// Artwork for container-format audio tracks lives on the album
	// folder; shortcut the locator there when the folder exists.
	if strings.HasSuffix(strings.ToLower(res.Locator), audioTrackExt) {
		dir := filepath.Dir(res.Locator)
		if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
			res.Locator = dir
		}
	}

	if strings.HasPrefix(res.Locator, "chapter://") {
		res.Tag = TagVideoChapter
	}

	return res, nil
}

func (n *Normalizer) applyOptions(res *Resolved, options string) error {
	if options == "" {
		return nil
	}
	const prefix = "transform?"
	if !strings.HasPrefix(options, prefix) {
		return fmt.Errorf("%w: unknown option segment %q", ErrUnresolvable, options)
	}

	values, err := url.ParseQuery(options[len(prefix):])
	if err != nil {
		return fmt.Errorf("%w: bad transform options", ErrUnresolvable)
	}

	if values.Get("size") == "thumb" {
		res.Width = n.thumbSize
		res.Height = n.thumbSize
	}
	if w := values.Get("width"); w != "" {
		if v, convErr := strconv.Atoi(w); convErr == nil && v > 0 {
			res.Width = v
		}
	}
	if h := values.Get("height"); h != "" {
		if v, convErr := strconv.Atoi(h); convErr == nil && v > 0 {
			res.Height = v
		}
	}
	if _, ok := values["flipped"]; ok {
		res.Flipped = true
		if res.Tag == "" {
			res.Tag = TagFlipped
		}
	}
	res.Scaling = values.Get("scaling_algorithm")
	return nil
}

// ownerAllowed restricts the wrapped-URL owner marker to the known
// image-owning subsystems. Anything else is an external reference that
// must not be cached.
func ownerAllowed(owner string) bool {
	switch owner {
	case "", TagMusic, TagVideo, TagPictureFolder:
		return true
	}
	return strings.HasPrefix(owner, "video_") ||
		strings.HasPrefix(owner, "pvr") ||
		strings.HasPrefix(owner, "epg")
}

// Wrap builds a wrapped image:// URL for a raw locator. The inverse of
// Normalize for locators that do not themselves contain the scheme
// delimiter.
func Wrap(owner, locator string) string {
	var b strings.Builder
	b.WriteString(Scheme + "://")
	if owner != "" {
		b.WriteString(owner)
		b.WriteByte('@')
	}
	b.WriteString(escapeLocator(locator))
	b.WriteByte('/')
	return b.String()
}

// WrapWithOptions is Wrap plus a transform option query. opts values of
// "" are emitted as presence-only flags (e.g. flipped).
func WrapWithOptions(owner, locator string, opts map[string]string) string {
	base := Wrap(owner, locator)
	if len(opts) == 0 {
		return base
	}
	values := url.Values{}
	for k, v := range opts {
		values.Set(k, v)
	}
	return base + "transform?" + values.Encode()
}

// escapeLocator percent-encodes every reserved byte so the locator can
// ride in the host position of the wrapped URL.
func escapeLocator(locator string) string {
	const hex = "0123456789abcdef"
	var b strings.Builder
	for i := 0; i < len(locator); i++ {
		c := locator[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xf])
		}
	}
	return b.String()
}

// CacheKey derives the stable relative cache key for a canonical
// locator: a CRC32 of the lower-cased locator, bucketed by its first hex
// character. The transform stage appends the extension.
func CacheKey(locator string) string {
	crc := crc32.ChecksumIEEE([]byte(strings.ToLower(locator)))
	hex := fmt.Sprintf("%08x", crc)
	return fmt.Sprintf("%c/%s", hex[0], hex)
}
