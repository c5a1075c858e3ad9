package freshness

import (
	"fmt"
	"strings"

	"texture-cache/internal/filesystem"
	"texture-cache/internal/imageurl"
	"texture-cache/internal/logging"
)

// BadHash is the sentinel fingerprint for sources that exist but whose
// modification time and size are both indeterminate. An empty
// fingerprint means "exempt from freshness checking", so the sentinel is
// needed to keep such sources distinguishable (they are treated as
// always stale).
const BadHash = "BADHASH"

// Oracle decides whether cached entries for a locator need periodic
// revalidation and computes the source fingerprint used for it. It is
// pure with respect to the cache: no side effects, safe for concurrent
// and redundant calls.
type Oracle struct {
	retry filesystem.RetryConfig
}

// NewOracle creates an Oracle using the default filesystem retry policy.
func NewOracle() *Oracle {
	return &Oracle{retry: filesystem.DefaultRetryConfig()}
}

// Updateable reports whether an entry for this locator must be
// periodically fingerprint-checked.
//
// Image classes generated from broker or guide state, and chapter
// frames whose locator is not a plain file, have no source that can
// change under us. Classes backed by a real media file (embedded or
// sibling artwork included) stay checked so a changed file re-derives
// its thumbnail. HTTP(S) sources are assumed static.
func (o *Oracle) Updateable(locator, tag string) bool {
	if tag == imageurl.TagVideoChapter ||
		strings.HasPrefix(tag, "pvr") ||
		strings.HasPrefix(tag, "epg") {
		return false
	}
	lower := strings.ToLower(locator)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return false
	}
	return true
}

// Fingerprint computes the mutability fingerprint of a source:
// "d<mtime>s<size>". It returns the empty string for protocol-served
// sources that cannot be cheaply stat'd (and for sources that no longer
// exist), and BadHash when the stat succeeds but yields neither a usable
// time nor size.
func (o *Oracle) Fingerprint(locator string) string {
	path, ok := statablePath(locator)
	if !ok {
		return ""
	}

	info, err := filesystem.StatWithRetry(path, o.retry)
	if err != nil {
		return ""
	}

	mtime := info.ModTime().Unix()
	if mtime < 0 {
		mtime = 0
	}
	size := info.Size()

	if mtime == 0 && size == 0 {
		logging.Debug("source %s has no usable time or size", locator)
		return BadHash
	}

	return fmt.Sprintf("d%ds%d", mtime, size)
}

// statablePath maps a locator to something os.Stat can reach: plain
// filesystem paths and file:// URLs. Broker, plugin and remote-catalog
// protocols are exempt from fingerprinting.
func statablePath(locator string) (string, bool) {
	if !strings.Contains(locator, "://") {
		return locator, true
	}
	if strings.HasPrefix(strings.ToLower(locator), "file://") {
		return locator[len("file://"):], true
	}
	return "", false
}
