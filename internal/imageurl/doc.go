// Package imageurl normalizes image references into canonical locators,
// stable cache keys and transform parameters.
//
// A reference is one of:
//   - a raw fully-qualified locator (filesystem path or protocol URL)
//   - a wrapped image:// URL embedding a percent-encoded locator, an
//     optional owner marker and transform options
//   - a relative or pre-resolved path that bypasses caching entirely
//
// Cache keys are CRC32-based bucket paths of the form <hex[0]>/<crc>,
// derived from the locator only: requested size and orientation do not
// change the key, so one derivative is stored per source image.
package imageurl
