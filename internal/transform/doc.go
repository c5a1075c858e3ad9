// Package transform is the image derivative pipeline: fetch the source,
// decode it (with an optional libvips decode-time-shrink fast path),
// correct orientation, resize without upscaling, and persist the result
// as .png or .jpg depending on alpha presence.
//
// Specially generated source classes (embedded music artwork, picture
// folders, video chapters) are served by loaders registered per routing
// tag instead of generic decoding.
package transform
