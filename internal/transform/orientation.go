package transform

import (
	"image"

	"github.com/disintegration/imaging"
)

// Orientation codes 0-7, EXIF order shifted to zero-based. Bit 0 is the
// horizontal-flip bit: code^1 composes a mirror with the existing
// orientation, which is how flipped variants are produced.
const (
	OrientIdentity   = 0
	OrientFlipH      = 1
	OrientRotate180  = 2
	OrientFlipV      = 3
	OrientTranspose  = 4
	OrientRotate90   = 5 // 90° clockwise, swaps width/height
	OrientTransverse = 6
	OrientRotate270  = 7 // 270° clockwise, swaps width/height
)

// SwapsDimensions reports whether applying code exchanges width and
// height (the transpose and rotation cases).
func SwapsDimensions(code int) bool {
	return code >= OrientTranspose && code <= OrientRotate270
}

// ApplyOrientation remaps the pixel buffer for one of the 8 orientation
// cases. Unknown codes return the image untouched.
func ApplyOrientation(img image.Image, code int) image.Image {
	switch code {
	case OrientFlipH:
		return imaging.FlipH(img)
	case OrientRotate180:
		return imaging.Rotate180(img)
	case OrientFlipV:
		return imaging.FlipV(img)
	case OrientTranspose:
		return imaging.Transpose(img)
	case OrientRotate90:
		// imaging rotates counter-clockwise; 270 CCW == 90 CW
		return imaging.Rotate270(img)
	case OrientTransverse:
		return imaging.Transverse(img)
	case OrientRotate270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
