package detect

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Decode reads a JPEG, PNG, GIF, WebP, BMP or TIFF image and applies its EXIF orientation.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecodeFailure)
	}
	return img, nil
}

// DecodeBytes is Decode over an in-memory payload.
func DecodeBytes(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecodeFailure)
	}
	return Decode(bytes.NewReader(raw))
}

// DecodeDataURL extracts the bytes of a base64 "data:image/...;base64," URL, as produced by
// browser camera screenshots.
func DecodeDataURL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "data:") {
		return nil, fmt.Errorf("%w: not a data URL", ErrDecodeFailure)
	}
	meta, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return nil, fmt.Errorf("%w: data URL has no payload", ErrDecodeFailure)
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("%w: data URL is not base64 encoded", ErrDecodeFailure)
	}
	if mediaType := strings.TrimSuffix(meta, ";base64"); mediaType != "" && !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("%w: unexpected media type %q", ErrDecodeFailure, mediaType)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(payload)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	return raw, nil
}

// Fit scales img down so neither side exceeds maxDim. Smaller images and maxDim <= 0 pass through.
func Fit(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	if maxDim <= 0 || (b.Dx() <= maxDim && b.Dy() <= maxDim) {
		return img
	}
	return imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
}
