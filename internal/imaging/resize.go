// Package imaging rescales stored images at retrieval time. Every rendition
// is re-encoded as JPEG regardless of the source format.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// ContentType is the media type of every rendition Resize produces.
	ContentType = "image/jpeg"

	// MaxDimension caps either side of a requested rendition.
	MaxDimension = 8192

	// MaxSourcePixels caps the declared size of an image Resize will
	// decode. Larger sources are reported as ErrUndecodable.
	MaxSourcePixels = 40 << 20

	jpegQuality = 90
)

// ErrUndecodable is returned when the payload is not an image in any of the
// registered formats.
var ErrUndecodable = errors.New("imaging: payload is not a decodable image")

// Directive is a parsed WIDTHxHEIGHT resize request. A zero side is derived
// from the source aspect ratio.
type Directive struct {
	Width  int
	Height int
}

func (d Directive) String() string {
	return strconv.Itoa(d.Width) + "x" + strconv.Itoa(d.Height)
}

// ParseDirective parses s as WIDTHxHEIGHT. A side that is empty or not a
// number counts as omitted. The second result is false when no resize should
// happen at all: wrong shape, both sides omitted, or a side above
// MaxDimension.
func ParseDirective(s string) (Directive, bool) {
	parts := strings.Split(s, "x")
	if len(parts) != 2 {
		return Directive{}, false
	}

	w, wok := parseSide(parts[0])
	h, hok := parseSide(parts[1])
	if !wok && !hok {
		return Directive{}, false
	}

	d := Directive{Width: w, Height: h}
	if d.Width == 0 && d.Height == 0 {
		return Directive{}, false
	}
	if d.Width > MaxDimension || d.Height > MaxDimension {
		return Directive{}, false
	}
	return d, true
}

func parseSide(s string) (int, bool) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	if n > MaxDimension {
		// Keep it out of int range concerns; ParseDirective rejects it.
		return MaxDimension + 1, true
	}
	return int(n), true
}

// Resize decodes data, scales it according to d and returns it as JPEG.
// The header is checked against MaxSourcePixels before any pixel data is
// decoded.
func Resize(data []byte, d Directive) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxSourcePixels {
		return nil, fmt.Errorf("%w: source is %dx%d pixels", ErrUndecodable, cfg.Width, cfg.Height)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}

	width, height := Dimensions(src.Bounds().Dx(), src.Bounds().Dy(), d)

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, errors.Wrapf(err, "encoding %s source as jpeg", format)
	}
	return buf.Bytes(), nil
}

// Dimensions resolves d against a source of srcW by srcH pixels. When both
// sides are given they are used as is; otherwise the missing side follows the
// source aspect ratio. Results are clamped to [1, MaxDimension].
func Dimensions(srcW int, srcH int, d Directive) (int, int) {
	width, height := d.Width, d.Height

	if (width == 0 || height == 0) && srcW > 0 && srcH > 0 {
		aspect := float64(srcW) / float64(srcH)
		if width == 0 {
			width = int(float64(height) * aspect)
		} else {
			height = int(float64(width) / aspect)
		}
	}

	return clamp(width), clamp(height)
}

func clamp(n int) int {
	return min(max(n, 1), MaxDimension)
}
