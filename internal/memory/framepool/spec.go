package framepool

import (
	"fmt"

	"github.com/Dark-Knight-0817/ffplay0.1/internal/memerr"
)

// PixelFormat enumerates the supported frame formats.
type PixelFormat int

const (
	YUV420P PixelFormat = iota
	YUV422P
	YUV444P
	NV12
	NV21
	RGB24
	BGR24
	RGBA
	GRAY8
)

// String implements fmt.Stringer.
func (f PixelFormat) String() string {
	switch f {
	case YUV420P:
		return "yuv420p"
	case YUV422P:
		return "yuv422p"
	case YUV444P:
		return "yuv444p"
	case NV12:
		return "nv12"
	case NV21:
		return "nv21"
	case RGB24:
		return "rgb24"
	case BGR24:
		return "bgr24"
	case RGBA:
		return "rgba"
	case GRAY8:
		return "gray8"
	default:
		return fmt.Sprintf("pixel_format(%d)", int(f))
	}
}

// plane describes one image plane relative to the full frame: bytes per
// pixel on the plane and chroma subsampling shifts.
type plane struct {
	bytesPerPixel int
	widthShift    uint
	heightShift   uint
}

// planeLayouts maps each supported format to its planes. Formats absent
// from this table are rejected at allocation time.
var planeLayouts = map[PixelFormat][]plane{
	YUV420P: {{1, 0, 0}, {1, 1, 1}, {1, 1, 1}},
	YUV422P: {{1, 0, 0}, {1, 1, 0}, {1, 1, 0}},
	YUV444P: {{1, 0, 0}, {1, 0, 0}, {1, 0, 0}},
	NV12:    {{1, 0, 0}, {2, 1, 1}},
	NV21:    {{1, 0, 0}, {2, 1, 1}},
	RGB24:   {{3, 0, 0}},
	BGR24:   {{3, 0, 0}},
	RGBA:    {{4, 0, 0}},
	GRAY8:   {{1, 0, 0}},
}

// Supported reports whether f has a known plane layout.
func (f PixelFormat) Supported() bool {
	_, ok := planeLayouts[f]
	return ok
}

// FrameSpec identifies a frame shape. Specs are comparable and used as
// sub-pool keys: two frames are interchangeable iff their specs are equal.
type FrameSpec struct {
	Width     int
	Height    int
	Format    PixelFormat
	Alignment int
}

// String implements fmt.Stringer.
func (s FrameSpec) String() string {
	return fmt.Sprintf("%dx%d/%s@%d", s.Width, s.Height, s.Format, s.Alignment)
}

// Validate checks dimensions, alignment and format support.
func (s FrameSpec) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return memerr.Alloc(fmt.Sprintf("frame spec %s", s), 0, memerr.ErrInvalidSize)
	}
	if a := s.Alignment; a <= 0 || a&(a-1) != 0 {
		return fmt.Errorf("frame spec %s: alignment must be a power of two", s)
	}
	if !s.Format.Supported() {
		return memerr.Alloc(fmt.Sprintf("frame spec %s", s), 0, memerr.ErrUnsupportedFormat)
	}
	return nil
}

// Size computes the buffer size for the spec: per-plane line sizes are
// rounded up to the alignment and summed over subsampled plane heights,
// matching the codec library's buffer-size calculation.
func (s FrameSpec) Size() int {
	planes, ok := planeLayouts[s.Format]
	if !ok {
		return 0
	}
	total := 0
	for _, p := range planes {
		w := (s.Width + (1 << p.widthShift) - 1) >> p.widthShift
		h := (s.Height + (1 << p.heightShift) - 1) >> p.heightShift
		linesize := alignUp(w*p.bytesPerPixel, s.Alignment)
		total += linesize * h
	}
	return total
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
