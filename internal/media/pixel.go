package media

type PixelFormat string

const (
	PixelFormatRGBA    PixelFormat = "rgba"
	PixelFormatBGRA    PixelFormat = "bgra"
	PixelFormatRGB24   PixelFormat = "rgb24"
	PixelFormatYUV420P PixelFormat = "yuv420p"
	PixelFormatNV12    PixelFormat = "nv12"
)

// FrameSize returns the byte size of one packed frame, or 0 for an unknown
// format.
func (f PixelFormat) FrameSize(width, height int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	switch f {
	case PixelFormatRGBA, PixelFormatBGRA:
		return width * height * 4
	case PixelFormatRGB24:
		return width * height * 3
	case PixelFormatYUV420P, PixelFormatNV12:
		cw, ch := (width+1)/2, (height+1)/2
		return width*height + 2*cw*ch
	}
	return 0
}
