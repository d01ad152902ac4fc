package pipeline

import "strings"

// Format is an output encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatJPEG Format = "jpeg"
)

// Fixed encoder settings.
const (
	pngCompressionLevel = 9
	webpQuality         = 92
	jpegQuality         = 92
)

// SelectFormat picks the output encoding from the declared input MIME type.
// The first substring match wins; anything else is re-encoded as JPEG.
func SelectFormat(mimeType string) Format {
	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.Contains(mimeType, "png"):
		return FormatPNG
	case strings.Contains(mimeType, "webp"):
		return FormatWebP
	default:
		return FormatJPEG
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func (f Format) Extension() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatWebP:
		return "webp"
	default:
		return "jpg"
	}
}

// ParseFormat maps a format name or content type back to a Format.
func ParseFormat(s string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png", "image/png":
		return FormatPNG, true
	case "webp", "image/webp":
		return FormatWebP, true
	case "jpeg", "jpg", "image/jpeg":
		return FormatJPEG, true
	default:
		return "", false
	}
}

// MIMETypeForExtension guesses a declared MIME type from a file extension,
// for callers that read images from disk.
func MIMETypeForExtension(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "tif", "tiff":
		return "image/tiff"
	default:
		return ""
	}
}
