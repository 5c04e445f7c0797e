package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"path/filepath"
	"strings"

	"github.com/gen2brain/heic"
	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

var (
	// ErrDecode marks document content that cannot be decoded
	ErrDecode = errors.New("decode error")
	// ErrUnsupported marks a file type the extractor does not handle
	ErrUnsupported = errors.New("unsupported document type")
)

// Kind is the broad family of a source document
type Kind int

const (
	KindUnknown Kind = iota
	KindPDF
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindPDF:
		return "pdf"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// contentTypes maps recognized extensions to MIME types
var contentTypes = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".heic": "image/heic",
	".heif": "image/heif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

// Supported reports whether the file extension is one the extractor handles
func Supported(filename string) bool {
	_, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// ContentTypeFor returns the MIME type for a filename, or
// application/octet-stream when the extension is not recognized
func ContentTypeFor(filename string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// detectKind sniffs the document family from the content first and falls
// back to the declared content type
func detectKind(data []byte, contentType string) Kind {
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return KindPDF
	}
	if isHEICFormat(data) {
		return KindImage
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return KindImage
	}

	contentType = strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case contentType == "application/pdf":
		return KindPDF
	case strings.HasPrefix(contentType, "image/"):
		return KindImage
	}
	return KindUnknown
}

// DecodeImage decodes raster data of any supported format, including
// HEIC/HEIF which the standard image package cannot read
func DecodeImage(data []byte, contentType string) (image.Image, error) {
	if isHEICFormat(data) || isHEICMimeType(contentType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: decoding HEIC/HEIF image: %v", ErrDecode, err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("%w: unsupported image format (supported: JPEG, PNG, GIF, HEIC, HEIF, TIFF, BMP, WebP, PDF): %v", ErrDecode, err)
		}
		return nil, fmt.Errorf("%w: decoding image: %v", ErrDecode, err)
	}
	return img, nil
}

// encodePNG encodes an image as PNG
func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files typically start with specific magic bytes
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	// ftyp box at offset 4 followed by a HEIC-related brand
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
