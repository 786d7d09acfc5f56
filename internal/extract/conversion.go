package extract

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

const (
	ContentTypePDF  = "application/pdf"
	ContentTypeHEIC = "image/heic"

	// renderDPI is high enough for the small QR codes printed on invoices
	renderDPI = 200
)

// Page is one rendered page of an attachment
type Page struct {
	Number int
	Image  image.Image
	Text   string
}

// pdfPages renders every page of a PDF and extracts its text
func pdfPages(pdfData []byte) ([]Page, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pages := make([]Page, 0, doc.NumPage())
	for n := 0; n < doc.NumPage(); n++ {
		img, err := doc.ImageDPI(n, renderDPI)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", n+1, err)
		}
		text, err := doc.Text(n)
		if err != nil {
			text = ""
		}
		pages = append(pages, Page{Number: n + 1, Image: img, Text: text})
	}
	return pages, nil
}

// decodeImage decodes any supported image format, HEIC included
func decodeImage(imageData []byte, mimeType string) (image.Image, error) {
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// Pages turns an attachment into rendered pages. Images become a single page without text.
func Pages(data []byte, contentType string) ([]Page, error) {
	mimeType := NormalizeContentType(contentType)
	if mimeType == ContentTypePDF || bytes.HasPrefix(data, []byte("%PDF-")) {
		return pdfPages(data)
	}

	img, err := decodeImage(data, mimeType)
	if err != nil {
		return nil, err
	}
	return []Page{{Number: 1, Image: img}}, nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files carry an ftyp box with a HEIF brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
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

// NormalizeContentType lowercases a MIME type and drops its parameters
func NormalizeContentType(contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return mimeType
}

// DetectContentType guesses the MIME type of an attachment from its name and content
func DetectContentType(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return ContentTypePDF
	case ".heic", ".heif":
		return ContentTypeHEIC
	}
	if isHEICFormat(data) {
		return ContentTypeHEIC
	}
	return NormalizeContentType(http.DetectContentType(data))
}

// Supported reports whether an attachment type can be scanned for a QR code
func Supported(contentType string) bool {
	mimeType := NormalizeContentType(contentType)
	return mimeType == ContentTypePDF || strings.HasPrefix(mimeType, "image/")
}
