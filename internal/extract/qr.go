package extract

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// ErrNoQR is returned when no page of an attachment carries a readable QR code
var ErrNoQR = errors.New("no QR code found")

// Extraction is what could be read from an attachment
type Extraction struct {
	Payload string
	Page    int
	Text    string
}

// Extractor reads the invoice QR payload and text from an attachment
type Extractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (*Extraction, error)
}

// QRExtractor finds the first QR code in a PDF or image
type QRExtractor struct {
	hints map[gozxing.DecodeHintType]interface{}
}

// NewQRExtractor creates a new QRExtractor
func NewQRExtractor() *QRExtractor {
	return &QRExtractor{
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Extract returns the first QR payload found in page order. The text of every
// page is returned alongside it. ErrNoQR is returned with the text when no
// page has a code.
func (q *QRExtractor) Extract(ctx context.Context, data []byte, contentType string) (*Extraction, error) {
	pages, err := Pages(data, contentType)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, p := range pages {
		if p.Text != "" {
			text.WriteString(p.Text)
			text.WriteString("\n")
		}
	}

	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := q.Decode(p.Image)
		if err != nil {
			slog.Debug("No QR code on page", "page", p.Number, "error", err)
			continue
		}
		return &Extraction{Payload: payload, Page: p.Number, Text: text.String()}, nil
	}

	return &Extraction{Text: text.String()}, ErrNoQR
}

// Decode reads a QR code from an image, retrying on an enhanced copy
func (q *QRExtractor) Decode(img image.Image) (string, error) {
	payload, err := q.decode(img)
	if err == nil {
		return payload, nil
	}

	payload, retryErr := q.decode(enhance(img))
	if retryErr == nil {
		return payload, nil
	}
	return "", fmt.Errorf("%w: %v", ErrNoQR, err)
}

func (q *QRExtractor) decode(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("binarizing image: %w", err)
	}
	result, err := qrcode.NewQRCodeReader().Decode(bmp, q.hints)
	if err != nil {
		return "", err
	}
	return result.GetText(), nil
}

// enhance boosts a scanned page so faint or blurred codes become readable
func enhance(img image.Image) image.Image {
	out := imaging.Grayscale(img)
	out = imaging.AdjustContrast(out, 40)
	out = imaging.Sharpen(out, 1.0)
	return out
}
