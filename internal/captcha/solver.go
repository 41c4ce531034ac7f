// Package captcha downloads and reads the gateway's numeric captcha image.
package captcha

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	// Register decoders for the formats the gateway has been seen to serve.
	_ "image/gif"
	_ "image/jpeg"

	"go.uber.org/zap"

	"github.com/Berailitz/bupt-messager/internal/httpx"
)

// binarizeThreshold is tuned for this captcha style: only true-black pixels
// survive as ink, everything else becomes background.
const binarizeThreshold = 1

// OCR recognizes the digits in a prepared (binarized) PNG image.
type OCR interface {
	Recognize(pngData []byte) (string, error)
}

// Config locates the captcha endpoint.
type Config struct {
	URL     string
	Referer string
}

// Solver fetches the captcha over the shared session and runs OCR on it.
type Solver struct {
	client *httpx.Client
	ocr    OCR
	cfg    Config
	logger *zap.Logger
}

// NewSolver builds a Solver.
func NewSolver(client *httpx.Client, ocr OCR, cfg Config, logger *zap.Logger) *Solver {
	return &Solver{client: client, ocr: ocr, cfg: cfg, logger: logger}
}

// Solve downloads the captcha image, binarizes it and returns the recognized
// digit string. The digit count is not validated here; a bad read simply
// makes the subsequent login classification fail and retry.
func (s *Solver) Solve(ctx context.Context) (string, error) {
	resp, err := s.client.Get(ctx, s.cfg.URL, httpx.Options{Referer: s.cfg.Referer})
	if err != nil {
		return "", fmt.Errorf("captcha: download image: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(resp.Body))
	if err != nil {
		return "", fmt.Errorf("captcha: decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, Binarize(img)); err != nil {
		return "", fmt.Errorf("captcha: encode binarized image: %w", err)
	}

	text, err := s.ocr.Recognize(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("captcha: recognize: %w", err)
	}
	s.logger.Info("captcha solved", zap.String("text", text))
	return text, nil
}

// Binarize converts img to grayscale and applies the hard threshold.
func Binarize(img image.Image) *image.Gray {
	bounds := img.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			if g.Y < binarizeThreshold {
				out.SetGray(x, y, color.Gray{Y: 0})
			} else {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}
