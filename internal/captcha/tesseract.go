package captcha

import (
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// TesseractOCR implements OCR with the gosseract Tesseract binding,
// constrained to a digit whitelist and single-line page segmentation.
type TesseractOCR struct {
	// TessdataPrefix optionally points at a non-default tessdata directory.
	TessdataPrefix string
}

// Recognize runs Tesseract over the prepared image.
func (o *TesseractOCR) Recognize(pngData []byte) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if o.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(o.TessdataPrefix); err != nil {
			return "", fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if err := client.SetWhitelist("0123456789"); err != nil {
		return "", fmt.Errorf("set whitelist: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		return "", fmt.Errorf("set page segmentation mode: %w", err)
	}
	if err := client.SetImageFromBytes(pngData); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("run tesseract: %w", err)
	}
	return text, nil
}
