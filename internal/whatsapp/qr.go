package whatsapp

import (
	"fmt"

	"github.com/skip2/go-qrcode"
)

// QRPNG renders an authentication challenge as a scannable PNG.
func QRPNG(code string, size int) ([]byte, error) {
	if size <= 0 {
		size = 512
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
