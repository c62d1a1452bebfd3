package pairing

import "github.com/skip2/go-qrcode"

// RenderCodeQR encodes a pairing code as a PNG QR image, for channel
// adapters that can send an inline image alongside the text challenge
// so an operator can approve a pending request by scanning rather than
// retyping the six-digit code.
func RenderCodeQR(code string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(code, qrcode.Medium, size)
}
