// Package badge renders student QR codes and publishes them for printing.
package badge

import (
	"errors"

	"github.com/skip2/go-qrcode"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 256

// ErrEmptyPayload is returned when there is nothing to encode.
var ErrEmptyPayload = errors.New("badge: empty qr payload")

// PNG encodes the student's opaque id as a square QR image.
func PNG(studentID string, size int) ([]byte, error) {
	if studentID == "" {
		return nil, ErrEmptyPayload
	}
	if size <= 0 {
		size = DefaultSize
	}
	return qrcode.Encode(studentID, qrcode.Medium, size)
}
