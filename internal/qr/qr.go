package qr

import (
	"encoding/base64"
	"errors"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const imageSize = 256

// ErrEmptyContent indicates there was nothing to encode.
var ErrEmptyContent = errors.New("qr: content is required")

// DataURI renders content as a PNG QR code and returns it as a base64
// data URI suitable for direct embedding in an <img> tag.
func DataURI(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	png, err := qrcode.Encode(content, qrcode.Medium, imageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
