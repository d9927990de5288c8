// Package storage is the item image bucket: a per-user prefixed blob store
// with public URLs.
package storage

import (
	"github.com/gabriel-vasile/mimetype"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/checksum"
)

// MaxImageBytes caps a single uploaded image.
const MaxImageBytes = 5 << 20

// imageTypes lists the accepted image MIME types.
var imageTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

// ObjectPath returns the object path "<ownerID>/<digest><ext>" for an image
// uploaded by ownerID. Unsupported or oversized content is a validation error.
func ObjectPath(ownerID string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", apperr.Validationf("image is empty")
	}
	if len(data) > MaxImageBytes {
		return "", apperr.Validationf("image exceeds %d bytes", MaxImageBytes)
	}
	mt := mimetype.Detect(data)
	for _, t := range imageTypes {
		if mt.Is(t) {
			return ownerID + "/" + checksum.Short(data) + mt.Extension(), nil
		}
	}
	return "", apperr.Validationf("unsupported image type %s", mt.String())
}
