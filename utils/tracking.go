package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// NewTrackingToken mints an opaque token identifying one scheduled message to
// the external open/click tracking endpoints.
func NewTrackingToken() string {
	hash := sha256.Sum256([]byte(uuid.New().String()))
	return base64.URLEncoding.EncodeToString(hash[:])[:20]
}

// TrackingPixelURL builds the open-tracking pixel URL for a token. Pixel
// rendering itself is handled by the tracking service.
func TrackingPixelURL(baseURL, token string) string {
	return fmt.Sprintf("%s/track/open/%s", baseURL, token)
}
