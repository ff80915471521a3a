// Package delivery implements the delivery worker: the cooperative
// dispatch loop, cleanup loop, and reclaim loop, grounded on the original
// delivery service's _delivery_loop/_deliver_detection/_cleanup_loop shape.
package delivery

import (
	"encoding/base64"
	"fmt"
	"os"
)

// ImageLoader is the capability trait the worker uses to resolve
// image_path to base64 bytes without holding a reference to a whole
// "image store" service. Camera capture and image storage live
// elsewhere; this interface is the seam.
type ImageLoader interface {
	LoadBase64(path string, maxSizeKB int) (string, error)
}

// DiskImageLoader reads images from the local filesystem, the default
// external collaborator for a device agent whose camera already writes
// captured frames to disk.
type DiskImageLoader struct{}

func (DiskImageLoader) LoadBase64(path string, maxSizeKB int) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat image: %w", err)
	}
	if maxSizeKB > 0 && info.Size() > int64(maxSizeKB)*1024 {
		return "", fmt.Errorf("image %s exceeds max size %dKB", path, maxSizeKB)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
