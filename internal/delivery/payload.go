package delivery

import (
	"encoding/json"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/store"
)

// buildDetectionPayload assembles the bit-exact request body from the
// message's stored payload, the device's identity, and the worker's
// capability traits (ImageLoader, location), mirroring _deliver_detection.
func (w *Worker) buildDetectionPayload(msg *store.Message, nowEpoch float64) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, err
	}

	imageBase64, _ := payload["image_base64"].(string)
	if imageBase64 == "" {
		if path, ok := payload["image_path"].(string); ok && path != "" && w.imageLoader != nil {
			b64, err := w.imageLoader.LoadBase64(path, w.opts.MaxImageSizeKB)
			if err != nil {
				w.logger.Warnw("failed to load image for detection", "message_id", msg.ID, "error", err)
			} else {
				imageBase64 = b64
			}
		}
	}

	timestamp := nowEpoch
	if t, ok := payload["timestamp"].(float64); ok {
		timestamp = t
	}

	meta, _ := payload["metadata"].(map[string]any)
	outMeta := map[string]any{}
	for k, v := range meta {
		outMeta[k] = v
	}
	outMeta["device_info"] = w.deviceInfo()
	outMeta["delivery_timestamp"] = nowEpoch
	outMeta["attempt"] = msg.Attempts + 1
	outMeta["message_checksum"] = msg.Checksum

	var imageField any
	if imageBase64 != "" {
		imageField = imageBase64
	}

	req := map[string]any{
		"event_id":    msg.ID,
		"device_id":   w.deviceID,
		"camera_id":   getOr(payload, "camera_id", ""),
		"timestamp":   timestamp,
		"class_name":  getOr(payload, "class_name", ""),
		"class_id":    getOr(payload, "class_id", 0),
		"confidence":  getOr(payload, "confidence", 0.0),
		"bbox":        getOr(payload, "bbox", []any{}),
		"image_base64": imageField,
		"location":    w.location(),
		"metadata":    outMeta,
	}
	return req, nil
}

func getOr(m map[string]any, key string, def any) any {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return def
}
