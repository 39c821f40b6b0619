package exchange

import (
	"bytes"

	"github.com/goccy/go-json"
)

// UnwrapEnvelope strips the combined-stream envelope: a top-level object
// whose "data" field holds another object is reduced to that inner
// object. Frames with no "data" field, or where "data" is a list, pass
// through unchanged. Unwrapping is idempotent because the inner object
// rarely carries its own object-valued "data" field; when it does, the
// venue parser sees the same shape either way.
func UnwrapEnvelope(frame []byte) []byte {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return frame
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return frame
	}

	inner := bytes.TrimSpace(envelope.Data)
	if len(inner) == 0 || inner[0] != '{' {
		return frame
	}
	return inner
}
