package ai

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ExtractJSONObject returns the first complete JSON object embedded in content.
// Models sometimes wrap their answer in prose or code fences.
func ExtractJSONObject(content string) (json.RawMessage, error) {
	for offset := 0; offset < len(content); {
		idx := strings.IndexByte(content[offset:], '{')
		if idx < 0 {
			break
		}
		start := offset + idx

		decoder := json.NewDecoder(strings.NewReader(content[start:]))
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err == nil && bytes.HasPrefix(raw, []byte("{")) {
			return raw, nil
		}

		offset = start + 1
	}

	return nil, ErrNoJSONObject
}
