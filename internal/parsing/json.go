package parsing

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CompactJSON validates content as a single JSON value and strips
// insignificant whitespace
func CompactJSON(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(content))

	if err := json.Compact(&buf, content); err != nil {
		return nil, fmt.Errorf("failed to compact json: %w", err)
	}

	return buf.Bytes(), nil
}
