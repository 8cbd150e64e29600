package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBodyNotJSON reports a redaction target that does not parse as a
// JSON object or array.
var ErrBodyNotJSON = errors.New("body is not a JSON object or array")

// RedactBody removes the given dot-path fields (data.user.email) from a
// JSON body and returns the re-encoded result. A segment that lands on
// an array applies the remaining path to every element, so collection
// responses are redacted per item. Paths that match nothing are
// ignored. Empty bodies and empty path lists pass through untouched.
func RedactBody(body []byte, paths []string) ([]byte, error) {
	if len(paths) == 0 || len(body) == 0 {
		return body, nil
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBodyNotJSON, err)
	}

	switch doc.(type) {
	case map[string]interface{}, []interface{}:
	default:
		return nil, ErrBodyNotJSON
	}

	for _, path := range paths {
		redactPath(doc, strings.Split(path, "."))
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-encode redacted body: %w", err)
	}
	return out, nil
}

// redactPath walks one dot path and deletes the final segment. Maps
// descend by key; arrays fan the remaining path out over every element.
func redactPath(node interface{}, segments []string) {
	if len(segments) == 0 {
		return
	}

	switch v := node.(type) {
	case map[string]interface{}:
		if len(segments) == 1 {
			delete(v, segments[0])
			return
		}
		child, ok := v[segments[0]]
		if !ok {
			return
		}
		redactPath(child, segments[1:])
	case []interface{}:
		for _, item := range v {
			redactPath(item, segments)
		}
	}
}
