package filter

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Flatten expands a JSON object payload into leaf key/value pairs.
//
// Nested objects contribute path-joined keys with "/" as separator; arrays
// contribute their element index as a key segment. Scalar leaves are
// rendered as strings: numbers keep their original textual form, booleans
// become "true"/"false" and JSON null becomes "null".
//
// Only payloads whose top-level value is a JSON object are expanded. Any
// other payload (scalar, array, or invalid JSON) returns ok=false and the
// caller forwards the payload untouched.
func Flatten(payload []byte) (leaves map[string]string, ok bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, false
	}

	leaves = make(map[string]string)
	flattenInto(leaves, "", root)
	return leaves, true
}

func flattenInto(leaves map[string]string, prefix string, node map[string]any) {
	for key, value := range node {
		path := key
		if prefix != "" {
			path = prefix + "/" + key
		}
		flattenValue(leaves, path, value)
	}
}

func flattenValue(leaves map[string]string, path string, value any) {
	switch v := value.(type) {
	case map[string]any:
		flattenInto(leaves, path, v)
	case []any:
		for i, elem := range v {
			flattenValue(leaves, path+"/"+strconv.Itoa(i), elem)
		}
	case json.Number:
		leaves[path] = v.String()
	case string:
		leaves[path] = v
	case bool:
		leaves[path] = strconv.FormatBool(v)
	case nil:
		leaves[path] = "null"
	}
}
