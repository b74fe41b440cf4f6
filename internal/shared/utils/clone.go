package utils

// CloneMap deep-copies a JSON-shaped map. Values other than maps, slices and
// string slices are copied by assignment.
func CloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies one JSON-shaped value.
func CloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = CloneValue(t[i])
		}
		return out
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(t))
		for i := range t {
			out[i] = CloneMap(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
