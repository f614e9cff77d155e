package gateway

// ClonePayload returns a deep copy of a JSON-compatible payload map.
//
// The engine hands out and accepts only copies, so external mutation can
// never bypass dirty tracking. Values other than maps and slices are assumed
// immutable (strings, numbers, bools, nil), matching what JSON decoding
// produces.
func ClonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return ClonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
