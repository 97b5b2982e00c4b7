// Package normalize turns assistant output into plain field/value mappings.
package normalize

import "strconv"

// envelopeTags are recognised wrapper keys in priority order. The first
// non-empty one wins.
var envelopeTags = []string{
	"stringValue",
	"numberValue",
	"boolValue",
	"booleanValue",
	"S",
	"N",
	"BOOL",
}

var numericTags = map[string]bool{"numberValue": true, "N": true}

// Normalize returns a new mapping with every enveloped value unwrapped to its
// inner scalar. Values that are not envelopes pass through unchanged. The
// input is not modified and the function never fails.
func Normalize(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = Value(v)
	}
	return out
}

// Value unwraps v until it is no longer an envelope.
func Value(v any) any {
	for {
		inner, ok := unwrap(v)
		if !ok {
			return v
		}
		v = inner
	}
}

func unwrap(v any) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !isTag(k) {
			return nil, false
		}
	}

	for _, tag := range envelopeTags {
		inner, present := m[tag]
		if !present || empty(inner) {
			continue
		}
		if numericTags[tag] {
			if s, ok := inner.(string); ok {
				if f, err := strconv.ParseFloat(s, 64); err == nil {
					return f, true
				}
			}
		}
		return inner, true
	}
	return nil, false
}

func isTag(k string) bool {
	for _, tag := range envelopeTags {
		if k == tag {
			return true
		}
	}
	return false
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}
