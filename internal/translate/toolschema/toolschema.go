// Package toolschema sanitises JSON-schema tool parameter definitions for
// Gemini's function-declaration format, which rejects several keys the
// broader JSON-schema ecosystem (and the other three wire protocols) allow
// through unmodified. Shared by the Gemini translator and the Gemini
// connector so the stripping logic exists exactly once (spec §4.B: "JSON
// serialisation is performed once per call, never repeatedly inside
// sanitisation loops").
package toolschema

// unsupportedKeys are stripped anywhere they appear in a schema tree
// before it is sent to Gemini.
var unsupportedKeys = map[string]bool{
	"$schema":           true,
	"exclusiveMinimum":  true,
	"exclusiveMaximum":  true,
	"additionalProperties": true,
}

// SanitizeForGemini returns a deep copy of schema with unsupported keys
// removed at every level. A nil input returns nil.
func SanitizeForGemini(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	return sanitizeValue(schema).(map[string]interface{})
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			if unsupportedKeys[k] {
				continue
			}
			out[k] = sanitizeValue(sub)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = sanitizeValue(sub)
		}
		return out
	default:
		return v
	}
}

// MergeFunctionDeclarations merges any duplicate-named entries in decls
// into a single list with unique names (spec: "duplicate function
// declarations are merged into a single function_declarations group").
// Last-seen definition for a given name wins.
func MergeFunctionDeclarations(decls []map[string]interface{}) []map[string]interface{} {
	seen := map[string]int{}
	out := make([]map[string]interface{}, 0, len(decls))
	for _, d := range decls {
		name, _ := d["name"].(string)
		if idx, ok := seen[name]; ok {
			out[idx] = d
			continue
		}
		seen[name] = len(out)
		out = append(out, d)
	}
	return out
}
