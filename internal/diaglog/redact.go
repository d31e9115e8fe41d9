package diaglog

import "strings"

// sensitiveKeys are replaced with "[REDACTED]" before an entry is written.
// Patient fields travel with chunk 0 and the end-session upload.
var sensitiveKeys = map[string]bool{
	"authorization":       true,
	"token":               true,
	"password":            true,
	"secret":              true,
	"patient_id":          true,
	"patient_name":        true,
	"patient_age":         true,
	"patient_sex":         true,
	"consultation_reason": true,
}

// Redact recursively traverses v and replaces the values of sensitive keys.
// v is not mutated; a new map is returned. Non-map types are returned
// unchanged.
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if sensitiveKeys[strings.ToLower(k)] {
				out[k] = "[REDACTED]"
			} else {
				out[k] = Redact(child)
			}
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if sensitiveKeys[strings.ToLower(k)] {
				out[k] = "[REDACTED]"
			} else {
				out[k] = child
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = Redact(elem)
		}
		return out
	default:
		return v
	}
}
