package probe

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Extras is a catch-all map type for fields a probe doesn't model
// explicitly. The probes in this module keep unknown fields by decoding into
// RawObject rather than by filling an Extras value.
type Extras map[string]interface{}

// RawObject is a permissive decode target: known keys are pulled out by
// FirstString/FirstNumber, and every other key stays in the map itself.
type RawObject map[string]interface{}

// ParseRawObject decodes body into a RawObject, tolerating any valid JSON
// object shape. Non-object top-level values (arrays, scalars) yield an
// error, since probes operate on object-shaped payloads.
func ParseRawObject(body []byte) (RawObject, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	return RawObject(obj), nil
}

// FirstString returns the first non-empty string value found under any of
// the given keys, trying each in order. Numbers and booleans are coerced to
// their string form so a field that arrives as either shape still resolves.
func (r RawObject) FirstString(keys ...string) string {
	for _, key := range keys {
		v, ok := r[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

// FirstNumber returns the first numeric value found under any of the given
// keys, accepting values encoded as either JSON numbers or numeric strings.
func (r RawObject) FirstNumber(keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := r[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case string:
			if n, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// FindFirstEmail performs a recursive scan of an arbitrary decoded JSON
// value for the first string containing "@", used as the top priority in
// the identity-resolution order (spec §4.2.B step 1).
func FindFirstEmail(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		if strings.Contains(t, "@") {
			return t, true
		}
	case map[string]interface{}:
		for _, child := range t {
			if email, ok := FindFirstEmail(child); ok {
				return email, ok
			}
		}
	case []interface{}:
		for _, child := range t {
			if email, ok := FindFirstEmail(child); ok {
				return email, ok
			}
		}
	}
	return "", false
}

// WellKnownClaimKeys is consulted at identity-resolution step 2.
var WellKnownClaimKeys = []string{"email", "upn", "preferred_username"}
