package notify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\{([a-zA-Z0-9_.]+)\}`)

// Render resolves `{field.path}` tokens in tmpl against fields, a decoded
// JSON object walked as dotted paths. A token whose path cannot be resolved
// is left in the output literally.
func Render(tmpl string, fields map[string]any) string {
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		path := token[1 : len(token)-1]
		value, ok := lookup(fields, path)
		if !ok {
			return token
		}
		return toString(value)
	})
}

// lookup walks fields with a dotted path the same way a decoded JSON object
// is walked field by field: each segment indexes into a map[string]any,
// falling through to "not found" on any type mismatch or missing key.
func lookup(fields map[string]any, dotted string) (any, bool) {
	segments := strings.Split(dotted, ".")
	var cur any = fields
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
