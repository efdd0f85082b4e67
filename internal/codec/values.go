package codec

import (
	"encoding/json"
	"math"
	"time"

	"github.com/penpalsync/penpalsync/internal/localstore"
)

// --- remote document fields --------------------------------------------------

func docString(data map[string]any, key string) (string, bool) {
	s, ok := data[key].(string)
	return s, ok
}

// docRequired returns a non-empty string field.
func docRequired(data map[string]any, key string) (string, bool) {
	s, ok := docString(data, key)
	return s, ok && s != ""
}

func docTime(data map[string]any, key string) (time.Time, bool) {
	switch v := data[key].(type) {
	case time.Time:
		return v.UTC(), !v.IsZero()
	case int64:
		return time.UnixMilli(v).UTC(), true
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t.UTC(), err == nil
	}
	return time.Time{}, false
}

func docInt(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return int(v)
	}
	return 0
}

func docFloat(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func docBool(data map[string]any, key string) bool {
	b, _ := data[key].(bool)
	return b
}

// docStrings reads an array field, dropping non-string elements.
func docStrings(data map[string]any, key string) []string {
	switch v := data[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, el := range v {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func docStringMap(data map[string]any, key string) map[string]string {
	out := map[string]string{}
	switch v := data[key].(type) {
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	case map[string]any:
		for k, el := range v {
			if s, ok := el.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

func docIntMap(data map[string]any, key string) map[string]int {
	out := map[string]int{}
	raw, ok := data[key].(map[string]any)
	if !ok {
		if m, ok := data[key].(map[string]int); ok {
			for k, n := range m {
				out[k] = n
			}
		}
		return out
	}
	for k := range raw {
		out[k] = docInt(raw, k)
	}
	return out
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// --- local rows --------------------------------------------------------------

func rowString(r localstore.Row, col string) string {
	s, _ := r[col].(string)
	return s
}

func rowInt(r localstore.Row, col string) int64 {
	n, _ := r[col].(int64)
	return n
}

func rowFloat(r localstore.Row, col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func rowBool(r localstore.Row, col string) bool {
	return rowInt(r, col) != 0
}

// rowTime reads a unix-millisecond column; absent means zero time.
func rowTime(r localstore.Row, col string) time.Time {
	n, ok := r[col].(int64)
	if !ok {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

// millis stores a time as unix milliseconds; the zero time is NULL.
func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// jsonText encodes a composite value for a TEXT column.
func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// rowJSON decodes a composite column into dst. Malformed or absent text
// leaves dst at its zero value.
func rowJSON[V any](r localstore.Row, col string) V {
	var v V
	s := rowString(r, col)
	if s == "" {
		return v
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		var zero V
		return zero
	}
	return v
}
