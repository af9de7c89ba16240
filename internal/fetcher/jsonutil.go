package fetcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	errParsing    = errors.New("malformed registration")
	errValidation = errors.New("invalid registration")
)

func parsingErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errParsing, fmt.Sprintf(format, args...))
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errValidation, fmt.Sprintf(format, args...))
}

// object is a decoded JSON object with numbers kept as json.Number.
type object map[string]any

func decodeObject(raw string) (object, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, parsingErr("decode json: %v", err)
	}
	if obj == nil {
		return nil, parsingErr("registration is not a JSON object")
	}
	if dec.More() {
		return nil, parsingErr("trailing data after JSON object")
	}
	return obj, nil
}

// has reports whether key is present with a non-null value.
func (o object) has(key string) bool {
	v, ok := o[key]
	return ok && v != nil
}

func (o object) str(key string) (string, error) {
	s, ok := scalarString(o[key])
	if !ok {
		return "", parsingErr("%s is not a string", key)
	}
	return s, nil
}

func (o object) int64(key string) (int64, error) {
	n, err := toInt64(o[key])
	if err != nil {
		return 0, parsingErr("%s: %v", key, err)
	}
	return n, nil
}

// optBool follows lenient boolean coercion: true, "true" and "TRUE" are true.
func (o object) optBool(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

func (o object) obj(key string) (object, bool) {
	m, ok := o[key].(map[string]any)
	return m, ok
}

func (o object) array(key string) ([]any, bool) {
	a, ok := o[key].([]any)
	return a, ok
}

// scalarString renders strings, numbers and booleans as strings.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func toInt64(v any) (int64, error) {
	s, ok := scalarString(v)
	if !ok {
		return 0, fmt.Errorf("not a number: %v", v)
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("out of range: %q", s)
	}
	return int64(f), nil
}

func toUint64(v any) (uint64, error) {
	s, ok := scalarString(v)
	if !ok {
		return 0, fmt.Errorf("not an unsigned number: %v", v)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned number: %q", s)
	}
	return n, nil
}

// wrapFilters accepts a single filter map or an array of them and returns an array.
func wrapFilters(v any) []any {
	switch t := v.(type) {
	case map[string]any:
		return []any{t}
	case []any:
		return t
	}
	return nil
}

func marshalCompact(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
