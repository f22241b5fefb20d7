// Package pattern turns message patterns into deterministic string keys.
//
// A pattern is a set of key/value constraints such as {a:1, b:2}. It can be
// given structured (Pattern, map[string]string) or textual ("b:2,a:1",
// "{a:1}", or a JSON object). Every representation of the same constraints
// canonicalizes to the same key:
//
//	Pattern{"b": 2, "a": 1}  →  "a:1,b:2"
//	"b:2, a:1"               →  "a:1,b:2"
//	`{"a":1,"b":2,"meta$":{}}` →  "a:1,b:2"
//
// Keys ending in '$' are housekeeping fields and never take part in a key.
// Decimal numbers are written in their shortest form, so 1, 1.0 and "1e0"
// produce the same key.
package pattern

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformedPattern is returned when a pattern cannot be parsed or holds
// values that have no canonical text form.
var ErrMalformedPattern = errors.New("pattern: malformed pattern")

var decimalNumber = regexp.MustCompile(`^[-+]?[0-9]+(\.[0-9]+)?([eE][-+]?[0-9]+)?$`)

// Pattern is the structured form of a message pattern.
type Pattern map[string]any

// Field is one constraint of a canonical pattern.
type Field struct {
	Key   string
	Value string
}

// Fields is a cleaned pattern sorted by key, values in canonical text form.
type Fields []Field

// IsHousekeeping reports whether key is a meta field stripped before
// canonicalization.
func IsHousekeeping(key string) bool {
	return strings.HasSuffix(key, "$")
}

// Canonicalize returns the canonical key of p. p may be a string, Pattern,
// map[string]any, map[string]string or Fields.
func Canonicalize(p any) (string, error) {
	fields, err := Normalize(p)
	if err != nil {
		return "", err
	}
	return fields.String(), nil
}

// MustCanonicalize is like Canonicalize but panics on malformed input.
// Intended for literals in tests and program setup.
func MustCanonicalize(p any) string {
	key, err := Canonicalize(p)
	if err != nil {
		panic(err)
	}
	return key
}

// Normalize converts any supported representation into sorted Fields.
func Normalize(p any) (Fields, error) {
	switch v := p.(type) {
	case nil:
		return Fields{}, nil
	case string:
		return Parse(v)
	case Fields:
		return fromStrings(v.Map())
	case Pattern:
		return fromValues(v)
	case map[string]any:
		return fromValues(v)
	case map[string]string:
		return fromStrings(v)
	default:
		return nil, fmt.Errorf("%w: unsupported pattern type %T", ErrMalformedPattern, p)
	}
}

// Parse parses the textual form of a pattern.
func Parse(s string) (Fields, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Fields{}, nil
	}
	if strings.HasPrefix(s, "{") {
		if obj, ok := decodeJSONObject(s); ok {
			return fromValues(obj)
		}
		if !strings.HasSuffix(s, "}") {
			return nil, fmt.Errorf("%w: unbalanced braces in %q", ErrMalformedPattern, s)
		}
		s = s[1 : len(s)-1]
	}

	values, err := parsePairs(s)
	if err != nil {
		return nil, err
	}
	return fromStrings(values)
}

// String renders the canonical form: "k:v" pairs joined by commas.
func (f Fields) String() string {
	var b strings.Builder
	for i, field := range f {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(field.Key)
		b.WriteByte(':')
		b.WriteString(quoteValue(field.Value))
	}
	return b.String()
}

// Map returns the fields as a key → value map.
func (f Fields) Map() map[string]string {
	out := make(map[string]string, len(f))
	for _, field := range f {
		out[field.Key] = field.Value
	}
	return out
}

// Covers reports whether every constraint in f is also present, with the
// same value, in msg.
func (f Fields) Covers(msg Fields) bool {
	if len(f) > len(msg) {
		return false
	}
	values := msg.Map()
	for _, field := range f {
		v, ok := values[field.Key]
		if !ok || v != field.Value {
			return false
		}
	}
	return true
}

func fromValues(m map[string]any) (Fields, error) {
	values := make(map[string]string, len(m))
	for k, v := range m {
		if IsHousekeeping(k) {
			continue
		}
		s, err := formatValue(k, v)
		if err != nil {
			return nil, err
		}
		values[k] = s
	}
	return fromStrings(values)
}

func fromStrings(m map[string]string) (Fields, error) {
	fields := make(Fields, 0, len(m))
	for k, v := range m {
		if IsHousekeeping(k) {
			continue
		}
		if !validKey(k) {
			return nil, fmt.Errorf("%w: invalid key %q", ErrMalformedPattern, k)
		}
		fields = append(fields, Field{Key: k, Value: canonicalNumber(v)})
	}
	sort.Slice(fields, func(i, j int) bool {
		return fields[i].Key < fields[j].Key
	})
	return fields, nil
}

func formatValue(key string, v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%w: key %q has non-scalar value of type %T", ErrMalformedPattern, key, v)
	}
}

// canonicalNumber rewrites decimal number text in the shortest form, so
// 1, 1.0 and 1e0 agree whichever representation they came from. Anything
// else is returned as is.
func canonicalNumber(v string) string {
	if !decimalNumber.MatchString(v) {
		return v
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if u, err := strconv.ParseUint(v, 10, 64); err == nil {
		return strconv.FormatUint(u, 10)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return v
	}
	if f == math.Trunc(f) {
		switch {
		case math.Abs(f) < 1<<63:
			return strconv.FormatInt(int64(f), 10)
		case f > 0 && f < 1<<64:
			return strconv.FormatUint(uint64(f), 10)
		}
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// parsePairs reads comma separated "k:v" pairs. Values may be Go-quoted.
func parsePairs(s string) (map[string]string, error) {
	values := make(map[string]string)
	rest := s
	for {
		rest = strings.TrimLeft(rest, " \t\r\n")
		if rest == "" {
			return values, nil
		}

		colon := strings.IndexByte(rest, ':')
		comma := strings.IndexByte(rest, ',')
		if colon < 0 || (comma >= 0 && comma < colon) {
			return nil, fmt.Errorf("%w: pair without ':' in %q", ErrMalformedPattern, s)
		}
		key := strings.TrimSpace(rest[:colon])
		if key == "" {
			return nil, fmt.Errorf("%w: empty key in %q", ErrMalformedPattern, s)
		}
		rest = strings.TrimLeft(rest[colon+1:], " \t\r\n")

		var val string
		if strings.HasPrefix(rest, `"`) {
			quoted, err := strconv.QuotedPrefix(rest)
			if err != nil {
				return nil, fmt.Errorf("%w: unterminated quote in %q", ErrMalformedPattern, s)
			}
			val, _ = strconv.Unquote(quoted)
			rest = strings.TrimLeft(rest[len(quoted):], " \t\r\n")
			if rest != "" && rest[0] != ',' {
				return nil, fmt.Errorf("%w: unexpected text after quoted value in %q", ErrMalformedPattern, s)
			}
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				end = len(rest)
			}
			val = strings.TrimSpace(rest[:end])
			if strings.ContainsAny(val, `{}"`) {
				return nil, fmt.Errorf("%w: unquoted value %q must not contain braces or quotes", ErrMalformedPattern, val)
			}
			rest = rest[end:]
		}

		if prev, ok := values[key]; ok && prev != val {
			return nil, fmt.Errorf("%w: conflicting values for key %q", ErrMalformedPattern, key)
		}
		values[key] = val

		if rest == "" {
			return values, nil
		}
		rest = rest[1:]
	}
}

func decodeJSONObject(s string) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return obj, true
}

func validKey(k string) bool {
	if k == "" || strings.TrimSpace(k) != k {
		return false
	}
	return !strings.ContainsAny(k, `,:{}"`)
}

func quoteValue(v string) string {
	if strings.ContainsAny(v, `,:{}"`) || strings.TrimSpace(v) != v {
		return strconv.Quote(v)
	}
	return v
}
