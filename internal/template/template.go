// Package template substitutes {NAME} placeholders in user-configured
// notification templates.
package template

import "strings"

// FieldMap is an ordered mapping of uppercased field names to string values.
// The zero value is ready to use.
type FieldMap struct {
	keys   []string
	values map[string]string
}

// NewFieldMap builds a FieldMap from pairs in the given order.
func NewFieldMap(pairs ...string) FieldMap {
	var f FieldMap
	for i := 0; i+1 < len(pairs); i += 2 {
		f.Add(pairs[i], pairs[i+1])
	}
	return f
}

// Add stores value under the uppercased name. The first value stored for a
// name wins; later ones with the same name are ignored.
func (f *FieldMap) Add(name, value string) {
	key := strings.ToUpper(name)
	if f.values == nil {
		f.values = make(map[string]string)
	}
	if _, ok := f.values[key]; ok {
		return
	}
	f.keys = append(f.keys, key)
	f.values[key] = value
}

// Get looks a name up case-insensitively.
func (f FieldMap) Get(name string) (string, bool) {
	v, ok := f.values[strings.ToUpper(name)]
	return v, ok
}

// Keys returns the field names in insertion order.
func (f FieldMap) Keys() []string {
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func (f FieldMap) Len() int { return len(f.keys) }

// Render replaces every {KEY} in tmpl whose KEY matches a field, ignoring
// case. Unknown placeholders are kept verbatim and substituted values are
// not scanned again.
func Render(tmpl string, fields FieldMap) string {
	if tmpl == "" || fields.Len() == 0 {
		return tmpl
	}

	var b strings.Builder
	b.Grow(len(tmpl))

	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		rest = rest[open:]

		end := strings.IndexByte(rest[1:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		name := rest[1 : end+1]
		// "{{A}" keeps the first brace literal and retries at the inner one.
		if strings.IndexByte(name, '{') >= 0 {
			b.WriteByte('{')
			rest = rest[1:]
			continue
		}
		if v, ok := fields.Get(name); ok {
			b.WriteString(v)
		} else {
			b.WriteString(rest[:end+2])
		}
		rest = rest[end+2:]
	}
	return b.String()
}
