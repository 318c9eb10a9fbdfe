package reflection

import (
	"reflect"
	"sort"
	"strings"
	"unicode"
)

// BeanInfo is the reflective metadata of one instance type: its methods,
// its properties, and, when derived from a Class, its constructors.
//
// A BeanInfo is immutable once built and safe to share.
type BeanInfo struct {
	class      *Class
	typ        reflect.Type
	ctors      []Member
	methods    map[string]Member
	properties map[string]Property
}

// Property is a named configurable attribute: a SetX method, an exported
// field, or both (the setter wins).
type Property struct {
	Name   string
	Type   reflect.Type
	Setter *Member
	Field  *Member
}

// Writer returns the member used to assign the property.
func (p Property) Writer() Member {
	if p.Setter != nil {
		return *p.Setter
	}
	return *p.Field
}

func newBeanInfo(c *Class, t reflect.Type) *BeanInfo {
	info := &BeanInfo{
		class:      c,
		typ:        t,
		methods:    make(map[string]Member),
		properties: make(map[string]Property),
	}
	if c != nil {
		info.ctors = c.Constructors()
	}

	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !m.IsExported() || m.Type.IsVariadic() {
			continue
		}
		info.methods[m.Name] = callable(m.Name, m.Func, true)
	}

	st := t
	if st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st.Kind() == reflect.Struct && t.Kind() == reflect.Pointer {
		for _, f := range reflect.VisibleFields(st) {
			if !f.IsExported() || f.Anonymous {
				continue
			}
			field := Member{Name: f.Name, FieldIndex: f.Index, FieldType: f.Type}
			key := propertyKey(f.Name)
			p := info.properties[key]
			p.Name, p.Type, p.Field = lowerFirst(f.Name), f.Type, &field
			info.properties[key] = p
		}
	}

	for name, m := range info.methods {
		if !strings.HasPrefix(name, "Set") || len(name) == 3 || len(m.Params) != 1 {
			continue
		}
		setter := m
		key := propertyKey(name[3:])
		p := info.properties[key]
		p.Name, p.Type, p.Setter = lowerFirst(name[3:]), m.Params[0], &setter
		info.properties[key] = p
	}
	return info
}

// Class returns the class the info was derived from; nil for runtime-only types.
func (b *BeanInfo) Class() *Class { return b.class }

// Type returns the instance type.
func (b *BeanInfo) Type() reflect.Type { return b.typ }

// Constructors returns the class constructors.
func (b *BeanInfo) Constructors() []Member { return append([]Member(nil), b.ctors...) }

// Method returns the exported method called name.
func (b *BeanInfo) Method(name string) (Member, bool) {
	m, ok := b.methods[name]
	return m, ok
}

// Methods returns the exported method names, sorted.
func (b *BeanInfo) Methods() []string {
	out := make([]string, 0, len(b.methods))
	for n := range b.methods {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Property looks up a property by name. Matching ignores the case of the
// first letter, so "size" finds the field Size and the setter SetSize.
func (b *BeanInfo) Property(name string) (Property, bool) {
	p, ok := b.properties[propertyKey(name)]
	return p, ok
}

// Properties returns every property, sorted by name.
func (b *BeanInfo) Properties() []Property {
	out := make([]Property, 0, len(b.properties))
	for _, p := range b.properties {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func propertyKey(name string) string {
	if name == "" {
		return ""
	}
	r := []rune(name)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

func lowerFirst(name string) string { return propertyKey(name) }
