package value

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"
)

// Converter turns a literal string into a value of type t.
type Converter func(s string, t reflect.Type) (reflect.Value, error)

var (
	durationType        = reflect.TypeOf(time.Duration(0))
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
	reflectTypeType     = reflect.TypeOf((*reflect.Type)(nil)).Elem()
)

// builtinTypes maps declared literal type names to Go types.
var builtinTypes = map[string]reflect.Type{
	"string":        reflect.TypeOf(""),
	"bool":          reflect.TypeOf(false),
	"int":           reflect.TypeOf(int(0)),
	"int8":          reflect.TypeOf(int8(0)),
	"int16":         reflect.TypeOf(int16(0)),
	"int32":         reflect.TypeOf(int32(0)),
	"int64":         reflect.TypeOf(int64(0)),
	"uint":          reflect.TypeOf(uint(0)),
	"uint8":         reflect.TypeOf(uint8(0)),
	"uint16":        reflect.TypeOf(uint16(0)),
	"uint32":        reflect.TypeOf(uint32(0)),
	"uint64":        reflect.TypeOf(uint64(0)),
	"byte":          reflect.TypeOf(byte(0)),
	"rune":          reflect.TypeOf(rune(0)),
	"float32":       reflect.TypeOf(float32(0)),
	"float64":       reflect.TypeOf(float64(0)),
	"duration":      durationType,
	"time.Duration": durationType,
	"any":           reflect.TypeOf((*any)(nil)).Elem(),
	"class":         reflectTypeType,
}

// BuiltinType returns the Go type for a builtin literal type name.
func BuiltinType(name string) (reflect.Type, bool) {
	t, ok := builtinTypes[name]
	return t, ok
}

// Converters is a registry of string→type conversions. Exact type
// registrations win over encoding.TextUnmarshaler, which wins over the
// per-kind defaults.
//
// Converters is safe for concurrent use.
type Converters struct {
	mu     sync.RWMutex
	byType map[reflect.Type]Converter
	byKind map[reflect.Kind]Converter
}

// NewConverters returns an empty registry.
func NewConverters() *Converters {
	return &Converters{
		byType: make(map[reflect.Type]Converter),
		byKind: make(map[reflect.Kind]Converter),
	}
}

// DefaultConverters returns a registry covering numeric, boolean, string and
// duration targets.
func DefaultConverters() *Converters {
	c := NewConverters()
	c.RegisterType(durationType, convertDuration)
	for _, k := range []reflect.Kind{reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64} {
		c.RegisterKind(k, convertInt)
	}
	for _, k := range []reflect.Kind{reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr} {
		c.RegisterKind(k, convertUint)
	}
	c.RegisterKind(reflect.Float32, convertFloat)
	c.RegisterKind(reflect.Float64, convertFloat)
	c.RegisterKind(reflect.Bool, convertBool)
	c.RegisterKind(reflect.String, convertString)
	return c
}

// RegisterType registers fn for the exact type t.
func (c *Converters) RegisterType(t reflect.Type, fn Converter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byType[t] = fn
}

// RegisterKind registers fn for every type of kind k without an exact registration.
func (c *Converters) RegisterKind(k reflect.Kind, fn Converter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKind[k] = fn
}

// CanConvert reports whether a literal could be converted to t.
func (c *Converters) CanConvert(t reflect.Type) bool {
	if t.Kind() == reflect.Interface && t.NumMethod() == 0 {
		return true
	}
	return c.lookup(t) != nil
}

// Convert converts s to t. Failures are *ConversionError.
func (c *Converters) Convert(s string, t reflect.Type) (reflect.Value, error) {
	if t.Kind() == reflect.Interface && t.NumMethod() == 0 {
		return reflect.ValueOf(s), nil
	}
	fn := c.lookup(t)
	if fn == nil {
		return reflect.Value{}, &ConversionError{Value: s, Type: t, Err: fmt.Errorf("no converter registered")}
	}
	v, err := fn(s, t)
	if err != nil {
		return reflect.Value{}, &ConversionError{Value: s, Type: t, Err: err}
	}
	return v, nil
}

func (c *Converters) lookup(t reflect.Type) Converter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if fn, ok := c.byType[t]; ok {
		return fn
	}
	if reflect.PointerTo(t).Implements(textUnmarshalerType) {
		return convertText
	}
	if fn, ok := c.byKind[t.Kind()]; ok {
		return fn
	}
	return nil
}

// ── default converters ───────────────────────────────────────────────────────

func convertInt(s string, t reflect.Type) (reflect.Value, error) {
	n, err := strconv.ParseInt(s, 0, t.Bits())
	if err != nil {
		return reflect.Value{}, err
	}
	v := reflect.New(t).Elem()
	v.SetInt(n)
	return v, nil
}

func convertUint(s string, t reflect.Type) (reflect.Value, error) {
	n, err := strconv.ParseUint(s, 0, t.Bits())
	if err != nil {
		return reflect.Value{}, err
	}
	v := reflect.New(t).Elem()
	v.SetUint(n)
	return v, nil
}

func convertFloat(s string, t reflect.Type) (reflect.Value, error) {
	f, err := strconv.ParseFloat(s, t.Bits())
	if err != nil {
		return reflect.Value{}, err
	}
	v := reflect.New(t).Elem()
	v.SetFloat(f)
	return v, nil
}

func convertBool(s string, t reflect.Type) (reflect.Value, error) {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return reflect.Value{}, err
	}
	v := reflect.New(t).Elem()
	v.SetBool(b)
	return v, nil
}

func convertString(s string, t reflect.Type) (reflect.Value, error) {
	v := reflect.New(t).Elem()
	v.SetString(s)
	return v, nil
}

func convertDuration(s string, t reflect.Type) (reflect.Value, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(d).Convert(t), nil
}

// convertText handles enum-like types implementing encoding.TextUnmarshaler.
func convertText(s string, t reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(t)
	if err := ptr.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s)); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}
