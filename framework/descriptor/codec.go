package descriptor

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/km-arc/go-mc/framework/state"
	"github.com/km-arc/go-mc/framework/value"
)

// Value wraps a value.Expr so it can travel through YAML and JSON.
//
// Accepted YAML forms:
//
//	size: 100                          # untyped literal
//	size: {type: int, value: "100"}    # typed literal
//	db: {inject: datasource}           # bean at INSTALLED
//	db: {inject: {bean: datasource, state: CREATE}}
//	hosts: [a, b]                      # untyped list
//	hosts: {type: string, list: [a, b]}
//	conn: {factory: {bean: pool, method: Get, parameters: [1]}}
//	peer: null
type Value struct {
	Expr value.Expr
}

// IsZero reports whether no expression is set.
func (v Value) IsZero() bool { return v.Expr == nil }

// Get returns the expression. An unset value, including an explicit YAML
// null, is Null.
func (v Value) Get() value.Expr {
	if v.Expr == nil {
		return &value.Null{}
	}
	return v.Expr
}

func (v Value) String() string {
	if v.Expr == nil {
		return "<unset>"
	}
	return v.Expr.String()
}

type injectDoc struct {
	Bean  string      `yaml:"bean" json:"bean"`
	State state.State `yaml:"state,omitempty" json:"state,omitempty"`
}

type factoryDoc struct {
	Bean       string      `yaml:"bean" json:"bean"`
	State      state.State `yaml:"state,omitempty" json:"state,omitempty"`
	Method     string      `yaml:"method" json:"method"`
	Parameters []Value     `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

type valueDoc struct {
	Type    string      `yaml:"type,omitempty" json:"type,omitempty"`
	Value   *string     `yaml:"value,omitempty" json:"value,omitempty"`
	Inject  yaml.Node   `yaml:"inject,omitempty" json:"-"`
	List    []Value     `yaml:"list,omitempty" json:"list,omitempty"`
	Factory *factoryDoc `yaml:"factory,omitempty" json:"factory,omitempty"`

	// encode side only
	InjectOut *injectDoc `yaml:"-" json:"inject,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.AliasNode:
		return v.UnmarshalYAML(n.Alias)
	case yaml.ScalarNode:
		if n.ShortTag() == "!!null" {
			v.Expr = &value.Null{}
			return nil
		}
		v.Expr = &value.Literal{Value: n.Value}
		return nil
	case yaml.SequenceNode:
		var items []Value
		if err := n.Decode(&items); err != nil {
			return err
		}
		v.Expr = nested("", items)
		return nil
	case yaml.MappingNode:
		return v.decodeMapping(n)
	}
	return fmt.Errorf("descriptor: line %d: unsupported value node", n.Line)
}

func (v *Value) decodeMapping(n *yaml.Node) error {
	var doc valueDoc
	if err := n.Decode(&doc); err != nil {
		return err
	}
	set := 0
	for _, present := range []bool{doc.Value != nil, doc.Inject.Kind != 0, doc.List != nil, doc.Factory != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("descriptor: line %d: value needs exactly one of value, inject, list, factory", n.Line)
	}

	switch {
	case doc.Value != nil:
		v.Expr = &value.Literal{Type: doc.Type, Value: *doc.Value}
	case doc.Inject.Kind != 0:
		ref := injectDoc{State: state.Installed}
		if doc.Inject.Kind == yaml.ScalarNode {
			ref.Bean = doc.Inject.Value
		} else if err := doc.Inject.Decode(&ref); err != nil {
			return err
		}
		if ref.Bean == "" {
			return fmt.Errorf("descriptor: line %d: inject without bean", n.Line)
		}
		v.Expr = &value.Injected{Bean: ref.Bean, State: orInstalled(ref.State)}
	case doc.List != nil:
		v.Expr = nested(doc.Type, doc.List)
	case doc.Factory != nil:
		f := doc.Factory
		if f.Bean == "" || f.Method == "" {
			return fmt.Errorf("descriptor: line %d: factory needs bean and method", n.Line)
		}
		v.Expr = &value.Factory{
			Bean:       f.Bean,
			State:      orInstalled(f.State),
			Method:     f.Method,
			Parameters: Exprs(f.Parameters),
		}
	}
	return nil
}

func nested(typ string, items []Value) *value.Nested {
	return &value.Nested{Type: typ, Values: Exprs(items)}
}

// MarshalYAML implements yaml.Marshaler. Literals always use the mapping
// form so the value text survives as a string.
func (v Value) MarshalYAML() (any, error) {
	switch e := v.Expr.(type) {
	case nil, *value.Null:
		return nil, nil
	case *value.Injected:
		return map[string]any{"inject": injectDoc{Bean: e.Bean, State: e.State}}, nil
	}
	return v.doc()
}

// MarshalJSON implements json.Marshaler with the same shape as the YAML form.
func (v Value) MarshalJSON() ([]byte, error) {
	if _, ok := v.Expr.(*value.Null); ok || v.Expr == nil {
		return []byte("null"), nil
	}
	d, err := v.doc()
	if err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

func (v Value) doc() (*valueDoc, error) {
	switch e := v.Expr.(type) {
	case *value.Literal:
		s := e.Value
		return &valueDoc{Type: e.Type, Value: &s}, nil
	case *value.Injected:
		return &valueDoc{InjectOut: &injectDoc{Bean: e.Bean, State: e.State}}, nil
	case *value.Nested:
		d := &valueDoc{Type: e.Type, List: make([]Value, len(e.Values))}
		for i, c := range e.Values {
			d.List[i] = Value{Expr: c}
		}
		return d, nil
	case *value.Factory:
		f := &factoryDoc{Bean: e.Bean, State: e.State, Method: e.Method}
		for _, p := range e.Parameters {
			f.Parameters = append(f.Parameters, Value{Expr: p})
		}
		return &valueDoc{Factory: f}, nil
	}
	return nil, fmt.Errorf("descriptor: cannot encode %T", v.Expr)
}

// ── Properties ────────────────────────────────────────────────────────────────

// Properties is an ordered property list. In YAML it may be written as a
// mapping (declaration order is kept) or as a list of {name, value}.
type Properties []Property

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Properties) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.SequenceNode:
		var list []Property
		if err := n.Decode(&list); err != nil {
			return err
		}
		*p = list
		return nil
	case yaml.MappingNode:
		out := make(Properties, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			var v Value
			if err := n.Content[i+1].Decode(&v); err != nil {
				return err
			}
			out = append(out, Property{Name: n.Content[i].Value, Value: v})
		}
		*p = out
		return nil
	}
	return fmt.Errorf("descriptor: line %d: properties must be a mapping or a list", n.Line)
}

// Get returns the property called name.
func (p Properties) Get(name string) (Property, bool) {
	for _, prop := range p {
		if prop.Name == name {
			return prop, true
		}
	}
	return Property{}, false
}
