// Package descriptor holds the bean descriptor: the plain data object that
// front-ends (YAML files, Go code, the management API) populate and the
// lifecycle consumes. Descriptors are read-only once validated.
//
//	bean := &descriptor.Bean{
//	    Name:  "cache",
//	    Class: "acme.Cache",
//	    Properties: descriptor.Properties{
//	        {Name: "size", Value: descriptor.Lit("int", "100")},
//	    },
//	    Start: &descriptor.Lifecycle{Method: "Start"},
//	}
package descriptor

import (
	"github.com/km-arc/go-mc/framework/state"
	"github.com/km-arc/go-mc/framework/value"
)

// Bean describes one managed object.
type Bean struct {
	Name    string   `yaml:"name" json:"name" validate:"required"`
	Class   string   `yaml:"class,omitempty" json:"class,omitempty"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty" validate:"dive,required"`

	// Module selects the class loader. Empty means the deployment default.
	Module string `yaml:"module,omitempty" json:"module,omitempty"`

	Constructor *Constructor `yaml:"constructor,omitempty" json:"constructor,omitempty"`
	Properties  Properties   `yaml:"properties,omitempty" json:"properties,omitempty" validate:"dive"`

	Create  *Lifecycle `yaml:"create,omitempty" json:"create,omitempty"`
	Start   *Lifecycle `yaml:"start,omitempty" json:"start,omitempty"`
	Stop    *Lifecycle `yaml:"stop,omitempty" json:"stop,omitempty"`
	Destroy *Lifecycle `yaml:"destroy,omitempty" json:"destroy,omitempty"`

	Installs   []Install `yaml:"installs,omitempty" json:"installs,omitempty" validate:"dive"`
	Uninstalls []Install `yaml:"uninstalls,omitempty" json:"uninstalls,omitempty" validate:"dive"`

	Depends []Depends `yaml:"depends,omitempty" json:"depends,omitempty" validate:"dive"`
}

// Constructor selects how the instance is produced.
//
// Without FactoryMethod the class constructors are overload-resolved against
// Parameters. With FactoryMethod, exactly one of FactoryClass (static call)
// or Factory (call on the resolved value) must be set.
type Constructor struct {
	FactoryMethod string  `yaml:"factoryMethod,omitempty" json:"factoryMethod,omitempty"`
	FactoryClass  string  `yaml:"factoryClass,omitempty" json:"factoryClass,omitempty"`
	Factory       *Value  `yaml:"factory,omitempty" json:"factory,omitempty"`
	Parameters    []Value `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Property assigns Value to the named property after instantiation.
type Property struct {
	Name  string `yaml:"name" json:"name" validate:"required"`
	Value Value  `yaml:"value" json:"value"`
}

// Lifecycle is a callback: a method on the bean and its arguments.
type Lifecycle struct {
	Method     string  `yaml:"method" json:"method" validate:"required"`
	Parameters []Value `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Install is a method call fired when the bean enters When (installs) or
// leaves it (uninstalls). Bean, when set, targets another bean which must be
// in State; otherwise the call targets the bean itself.
type Install struct {
	Bean       string      `yaml:"bean,omitempty" json:"bean,omitempty"`
	State      state.State `yaml:"state,omitempty" json:"state,omitempty"`
	Method     string      `yaml:"method" json:"method" validate:"required"`
	Parameters []Value     `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	When       state.State `yaml:"when,omitempty" json:"when,omitempty"`
}

// Depends declares that the bean needs Bean to have reached State before it
// can enter When. When defaults to Described, so by default the bean is not
// even described until the dependency is satisfied.
type Depends struct {
	Bean  string      `yaml:"bean" json:"bean" validate:"required"`
	State state.State `yaml:"state,omitempty" json:"state,omitempty"`
	When  state.State `yaml:"when,omitempty" json:"when,omitempty"`
}

// Required returns the dependency state, defaulting to Installed.
func (d Depends) Required() state.State { return orInstalled(d.State) }

// Gates returns the phase the dependency holds back, defaulting to Described.
func (d Depends) Gates() state.State {
	if d.When == state.NotInstalled {
		return state.Described
	}
	return d.When
}

// Required returns the state the target bean must be in, defaulting to Installed.
func (i Install) Required() state.State { return orInstalled(i.State) }

// Phase returns the phase the call is tied to, defaulting to Installed.
func (i Install) Phase() state.State { return orInstalled(i.When) }

// orInstalled treats NotInstalled as "unset": no bean can usefully wait for
// another to be not installed.
func orInstalled(s state.State) state.State {
	if s == state.NotInstalled {
		return state.Installed
	}
	return s
}

// Names returns the bean name followed by its aliases.
func (b *Bean) Names() []string {
	return append([]string{b.Name}, b.Aliases...)
}

// Callback returns the lifecycle callback called name ("create", "start",
// "stop" or "destroy"), or nil.
func (b *Bean) Callback(name string) *Lifecycle {
	switch name {
	case "create":
		return b.Create
	case "start":
		return b.Start
	case "stop":
		return b.Stop
	case "destroy":
		return b.Destroy
	}
	return nil
}

// ── Value helpers ─────────────────────────────────────────────────────────────

// Lit returns a literal value. typ may be empty.
func Lit(typ, v string) Value { return Value{Expr: &value.Literal{Type: typ, Value: v}} }

// Inject returns a reference to bean at s.
func Inject(bean string, s state.State) Value {
	return Value{Expr: &value.Injected{Bean: bean, State: s}}
}

// List returns an ordered composite of vs.
func List(typ string, vs ...Value) Value {
	n := &value.Nested{Type: typ}
	for _, v := range vs {
		n.Values = append(n.Values, v.Expr)
	}
	return Value{Expr: n}
}

// Call returns the result of calling method on bean once it reaches s.
func Call(bean string, s state.State, method string, params ...Value) Value {
	f := &value.Factory{Bean: bean, State: s, Method: method}
	for _, p := range params {
		f.Parameters = append(f.Parameters, p.Expr)
	}
	return Value{Expr: f}
}

// Exprs unwraps vs.
func Exprs(vs []Value) []value.Expr {
	out := make([]value.Expr, len(vs))
	for i, v := range vs {
		out[i] = v.Get()
	}
	return out
}
