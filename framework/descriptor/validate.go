package descriptor

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/km-arc/go-mc/framework/value"
)

var (
	// ErrMissingFactory: a factory method is named but neither, or both, of
	// factoryClass and factory are set.
	ErrMissingFactory = errors.New("descriptor: factoryMethod requires exactly one of factoryClass or factory")

	// ErrMissingFactoryMethod: a factory is named without a method to call on it.
	ErrMissingFactoryMethod = errors.New("descriptor: factoryClass or factory requires factoryMethod")

	// ErrDuplicateName: a name or alias is used twice in one deployment.
	ErrDuplicateName = errors.New("descriptor: duplicate bean name")

	// ErrMissingClass: no class and no factory method to produce the instance.
	ErrMissingClass = errors.New("descriptor: class is required without a factory method")

	// ErrInvalidField: a struct tag rule failed.
	ErrInvalidField = errors.New("descriptor: invalid field")
)

// FieldError is one validation failure, located by bean and field path.
type FieldError struct {
	Bean  string
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("bean %q: %v", e.Bean, e.Err)
	}
	return fmt.Sprintf("bean %q: %s: %v", e.Bean, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ValidationErrors collects every failure of one validation run.
type ValidationErrors []*FieldError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "descriptor: " + strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is and errors.As see each failure.
func (v ValidationErrors) Unwrap() []error {
	out := make([]error, len(v))
	for i, e := range v {
		out[i] = e
	}
	return out
}

// Bag groups messages by "bean.field", the shape rendered as
// {"errors": {"cache.properties[0].name": ["..."]}}.
func (v ValidationErrors) Bag() map[string][]string {
	bag := make(map[string][]string)
	for _, e := range v {
		key := e.Bean
		if e.Field != "" {
			key += "." + e.Field
		}
		bag[key] = append(bag[key], e.Err.Error())
	}
	return bag
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks one deployment's beans: struct tag rules, factory
// consistency, and name/alias uniqueness across all beans.
// It returns ValidationErrors, or nil.
func Validate(beans []*Bean) error {
	var errs ValidationErrors
	seen := make(map[string]string) // name or alias → owning bean

	for i, b := range beans {
		if b == nil {
			errs = append(errs, &FieldError{Bean: fmt.Sprintf("#%d", i), Err: errors.New("nil descriptor")})
			continue
		}
		errs = append(errs, b.validate()...)

		for _, n := range b.Names() {
			if n == "" {
				continue
			}
			if owner, dup := seen[n]; dup {
				errs = append(errs, &FieldError{
					Bean: b.Name,
					Err:  fmt.Errorf("%w: %q already used by %q", ErrDuplicateName, n, owner),
				})
				continue
			}
			seen[n] = b.Name
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Validate checks a single bean in isolation.
func (b *Bean) Validate() error {
	if errs := b.validate(); len(errs) > 0 {
		return errs
	}
	return nil
}

func (b *Bean) validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, err error) {
		errs = append(errs, &FieldError{Bean: b.Name, Field: field, Err: err})
	}

	if err := structValidator().Struct(b); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			add("", err)
		}
		for _, fe := range ves {
			add(trimNamespace(fe.Namespace()), fmt.Errorf("%w: failed %q rule", ErrInvalidField, fe.Tag()))
		}
	}

	if c := b.Constructor; c != nil {
		hasClass, hasValue := c.FactoryClass != "", c.Factory != nil && !c.Factory.IsZero()
		switch {
		case c.FactoryMethod != "" && hasClass == hasValue:
			add("constructor", ErrMissingFactory)
		case c.FactoryMethod == "" && (hasClass || hasValue):
			add("constructor", ErrMissingFactoryMethod)
		}
	}
	if b.Class == "" && (b.Constructor == nil || b.Constructor.FactoryMethod == "") {
		add("class", ErrMissingClass)
	}

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

// values returns every value slot of the bean keyed by field path.
func (b *Bean) values() map[string]Value {
	out := make(map[string]Value)
	list := func(prefix string, vs []Value) {
		for i, v := range vs {
			out[fmt.Sprintf("%s[%d]", prefix, i)] = v
		}
	}
	if c := b.Constructor; c != nil {
		list("constructor.parameters", c.Parameters)
		if c.Factory != nil {
			out["constructor.factory"] = *c.Factory
		}
	}
	for i, p := range b.Properties {
		out[fmt.Sprintf("properties[%d].value", i)] = p.Value
	}
	for _, name := range []string{"create", "start", "stop", "destroy"} {
		if cb := b.Callback(name); cb != nil {
			list(name+".parameters", cb.Parameters)
		}
	}
	for i, in := range b.Installs {
		list(fmt.Sprintf("installs[%d].parameters", i), in.Parameters)
	}
	for i, in := range b.Uninstalls {
		list(fmt.Sprintf("uninstalls[%d].parameters", i), in.Parameters)
	}
	return out
}

// References returns the names of every bean b refers to: depends, injected
// and factory values, and install targets.
func (b *Bean) References() []string {
	set := make(map[string]struct{})
	for _, d := range b.Depends {
		set[d.Bean] = struct{}{}
	}
	for _, v := range b.values() {
		value.Walk(v.Get(), func(e value.Expr) {
			switch x := e.(type) {
			case *value.Injected:
				set[x.Bean] = struct{}{}
			case *value.Factory:
				set[x.Bean] = struct{}{}
			}
		})
	}
	for _, in := range append(append([]Install(nil), b.Installs...), b.Uninstalls...) {
		if in.Bean != "" {
			set[in.Bean] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// trimNamespace turns "Bean.properties[0].name" into "properties[0].name".
func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
