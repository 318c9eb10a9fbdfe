package joinpoint

import (
	"context"
	"fmt"
	"reflect"

	"github.com/km-arc/go-mc/framework/reflection"
	"github.com/km-arc/go-mc/framework/value"
)

// Dispatcher implements value.Invoker: it binds and invokes a method on a
// runtime target, deriving the target's BeanInfo through the index.
type Dispatcher struct {
	Index *reflection.Index
}

// InvokeMethod binds method on target and invokes it once.
func (d Dispatcher) InvokeMethod(ctx context.Context, target any, method string, params []value.Expr, r *value.Resolver) (any, error) {
	if target == nil {
		return nil, fmt.Errorf("joinpoint: calling %s on nil target", method)
	}
	idx := d.Index
	if idx == nil {
		idx = reflection.NewIndex()
	}
	info := idx.TypeInfo(reflect.TypeOf(target))
	jp, err := BindMethod(info, target, method, params, r)
	if err != nil {
		return nil, err
	}
	return jp.Invoke(ctx, r)
}

var _ value.Invoker = Dispatcher{}
