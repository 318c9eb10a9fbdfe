package reflection

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Index caches BeanInfo per instance type for one deployment. Entries are
// built lazily; when two goroutines race to build the same entry the first
// store wins and the loser's copy is discarded.
type Index struct {
	infos  sync.Map // reflect.Type → *BeanInfo
	builds atomic.Int64
}

// NewIndex returns an empty index.
func NewIndex() *Index { return &Index{} }

// BeanInfo returns the metadata for instances of c.
func (i *Index) BeanInfo(c *Class) *BeanInfo {
	t := c.InstanceType()
	if v, ok := i.infos.Load(t); ok {
		if info := v.(*BeanInfo); info.class == c {
			return info
		}
	}
	i.builds.Add(1)
	info := newBeanInfo(c, t)
	actual, loaded := i.infos.LoadOrStore(t, info)
	if loaded && actual.(*BeanInfo).class == c {
		return actual.(*BeanInfo)
	}
	// Either ours was stored, or the type is cached under another class.
	return info
}

// TypeInfo returns metadata for an arbitrary runtime type, e.g. the target
// of a factory value whose class is not known.
func (i *Index) TypeInfo(t reflect.Type) *BeanInfo {
	if v, ok := i.infos.Load(t); ok {
		return v.(*BeanInfo)
	}
	i.builds.Add(1)
	actual, _ := i.infos.LoadOrStore(t, newBeanInfo(nil, t))
	return actual.(*BeanInfo)
}

// Builds reports how many BeanInfo values were constructed, including
// discarded duplicates from lost races.
func (i *Index) Builds() int64 { return i.builds.Load() }
