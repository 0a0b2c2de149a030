// Package reflector derives stable names for Go types. Events and commands
// without an explicit type tag are registered under these names.
package reflector

import (
	"reflect"
	"sync"
)

var cache sync.Map // reflect.Type -> TypeInfo

// TypeInfo describes a named type. Pointer types resolve to their element,
// so *T and T share one TypeInfo.
type TypeInfo struct {
	Name string
	Type reflect.Type
}

// IsZero reports whether the info describes no type at all.
func (ti TypeInfo) IsZero() bool { return ti.Type == nil }

// New returns a pointer to a fresh zero value of the type.
func (ti TypeInfo) New() any { return reflect.New(ti.Type).Interface() }

func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeOf((*T)(nil)).Elem())
}

func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}
	if ti, ok := cache.Load(t); ok {
		return ti.(TypeInfo)
	}

	elem := t
	for elem.Kind() == reflect.Pointer {
		elem = elem.Elem()
	}
	ti := TypeInfo{
		Name: elem.PkgPath() + "." + elem.Name(),
		Type: elem,
	}
	cache.Store(t, ti)
	return ti
}
