package common

import (
	"fmt"
	"reflect"

	"github.com/dop251/goja"
)

// implSymbol is the symbol under which the JS facade of a Go-backed
// object keeps a reference to its Go implementation.
//
//nolint:gochecknoglobals
var implSymbol = goja.NewSymbol("k6web.impl")

// AttachImpl links the given JS object to its Go implementation, so that it
// can later be retrieved with [ImplOf].
func AttachImpl(rt *goja.Runtime, obj *goja.Object, impl any) error {
	return obj.DefineDataPropertySymbol(implSymbol, rt.ToValue(impl), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
}

// ImplOf returns the Go implementation attached to the given value, if it
// has one of the requested type.
func ImplOf[T any](v goja.Value) (T, bool) {
	var zero T

	obj, ok := v.(*goja.Object)
	if !ok || obj == nil {
		return zero, false
	}

	slot := obj.GetSymbol(implSymbol)
	if IsNullish(slot) {
		return zero, false
	}

	impl, ok := slot.Export().(T)
	return impl, ok
}

// DefineReadOnly sets a read-only, non-enumerable data property on the given object.
func DefineReadOnly(obj *goja.Object, name string, value goja.Value) error {
	err := obj.DefineDataProperty(name, value, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	if err != nil {
		return fmt.Errorf("unable to define %s read-only property; reason: %w", name, err)
	}

	return nil
}

// FuncValue wraps fn for scripts like rt.ToValue does, except that arguments
// left out by the caller reach fn as undefined instead of nil.
func FuncValue(rt *goja.Runtime, fn any) goja.Value {
	wrapped := rt.ToValue(fn)
	call, ok := goja.AssertFunction(wrapped)
	if !ok {
		return wrapped
	}

	typ := reflect.TypeOf(fn)
	if typ.Kind() != reflect.Func || isNativeCall(typ) {
		return wrapped
	}
	n := typ.NumIn()
	if typ.IsVariadic() {
		n--
	}
	if n == 0 {
		return wrapped
	}

	return rt.ToValue(func(fc goja.FunctionCall) goja.Value {
		args := fc.Arguments
		if len(args) < n {
			args = append(append([]goja.Value{}, args...), make([]goja.Value, n-len(args))...)
			for i := len(fc.Arguments); i < n; i++ {
				args[i] = goja.Undefined()
			}
		}

		v, err := call(fc.This, args...)
		if err != nil {
			panic(err)
		}
		return v
	})
}

func isNativeCall(typ reflect.Type) bool {
	if typ.NumIn() != 1 {
		return false
	}
	in := typ.In(0)
	return in == reflect.TypeOf(goja.FunctionCall{}) || in == reflect.TypeOf(goja.ConstructorCall{})
}

// DefineGetter defines an enumerable accessor property without a setter.
func DefineGetter(rt *goja.Runtime, obj *goja.Object, name string, getter any) error {
	err := obj.DefineAccessorProperty(name, rt.ToValue(getter), nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
	if err != nil {
		return fmt.Errorf("unable to define %s getter; reason: %w", name, err)
	}

	return nil
}

// Must panics with a JS error if err is not nil. It is meant to be used
// while building JS facades, where a failure is a programming error.
func Must(rt *goja.Runtime, err error) {
	if err != nil {
		Throw(rt, err)
	}
}

// NewUint8Array instantiates a new Uint8Array viewing a copy-free ArrayBuffer over b.
func NewUint8Array(rt *goja.Runtime, b []byte) (*goja.Object, error) {
	return rt.New(rt.Get("Uint8Array"), rt.ToValue(rt.NewArrayBuffer(b)))
}

// BufferSourceBytes returns a copy of the bytes held by an ArrayBuffer, a
// typed array or a DataView.
func BufferSourceBytes(rt *goja.Runtime, v goja.Value) ([]byte, bool) {
	if IsNullish(v) {
		return nil, false
	}

	if ab, ok := v.Export().(goja.ArrayBuffer); ok {
		return append([]byte{}, ab.Bytes()...), true
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}

	isView, ok := goja.AssertFunction(rt.Get("ArrayBuffer").ToObject(rt).Get("isView"))
	if !ok {
		return nil, false
	}
	res, err := isView(goja.Undefined(), obj)
	if err != nil || !res.ToBoolean() {
		return nil, false
	}

	ab, ok := obj.Get("buffer").Export().(goja.ArrayBuffer)
	if !ok {
		return nil, false
	}

	offset := obj.Get("byteOffset").ToInteger()
	length := obj.Get("byteLength").ToInteger()
	data := ab.Bytes()
	if offset+length > int64(len(data)) {
		return nil, false
	}

	return append([]byte{}, data[offset:offset+length]...), true
}

// IsUint8Array returns true if the given value is a Uint8Array instance.
func IsUint8Array(rt *goja.Runtime, v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}

	return obj.Get("constructor").SameAs(rt.Get("Uint8Array"))
}
