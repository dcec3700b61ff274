// Package streams provides the WHATWG Streams API: readable, writable and
// transform streams along with their controllers, readers, writers and
// queuing strategies.
//
// Streams created by other modules (fetch bodies for instance) share the
// classes of the scripts' streams, so a single [ModuleInstance] is kept per VU.
package streams

import (
	"context"
	"sync"

	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
	"github.com/liuxd6825/k6web/js/modules"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/abort"
)

type (
	// RootModule is the module that will be registered with the runtime.
	RootModule struct {
		abort     *abort.RootModule
		instances sync.Map // modules.VU -> *ModuleInstance
	}

	// ModuleInstance is the module instance that will be created for each VU.
	ModuleInstance struct {
		vu    modules.VU
		abort *abort.ModuleInstance

		thenHelper goja.Callable

		readableStreamCtor     *goja.Object
		readerCtor             *goja.Object
		readableControllerCtor *goja.Object
		writableStreamCtor     *goja.Object
		writerCtor             *goja.Object
		writableControllerCtor *goja.Object
		transformStreamCtor    *goja.Object
		transformCtrlCtor      *goja.Object
		countStrategyCtor      *goja.Object
		byteLengthStrategyCtor *goja.Object

		countSizeFn      goja.Value
		byteLengthSizeFn goja.Value
	}
)

// Ensure the interfaces are implemented correctly
var (
	_ modules.Instance = &ModuleInstance{}
	_ modules.Module   = &RootModule{}
)

// New creates a new RootModule instance. Abort signals used by pipeTo and
// by writable stream controllers come from the given abort module.
func New(abortModule *abort.RootModule) *RootModule {
	return &RootModule{abort: abortModule}
}

// NewModuleInstance creates a new instance of the module for a specific VU.
func (rm *RootModule) NewModuleInstance(vu modules.VU) modules.Instance {
	return rm.Instance(vu)
}

// Instance is the typed variant of NewModuleInstance, meant for modules
// building on top of this one.
func (rm *RootModule) Instance(vu modules.VU) *ModuleInstance {
	if mi, ok := rm.instances.Load(vu); ok {
		return mi.(*ModuleInstance) //nolint:forcetypeassert
	}

	actual, loaded := rm.instances.LoadOrStore(vu, rm.newModuleInstance(vu))
	if !loaded {
		context.AfterFunc(vu.Context(), func() { rm.instances.Delete(vu) })
	}
	return actual.(*ModuleInstance) //nolint:forcetypeassert
}

func (rm *RootModule) newModuleInstance(vu modules.VU) *ModuleInstance {
	rt := vu.Runtime()
	mi := &ModuleInstance{
		vu:         vu,
		abort:      rm.abort.Instance(vu),
		thenHelper: newThenHelper(rt),
	}

	constructor := func(f func(goja.ConstructorCall) *goja.Object) *goja.Object {
		return rt.ToValue(f).ToObject(rt)
	}
	illegal := func(goja.ConstructorCall) *goja.Object {
		throw(rt, newTypeError(rt, "Illegal constructor"))
		return nil
	}

	mi.readableStreamCtor = constructor(mi.newReadableStreamObject)
	mi.readerCtor = constructor(mi.newReadableStreamDefaultReaderObject)
	mi.readableControllerCtor = constructor(illegal)
	mi.writableStreamCtor = constructor(mi.newWritableStreamObject)
	mi.writerCtor = constructor(mi.newWritableStreamDefaultWriterObject)
	mi.writableControllerCtor = constructor(illegal)
	mi.transformStreamCtor = constructor(mi.newTransformStreamObject)
	mi.transformCtrlCtor = constructor(illegal)
	mi.countStrategyCtor = constructor(mi.newCountQueuingStrategy)
	mi.byteLengthStrategyCtor = constructor(mi.newByteLengthQueuingStrategy)

	mi.countSizeFn, mi.byteLengthSizeFn = newSizeFunctions(rt)

	return mi
}

// Exports returns the module exports, that will be available in the runtime.
func (mi *ModuleInstance) Exports() modules.Exports {
	return modules.Exports{Named: map[string]any{
		"ReadableStream":                   mi.readableStreamCtor,
		"ReadableStreamDefaultReader":      mi.readerCtor,
		"ReadableStreamDefaultController":  mi.readableControllerCtor,
		"WritableStream":                   mi.writableStreamCtor,
		"WritableStreamDefaultWriter":      mi.writerCtor,
		"WritableStreamDefaultController":  mi.writableControllerCtor,
		"TransformStream":                  mi.transformStreamCtor,
		"TransformStreamDefaultController": mi.transformCtrlCtor,
		"CountQueuingStrategy":             mi.countStrategyCtor,
		"ByteLengthQueuingStrategy":        mi.byteLengthStrategyCtor,
	}}
}

// Abort returns the abort module instance the streams of this VU use.
func (mi *ModuleInstance) Abort() *abort.ModuleInstance {
	return mi.abort
}

// newObject creates an object inheriting from the prototype of ctor, the way
// `new ctor()` would, without running the constructor.
func (mi *ModuleInstance) newObject(ctor *goja.Object) *goja.Object {
	rt := mi.vu.Runtime()
	return rt.CreateObject(ctor.Get("prototype").ToObject(rt))
}

func (mi *ModuleInstance) typeError(message string) goja.Value {
	return newTypeError(mi.vu.Runtime(), message).Err()
}

func (mi *ModuleInstance) define(obj *goja.Object, name string, fn any) {
	rt := mi.vu.Runtime()
	common.Must(rt, common.DefineReadOnly(obj, name, common.FuncValue(rt, fn)))
}

func (mi *ModuleInstance) getter(obj *goja.Object, name string, fn any) {
	rt := mi.vu.Runtime()
	common.Must(rt, common.DefineGetter(rt, obj, name, fn))
}
