// Package abort provides the AbortController and AbortSignal web APIs, along
// with the DOMException class their default reasons are built from.
//
// Other modules (streams, fetch) observe a signal through [Signal.AddAlgorithm],
// which is why a single [ModuleInstance] is shared per VU: it has to be the
// same one the script objects were created with.
package abort

import (
	"context"
	"sync"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/k6web/js/common"
	"github.com/liuxd6825/k6web/js/modules"
)

type (
	// RootModule is the global module instance that will create instances of our
	// module for each VU.
	RootModule struct {
		instances sync.Map // modules.VU -> *ModuleInstance
	}

	// ModuleInstance represents an instance of the abort module for a single VU.
	ModuleInstance struct {
		vu modules.VU

		controllerCtor   *goja.Object
		signalCtor       *goja.Object
		domExceptionCtor *goja.Object
	}
)

var (
	_ modules.Module   = &RootModule{}
	_ modules.Instance = &ModuleInstance{}
)

// New returns a pointer to a new [RootModule] instance.
func New() *RootModule {
	return &RootModule{}
}

// NewModuleInstance implements the modules.Module interface and returns the
// instance of our module for the given VU, creating it on first use.
func (rm *RootModule) NewModuleInstance(vu modules.VU) modules.Instance {
	return rm.Instance(vu)
}

// Instance is the typed variant of NewModuleInstance, meant for modules
// building on top of this one.
func (rm *RootModule) Instance(vu modules.VU) *ModuleInstance {
	if mi, ok := rm.instances.Load(vu); ok {
		return mi.(*ModuleInstance) //nolint:forcetypeassert
	}

	actual, loaded := rm.instances.LoadOrStore(vu, newModuleInstance(vu))
	if !loaded {
		context.AfterFunc(vu.Context(), func() { rm.instances.Delete(vu) })
	}
	return actual.(*ModuleInstance) //nolint:forcetypeassert
}

func newModuleInstance(vu modules.VU) *ModuleInstance {
	rt := vu.Runtime()
	mi := &ModuleInstance{vu: vu}

	mi.domExceptionCtor = newDOMExceptionClass(rt)
	mi.controllerCtor = rt.ToValue(mi.newAbortController).ToObject(rt)
	mi.signalCtor = rt.ToValue(func(goja.ConstructorCall) *goja.Object {
		panic(rt.NewTypeError("Illegal constructor"))
	}).ToObject(rt)

	common.Must(rt, mi.signalCtor.Set("abort", mi.abortStatic))
	common.Must(rt, mi.signalCtor.Set("timeout", mi.timeoutStatic))
	common.Must(rt, mi.signalCtor.Set("any", mi.anyStatic))

	return mi
}

// Exports implements the modules.Instance interface and returns the exports
// of our module.
func (mi *ModuleInstance) Exports() modules.Exports {
	return modules.Exports{
		Named: map[string]any{
			"AbortController": mi.controllerCtor,
			"AbortSignal":     mi.signalCtor,
			"DOMException":    mi.domExceptionCtor,
		},
	}
}

func (mi *ModuleInstance) logger() logrus.FieldLogger {
	if state := mi.vu.State(); state != nil && state.Logger != nil {
		return state.Logger
	}
	return logrus.StandardLogger()
}
