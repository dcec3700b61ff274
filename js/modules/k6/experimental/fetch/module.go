// Package fetch provides the Fetch API: the fetch() function along with the
// Headers, Request, Response, Blob, File, FormData and URLSearchParams
// classes.
//
// Bodies are streams of the streams module and abort signals come from the
// abort module, both shared per VU with the scripts.
package fetch

import (
	"context"
	"sync"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/k6web/js/common"
	"github.com/liuxd6825/k6web/js/modules"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/abort"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/streams"
)

type (
	// RootModule is the module that will be registered with the runtime.
	RootModule struct {
		streams   *streams.RootModule
		abort     *abort.RootModule
		instances sync.Map // modules.VU -> *ModuleInstance
	}

	// ModuleInstance is the module instance that will be created for each VU.
	ModuleInstance struct {
		vu      modules.VU
		streams *streams.ModuleInstance
		abort   *abort.ModuleInstance

		headersCtor         *goja.Object
		requestCtor         *goja.Object
		responseCtor        *goja.Object
		blobCtor            *goja.Object
		fileCtor            *goja.Object
		formDataCtor        *goja.Object
		urlSearchParamsCtor *goja.Object

		jsonParse     goja.Callable
		jsonStringify goja.Callable
	}
)

var (
	_ modules.Instance = &ModuleInstance{}
	_ modules.Module   = &RootModule{}
)

// New creates a new RootModule building on the given streams and abort modules.
func New(streamsModule *streams.RootModule, abortModule *abort.RootModule) *RootModule {
	return &RootModule{streams: streamsModule, abort: abortModule}
}

// NewModuleInstance implements the modules.Module interface.
func (rm *RootModule) NewModuleInstance(vu modules.VU) modules.Instance {
	return rm.Instance(vu)
}

// Instance returns the module instance of vu, creating it on first use.
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
		vu:      vu,
		streams: rm.streams.Instance(vu),
		abort:   rm.abort.Instance(vu),
	}

	constructor := func(f func(goja.ConstructorCall) *goja.Object) *goja.Object {
		return rt.ToValue(f).ToObject(rt)
	}
	mi.headersCtor = constructor(mi.newHeadersObject)
	mi.requestCtor = constructor(mi.newRequestObject)
	mi.responseCtor = constructor(mi.newResponseObject)
	mi.blobCtor = constructor(mi.newBlobObject)
	mi.fileCtor = constructor(mi.newFileObject)
	mi.formDataCtor = constructor(mi.newFormDataObject)
	mi.urlSearchParamsCtor = constructor(mi.newURLSearchParamsObject)

	common.Must(rt, mi.responseCtor.Set("error", mi.responseErrorStatic))
	common.Must(rt, mi.responseCtor.Set("redirect", mi.responseRedirectStatic))
	common.Must(rt, mi.responseCtor.Set("json", mi.responseJSONStatic))

	json := rt.Get("JSON").ToObject(rt)
	var ok bool
	if mi.jsonParse, ok = goja.AssertFunction(json.Get("parse")); !ok {
		panic("JSON.parse is not a function")
	}
	if mi.jsonStringify, ok = goja.AssertFunction(json.Get("stringify")); !ok {
		panic("JSON.stringify is not a function")
	}

	return mi
}

// Exports returns the module exports, that will be available in the runtime.
func (mi *ModuleInstance) Exports() modules.Exports {
	return modules.Exports{Named: map[string]any{
		"fetch":           mi.fetch,
		"Headers":         mi.headersCtor,
		"Request":         mi.requestCtor,
		"Response":        mi.responseCtor,
		"Blob":            mi.blobCtor,
		"File":            mi.fileCtor,
		"FormData":        mi.formDataCtor,
		"URLSearchParams": mi.urlSearchParamsCtor,
	}}
}

func (mi *ModuleInstance) logger() logrus.FieldLogger {
	if state := mi.vu.State(); state != nil && state.Logger != nil {
		return state.Logger
	}
	return logrus.StandardLogger()
}

// newObject creates an object inheriting from the prototype of ctor without
// running the constructor.
func (mi *ModuleInstance) newObject(ctor *goja.Object) *goja.Object {
	rt := mi.vu.Runtime()
	return rt.CreateObject(ctor.Get("prototype").ToObject(rt))
}

func (mi *ModuleInstance) define(obj *goja.Object, name string, fn any) {
	rt := mi.vu.Runtime()
	common.Must(rt, common.DefineReadOnly(obj, name, common.FuncValue(rt, fn)))
}

func (mi *ModuleInstance) getter(obj *goja.Object, name string, fn any) {
	rt := mi.vu.Runtime()
	common.Must(rt, common.DefineGetter(rt, obj, name, fn))
}
