// Package modulestest contains helpers for testing the script modules on a
// real runtime and event loop.
package modulestest

import (
	"context"
	"fmt"
	"testing"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/liuxd6825/k6web/js/common"
	"github.com/liuxd6825/k6web/js/eventloop"
	"github.com/liuxd6825/k6web/js/modules"
	"github.com/liuxd6825/k6web/lib"
)

// Runtime is a helper struct that contains what is needed to run a (simple) module test
type Runtime struct {
	VU            *VU
	EventLoop     *eventloop.EventLoop
	Logger        *logrus.Logger
	LogHook       *test.Hook
	CancelContext func()
}

// NewRuntime will create a new test runtime and will cancel the context on test/benchmark end
func NewRuntime(t testing.TB) *Runtime {
	rt := goja.New()
	rt.SetFieldNameMapper(common.FieldNameMapper{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	vu := &VU{
		CtxField:     ctx,
		RuntimeField: rt,
	}
	loop := eventloop.New(vu)
	vu.RegisterCallbackField = loop.RegisterCallback

	r := &Runtime{
		VU:            vu,
		EventLoop:     loop,
		Logger:        logger,
		LogHook:       hook,
		CancelContext: cancel,
	}
	if err := rt.Set("console", newConsole(logger)); err != nil {
		t.Fatal(err)
	}
	return r
}

// MoveToVUContext installs a state built from opts, the way a running VU has one.
func (r *Runtime) MoveToVUContext(opts lib.Options) *lib.State {
	state := lib.NewState(lib.DefaultOptions().Apply(opts), r.Logger)
	r.VU.StateField = state
	return state
}

// SetupModuleGlobals instantiates the given root modules for this runtime and
// exposes their named exports as globals.
func (r *Runtime) SetupModuleGlobals(mods ...modules.Module) error {
	rt := r.VU.Runtime()
	for _, m := range mods {
		exports := m.NewModuleInstance(r.VU).Exports()
		for name, value := range exports.Named {
			if err := rt.Set(name, value); err != nil {
				return fmt.Errorf("setting global %q: %w", name, err)
			}
		}
	}
	return nil
}

// RunOnEventLoop will run the given code on the event loop.
//
// It is meant as a helper to test code that is expected to be run on the event loop, such
// as code that returns a promise.
//
// A typical usage is to facilitate writing tests for asynchrounous code:
//
//	func TestSomething(t *testing.T) {
//	    runtime := modulestest.NewRuntime(t)
//
//	    _, err := runtime.RunOnEventLoop(`
//	        doSomethingAsync().then(() => {
//	            // do some assertions
//	        });
//	    `)
//	    require.NoError(t, err)
//	}
func (r *Runtime) RunOnEventLoop(code string) (value goja.Value, err error) {
	defer r.EventLoop.WaitOnRegistered()

	err = r.EventLoop.Start(func() error {
		value, err = r.VU.Runtime().RunString(code)
		return err
	})

	return value, err
}
