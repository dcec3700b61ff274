package abort

import (
	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// Controller is the Go side of an AbortController.
type Controller struct {
	signal *Signal
}

// Signal returns the signal the controller aborts.
func (c *Controller) Signal() *Signal {
	return c.signal
}

// Abort aborts the controller's signal.
func (c *Controller) Abort(reason goja.Value) {
	c.signal.Abort(reason)
}

func (mi *ModuleInstance) newAbortController(call goja.ConstructorCall) *goja.Object {
	rt := mi.vu.Runtime()
	c := &Controller{signal: mi.NewSignal()}

	common.Must(rt, common.AttachImpl(rt, call.This, c))
	common.Must(rt, common.DefineGetter(rt, call.This, "signal", func() *goja.Object { return c.signal.obj }))
	common.Must(rt, common.DefineReadOnly(call.This, "abort", common.FuncValue(rt, c.Abort)))

	return call.This
}
