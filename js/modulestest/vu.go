package modulestest

import (
	"context"

	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/lib"
)

// VU is a modules.VU implementation meant to be used within tests
type VU struct {
	CtxField              context.Context
	StateField            *lib.State
	RuntimeField          *goja.Runtime
	RegisterCallbackField func() func(f func() error)
}

// Context returns internally set field to conform to modules.VU interface
func (m *VU) Context() context.Context {
	if m.CtxField == nil {
		return context.Background()
	}
	return m.CtxField
}

// State returns internally set field to conform to modules.VU interface
func (m *VU) State() *lib.State {
	return m.StateField
}

// Runtime returns internally set field to conform to modules.VU interface
func (m *VU) Runtime() *goja.Runtime {
	return m.RuntimeField
}

// RegisterCallback returns internally set field to conform to modules.VU interface
func (m *VU) RegisterCallback() func(f func() error) {
	return m.RegisterCallbackField()
}
