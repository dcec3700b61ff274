package js

import (
	"context"

	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/eventloop"
	"github.com/liuxd6825/k6web/lib"
)

type moduleVUImpl struct {
	ctx       context.Context
	state     *lib.State
	runtime   *goja.Runtime
	eventLoop *eventloop.EventLoop
}

func (m *moduleVUImpl) Context() context.Context {
	return m.ctx
}

func (m *moduleVUImpl) State() *lib.State {
	return m.state
}

func (m *moduleVUImpl) Runtime() *goja.Runtime {
	return m.runtime
}

func (m *moduleVUImpl) RegisterCallback() func(func() error) {
	return m.eventLoop.RegisterCallback()
}
