package eventloop_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/liuxd6825/k6web/js/eventloop"
	"github.com/liuxd6825/k6web/js/modulestest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newLoop() (*eventloop.EventLoop, *goja.Runtime) {
	rt := goja.New()
	return eventloop.New(&modulestest.VU{RuntimeField: rt}), rt
}

func TestBasicEventLoop(t *testing.T) {
	t.Parallel()
	loop, _ := newLoop()
	var ran int
	f := func() error { //nolint:unparam
		ran++
		return nil
	}
	require.NoError(t, loop.Start(f))
	require.Equal(t, 1, ran)
	require.NoError(t, loop.Start(f))
	require.Equal(t, 2, ran)
	require.Error(t, loop.Start(func() error {
		_ = f()
		loop.RegisterCallback()(f)
		return errors.New("something")
	}))
	require.Equal(t, 3, ran)
}

func TestEventLoopRegistered(t *testing.T) {
	t.Parallel()
	loop, _ := newLoop()
	var ran int
	f := func() error {
		ran++
		r := loop.RegisterCallback()
		go func() {
			time.Sleep(200 * time.Millisecond)
			r(func() error {
				ran++
				return nil
			})
		}()
		return nil
	}
	start := time.Now()
	require.NoError(t, loop.Start(f))
	took := time.Since(start)
	require.Equal(t, 2, ran)
	require.Less(t, 200*time.Millisecond, took)
}

func TestEventLoopWaitOnRegistered(t *testing.T) {
	t.Parallel()
	var ran int
	loop, _ := newLoop()
	f := func() error {
		ran++
		r := loop.RegisterCallback()
		go func() {
			time.Sleep(200 * time.Millisecond)
			r(func() error {
				ran++
				return nil
			})
		}()
		return fmt.Errorf("expected")
	}
	start := time.Now()
	require.Error(t, loop.Start(f))
	took := time.Since(start)
	loop.WaitOnRegistered()
	took2 := time.Since(start)
	require.Equal(t, 1, ran)
	require.Greater(t, 150*time.Millisecond, took)
	require.Less(t, 200*time.Millisecond, took2)
}

func TestEventLoopReuse(t *testing.T) {
	t.Parallel()
	sleepTime := 100 * time.Millisecond
	loop, _ := newLoop()
	f := func() error {
		for i := 0; i < 50; i++ {
			bad := i == 17
			r := loop.RegisterCallback()

			go func() {
				if !bad {
					time.Sleep(sleepTime)
				}
				r(func() error {
					if bad {
						return errors.New("something")
					}
					panic("this should never execute")
				})
			}()
		}
		return fmt.Errorf("expected")
	}
	for i := 0; i < 3; i++ {
		start := time.Now()
		require.Error(t, loop.Start(f))
		loop.WaitOnRegistered()
		require.Less(t, sleepTime, time.Since(start))
	}
}

func TestEventLoopUnhandledRejection(t *testing.T) {
	t.Parallel()
	loop, rt := newLoop()
	err := loop.Start(func() error {
		_, err := rt.RunString(`Promise.reject(new TypeError("boom"))`)
		return err
	})
	require.ErrorContains(t, err, "Uncaught (in promise) TypeError: boom")
}

func TestEventLoopHandledRejection(t *testing.T) {
	t.Parallel()
	loop, rt := newLoop()
	err := loop.Start(func() error {
		_, err := rt.RunString(`
			var p = Promise.reject(new TypeError("boom"));
			p.catch(function () {});
		`)
		return err
	})
	require.NoError(t, err)
}

func TestEventLoopUnhandledPrimitiveRejection(t *testing.T) {
	t.Parallel()
	loop, rt := newLoop()
	err := loop.Start(func() error {
		_, err := rt.RunString(`Promise.reject(undefined)`)
		return err
	})
	require.ErrorContains(t, err, "Uncaught (in promise) undefined")
}

func TestEventLoopPromiseJobsAfterTask(t *testing.T) {
	t.Parallel()
	loop, rt := newLoop()
	var order []string
	err := loop.Start(func() error {
		p, resolve, _ := rt.NewPromise()
		then, ok := goja.AssertFunction(rt.ToValue(p).ToObject(rt).Get("then"))
		require.True(t, ok)
		if _, err := then(rt.ToValue(p), rt.ToValue(func() { order = append(order, "reaction") })); err != nil {
			return err
		}
		resolve("done")
		order = append(order, "task")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"task", "reaction"}, order)
}

func TestEventLoopTaskThrows(t *testing.T) {
	t.Parallel()
	loop, rt := newLoop()
	err := loop.Start(func() error {
		panic(rt.NewTypeError("thrown from a task"))
	})
	require.ErrorContains(t, err, "TypeError: thrown from a task")
}
