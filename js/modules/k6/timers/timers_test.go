package timers_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/liuxd6825/k6web/js/modules/k6/timers"
	"github.com/liuxd6825/k6web/js/modulestest"
	"github.com/liuxd6825/k6web/lib"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRuntime(t testing.TB) (*modulestest.Runtime, *[]string) {
	t.Helper()

	r := modulestest.NewRuntime(t)
	require.NoError(t, r.SetupModuleGlobals(timers.New()))

	var log []string
	require.NoError(t, r.VU.Runtime().Set("print", func(s string) { log = append(log, s) }))
	return r, &log
}

func TestSetTimeout(t *testing.T) {
	t.Parallel()

	r, log := newRuntime(t)
	_, err := r.RunOnEventLoop(`
		setTimeout((a, b) => print("in setTimeout " + a + b), 0, "x", "y");
		print("outside setTimeout");
	`)
	require.NoError(t, err)
	require.Equal(t, []string{"outside setTimeout", "in setTimeout xy"}, *log)
}

func TestSetTimeoutNotCallable(t *testing.T) {
	t.Parallel()

	r, _ := newRuntime(t)
	_, err := r.RunOnEventLoop(`setTimeout(undefined)`)
	require.ErrorContains(t, err, "setTimeout's callback isn't a callable function")
}

func TestSetTimeoutOrder(t *testing.T) {
	t.Parallel()

	r, log := newRuntime(t)
	for i := 0; i < 50; i++ {
		_, err := r.RunOnEventLoop(`
			setTimeout(() => print("one"), 1);
			setTimeout(() => print("two"), 1);
			setTimeout(() => print("last"), 10);
			setTimeout(() => print("three"), 1);
			print("outside");
		`)
		require.NoError(t, err)
		require.Equal(t, []string{"outside", "one", "two", "three", "last"}, *log, i)
		*log = (*log)[:0]
	}
}

func TestClearTimeout(t *testing.T) {
	t.Parallel()

	r, log := newRuntime(t)
	start := time.Now()
	_, err := r.RunOnEventLoop(`
		const first = setTimeout(() => print("cleared"), 5);
		setTimeout(() => print("kept"), 50);
		clearTimeout(first);
		clearTimeout(12345);
	`)
	require.NoError(t, err)
	require.Equal(t, []string{"kept"}, *log)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSetInterval(t *testing.T) {
	t.Parallel()

	r, log := newRuntime(t)
	_, err := r.RunOnEventLoop(`
		let i = 0;
		const id = setInterval(() => {
			i++;
			if (i === 3) {
				print("done");
				clearInterval(id);
			}
		}, 1);
		print("outside");
	`)
	require.NoError(t, err)
	require.Equal(t, []string{"outside", "done"}, *log)
}

func TestCallbackError(t *testing.T) {
	t.Parallel()

	r, log := newRuntime(t)
	_, err := r.RunOnEventLoop(`
		setTimeout(() => { print("before"); throw new Error("boom"); }, 1);
	`)
	require.ErrorContains(t, err, "boom")
	require.Equal(t, []string{"before"}, *log)
}

func TestContextCancel(t *testing.T) {
	t.Parallel()

	r, log := newRuntime(t)
	r.MoveToVUContext(lib.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	r.VU.CtxField = ctx
	require.NoError(t, r.VU.Runtime().Set("cancel", cancel))

	_, err := r.RunOnEventLoop(`
		setTimeout(() => print("never"), 60000);
		setTimeout(cancel, 1);
	`)
	require.NoError(t, err)
	require.Empty(t, *log)

	var warned bool
	for _, e := range r.LogHook.AllEntries() {
		if e.Message == "setTimeout was stopped because the context was canceled" {
			warned = true
		}
	}
	require.True(t, warned)
}
