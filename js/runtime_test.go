package js

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/k6web/lib"
)

func newTestRuntime(t *testing.T, ctx context.Context, cfg Config) (*Runtime, *logtest.Hook) {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cfg.Logger = logger

	r, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return r, hook
}

func consoleMessages(hook *logtest.Hook) []string {
	var msgs []string
	for _, e := range hook.AllEntries() {
		if e.Data["source"] == "console" {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

func TestRuntimeGlobals(t *testing.T) {
	t.Parallel()

	r, _ := newTestRuntime(t, context.Background(), Config{})
	v, err := r.RunScript("globals.js", `
		[
			"setTimeout", "clearTimeout", "setInterval", "clearInterval",
			"AbortController", "AbortSignal", "DOMException",
			"ReadableStream", "WritableStream", "TransformStream",
			"ReadableStreamDefaultReader", "WritableStreamDefaultWriter",
			"CountQueuingStrategy", "ByteLengthQueuingStrategy",
			"fetch", "Headers", "Request", "Response", "Blob", "File", "FormData", "URLSearchParams",
		].filter((name) => typeof globalThis[name] !== "function").join(",");
	`)
	require.NoError(t, err)
	assert.Empty(t, v.String())
}

func TestRuntimeRunScript(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(httpbin.New().Handler())
	t.Cleanup(srv.Close)

	r, hook := newTestRuntime(t, context.Background(), Config{
		Options: lib.Options{FetchChunkSize: null.IntFrom(64)},
	})
	require.NoError(t, r.Goja().Set("BASE", srv.URL))

	_, err := r.RunScript("script.js", `
		const upper = new TransformStream({
			transform(chunk, controller) {
				controller.enqueue(chunk.toUpperCase());
			},
		});
		(async () => {
			const res = await fetch(BASE + "/get?word=streams");
			const body = await res.json();
			const writer = upper.writable.getWriter();
			writer.write(body.args.word[0]);
			writer.close();
			const reader = upper.readable.getReader();
			const { value } = await reader.read();
			await new Promise((resolve) => setTimeout(resolve, 5));
			console.log(res.status, value);
		})();
	`)
	require.NoError(t, err)
	assert.Equal(t, []string{"200 STREAMS"}, consoleMessages(hook))
}

func TestRuntimeUnhandledRejection(t *testing.T) {
	t.Parallel()

	r, _ := newTestRuntime(t, context.Background(), Config{})
	_, err := r.RunScript("reject.js", `Promise.reject(new Error("nobody listens"))`)
	require.ErrorContains(t, err, "Uncaught (in promise)")
	require.ErrorContains(t, err, "nobody listens")
}

func TestRuntimeSyntaxError(t *testing.T) {
	t.Parallel()

	r, _ := newTestRuntime(t, context.Background(), Config{})
	_, err := r.RunScript("broken.js", `let = ;`)
	require.Error(t, err)
}

func TestRuntimeContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	t.Cleanup(cancel)

	r, _ := newTestRuntime(t, ctx, Config{})
	_, err := r.RunScript("loop.js", `for (;;) {}`)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRuntimeRunFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/script.js", []byte(`console.warn("from a file")`), 0o644))

	r, hook := newTestRuntime(t, context.Background(), Config{FS: fs})
	require.NoError(t, r.RunFile("/script.js"))
	assert.Equal(t, []string{"from a file"}, consoleMessages(hook))

	require.Error(t, r.RunFile("/missing.js"))
}

func TestRuntimeConsoleOutput(t *testing.T) {
	t.Parallel()

	output := filepath.Join(t.TempDir(), "console.log")
	r, hook := newTestRuntime(t, context.Background(), Config{ConsoleOutput: output})
	_, err := r.RunScript("console.js", `console.info("to the file")`)
	require.NoError(t, err)
	assert.Empty(t, consoleMessages(hook))

	b, err := afero.ReadFile(afero.NewOsFs(), output)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to the file")
}

func TestRuntimeInvalidOptions(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Options: lib.Options{FetchChunkSize: null.IntFrom(0)}})
	require.ErrorContains(t, err, "fetchChunkSize must be positive")
}
