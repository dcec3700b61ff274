package streams_test

import (
	"bytes"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/k6web/js/common"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/abort"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/streams"
	"github.com/liuxd6825/k6web/js/modulestest"
)

func newRuntime(t testing.TB) (*modulestest.Runtime, *streams.ModuleInstance) {
	t.Helper()
	r := modulestest.NewRuntime(t)
	abortRoot := abort.New()
	root := streams.New(abortRoot)
	require.NoError(t, r.SetupModuleGlobals(abortRoot, root))
	return r, root.Instance(r.VU)
}

// readAll is a script helper collecting every chunk of a stream.
const readAll = `
	async function readAll(stream) {
		const reader = stream.getReader();
		const chunks = [];
		for (;;) {
			const { value, done } = await reader.read();
			if (done) return chunks;
			chunks.push(value);
		}
	}
`

func TestReadableStream(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		script string
	}{
		{
			name: "desired size",
			script: `
				let ctrl;
				new ReadableStream({ start(c) { ctrl = c; } }, { highWaterMark: 3 });
				if (ctrl.desiredSize !== 3) throw new Error("initial " + ctrl.desiredSize);
				ctrl.enqueue("a");
				ctrl.enqueue("b");
				if (ctrl.desiredSize !== 1) throw new Error("after two " + ctrl.desiredSize);
				ctrl.enqueue("c");
				ctrl.enqueue("d");
				if (ctrl.desiredSize !== -1) throw new Error("after four " + ctrl.desiredSize);
				ctrl.error(new Error("boom"));
				if (ctrl.desiredSize !== null) throw new Error("errored " + ctrl.desiredSize);

				let closing;
				new ReadableStream({ start(c) { closing = c; } });
				closing.close();
				if (closing.desiredSize !== 0) throw new Error("closed " + closing.desiredSize);
			`,
		},
		{
			name: "deferred close keeps queued chunks readable",
			script: readAll + `
				const rs = new ReadableStream({
					start(c) { c.enqueue("a"); c.enqueue("b"); c.close(); },
				});
				readAll(rs).then((chunks) => {
					if (chunks.join(",") !== "a,b") throw new Error(chunks.join(","));
				});
			`,
		},
		{
			name: "enqueue after close throws",
			script: `
				new ReadableStream({
					start(c) {
						c.close();
						let thrown;
						try { c.enqueue("late"); } catch (e) { thrown = e; }
						if (!(thrown instanceof TypeError)) throw new Error("expected a TypeError");
					},
				});
			`,
		},
		{
			name: "reader lock",
			script: `
				const rs = new ReadableStream();
				const reader = rs.getReader();
				if (!rs.locked) throw new Error("not locked");
				let thrown;
				try { rs.getReader(); } catch (e) { thrown = e; }
				if (!(thrown instanceof TypeError)) throw new Error("second reader acquired");

				const pending = reader.read();
				reader.releaseLock();
				if (rs.locked) throw new Error("still locked");
				rs.getReader();

				(async () => {
					try {
						await pending;
						throw new Error("pending read fulfilled");
					} catch (e) {
						if (!(e instanceof TypeError)) throw e;
					}
					try {
						await reader.closed;
						throw new Error("closed fulfilled");
					} catch (e) {
						if (!(e instanceof TypeError)) throw e;
					}
				})();
			`,
		},
		{
			name: "cancel",
			script: `
				let reason;
				const rs = new ReadableStream({
					start(c) { c.enqueue("dropped"); },
					cancel(r) { reason = r; },
				});
				(async () => {
					await rs.cancel("enough");
					if (reason !== "enough") throw new Error("cancel reason " + reason);
					const { done } = await rs.getReader().read();
					if (!done) throw new Error("canceled stream is not closed");
				})();
			`,
		},
		{
			name: "cancel locked stream rejects",
			script: `
				const rs = new ReadableStream();
				rs.getReader();
				rs.cancel().then(
					() => { throw new Error("canceled a locked stream"); },
					(e) => { if (!(e instanceof TypeError)) throw e; },
				);
			`,
		},
		{
			name: "error rejects pending reads",
			script: `
				let ctrl;
				const rs = new ReadableStream({ start(c) { ctrl = c; } });
				const reader = rs.getReader();
				const boom = new Error("boom");
				const read = reader.read();
				ctrl.error(boom);
				(async () => {
					try { await read; throw new Error("read fulfilled"); } catch (e) { if (e !== boom) throw e; }
					try { await reader.closed; throw new Error("closed fulfilled"); } catch (e) { if (e !== boom) throw e; }
				})();
			`,
		},
		{
			name: "pull is not called while the queue is full",
			script: `
				let pulls = 0;
				let ctrl;
				const rs = new ReadableStream({
					start(c) { ctrl = c; c.enqueue("a"); c.enqueue("b"); },
					pull() { pulls++; },
				}, { highWaterMark: 1 });
				(async () => {
					await Promise.resolve();
					await Promise.resolve();
					if (ctrl.desiredSize > 0) throw new Error("desiredSize " + ctrl.desiredSize);
					if (pulls !== 0) throw new Error("pulled " + pulls + " times before any read");

					const reader = rs.getReader();
					const first = await reader.read();
					if (first.value !== "a") throw new Error("first " + first.value);
					if (pulls !== 0) throw new Error("pulled with a full queue");

					const second = await reader.read();
					if (second.value !== "b") throw new Error("second " + second.value);
					if (pulls !== 1) throw new Error("pulled " + pulls + " times once drained");
				})();
			`,
		},
		{
			name: "rejected pull errors the stream",
			script: `
				const rs = new ReadableStream({ pull() { return Promise.reject("nope"); } });
				rs.getReader().read().then(
					() => { throw new Error("read fulfilled"); },
					(e) => { if (e !== "nope") throw new Error("unexpected " + e); },
				);
			`,
		},
		{
			name: "invalid chunk size",
			script: `
				let thrown;
				const rs = new ReadableStream({
					start(c) {
						try { c.enqueue("x"); } catch (e) { thrown = e; }
					},
				}, { size() { return -1; } });
				if (!(thrown instanceof RangeError)) throw new Error("expected a RangeError");
				rs.getReader().read().then(
					() => { throw new Error("read fulfilled"); },
					(e) => { if (e !== thrown) throw e; },
				);
			`,
		},
		{
			name: "byte streams are not supported",
			script: `
				try {
					new ReadableStream({ type: "bytes" });
					throw new Error("constructed a byte stream");
				} catch (e) {
					if (e.name !== "NotSupportedError") throw e;
				}
				try {
					new ReadableStream().getReader({ mode: "byob" });
					throw new Error("acquired a byob reader");
				} catch (e) {
					if (e.name !== "NotSupportedError") throw e;
				}
			`,
		},
		{
			name: "illegal constructors",
			script: `
				for (const ctor of [ReadableStreamDefaultController, WritableStreamDefaultController, TransformStreamDefaultController]) {
					let thrown;
					try { new ctor(); } catch (e) { thrown = e; }
					if (!(thrown instanceof TypeError)) throw new Error(ctor.name + " is constructible");
				}
			`,
		},
		{
			name: "constructors",
			script: `
				const instances = [
					[new ReadableStream(), ReadableStream],
					[new WritableStream(), WritableStream],
					[new TransformStream(), TransformStream],
					[new CountQueuingStrategy({ highWaterMark: 1 }), CountQueuingStrategy],
					[new ByteLengthQueuingStrategy({ highWaterMark: 1 }), ByteLengthQueuingStrategy],
					[new ReadableStreamDefaultReader(new ReadableStream()), ReadableStreamDefaultReader],
					[new WritableStreamDefaultWriter(new WritableStream()), WritableStreamDefaultWriter],
				];
				for (const [obj, ctor] of instances) {
					if (!(obj instanceof ctor)) throw new Error(ctor.name + " instance has the wrong prototype");
				}
			`,
		},
		{
			name: "reader constructor",
			script: `
				const rs = new ReadableStream();
				const reader = new ReadableStreamDefaultReader(rs);
				if (!(reader instanceof ReadableStreamDefaultReader)) throw new Error("not a reader");
				if (!rs.locked) throw new Error("not locked");
				if (!(rs.getReader instanceof Function)) throw new Error("no getReader");
				let thrown;
				try { new ReadableStreamDefaultReader({}); } catch (e) { thrown = e; }
				if (!(thrown instanceof TypeError)) throw new Error("reader over a non stream");
			`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r, _ := newRuntime(t)
			_, err := r.RunOnEventLoop(tc.script)
			require.NoError(t, err)
		})
	}
}

func TestTee(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		script string
	}{
		{
			name: "both branches see every chunk",
			script: readAll + `
				const rs = new ReadableStream({
					start(c) { c.enqueue(1); c.enqueue(2); c.enqueue(3); c.close(); },
				});
				const [b1, b2] = rs.tee();
				if (!rs.locked) throw new Error("source not locked");
				(async () => {
					const first = await readAll(b1);
					const second = await readAll(b2);
					if (first.join() !== "1,2,3") throw new Error("branch1 " + first.join());
					if (second.join() !== "1,2,3") throw new Error("branch2 " + second.join());
				})();
			`,
		},
		{
			name: "canceling one branch leaves the other readable",
			script: readAll + `
				let canceled = false;
				const rs = new ReadableStream({
					start(c) { c.enqueue("a"); c.enqueue("b"); c.close(); },
					cancel() { canceled = true; },
				});
				const [b1, b2] = rs.tee();
				b1.cancel("not interested");
				readAll(b2).then((chunks) => {
					if (chunks.join("") !== "ab") throw new Error(chunks.join(""));
					if (canceled) throw new Error("source canceled");
				});
			`,
		},
		{
			name: "canceling both branches cancels the source",
			script: `
				let reason;
				const rs = new ReadableStream({ cancel(r) { reason = r; } });
				const [b1, b2] = rs.tee();
				Promise.all([b1.cancel("r1"), b2.cancel("r2")]).then(() => {
					if (!Array.isArray(reason) || reason.join() !== "r1,r2") throw new Error("reason " + reason);
				});
			`,
		},
		{
			name: "source errors reach both branches",
			script: `
				let ctrl;
				const rs = new ReadableStream({ start(c) { ctrl = c; } });
				const [b1, b2] = rs.tee();
				const boom = new Error("boom");
				const reads = [b1.getReader().read(), b2.getReader().read()];
				ctrl.error(boom);
				for (const read of reads) {
					read.then(
						() => { throw new Error("read fulfilled"); },
						(e) => { if (e !== boom) throw e; },
					);
				}
			`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r, _ := newRuntime(t)
			_, err := r.RunOnEventLoop(tc.script)
			require.NoError(t, err)
		})
	}
}

func TestWritableStream(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		script string
	}{
		{
			name: "writes in order then closes",
			script: `
				const written = [];
				let closed = false;
				const ws = new WritableStream({
					write(chunk) { written.push(chunk); },
					close() { closed = true; },
				});
				const writer = ws.getWriter();
				(async () => {
					await writer.ready;
					writer.write("a");
					writer.write("b");
					await writer.close();
					await writer.closed;
					if (written.join("") !== "ab") throw new Error(written.join(""));
					if (!closed) throw new Error("sink not closed");
					if (writer.desiredSize !== 0) throw new Error("desiredSize " + writer.desiredSize);
				})();
			`,
		},
		{
			name: "backpressure",
			script: `
				let release;
				const ws = new WritableStream({
					write() { return new Promise((resolve) => { release = resolve; }); },
				}, new CountQueuingStrategy({ highWaterMark: 2 }));
				const writer = ws.getWriter();
				if (writer.desiredSize !== 2) throw new Error("initial " + writer.desiredSize);
				const w1 = writer.write("a");
				const w2 = writer.write("b");
				if (writer.desiredSize !== 0) throw new Error("after writes " + writer.desiredSize);
				(async () => {
					await Promise.resolve();
					await Promise.resolve();
					release();
					await w1;
					release();
					await w2;
					await writer.ready;
					if (writer.desiredSize !== 2) throw new Error("drained " + writer.desiredSize);
				})();
			`,
		},
		{
			name: "write after close rejects",
			script: `
				const writer = new WritableStream().getWriter();
				writer.close();
				writer.write("late").then(
					() => { throw new Error("write fulfilled"); },
					(e) => { if (!(e instanceof TypeError)) throw e; },
				);
			`,
		},
		{
			name: "abort",
			script: `
				let reason;
				let signalAborted = false;
				const ws = new WritableStream({
					start(c) { c.signal.addEventListener("abort", () => { signalAborted = true; }); },
					abort(r) { reason = r; },
				});
				const writer = ws.getWriter();
				(async () => {
					await writer.abort("stop");
					if (reason !== "stop") throw new Error("abort reason " + reason);
					if (!signalAborted) throw new Error("controller signal not aborted");
					try { await writer.write("x"); throw new Error("write fulfilled"); } catch (e) { if (e !== "stop") throw e; }
					try { await writer.closed; throw new Error("closed fulfilled"); } catch (e) { if (e !== "stop") throw e; }
				})();
			`,
		},
		{
			name: "failing sink errors the stream",
			script: `
				const writer = new WritableStream({ write() { throw new Error("disk full"); } }).getWriter();
				(async () => {
					try { await writer.write("x"); throw new Error("write fulfilled"); } catch (e) { if (e.message !== "disk full") throw e; }
					try { await writer.closed; throw new Error("closed fulfilled"); } catch (e) { if (e.message !== "disk full") throw e; }
					if (writer.desiredSize !== null) throw new Error("desiredSize " + writer.desiredSize);
				})();
			`,
		},
		{
			name: "writer lock",
			script: `
				const ws = new WritableStream();
				const writer = ws.getWriter();
				let thrown;
				try { ws.getWriter(); } catch (e) { thrown = e; }
				if (!(thrown instanceof TypeError)) throw new Error("second writer acquired");
				ws.close().then(
					() => { throw new Error("closed a locked stream"); },
					(e) => { if (!(e instanceof TypeError)) throw e; },
				);
				writer.releaseLock();
				if (ws.locked) throw new Error("still locked");
				const second = new WritableStreamDefaultWriter(ws);
				second.close();
			`,
		},
		{
			name: "reserved type",
			script: `
				let thrown;
				try { new WritableStream({ type: "bytes" }); } catch (e) { thrown = e; }
				if (!(thrown instanceof RangeError)) throw new Error("expected a RangeError");
			`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r, _ := newRuntime(t)
			_, err := r.RunOnEventLoop(tc.script)
			require.NoError(t, err)
		})
	}
}

func TestTransformStream(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		script string
	}{
		{
			name: "identity",
			script: readAll + `
				const ts = new TransformStream();
				const writer = ts.writable.getWriter();
				writer.write("a");
				writer.write("b");
				writer.write("c");
				writer.close();
				readAll(ts.readable).then((chunks) => {
					if (chunks.join(",") !== "a,b,c") throw new Error(chunks.join(","));
				});
			`,
		},
		{
			name: "transform and flush",
			script: readAll + `
				const ts = new TransformStream({
					transform(chunk, c) { c.enqueue(chunk.toUpperCase()); },
					flush(c) { c.enqueue("!"); },
				});
				const writer = ts.writable.getWriter();
				writer.write("a");
				writer.write("b");
				writer.close();
				readAll(ts.readable).then((chunks) => {
					if (chunks.join("") !== "AB!") throw new Error(chunks.join(""));
				});
			`,
		},
		{
			name: "terminate",
			script: readAll + `
				const ts = new TransformStream({
					transform(chunk, c) { c.enqueue(chunk); c.terminate(); },
				});
				const writer = ts.writable.getWriter();
				writer.write("only");
				(async () => {
					const chunks = await readAll(ts.readable);
					if (chunks.join() !== "only") throw new Error(chunks.join());
					try { await writer.closed; throw new Error("writable closed cleanly"); } catch (e) { if (!(e instanceof TypeError)) throw e; }
				})();
			`,
		},
		{
			name: "transform errors reach both sides",
			script: `
				const ts = new TransformStream({ transform() { throw new Error("bad chunk"); } });
				const writer = ts.writable.getWriter();
				const reader = ts.readable.getReader();
				Promise.allSettled([writer.write("x"), reader.read()]).then(([write, read]) => {
					if (write.status !== "rejected" || write.reason.message !== "bad chunk") throw new Error("write " + write.status);
					if (read.status !== "rejected" || read.reason.message !== "bad chunk") throw new Error("read " + read.status);
				});
			`,
		},
		{
			name: "cancel calls the transformer",
			script: `
				let reason;
				const ts = new TransformStream({ cancel(r) { reason = r; } });
				(async () => {
					await ts.readable.cancel("bye");
					if (reason !== "bye") throw new Error("reason " + reason);
					if (ts.writable.getWriter().desiredSize !== null) throw new Error("writable not errored");
				})();
			`,
		},
		{
			name: "reserved types",
			script: `
				for (const key of ["readableType", "writableType"]) {
					let thrown;
					try { new TransformStream({ [key]: "bytes" }); } catch (e) { thrown = e; }
					if (!(thrown instanceof RangeError)) throw new Error(key + " accepted");
				}
			`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r, _ := newRuntime(t)
			_, err := r.RunOnEventLoop(tc.script)
			require.NoError(t, err)
		})
	}
}

func TestPipe(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		script string
	}{
		{
			name: "pipeTo",
			script: `
				const written = [];
				let closed = false;
				const rs = new ReadableStream({
					start(c) { c.enqueue("a"); c.enqueue("b"); c.close(); },
				});
				const ws = new WritableStream({
					write(chunk) { written.push(chunk); },
					close() { closed = true; },
				});
				rs.pipeTo(ws).then(() => {
					if (written.join("") !== "ab") throw new Error(written.join(""));
					if (!closed) throw new Error("destination not closed");
					if (rs.locked || ws.locked) throw new Error("streams still locked");
				});
			`,
		},
		{
			name: "preventClose",
			script: `
				const rs = new ReadableStream({ start(c) { c.enqueue("a"); c.close(); } });
				const ws = new WritableStream();
				rs.pipeTo(ws, { preventClose: true }).then(() => {
					const writer = ws.getWriter();
					if (writer.desiredSize !== 1) throw new Error("destination closed");
				});
			`,
		},
		{
			name: "source errors abort the destination",
			script: `
				let ctrl;
				let aborted;
				const rs = new ReadableStream({ start(c) { ctrl = c; } });
				const ws = new WritableStream({ abort(r) { aborted = r; } });
				const boom = new Error("boom");
				const piping = rs.pipeTo(ws);
				ctrl.error(boom);
				piping.then(
					() => { throw new Error("pipe fulfilled"); },
					(e) => {
						if (e !== boom) throw e;
						if (aborted !== boom) throw new Error("destination not aborted");
					},
				);
			`,
		},
		{
			name: "destination errors cancel the source",
			script: `
				let canceled;
				const rs = new ReadableStream({
					start(c) { c.enqueue("x"); },
					cancel(r) { canceled = r; },
				});
				const ws = new WritableStream({ write() { throw new Error("rejected"); } });
				rs.pipeTo(ws).then(
					() => { throw new Error("pipe fulfilled"); },
					(e) => {
						if (e.message !== "rejected") throw e;
						if (canceled !== e) throw new Error("source not canceled");
					},
				);
			`,
		},
		{
			name: "abort signal",
			script: `
				const controller = new AbortController();
				let canceled;
				const rs = new ReadableStream({ cancel(r) { canceled = r; } });
				const ws = new WritableStream();
				const piping = rs.pipeTo(ws, { signal: controller.signal });
				controller.abort("stop");
				piping.then(
					() => { throw new Error("pipe fulfilled"); },
					(e) => {
						if (e !== "stop") throw new Error("unexpected " + e);
						if (canceled !== "stop") throw new Error("source not canceled");
					},
				);
			`,
		},
		{
			name: "locked destination",
			script: `
				const ws = new WritableStream();
				ws.getWriter();
				new ReadableStream().pipeTo(ws).then(
					() => { throw new Error("piped to a locked stream"); },
					(e) => { if (!(e instanceof TypeError)) throw e; },
				);
			`,
		},
		{
			name: "pipeThrough",
			script: readAll + `
				const rs = new ReadableStream({
					start(c) { c.enqueue("a"); c.enqueue("b"); c.close(); },
				});
				const upper = new TransformStream({
					transform(chunk, c) { c.enqueue(chunk.toUpperCase()); },
				});
				const out = rs.pipeThrough(upper);
				if (out !== upper.readable) throw new Error("pipeThrough must return the readable side");
				readAll(out).then((chunks) => {
					if (chunks.join("") !== "AB") throw new Error(chunks.join(""));
				});
			`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r, _ := newRuntime(t)
			_, err := r.RunOnEventLoop(tc.script)
			require.NoError(t, err)
		})
	}
}

func TestQueuingStrategies(t *testing.T) {
	t.Parallel()

	r, _ := newRuntime(t)
	_, err := r.RunOnEventLoop(`
		const count = new CountQueuingStrategy({ highWaterMark: 4 });
		if (count.highWaterMark !== 4 || count.size("anything") !== 1) throw new Error("count strategy");

		const bytes = new ByteLengthQueuingStrategy({ highWaterMark: 16 });
		if (bytes.highWaterMark !== 16 || bytes.size(new Uint8Array(10)) !== 10) throw new Error("byte length strategy");
		if (bytes.size !== new ByteLengthQueuingStrategy({ highWaterMark: 1 }).size) throw new Error("size is not shared");

		let ctrl;
		new ReadableStream({ start(c) { ctrl = c; } }, bytes);
		ctrl.enqueue(new Uint8Array(3));
		if (ctrl.desiredSize !== 13) throw new Error("desiredSize " + ctrl.desiredSize);

		let thrown;
		try { new CountQueuingStrategy(); } catch (e) { thrown = e; }
		if (!(thrown instanceof TypeError)) throw new Error("highWaterMark is required");

		thrown = undefined;
		try { new ReadableStream({}, { highWaterMark: -1 }); } catch (e) { thrown = e; }
		if (!(thrown instanceof RangeError)) throw new Error("negative highWaterMark accepted");
	`)
	require.NoError(t, err)
}

func TestGoReadableStream(t *testing.T) {
	t.Parallel()

	t.Run("read all bytes", func(t *testing.T) {
		t.Parallel()

		r, mi := newRuntime(t)
		var (
			buf     bytes.Buffer
			done    bool
			failure goja.Value
		)
		err := r.EventLoop.Start(func() error {
			rt := r.VU.Runtime()
			stream := mi.NewReadableStream(streams.SourceAlgorithms{
				Start: func(c *streams.ReadableStreamDefaultController) goja.Value {
					for _, s := range []string{"hello", " ", "world"} {
						chunk, err := common.NewUint8Array(rt, []byte(s))
						require.NoError(t, err)
						require.NoError(t, c.Enqueue(chunk))
					}
					c.Close()
					return goja.Undefined()
				},
			}, 0, nil)

			reader, err := stream.GetReader()
			if err != nil {
				return err
			}
			_, err = stream.GetReader()
			assert.Error(t, err)

			reader.ReadAllBytes(&buf, func() { done = true }, func(e goja.Value) { failure = e })
			return nil
		})
		require.NoError(t, err)
		assert.Nil(t, failure)
		assert.True(t, done)
		assert.Equal(t, "hello world", buf.String())
	})

	t.Run("non byte chunks", func(t *testing.T) {
		t.Parallel()

		r, mi := newRuntime(t)
		var failure goja.Value
		err := r.EventLoop.Start(func() error {
			rt := r.VU.Runtime()
			stream := mi.NewReadableStream(streams.SourceAlgorithms{
				Pull: func(c *streams.ReadableStreamDefaultController) *goja.Promise {
					require.NoError(t, c.Enqueue(rt.ToValue("text")))
					p, resolve, _ := rt.NewPromise()
					resolve(goja.Undefined())
					return p
				},
			}, 1, nil)

			reader, err := stream.GetReader()
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			reader.ReadAllBytes(&buf, func() {}, func(e goja.Value) { failure = e })
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, failure)
		assert.Contains(t, failure.String(), "Uint8Array")
	})

	t.Run("cancel", func(t *testing.T) {
		t.Parallel()

		r, mi := newRuntime(t)
		var reason goja.Value
		err := r.EventLoop.Start(func() error {
			rt := r.VU.Runtime()
			stream := mi.NewReadableStream(streams.SourceAlgorithms{
				Cancel: func(r goja.Value) *goja.Promise {
					reason = r
					p, resolve, _ := rt.NewPromise()
					resolve(goja.Undefined())
					return p
				},
			}, 1, nil)

			stream.Cancel(rt.ToValue("gone"))
			assert.True(t, stream.Disturbed())
			assert.Equal(t, streams.ReadableStreamStateClosed, stream.State())
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, reason)
		assert.Equal(t, "gone", reason.String())
	})

	t.Run("read requests", func(t *testing.T) {
		t.Parallel()

		r, mi := newRuntime(t)
		var (
			chunks []string
			closed bool
			reader *streams.ReadableStreamDefaultReader
		)
		err := r.EventLoop.Start(func() error {
			rt := r.VU.Runtime()
			var controller *streams.ReadableStreamDefaultController
			stream := mi.NewReadableStream(streams.SourceAlgorithms{
				Start: func(c *streams.ReadableStreamDefaultController) goja.Value {
					controller = c
					return goja.Undefined()
				},
			}, 1, nil)

			var err error
			reader, err = stream.GetReader()
			if err != nil {
				return err
			}
			request := streams.NewReadRequest(
				func(chunk goja.Value) { chunks = append(chunks, chunk.String()) },
				func() { closed = true },
				func(goja.Value) {},
			)
			reader.Read(request)
			require.NoError(t, controller.Enqueue(rt.ToValue("a")))
			controller.Close()
			reader.Read(request)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, chunks)
		assert.True(t, closed)
		assert.Equal(t, goja.PromiseStateFulfilled, reader.Closed().State())
	})

	t.Run("errored", func(t *testing.T) {
		t.Parallel()

		r, mi := newRuntime(t)
		var (
			stream *streams.ReadableStream
			reader *streams.ReadableStreamDefaultReader
		)
		err := r.EventLoop.Start(func() error {
			rt := r.VU.Runtime()
			stream = mi.NewReadableStream(streams.SourceAlgorithms{}, 1, nil)

			var err error
			reader, err = stream.GetReader()
			if err != nil {
				return err
			}
			stream.Controller().Error(rt.ToValue("broken"))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, streams.ReadableStreamStateErrored, stream.State())
		assert.Equal(t, "broken", stream.StoredError().String())
		assert.Equal(t, goja.PromiseStateRejected, reader.Closed().State())
	})
}

func TestGoWritableStream(t *testing.T) {
	t.Parallel()

	t.Run("write and close", func(t *testing.T) {
		t.Parallel()

		r, mi := newRuntime(t)
		var (
			written []string
			stream  *streams.WritableStream
			writer  *streams.WritableStreamDefaultWriter
		)
		err := r.EventLoop.Start(func() error {
			rt := r.VU.Runtime()
			stream = mi.NewWritableStream(streams.SinkAlgorithms{
				Write: func(chunk goja.Value, _ *streams.WritableStreamDefaultController) *goja.Promise {
					written = append(written, chunk.String())
					p, resolve, _ := rt.NewPromise()
					resolve(goja.Undefined())
					return p
				},
			}, 1, nil)

			var err error
			writer, err = stream.GetWriter()
			if err != nil {
				return err
			}
			assert.Equal(t, goja.PromiseStateFulfilled, writer.Ready().State())

			writer.Write(rt.ToValue("a"))
			writer.Write(rt.ToValue("b"))
			writer.Close()
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, written)
		assert.Equal(t, streams.WritableStreamStateClosed, stream.State())
		assert.Equal(t, goja.PromiseStateFulfilled, writer.Closed().State())
	})

	t.Run("abort", func(t *testing.T) {
		t.Parallel()

		r, mi := newRuntime(t)
		var stream *streams.WritableStream
		err := r.EventLoop.Start(func() error {
			stream = mi.NewWritableStream(streams.SinkAlgorithms{}, 1, nil)
			stream.Abort(r.VU.Runtime().ToValue("stop"))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, streams.WritableStreamStateErrored, stream.State())
		assert.Equal(t, "stop", stream.StoredError().String())
	})
}

func TestGoTransformStream(t *testing.T) {
	t.Parallel()

	t.Run("pipe through", func(t *testing.T) {
		t.Parallel()

		r, mi := newRuntime(t)
		var (
			buf     bytes.Buffer
			done    bool
			failure goja.Value
		)
		err := r.EventLoop.Start(func() error {
			rt := r.VU.Runtime()
			source := mi.NewReadableStream(streams.SourceAlgorithms{
				Start: func(c *streams.ReadableStreamDefaultController) goja.Value {
					for _, s := range []string{"piped ", "bytes"} {
						chunk, err := common.NewUint8Array(rt, []byte(s))
						require.NoError(t, err)
						require.NoError(t, c.Enqueue(chunk))
					}
					c.Close()
					return goja.Undefined()
				},
			}, 0, nil)

			out, err := source.PipeThrough(mi.NewTransformStream(streams.TransformAlgorithms{}))
			if err != nil {
				return err
			}
			assert.True(t, source.Locked())
			_, err = source.PipeThrough(mi.NewTransformStream(streams.TransformAlgorithms{}))
			assert.Error(t, err)

			reader, err := out.GetReader()
			if err != nil {
				return err
			}
			reader.ReadAllBytes(&buf, func() { done = true }, func(e goja.Value) { failure = e })
			return nil
		})
		require.NoError(t, err)
		assert.Nil(t, failure)
		assert.True(t, done)
		assert.Equal(t, "piped bytes", buf.String())
	})

	t.Run("from script object", func(t *testing.T) {
		t.Parallel()

		r, _ := newRuntime(t)
		v, err := r.VU.Runtime().RunString(`new TransformStream()`)
		require.NoError(t, err)

		ts, ok := streams.TransformStreamFrom(v)
		require.True(t, ok)
		assert.False(t, ts.Readable().Locked())
		assert.False(t, ts.Writable().Locked())

		_, ok = streams.TransformStreamFrom(r.VU.Runtime().ToValue(1))
		assert.False(t, ok)
	})
}

func TestSharedInstance(t *testing.T) {
	t.Parallel()

	r := modulestest.NewRuntime(t)
	root := streams.New(abort.New())
	assert.Same(t, root.Instance(r.VU), root.Instance(r.VU))
	assert.Same(t, root.Instance(r.VU), root.NewModuleInstance(r.VU))
}
