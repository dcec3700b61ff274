package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/liuxd6825/k6web/js/common"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/streams"
	"github.com/liuxd6825/k6web/lib"
	"github.com/liuxd6825/k6web/lib/netext/httpext"
)

const tracerName = "github.com/liuxd6825/k6web/js/modules/k6/experimental/fetch"

// FetchControllerState is the state of a [FetchController].
type FetchControllerState string

// The fetch controller states, aborted and terminated are final.
const (
	FetchOngoing    FetchControllerState = "ongoing"
	FetchAborted    FetchControllerState = "aborted"
	FetchTerminated FetchControllerState = "terminated"
)

// FetchController is a [fetch controller]: it lets the fetch caller abort or
// terminate an ongoing fetch.
//
// [fetch controller]: https://fetch.spec.whatwg.org/#fetch-controller
type FetchController struct {
	state       FetchControllerState
	abortReason goja.Value
}

// NewFetchController creates an ongoing fetch controller.
func NewFetchController() *FetchController {
	return &FetchController{state: FetchOngoing}
}

// State returns the state of the controller.
func (c *FetchController) State() FetchControllerState {
	return c.state
}

// Abort implements [abort]: an ongoing fetch moves to aborted, keeping the
// reason.
//
// [abort]: https://fetch.spec.whatwg.org/#fetch-controller-abort
func (c *FetchController) Abort(reason goja.Value) {
	if c.state != FetchOngoing {
		return
	}
	c.state = FetchAborted
	c.abortReason = reason
}

// Terminate implements [terminate].
//
// [terminate]: https://fetch.spec.whatwg.org/#fetch-controller-terminate
func (c *FetchController) Terminate() {
	if c.state != FetchOngoing {
		return
	}
	c.state = FetchTerminated
}

// SerializedAbortReason returns the reason the controller was aborted with,
// nil when there is none.
func (c *FetchController) SerializedAbortReason() goja.Value {
	return c.abortReason
}

// deserializedAbortReason implements [deserialize a serialized abort
// reason]: an AbortError when there is no reason.
//
// [deserialize a serialized abort reason]: https://fetch.spec.whatwg.org/#deserialize-a-serialized-abort-reason
func (mi *ModuleInstance) deserializedAbortReason(c *FetchController) goja.Value {
	if reason := c.SerializedAbortReason(); reason != nil && !goja.IsUndefined(reason) {
		return reason
	}
	return mi.abort.NewAbortError()
}

// FetchTimingInfo is the [fetch timing info] of a fetch. It is recorded but
// nothing acts on it.
//
// [fetch timing info]: https://fetch.spec.whatwg.org/#fetch-timing-info
type FetchTimingInfo struct {
	StartTime     time.Time
	EndTime       time.Time
	RedirectCount int
	Trail         *httpext.Trail
}

// FetchParams is the [fetch params] struct tying a request to its
// controller and the steps processing the response.
//
// [fetch params]: https://fetch.spec.whatwg.org/#fetch-params
type FetchParams struct {
	Request             *Request
	Controller          *FetchController
	CrossOriginIsolated bool
	Timing              *FetchTimingInfo

	ProcessResponse          func(*Response)
	ProcessResponseEndOfBody func(*Response)
}

// fetch implements the [fetch] method.
//
// [fetch]: https://fetch.spec.whatwg.org/#fetch-method
//
//nolint:funlen
func (mi *ModuleInstance) fetch(input goja.Value, init goja.Value) *goja.Promise {
	rt := mi.vu.Runtime()

	// 1. Let p be a new promise.
	p, resolve, reject := rt.NewPromise()

	// 2. Let requestObject be the result of invoking the initial value of
	// Request as constructor with input and init as arguments. If this throws
	// an exception, reject p with it and return p.
	var request *Request
	err := try(rt, func() {
		var err error
		if request, err = mi.NewRequest(input, init); err != nil {
			throwError(rt, err)
		}
	})
	if err != nil {
		reject(exceptionValue(rt, err))
		return p
	}

	state := mi.vu.State()
	if state == nil {
		reject(rt.NewTypeError("fetch can only be called while a VU is running"))
		return p
	}

	// 4. If requestObject's signal is aborted, then abort the fetch() call
	// with p, request, null, and requestObject's signal's abort reason.
	signal := request.signal
	if signal.Aborted() {
		if request.body != nil {
			request.body.Stream.Cancel(signal.Reason())
		}
		reject(signal.Reason())
		return p
	}

	// 9. Let locallyAborted be false.
	locallyAborted := false

	// 11-12. Let responseObject and response be null.
	var response *Response

	controller := NewFetchController()
	ctx, cancel := context.WithCancel(mi.vu.Context())

	// 13. Add the following abort steps to requestObject's signal:
	removeAbort := signal.AddAlgorithm(func() {
		// 13.1. Set locallyAborted to true.
		locallyAborted = true

		// 13.3. Abort controller with requestObject's signal's abort reason.
		controller.Abort(signal.Reason())
		cancel()

		// 13.4. Abort the fetch() call with p, request, responseObject, and the abort reason.
		reason := mi.deserializedAbortReason(controller)
		reject(reason)
		if response != nil && response.body != nil &&
			response.body.Stream.State() == streams.ReadableStreamStateReadable {
			response.body.Stream.Controller().Error(reason)
		}
	})

	params := &FetchParams{
		Request:    request,
		Controller: controller,
		Timing:     &FetchTimingInfo{StartTime: time.Now()},
	}
	done := func() {
		removeAbort()
		cancel()
		params.Timing.EndTime = time.Now()
	}

	// 14. Set controller to the result of calling fetch given request and
	// processResponse given response being these steps:
	params.ProcessResponse = func(r *Response) {
		// 14.1. If locallyAborted is true, then abort these steps.
		if locallyAborted {
			return
		}

		// 14.3-14.5. Network errors resolve p as well, with their cause kept in Err.
		response = r
		resolve(r.Object())
	}
	params.ProcessResponseEndOfBody = func(*Response) { done() }

	dispatch := func(body []byte) {
		mi.startFetch(ctx, state, params, body, func() bool { return locallyAborted })
	}
	if request.body == nil {
		dispatch(nil)
		return p
	}

	// The request body is read whole before it goes out.
	mi.fullyRead(request.body.Stream, dispatch, func(e goja.Value) {
		done()
		reject(e)
	})
	return p
}

// startFetch runs the network exchange of params off the event loop, then
// processes the response back on it.
func (mi *ModuleInstance) startFetch(
	ctx context.Context, state *lib.State, params *FetchParams, body []byte, aborted func() bool,
) {
	request := params.Request
	preq := &httpext.Request{
		Method:   request.method,
		URL:      request.url,
		Header:   request.headers.HTTPHeader(),
		Body:     body,
		Redirect: httpext.RedirectMode(request.redirect),
	}
	if preq.Header.Get("Accept") == "" {
		preq.Header.Set("Accept", "*/*")
	}
	preq.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd")

	callback := mi.vu.RegisterCallback()
	go func() {
		res, err := exchange(ctx, state, preq)
		callback(func() error {
			if aborted() {
				if res != nil {
					_ = res.Body.Close()
				}
				return nil
			}
			if err != nil {
				response := mi.NewNetworkError(err)
				params.ProcessResponse(response)
				params.ProcessResponseEndOfBody(response)
				return nil
			}
			params.Timing.RedirectCount = len(res.URLList) - 1
			params.Timing.Trail = res.Timings
			mi.processResponse(ctx, state, params, res)
			return nil
		})
	}()
}

// exchange performs the HTTP exchange within the concurrency limits of
// state, in a client span.
func exchange(ctx context.Context, state *lib.State, preq *httpext.Request) (*httpext.Response, error) {
	if err := state.FetchLimiter.BeginContext(ctx); err != nil {
		return nil, err
	}
	defer state.FetchLimiter.End()

	hostLimiter := state.HostLimiter.Slot(preq.URL.Host)
	if err := hostLimiter.BeginContext(ctx); err != nil {
		return nil, err
	}
	defer hostLimiter.End()

	tp := state.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	ctx, span := tp.Tracer(tracerName).Start(ctx, "HTTP "+preq.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", preq.Method),
			attribute.String("url.full", preq.URL.String()),
		),
	)
	defer span.End()
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(preq.Header))

	res, err := httpext.MakeRequest(ctx, state, preq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var k6e httpext.K6Error
		if errors.As(err, &k6e) {
			span.SetAttributes(attribute.Int("error.code", int(k6e.Code)))
		}
		return nil, err
	}

	span.SetAttributes(res.Attributes()...)
	if res.Status >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", res.Status))
	}
	return res, nil
}

// processResponse turns the HTTP response into a Response, filtered per the
// redirect mode, with a body streaming from the transport.
func (mi *ModuleInstance) processResponse(
	ctx context.Context, state *lib.State, params *FetchParams, res *httpext.Response,
) {
	response := &Response{
		bodyMixin:  bodyMixin{mi: mi, headers: mi.NewHeaders(GuardImmutable)},
		typ:        ResponseTypeBasic,
		urlList:    res.URLList,
		status:     res.Status,
		statusText: res.StatusText,
	}
	response.headers.fillFromHTTP(res.Header)

	// A redirect in manual mode is hidden behind an opaque-redirect filtered response.
	if params.Request.redirect == string(httpext.RedirectManual) && httpext.IsRedirect(res.Status) {
		_ = res.Body.Close()
		filtered := &Response{
			bodyMixin: bodyMixin{mi: mi, headers: mi.NewHeaders(GuardImmutable)},
			typ:       ResponseTypeOpaqueRedirect,
			urlList:   res.URLList,
			internal:  response,
		}
		params.ProcessResponse(filtered)
		params.ProcessResponseEndOfBody(filtered)
		return
	}

	if params.Request.method == "HEAD" || isNullBodyStatus(res.Status) {
		_ = res.Body.Close()
		params.ProcessResponse(response)
		params.ProcessResponseEndOfBody(response)
		return
	}

	chunkSize := state.Options.FetchChunkSize.Int64
	if chunkSize <= 0 {
		chunkSize = lib.DefaultFetchChunkSize
	}
	stream := mi.newResponseBodyStream(ctx, res.Body, int(chunkSize), func() {
		params.ProcessResponseEndOfBody(response)
	})
	response.body = &Body{Stream: stream, Length: -1}
	params.ProcessResponse(response)
}

// newResponseBodyStream creates the stream of a response body: each pull
// reads one chunk on a goroutine. The transport body is closed once the
// stream is done or canceled, or when ctx is.
func (mi *ModuleInstance) newResponseBodyStream(
	ctx context.Context, body io.ReadCloser, chunkSize int, done func(),
) *streams.ReadableStream {
	rt := mi.vu.Runtime()

	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	var once sync.Once
	finish := func() {
		once.Do(func() {
			stop()
			_ = body.Close()
			done()
		})
	}

	return mi.streams.NewReadableStream(streams.SourceAlgorithms{
		Pull: func(controller *streams.ReadableStreamDefaultController) *goja.Promise {
			promise, resolve, _ := rt.NewPromise()
			callback := mi.vu.RegisterCallback()
			go func() {
				buf := make([]byte, chunkSize)
				n, err := body.Read(buf)
				callback(func() error {
					defer resolve(goja.Undefined())
					if !controller.CanCloseOrEnqueue() {
						finish()
						return nil
					}
					if n > 0 {
						chunk, cerr := common.NewUint8Array(rt, buf[:n])
						if cerr == nil {
							cerr = controller.Enqueue(chunk)
						}
						if cerr != nil {
							controller.Error(exceptionValue(rt, cerr))
							finish()
							return nil
						}
					}
					switch {
					case errors.Is(err, io.EOF):
						controller.Close()
						finish()
					case err != nil:
						mi.logger().WithError(err).Debug("Reading the response body failed")
						controller.Error(rt.NewTypeError(fmt.Sprintf("error reading the response body: %s", err)))
						finish()
					}
					return nil
				})
			}()
			return promise
		},
		Cancel: func(goja.Value) *goja.Promise {
			finish()
			return mi.newResolvedPromise(goja.Undefined())
		},
	}, 0, nil)
}
