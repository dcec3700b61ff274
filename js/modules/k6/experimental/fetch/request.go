package fetch

import (
	"net/url"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/http/httpguts"

	"github.com/liuxd6825/k6web/js/common"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/abort"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/streams"
)

// Request is the Go side of the [Request] class.
//
// [Request]: https://fetch.spec.whatwg.org/#request-class
type Request struct {
	bodyMixin
	obj *goja.Object

	method      string
	url         *url.URL
	mode        string
	credentials string
	cache       string
	redirect    string
	keepalive   bool
	signal      *abort.Signal
}

//nolint:gochecknoglobals
var (
	requestModes       = []string{"same-origin", "no-cors", "cors", "navigate"}
	requestCredentials = []string{"omit", "same-origin", "include"}
	requestCaches      = []string{"default", "no-store", "reload", "no-cache", "force-cache", "only-if-cached"}
	requestRedirects   = []string{"follow", "error", "manual"}

	normalizedMethods = []string{"DELETE", "GET", "HEAD", "OPTIONS", "POST", "PUT"}
)

// RequestFrom returns the request behind a Request object.
func RequestFrom(v goja.Value) (*Request, bool) {
	return common.ImplOf[*Request](v)
}

// isForbiddenMethod implements the [forbidden method] check.
//
// [forbidden method]: https://fetch.spec.whatwg.org/#forbidden-method
func isForbiddenMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "CONNECT", "TRACE", "TRACK":
		return true
	}
	return false
}

// normalizeMethod implements the [normalize] step: the well known methods
// are uppercased.
//
// [normalize]: https://fetch.spec.whatwg.org/#concept-method-normalize
func normalizeMethod(method string) string {
	for _, m := range normalizedMethods {
		if strings.EqualFold(m, method) {
			return m
		}
	}
	return method
}

func (mi *ModuleInstance) newRequestObject(call goja.ConstructorCall) *goja.Object {

	request, err := mi.NewRequest(call.Argument(0), call.Argument(1))
	if err != nil {
		throwError(mi.vu.Runtime(), err)
	}
	request.obj = call.This
	mi.bindRequest(request)
	return call.This
}

// requestInit reads the members of a [RequestInit] dictionary.
//
// [RequestInit]: https://fetch.spec.whatwg.org/#requestinit
type requestInit struct {
	obj *goja.Object
}

func (init requestInit) get(name string) (goja.Value, bool) {
	if init.obj == nil {
		return nil, false
	}
	v := init.obj.Get(name)
	if v == nil || goja.IsUndefined(v) {
		return nil, false
	}
	return v, true
}

func (init requestInit) empty() bool {
	if init.obj == nil {
		return true
	}
	for _, key := range []string{
		"body", "cache", "credentials", "headers", "integrity", "keepalive",
		"method", "mode", "redirect", "referrer", "referrerPolicy", "signal", "window",
	} {
		if _, ok := init.get(key); ok {
			return false
		}
	}
	return true
}

func (init requestInit) enum(rt *goja.Runtime, name string, allowed []string) (string, bool, error) {
	v, ok := init.get(name)
	if !ok {
		return "", false, nil
	}
	s := v.String()
	for _, a := range allowed {
		if s == a {
			return s, true, nil
		}
	}
	return "", false, typeError(rt, "Failed to construct 'Request': %q is not a valid value for %s", s, name)
}

// NewRequest implements the [Request] constructor steps.
//
// [Request]: https://fetch.spec.whatwg.org/#dom-request
//
//nolint:funlen,gocognit,cyclop
func (mi *ModuleInstance) NewRequest(input, initValue goja.Value) (*Request, error) {
	rt := mi.vu.Runtime()

	var init requestInit
	if !common.IsNullish(initValue) {
		obj, ok := initValue.(*goja.Object)
		if !ok {
			return nil, typeError(rt, "Failed to construct 'Request': init must be an object")
		}
		init.obj = obj
	}

	// 1-3. Let request be null.
	request := &Request{
		bodyMixin:   bodyMixin{mi: mi},
		method:      "GET",
		mode:        "cors",
		credentials: "same-origin",
		cache:       "default",
		redirect:    "follow",
	}
	var inputRequest *Request

	if other, ok := RequestFrom(input); ok {
		// 6. Otherwise: set request to input's request and signal to input's signal.
		inputRequest = other
		request.url = other.url
		request.method = other.method
		request.mode = other.mode
		request.credentials = other.credentials
		request.cache = other.cache
		request.redirect = other.redirect
		request.keepalive = other.keepalive
	} else {
		// 5. If input is a string: parse it, throw a TypeError on failure or if it includes credentials.
		parsed, err := url.Parse(input.String())
		if err != nil || !parsed.IsAbs() || parsed.Host == "" {
			return nil, typeError(rt, "Failed to construct 'Request': Invalid URL %q", input.String())
		}
		if parsed.User != nil {
			return nil, typeError(rt, "Failed to construct 'Request': %q is an URL with embedded credentials", input.String())
		}
		request.url = parsed
	}

	// 12. If init is not empty: a navigate mode becomes same-origin.
	if !init.empty() && request.mode == "navigate" {
		request.mode = "same-origin"
	}

	// 23. If init["mode"] exists: navigate throws a TypeError.
	if mode, ok, err := init.enum(rt, "mode", requestModes); err != nil {
		return nil, err
	} else if ok {
		if mode == "navigate" {
			return nil, typeError(rt, "Failed to construct 'Request': cannot construct a Request with a RequestInit whose mode member is set as 'navigate'")
		}
		request.mode = mode
	}

	// 25. If init["credentials"] exists, then set request's credentials mode to it.
	if credentials, ok, err := init.enum(rt, "credentials", requestCredentials); err != nil {
		return nil, err
	} else if ok {
		request.credentials = credentials
	}

	// 26-27. If init["cache"] exists, set request's cache mode. only-if-cached needs same-origin.
	if cache, ok, err := init.enum(rt, "cache", requestCaches); err != nil {
		return nil, err
	} else if ok {
		request.cache = cache
	}
	if request.cache == "only-if-cached" && request.mode != "same-origin" {
		return nil, typeError(rt, "Failed to construct 'Request': 'only-if-cached' can be set only with 'same-origin' mode")
	}

	// 28. If init["redirect"] exists, then set request's redirect mode to it.
	if redirect, ok, err := init.enum(rt, "redirect", requestRedirects); err != nil {
		return nil, err
	} else if ok {
		request.redirect = redirect
	}

	// 30. If init["keepalive"] exists, then set request's keepalive to it.
	if keepalive, ok := init.get("keepalive"); ok {
		request.keepalive = keepalive.ToBoolean()
	}

	// 31. If init["method"] exists: validate, reject forbidden methods and normalize it.
	if methodValue, ok := init.get("method"); ok {
		method := methodValue.String()
		if !httpguts.ValidHeaderFieldName(method) {
			return nil, typeError(rt, "Failed to construct 'Request': %q is not a valid HTTP method", method)
		}
		if isForbiddenMethod(method) {
			return nil, typeError(rt, "Failed to construct 'Request': %q HTTP method is unsupported", method)
		}
		request.method = normalizeMethod(method)
	}

	// 29, 32-33. The signal follows the init's signal, the input's otherwise.
	var parentSignal *abort.Signal
	if inputRequest != nil {
		parentSignal = inputRequest.signal
	}
	if signalValue, ok := init.get("signal"); ok {
		parentSignal = nil
		if !goja.IsNull(signalValue) {
			s, ok := abort.SignalOf(signalValue)
			if !ok {
				return nil, typeError(rt, "Failed to construct 'Request': member signal is not of type AbortSignal")
			}
			parentSignal = s
		}
	}
	request.signal = mi.followingSignal(parentSignal)

	// 34-35. Set this's headers to a new Headers object with guard "request".
	request.headers = mi.NewHeaders(GuardRequest)

	// 36. If this's request's mode is "no-cors": only CORS-safelisted methods, and the guard becomes "request-no-cors".
	if request.mode == "no-cors" {
		switch request.method {
		case "GET", "HEAD", "POST":
		default:
			return nil, typeError(rt, "Failed to construct 'Request': %q is unsupported in no-cors mode", request.method)
		}
		request.headers.guard = GuardRequestNoCORS
	}

	// 37. If init is not empty: fill the headers from init["headers"], or from the input's headers.
	if headersInit, ok := init.get("headers"); ok {
		if err := request.headers.Fill(headersInit); err != nil {
			return nil, err
		}
	} else if inputRequest != nil {
		for _, e := range inputRequest.headers.list {
			if err := request.headers.Append(e.name, e.value); err != nil {
				return nil, err
			}
		}
	}

	// 38. Let inputBody be input's request's body if input is a Request object; otherwise null.
	var inputBody *Body
	if inputRequest != nil {
		inputBody = inputRequest.body
	}

	// 39. If either init["body"] exists and is non-null or inputBody is non-null,
	// and request's method is `GET` or `HEAD`, then throw a TypeError.
	bodyValue, hasBody := init.get("body")
	hasBody = hasBody && !goja.IsNull(bodyValue)
	if (hasBody || inputBody != nil) && (request.method == "GET" || request.method == "HEAD") {
		return nil, typeError(rt, "Failed to construct 'Request': Request with GET/HEAD method cannot have body")
	}

	// 41. If init["body"] exists and is non-null: extract it, set the content type if missing.
	if hasBody {
		body, contentType, err := mi.Extract(bodyValue, request.keepalive)
		if err != nil {
			return nil, err
		}
		if contentType != "" && !request.headers.Has("content-type") {
			if err := request.headers.Append("Content-Type", contentType); err != nil {
				return nil, err
			}
		}
		request.body = body
		return request, nil
	}

	// 44. If initBody is null and inputBody is non-null: input must be usable,
	// the body becomes a proxy of inputBody.
	if inputBody != nil {
		if inputRequest.Unusable() {
			return nil, typeError(rt, "Failed to construct 'Request': Cannot construct a Request with a Request object that has already been used")
		}
		proxy, err := mi.proxyStream(inputBody.Stream)
		if err != nil {
			return nil, err
		}
		request.body = &Body{Stream: proxy, Source: inputBody.Source, Length: inputBody.Length}
	}
	return request, nil
}

// followingSignal creates a signal that aborts along with parent.
func (mi *ModuleInstance) followingSignal(parent *abort.Signal) *abort.Signal {
	signal := mi.abort.NewSignal()
	if parent == nil {
		return signal
	}
	if parent.Aborted() {
		signal.Abort(parent.Reason())
		return signal
	}
	parent.AddAlgorithm(func() { signal.Abort(parent.Reason()) })
	return signal
}

// proxyStream pipes source through an identity transform stream and returns
// the readable side. source is locked from then on.
func (mi *ModuleInstance) proxyStream(source *streams.ReadableStream) (*streams.ReadableStream, error) {
	return source.PipeThrough(mi.streams.NewTransformStream(streams.TransformAlgorithms{}))
}

// Object returns the script object of the request.
func (r *Request) Object() *goja.Object {
	if r.obj == nil {
		r.obj = r.mi.newObject(r.mi.requestCtor)
		r.mi.bindRequest(r)
	}
	return r.obj
}

// Method returns the normalized request method.
func (r *Request) Method() string {
	return r.method
}

// URL returns the request URL.
func (r *Request) URL() *url.URL {
	return r.url
}

// Signal returns the signal the request follows.
func (r *Request) Signal() *abort.Signal {
	return r.signal
}

func (mi *ModuleInstance) bindRequest(r *Request) {
	rt := mi.vu.Runtime()
	obj := r.obj

	common.Must(rt, common.AttachImpl(rt, obj, r))
	mi.getter(obj, "method", func() string { return r.method })
	mi.getter(obj, "url", func() string { return r.url.String() })
	mi.getter(obj, "headers", func() *goja.Object { return r.headers.Object() })
	mi.getter(obj, "destination", func() string { return "" })
	mi.getter(obj, "referrer", func() string { return "about:client" })
	mi.getter(obj, "referrerPolicy", func() string { return "" })
	mi.getter(obj, "mode", func() string { return r.mode })
	mi.getter(obj, "credentials", func() string { return r.credentials })
	mi.getter(obj, "cache", func() string { return r.cache })
	mi.getter(obj, "redirect", func() string { return r.redirect })
	mi.getter(obj, "integrity", func() string { return "" })
	mi.getter(obj, "keepalive", func() bool { return r.keepalive })
	mi.getter(obj, "signal", func() *goja.Object { return r.signal.Object() })
	mi.getter(obj, "duplex", func() string { return "half" })
	mi.bindBody(obj, &r.bodyMixin)

	mi.define(obj, "clone", func() *goja.Object {
		clone, err := r.Clone()
		if err != nil {
			throwError(rt, err)
		}
		return clone.Object()
	})
}

// Clone implements the [clone] method: the body is teed and the clone
// follows the signal of r.
//
// [clone]: https://fetch.spec.whatwg.org/#dom-request-clone
func (r *Request) Clone() (*Request, error) {
	rt := r.mi.vu.Runtime()

	// 1. If this is unusable, then throw a TypeError.
	if r.Unusable() {
		return nil, typeError(rt, "Failed to execute 'clone' on 'Request': Request body is already used")
	}

	// 2. Let clonedRequest be the result of cloning this's request.
	clone := *r
	clone.obj = nil
	clone.headers = r.headers.Clone()
	if r.body != nil {
		body, err := r.body.Clone()
		if err != nil {
			return nil, err
		}
		clone.body = body
	}

	// 4-5. Let clonedSignal follow this's signal.
	clone.signal = r.mi.followingSignal(r.signal)
	return &clone, nil
}
