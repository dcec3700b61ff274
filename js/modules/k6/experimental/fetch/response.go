package fetch

import (
	"net/url"

	"github.com/dop251/goja"
	"golang.org/x/net/http/httpguts"

	"github.com/liuxd6825/k6web/js/common"
	"github.com/liuxd6825/k6web/lib/netext/httpext"
)

// ResponseType is the [type] of a response.
//
// [type]: https://fetch.spec.whatwg.org/#concept-response-type
type ResponseType string

// The response types.
const (
	ResponseTypeBasic          ResponseType = "basic"
	ResponseTypeCORS           ResponseType = "cors"
	ResponseTypeDefault        ResponseType = "default"
	ResponseTypeError          ResponseType = "error"
	ResponseTypeOpaque         ResponseType = "opaque"
	ResponseTypeOpaqueRedirect ResponseType = "opaqueredirect"
)

// Response is the Go side of the [Response] class. Filtered responses keep
// the response they hide in internal.
//
// [Response]: https://fetch.spec.whatwg.org/#response-class
type Response struct {
	bodyMixin
	obj *goja.Object

	typ        ResponseType
	urlList    []*url.URL
	status     int
	statusText string

	internal *Response

	// Err is the cause of a network error.
	Err error
}

// isNullBodyStatus reports whether status is a [null body status].
//
// [null body status]: https://fetch.spec.whatwg.org/#null-body-status
func isNullBodyStatus(status int) bool {
	switch status {
	case 101, 103, 204, 205, 304:
		return true
	}
	return false
}

// newResponseObject implements the [Response] constructor.
//
// [Response]: https://fetch.spec.whatwg.org/#dom-response
func (mi *ModuleInstance) newResponseObject(call goja.ConstructorCall) *goja.Object {
	rt := mi.vu.Runtime()

	// 1-2. Set this's response to a new response, and its headers to a new Headers with guard "response".
	r := &Response{
		bodyMixin: bodyMixin{mi: mi, headers: mi.NewHeaders(GuardResponse)},
		typ:       ResponseTypeDefault,
		status:    200,
	}

	// 3. Let bodyWithType be null.
	// 4. If body is non-null, then set bodyWithType to the result of extracting body.
	var (
		body        *Body
		contentType string
	)
	if bodyValue := call.Argument(0); !common.IsNullish(bodyValue) {
		var err error
		if body, contentType, err = mi.Extract(bodyValue, false); err != nil {
			throwError(rt, err)
		}
	}

	// 5. Perform initialize a response given this, init, and bodyWithType.
	if err := r.initialize(call.Argument(1), body, contentType); err != nil {
		throwError(rt, err)
	}

	r.obj = call.This
	mi.bindResponse(r)
	return call.This
}

// initialize implements the [initialize a response] algorithm.
//
// [initialize a response]: https://fetch.spec.whatwg.org/#initialize-a-response
func (r *Response) initialize(initValue goja.Value, body *Body, contentType string) error {
	rt := r.mi.vu.Runtime()

	var init *goja.Object
	if !common.IsNullish(initValue) {
		obj, ok := initValue.(*goja.Object)
		if !ok {
			return typeError(rt, "Failed to construct 'Response': init must be an object")
		}
		init = obj
	}
	member := func(name string) (goja.Value, bool) {
		if init == nil {
			return nil, false
		}
		v := init.Get(name)
		return v, v != nil && !goja.IsUndefined(v)
	}

	// 1. If init["status"] is not in the range 200 to 599, inclusive, then throw a RangeError.
	if status, ok := member("status"); ok {
		code := status.ToInteger()
		if code < 200 || code > 599 {
			return rangeError(rt, "Failed to construct 'Response': The status provided is outside the range [200, 599].")
		}
		r.status = int(code)
	}

	// 2. If init["statusText"] does not match the reason-phrase token production, then throw a TypeError.
	if statusText, ok := member("statusText"); ok {
		text := statusText.String()
		if !httpguts.ValidHeaderFieldValue(text) {
			return typeError(rt, "Failed to construct 'Response': Invalid statusText")
		}
		r.statusText = text
	}

	// 5. If init["headers"] exists, then fill response's headers with init["headers"].
	if headers, ok := member("headers"); ok {
		if err := r.headers.Fill(headers); err != nil {
			return err
		}
	}

	// 6. If body was given, then:
	if body != nil {
		// 6.1. If response's status is a null body status, then throw a TypeError.
		if isNullBodyStatus(r.status) {
			return typeError(rt, "Failed to construct 'Response': Response with null body status cannot have body")
		}

		// 6.2. Set response's body to body's body.
		r.body = body

		// 6.3. If body's type is non-null and response's header list does not contain `Content-Type`, then append it.
		if contentType != "" && !r.headers.Has("content-type") {
			r.headers.list = append(r.headers.list, headerEntry{name: "content-type", value: contentType})
		}
	}
	return nil
}

// NewNetworkError creates a [network error] response caused by err.
//
// [network error]: https://fetch.spec.whatwg.org/#concept-network-error
func (mi *ModuleInstance) NewNetworkError(err error) *Response {
	return &Response{
		bodyMixin: bodyMixin{mi: mi, headers: mi.NewHeaders(GuardImmutable)},
		typ:       ResponseTypeError,
		Err:       err,
	}
}

// responseErrorStatic implements [Response.error()].
//
// [Response.error()]: https://fetch.spec.whatwg.org/#dom-response-error
func (mi *ModuleInstance) responseErrorStatic() *goja.Object {
	return mi.NewNetworkError(nil).Object()
}

// responseRedirectStatic implements [Response.redirect()].
//
// [Response.redirect()]: https://fetch.spec.whatwg.org/#dom-response-redirect
func (mi *ModuleInstance) responseRedirectStatic(location string, status goja.Value) *goja.Object {
	rt := mi.vu.Runtime()

	// 1-2. Let parsedURL be the result of parsing url. If parsedURL is failure, then throw a TypeError.
	parsed, err := url.Parse(location)
	if err != nil || !parsed.IsAbs() {
		throwTypeError(rt, "Failed to execute 'redirect' on 'Response': Invalid URL %q", location)
	}

	// 3. If status is not a redirect status, then throw a RangeError.
	code := 302
	if !goja.IsUndefined(status) {
		code = int(status.ToInteger())
	}
	if !httpext.IsRedirect(code) {
		throwError(rt, rangeError(rt, "Failed to execute 'redirect' on 'Response': Invalid status code"))
	}

	// 4-7. Let responseObject be a new Response with an immutable header list
	// holding `Location` set to parsedURL.
	r := &Response{
		bodyMixin: bodyMixin{mi: mi, headers: mi.NewHeaders(GuardImmutable)},
		typ:       ResponseTypeDefault,
		status:    code,
	}
	r.headers.list = append(r.headers.list, headerEntry{name: "location", value: parsed.String()})
	return r.Object()
}

// responseJSONStatic implements [Response.json()].
//
// [Response.json()]: https://fetch.spec.whatwg.org/#dom-response-json
func (mi *ModuleInstance) responseJSONStatic(data goja.Value, init goja.Value) *goja.Object {
	rt := mi.vu.Runtime()

	// 1. Let bytes the result of running serialize a JavaScript value to JSON bytes on data.
	serialized, err := mi.jsonStringify(goja.Undefined(), data)
	if err != nil {
		throwError(rt, err)
	}
	if goja.IsUndefined(serialized) {
		throwTypeError(rt, "Failed to execute 'json' on 'Response': The data is not JSON serializable")
	}

	// 2. Let body be the result of extracting bytes.
	body, _, err := mi.Extract(serialized, false)
	if err != nil {
		throwError(rt, err)
	}

	// 3-4. Let responseObject be a new Response initialized with init and (body, "application/json").
	r := &Response{
		bodyMixin: bodyMixin{mi: mi, headers: mi.NewHeaders(GuardResponse)},
		typ:       ResponseTypeDefault,
		status:    200,
	}
	if err := r.initialize(init, body, "application/json"); err != nil {
		throwError(rt, err)
	}
	return r.Object()
}

// Object returns the script object of the response.
func (r *Response) Object() *goja.Object {
	if r.obj == nil {
		r.obj = r.mi.newObject(r.mi.responseCtor)
		r.mi.bindResponse(r)
	}
	return r.obj
}

// Type returns the response type.
func (r *Response) Type() ResponseType {
	return r.typ
}

// Status returns the response status, 0 for network errors and filtered
// opaque responses.
func (r *Response) Status() int {
	return r.status
}

// URL returns the last URL of the list without its fragment, empty when the
// list is.
func (r *Response) URL() string {
	if len(r.urlList) == 0 {
		return ""
	}
	u := *r.urlList[len(r.urlList)-1]
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func (mi *ModuleInstance) bindResponse(r *Response) {
	rt := mi.vu.Runtime()
	obj := r.obj

	common.Must(rt, common.AttachImpl(rt, obj, r))
	mi.getter(obj, "type", func() string { return string(r.typ) })
	mi.getter(obj, "url", r.URL)
	mi.getter(obj, "redirected", func() bool { return len(r.urlList) > 1 })
	mi.getter(obj, "status", func() int { return r.status })
	mi.getter(obj, "ok", func() bool { return r.status >= 200 && r.status <= 299 })
	mi.getter(obj, "statusText", func() string { return r.statusText })
	mi.getter(obj, "headers", func() *goja.Object { return r.headers.Object() })
	mi.bindBody(obj, &r.bodyMixin)

	mi.define(obj, "clone", func() *goja.Object {
		clone, err := r.Clone()
		if err != nil {
			throwError(rt, err)
		}
		return clone.Object()
	})
}

// Clone implements the [clone] method: the body is teed, a filtered
// response gets a clone of its internal response.
//
// [clone]: https://fetch.spec.whatwg.org/#dom-response-clone
func (r *Response) Clone() (*Response, error) {
	rt := r.mi.vu.Runtime()

	// 1. If this is unusable, then throw a TypeError.
	if r.Unusable() {
		return nil, typeError(rt, "Failed to execute 'clone' on 'Response': Response body is already used")
	}

	// 2. Let clonedResponse be the result of cloning this's response.
	return r.clone()
}

func (r *Response) clone() (*Response, error) {
	clone := *r
	clone.obj = nil
	clone.urlList = append([]*url.URL(nil), r.urlList...)
	clone.headers = r.headers.Clone()

	// 1. If response is a filtered response, then return a new identical
	// filtered response whose internal response is a clone of response's internal response.
	if r.internal != nil {
		internal, err := r.internal.clone()
		if err != nil {
			return nil, err
		}
		clone.internal = internal
		return &clone, nil
	}

	// 4. If response's body is non-null, then set newResponse's body to the result of cloning response's body.
	if r.body != nil {
		body, err := r.body.Clone()
		if err != nil {
			return nil, err
		}
		clone.body = body
	}
	return &clone, nil
}
