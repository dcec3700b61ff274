package fetch

import (
	"net/http"
	"sort"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/http/httpguts"

	"github.com/liuxd6825/k6web/js/common"
)

// Guard is the mutability mode of a header list.
type Guard string

// The [header guards].
//
// [header guards]: https://fetch.spec.whatwg.org/#concept-headers-guard
const (
	GuardNone          Guard = "none"
	GuardRequest       Guard = "request"
	GuardRequestNoCORS Guard = "request-no-cors"
	GuardResponse      Guard = "response"
	GuardImmutable     Guard = "immutable"
)

type headerEntry struct {
	name  string // lowercase
	value string
}

// Headers is a header list along with its guard, the Go side of the
// [Headers] class.
//
// [Headers]: https://fetch.spec.whatwg.org/#headers-class
type Headers struct {
	mi  *ModuleInstance
	obj *goja.Object

	list  []headerEntry
	guard Guard
}

//nolint:gochecknoglobals
var (
	forbiddenRequestHeaders = map[string]bool{
		"accept-charset": true, "accept-encoding": true, "access-control-request-headers": true,
		"access-control-request-method": true, "connection": true, "content-length": true,
		"cookie": true, "cookie2": true, "date": true, "dnt": true, "expect": true, "host": true,
		"keep-alive": true, "origin": true, "referer": true, "set-cookie": true, "te": true,
		"trailer": true, "transfer-encoding": true, "upgrade": true, "via": true,
	}
	methodOverrideHeaders = map[string]bool{
		"x-http-method": true, "x-http-method-override": true, "x-method-override": true,
	}
	forbiddenResponseHeaders = map[string]bool{"set-cookie": true, "set-cookie2": true}
	noCORSSafelistedHeaders  = map[string]bool{
		"accept": true, "accept-language": true, "content-language": true, "content-type": true,
	}
	corsSafelistedContentTypes = map[string]bool{
		"application/x-www-form-urlencoded": true, "multipart/form-data": true, "text/plain": true,
	}
)

// NewHeaders creates an empty header list with the given guard.
func (mi *ModuleInstance) NewHeaders(guard Guard) *Headers {
	return &Headers{mi: mi, guard: guard}
}

// HeadersFrom returns the header list behind a Headers object.
func HeadersFrom(v goja.Value) (*Headers, bool) {
	return common.ImplOf[*Headers](v)
}

// newHeadersObject implements the [Headers] constructor.
//
// [Headers]: https://fetch.spec.whatwg.org/#dom-headers
func (mi *ModuleInstance) newHeadersObject(call goja.ConstructorCall) *goja.Object {

	// 1. Set this's guard to "none".
	h := &Headers{mi: mi, obj: call.This, guard: GuardNone}
	mi.bindHeaders(h)

	// 2. If init is given, then fill this with init.
	if err := h.Fill(call.Argument(0)); err != nil {
		throwError(mi.vu.Runtime(), err)
	}
	return call.This
}

// Object returns the script object of the header list.
func (h *Headers) Object() *goja.Object {
	if h.obj == nil {
		h.obj = h.mi.newObject(h.mi.headersCtor)
		h.mi.bindHeaders(h)
	}
	return h.obj
}

func (mi *ModuleInstance) bindHeaders(h *Headers) {
	rt := mi.vu.Runtime()
	obj := h.obj

	must := func(err error) {
		if err != nil {
			throwError(rt, err)
		}
	}

	common.Must(rt, common.AttachImpl(rt, obj, h))
	mi.define(obj, "append", func(name, value string) { must(h.Append(name, value)) })
	mi.define(obj, "set", func(name, value string) { must(h.Set(name, value)) })
	mi.define(obj, "delete", func(name string) { must(h.Delete(name)) })
	mi.define(obj, "get", func(name string) goja.Value {
		mustValidName(rt, name)
		if v, ok := h.Get(name); ok {
			return rt.ToValue(v)
		}
		return goja.Null()
	})
	mi.define(obj, "has", func(name string) bool {
		mustValidName(rt, name)
		return h.Has(name)
	})
	mi.define(obj, "getSetCookie", func() *goja.Object {
		var values []any
		for _, e := range h.list {
			if e.name == "set-cookie" {
				values = append(values, e.value)
			}
		}
		return rt.NewArray(values...)
	})
	mi.define(obj, "forEach", func(callback goja.Value, thisArg goja.Value) {
		fn, ok := goja.AssertFunction(callback)
		if !ok {
			throwTypeError(rt, "Headers.forEach: callback must be a function")
		}
		for _, e := range h.SortedAndCombined() {
			if _, err := fn(thisArg, rt.ToValue(e.value), rt.ToValue(e.name), obj); err != nil {
				throwError(rt, err)
			}
		}
	})

	entries := func() goja.Value {
		return newIterator(rt, h.SortedAndCombined(), func(e headerEntry) goja.Value {
			return rt.NewArray(e.name, e.value)
		})
	}
	mi.define(obj, "entries", entries)
	mi.define(obj, "keys", func() goja.Value {
		return newIterator(rt, h.SortedAndCombined(), func(e headerEntry) goja.Value { return rt.ToValue(e.name) })
	})
	mi.define(obj, "values", func() goja.Value {
		return newIterator(rt, h.SortedAndCombined(), func(e headerEntry) goja.Value { return rt.ToValue(e.value) })
	})
	common.Must(rt, obj.DefineDataPropertySymbol(goja.SymIterator, rt.ToValue(entries),
		goja.FLAG_TRUE, goja.FLAG_FALSE, goja.FLAG_TRUE))
}

func mustValidName(rt *goja.Runtime, name string) {
	if !httpguts.ValidHeaderFieldName(name) {
		throwTypeError(rt, "%q is an invalid header name", name)
	}
}

// normalizeHeaderValue strips leading and trailing HTTP whitespace.
func normalizeHeaderValue(value string) string {
	return strings.Trim(value, " \t\r\n")
}

// validate implements the [validate] steps: it throws on an invalid name or
// value and reports whether the guard lets the header through.
//
// [validate]: https://fetch.spec.whatwg.org/#headers-validate
func (h *Headers) validate(name, value string) (bool, error) {
	rt := h.mi.vu.Runtime()

	// 1. If name is not a header name or value is not a header value, then throw a TypeError.
	if !httpguts.ValidHeaderFieldName(name) {
		return false, typeError(rt, "%q is an invalid header name", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return false, typeError(rt, "%q is an invalid value for the %q header", value, name)
	}

	switch h.guard {
	// 2. If headers's guard is "immutable", then throw a TypeError.
	case GuardImmutable:
		return false, typeError(rt, "Headers are immutable")
	// 3. If headers's guard is "request" and (name, value) is a forbidden request-header, then return false.
	case GuardRequest:
		return !isForbiddenRequestHeader(name, value), nil
	// 4. If headers's guard is "response" and name is a forbidden response-header name, then return false.
	case GuardResponse:
		return !forbiddenResponseHeaders[strings.ToLower(name)], nil
	}
	return true, nil
}

// isForbiddenRequestHeader implements the [forbidden request-header] check.
//
// [forbidden request-header]: https://fetch.spec.whatwg.org/#forbidden-request-header
func isForbiddenRequestHeader(name, value string) bool {
	lower := strings.ToLower(name)
	if forbiddenRequestHeaders[lower] || strings.HasPrefix(lower, "proxy-") || strings.HasPrefix(lower, "sec-") {
		return true
	}
	if methodOverrideHeaders[lower] {
		for _, method := range strings.Split(value, ",") {
			if isForbiddenMethod(strings.TrimSpace(method)) {
				return true
			}
		}
	}
	return false
}

// isNoCORSSafelisted implements the [no-CORS-safelisted request-header] check.
//
// [no-CORS-safelisted request-header]: https://fetch.spec.whatwg.org/#no-cors-safelisted-request-header
func isNoCORSSafelisted(name, value string) bool {
	lower := strings.ToLower(name)
	if !noCORSSafelistedHeaders[lower] || len(value) > 128 {
		return false
	}
	if lower == "content-type" {
		essence := strings.ToLower(strings.TrimSpace(strings.SplitN(value, ";", 2)[0]))
		return corsSafelistedContentTypes[essence]
	}
	return true
}

// Append implements the [append] algorithm.
//
// [append]: https://fetch.spec.whatwg.org/#concept-headers-append
func (h *Headers) Append(name, value string) error {
	// 1. Normalize value.
	value = normalizeHeaderValue(value)

	// 2. If validating (name, value) for headers returns false, then return.
	ok, err := h.validate(name, value)
	if err != nil || !ok {
		return err
	}

	// 3. If headers's guard is "request-no-cors":
	if h.guard == GuardRequestNoCORS {
		// 3.1-3.3. Let temporaryValue be the combined value with value appended.
		temporaryValue := value
		if current, ok := h.Get(name); ok {
			temporaryValue = current + ", " + value
		}

		// 3.4. If (name, temporaryValue) is not a no-CORS-safelisted request-header, then return.
		if !isNoCORSSafelisted(name, temporaryValue) {
			return nil
		}
	}

	// 4. Append (name, value) to headers's header list.
	h.list = append(h.list, headerEntry{name: strings.ToLower(name), value: value})
	return nil
}

// Set implements the [set] operation.
//
// [set]: https://fetch.spec.whatwg.org/#dom-headers-set
func (h *Headers) Set(name, value string) error {
	// 1. Normalize value.
	value = normalizeHeaderValue(value)

	// 2. If validating (name, value) for this returns false, then return.
	ok, err := h.validate(name, value)
	if err != nil || !ok {
		return err
	}

	// 3. If this's guard is "request-no-cors" and (name, value) is not a
	// no-CORS-safelisted request-header, then return.
	if h.guard == GuardRequestNoCORS && !isNoCORSSafelisted(name, value) {
		return nil
	}

	// 4. Set (name, value) in this's header list: the first entry is
	// replaced, the others removed.
	lower := strings.ToLower(name)
	replaced := false
	list := h.list[:0]
	for _, e := range h.list {
		if e.name != lower {
			list = append(list, e)
			continue
		}
		if !replaced {
			list = append(list, headerEntry{name: lower, value: value})
			replaced = true
		}
	}
	if !replaced {
		list = append(list, headerEntry{name: lower, value: value})
	}
	h.list = list
	return nil
}

// Delete implements the [delete] operation.
//
// [delete]: https://fetch.spec.whatwg.org/#dom-headers-delete
func (h *Headers) Delete(name string) error {
	// 1. If validating (name, ``) for this returns false, then return.
	ok, err := h.validate(name, "")
	if err != nil || !ok {
		return err
	}

	// 2. If this's guard is "request-no-cors", name is not a no-CORS-safelisted
	// request-header name and not a privileged one, then return.
	if h.guard == GuardRequestNoCORS && !noCORSSafelistedHeaders[strings.ToLower(name)] {
		return nil
	}

	// 3-4. Delete name from this's header list.
	h.remove(name)
	return nil
}

func (h *Headers) remove(name string) {
	lower := strings.ToLower(name)
	list := h.list[:0]
	for _, e := range h.list {
		if e.name != lower {
			list = append(list, e)
		}
	}
	h.list = list
}

// Get returns the combined values of name, and whether the list contains it.
func (h *Headers) Get(name string) (string, bool) {
	lower := strings.ToLower(name)
	var values []string
	for _, e := range h.list {
		if e.name == lower {
			values = append(values, e.value)
		}
	}
	if values == nil {
		return "", false
	}
	return strings.Join(values, ", "), true
}

// Has reports whether the list contains name.
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Fill implements the [fill] algorithm: init is either another Headers
// object, a sequence of name/value pairs or a record.
//
// [fill]: https://fetch.spec.whatwg.org/#concept-headers-fill
func (h *Headers) Fill(init goja.Value) error {
	if common.IsNullish(init) {
		return nil
	}
	rt := h.mi.vu.Runtime()

	obj, ok := init.(*goja.Object)
	if !ok {
		return typeError(rt, "Headers init must be an object")
	}

	if other, ok := HeadersFrom(obj); ok {
		for _, e := range other.list {
			if err := h.Append(e.name, e.value); err != nil {
				return err
			}
		}
		return nil
	}

	// 1. If object is a sequence, then for each header of object:
	if iter := obj.GetSymbol(goja.SymIterator); !common.IsNullish(iter) {
		var pairs [][2]string
		err := try(rt, func() {
			rt.ForOf(obj, func(v goja.Value) bool {
				pair, ok := v.(*goja.Object)
				if !ok {
					throwTypeError(rt, "Headers init pairs must be sequences")
				}
				// 1.1. If header's size is not 2, then throw a TypeError.
				var items []string
				rt.ForOf(pair, func(item goja.Value) bool {
					items = append(items, item.String())
					return true
				})
				if len(items) != 2 {
					throwTypeError(rt, "Headers init pairs must hold exactly two items")
				}
				pairs = append(pairs, [2]string{items[0], items[1]})
				return true
			})
		})
		if err != nil {
			return err
		}

		// 1.2. Append (header[0], header[1]) to headers.
		for _, pair := range pairs {
			if err := h.Append(pair[0], pair[1]); err != nil {
				return err
			}
		}
		return nil
	}

	// 2. Otherwise, object is a record: for each key → value of object, append (key, value) to headers.
	for _, key := range obj.Keys() {
		if err := h.Append(key, obj.Get(key).String()); err != nil {
			return err
		}
	}
	return nil
}

// SortedAndCombined implements [sort and combine]: names are sorted, values
// of a name are joined, except set-cookie values which stay separate.
//
// [sort and combine]: https://fetch.spec.whatwg.org/#concept-header-list-sort-and-combine
func (h *Headers) SortedAndCombined() []headerEntry {
	names := make([]string, 0, len(h.list))
	seen := make(map[string]bool, len(h.list))
	for _, e := range h.list {
		if !seen[e.name] {
			seen[e.name] = true
			names = append(names, e.name)
		}
	}
	sort.Strings(names)

	out := make([]headerEntry, 0, len(names))
	for _, name := range names {
		if name == "set-cookie" {
			for _, e := range h.list {
				if e.name == name {
					out = append(out, e)
				}
			}
			continue
		}
		value, _ := h.Get(name)
		out = append(out, headerEntry{name: name, value: value})
	}
	return out
}

// Clone returns a copy of the header list with the same guard.
func (h *Headers) Clone() *Headers {
	return &Headers{mi: h.mi, guard: h.guard, list: append([]headerEntry(nil), h.list...)}
}

// HTTPHeader converts the list for the network layer.
func (h *Headers) HTTPHeader() http.Header {
	header := make(http.Header, len(h.list))
	for _, e := range h.list {
		header.Add(e.name, e.value)
	}
	return header
}

// fillFromHTTP appends the received headers as they are, bypassing the guard.
func (h *Headers) fillFromHTTP(header http.Header) {
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range header[name] {
			h.list = append(h.list, headerEntry{name: strings.ToLower(name), value: value})
		}
	}
}

// newIterator returns a script iterator over items.
func newIterator[T any](rt *goja.Runtime, items []T, convert func(T) goja.Value) goja.Value {
	values := make([]any, len(items))
	for i, item := range items {
		values[i] = convert(item)
	}
	arr := rt.NewArray(values...)
	fn, ok := goja.AssertFunction(arr.Get("values"))
	if !ok {
		throwTypeError(rt, "unable to iterate")
	}
	it, err := fn(arr)
	if err != nil {
		throwError(rt, err)
	}
	return it
}
