package fetch

import (
	"net/url"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

type queryPair struct {
	name  string
	value string
}

// URLSearchParams is an ordered list of name/value pairs, the Go side of the
// [URLSearchParams] class.
//
// [URLSearchParams]: https://url.spec.whatwg.org/#interface-urlsearchparams
type URLSearchParams struct {
	mi  *ModuleInstance
	obj *goja.Object

	list []queryPair
}

// URLSearchParamsFrom returns the list behind a URLSearchParams object.
func URLSearchParamsFrom(v goja.Value) (*URLSearchParams, bool) {
	return common.ImplOf[*URLSearchParams](v)
}

// newURLSearchParamsObject implements the [URLSearchParams] constructor:
// init is a query string, a sequence of pairs, a record or another
// URLSearchParams.
//
// [URLSearchParams]: https://url.spec.whatwg.org/#dom-urlsearchparams-urlsearchparams
func (mi *ModuleInstance) newURLSearchParamsObject(call goja.ConstructorCall) *goja.Object {
	rt := mi.vu.Runtime()

	params := &URLSearchParams{mi: mi, obj: call.This}
	init := call.Argument(0)

	switch obj, isObject := init.(*goja.Object); {
	case common.IsNullish(init):
	case !isObject:
		// 1. If init is a string and starts with "?", remove the first code point from init.
		params.list = parseURLEncoded(strings.TrimPrefix(init.String(), "?"))
	case isURLSearchParamsObject(obj):
		other, _ := URLSearchParamsFrom(obj)
		params.list = append([]queryPair(nil), other.list...)
	case !common.IsNullish(obj.GetSymbol(goja.SymIterator)):
		rt.ForOf(obj, func(v goja.Value) bool {
			pair, ok := v.(*goja.Object)
			if !ok {
				throwTypeError(rt, "Failed to construct 'URLSearchParams': pairs must be sequences")
			}
			var items []string
			rt.ForOf(pair, func(item goja.Value) bool {
				items = append(items, item.String())
				return true
			})
			if len(items) != 2 {
				throwTypeError(rt, "Failed to construct 'URLSearchParams': pairs must hold exactly two items")
			}
			params.list = append(params.list, queryPair{name: items[0], value: items[1]})
			return true
		})
	default:
		for _, key := range obj.Keys() {
			params.list = append(params.list, queryPair{name: key, value: obj.Get(key).String()})
		}
	}

	mi.bindURLSearchParams(params)
	return call.This
}

func isURLSearchParamsObject(obj *goja.Object) bool {
	_, ok := URLSearchParamsFrom(obj)
	return ok
}

// Object returns the script object of the list.
func (p *URLSearchParams) Object() *goja.Object {
	if p.obj == nil {
		p.obj = p.mi.newObject(p.mi.urlSearchParamsCtor)
		p.mi.bindURLSearchParams(p)
	}
	return p.obj
}

func (mi *ModuleInstance) bindURLSearchParams(p *URLSearchParams) {
	rt := mi.vu.Runtime()
	obj := p.obj

	common.Must(rt, common.AttachImpl(rt, obj, p))
	mi.getter(obj, "size", func() int { return len(p.list) })
	mi.define(obj, "append", func(name, value string) {
		p.list = append(p.list, queryPair{name: name, value: value})
	})
	mi.define(obj, "delete", func(name string, value goja.Value) {
		p.Delete(name, value)
	})
	mi.define(obj, "get", func(name string) goja.Value {
		for _, pair := range p.list {
			if pair.name == name {
				return rt.ToValue(pair.value)
			}
		}
		return goja.Null()
	})
	mi.define(obj, "getAll", func(name string) *goja.Object {
		values := []any{}
		for _, pair := range p.list {
			if pair.name == name {
				values = append(values, pair.value)
			}
		}
		return rt.NewArray(values...)
	})
	mi.define(obj, "has", func(name string, value goja.Value) bool {
		for _, pair := range p.list {
			if pair.name == name && (value == nil || goja.IsUndefined(value) || pair.value == value.String()) {
				return true
			}
		}
		return false
	})
	mi.define(obj, "set", p.Set)
	mi.define(obj, "sort", p.Sort)
	mi.define(obj, "toString", p.String)
	mi.define(obj, "forEach", func(callback goja.Value, thisArg goja.Value) {
		fn, ok := goja.AssertFunction(callback)
		if !ok {
			throwTypeError(rt, "URLSearchParams.forEach: callback must be a function")
		}
		for _, pair := range append([]queryPair(nil), p.list...) {
			if _, err := fn(thisArg, rt.ToValue(pair.value), rt.ToValue(pair.name), obj); err != nil {
				throwError(rt, err)
			}
		}
	})

	entries := func() goja.Value {
		return newIterator(rt, p.list, func(pair queryPair) goja.Value { return rt.NewArray(pair.name, pair.value) })
	}
	mi.define(obj, "entries", entries)
	mi.define(obj, "keys", func() goja.Value {
		return newIterator(rt, p.list, func(pair queryPair) goja.Value { return rt.ToValue(pair.name) })
	})
	mi.define(obj, "values", func() goja.Value {
		return newIterator(rt, p.list, func(pair queryPair) goja.Value { return rt.ToValue(pair.value) })
	})
	common.Must(rt, obj.DefineDataPropertySymbol(goja.SymIterator, rt.ToValue(entries),
		goja.FLAG_TRUE, goja.FLAG_FALSE, goja.FLAG_TRUE))
}

// Delete removes the pairs named name, only those holding value when it
// is given.
func (p *URLSearchParams) Delete(name string, value goja.Value) {
	list := p.list[:0]
	for _, pair := range p.list {
		if pair.name == name && (value == nil || goja.IsUndefined(value) || pair.value == value.String()) {
			continue
		}
		list = append(list, pair)
	}
	p.list = list
}

// Set replaces the value of the first pair named name and removes the
// others, or appends a new pair when there is none.
func (p *URLSearchParams) Set(name, value string) {
	replaced := false
	list := p.list[:0]
	for _, pair := range p.list {
		if pair.name != name {
			list = append(list, pair)
			continue
		}
		if !replaced {
			list = append(list, queryPair{name: name, value: value})
			replaced = true
		}
	}
	if !replaced {
		list = append(list, queryPair{name: name, value: value})
	}
	p.list = list
}

// Sort orders the pairs by name, keeping the relative order of pairs with
// the same name.
func (p *URLSearchParams) Sort() {
	sort.SliceStable(p.list, func(i, j int) bool {
		return lessUTF16(p.list[i].name, p.list[j].name)
	})
}

// lessUTF16 compares two strings by their UTF-16 code units.
func lessUTF16(a, b string) bool {
	ua, ub := []rune(a), []rune(b)
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] == ub[i] {
			continue
		}
		// Code points above the BMP are surrogate pairs starting at 0xD800.
		ca, cb := utf16Lead(ua[i]), utf16Lead(ub[i])
		if ca != cb {
			return ca < cb
		}
		return ua[i] < ub[i]
	}
	return len(ua) < len(ub)
}

func utf16Lead(r rune) rune {
	if r > 0xFFFF {
		return 0xD800 + ((r - 0x10000) >> 10)
	}
	return r
}

// String implements the [application/x-www-form-urlencoded serializer].
//
// [application/x-www-form-urlencoded serializer]: https://url.spec.whatwg.org/#concept-urlencoded-serializer
func (p *URLSearchParams) String() string {
	var sb strings.Builder
	for i, pair := range p.list {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(pair.name))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(pair.value))
	}
	return sb.String()
}

// parseURLEncoded implements the [application/x-www-form-urlencoded parser],
// keeping the order of the pairs.
//
// [application/x-www-form-urlencoded parser]: https://url.spec.whatwg.org/#concept-urlencoded-parser
func parseURLEncoded(input string) []queryPair {
	var pairs []queryPair
	for _, sequence := range strings.Split(input, "&") {
		if sequence == "" {
			continue
		}
		name, value, _ := strings.Cut(sequence, "=")
		pairs = append(pairs, queryPair{name: unescapeQuery(name), value: unescapeQuery(value)})
	}
	return pairs
}

func unescapeQuery(s string) string {
	if unescaped, err := url.QueryUnescape(s); err == nil {
		return unescaped
	}
	// Malformed percent sequences stay as they are.
	return strings.ReplaceAll(s, "+", " ")
}
