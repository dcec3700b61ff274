package fetch

import (
	"bytes"
	"mime"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/liuxd6825/k6web/js/common"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/streams"
)

// Body is a [body]: the stream its bytes are read from, along with the
// bytes it was extracted from when they are known up front.
//
// [body]: https://fetch.spec.whatwg.org/#concept-body
type Body struct {
	Stream *streams.ReadableStream

	// Source is nil when the body was extracted from a stream.
	Source []byte

	// Length is -1 when unknown.
	Length int64
}

// Extract implements the [extract] algorithm, returning the body along with
// its content type, empty when there is none.
//
// [extract]: https://fetch.spec.whatwg.org/#concept-bodyinit-extract
func (mi *ModuleInstance) Extract(object goja.Value, keepalive bool) (*Body, string, error) {
	rt := mi.vu.Runtime()

	// 1-4. If object is a ReadableStream object, then set stream to object.
	if stream, ok := streams.ReadableStreamFrom(object); ok {
		// 4.1. If keepalive is true, then throw a TypeError.
		if keepalive {
			return nil, "", typeError(rt, "keepalive can't be used with a ReadableStream body")
		}
		// 4.2. If object is disturbed or locked, then throw a TypeError.
		if stream.Disturbed() || stream.Locked() {
			return nil, "", typeError(rt, "the body stream is disturbed or locked")
		}
		return &Body{Stream: stream, Length: -1}, "", nil
	}

	var (
		source []byte
		typ    string
	)

	// 5. Switch on object.
	switch {
	case isBlob(object):
		blob, _ := BlobFrom(object)
		source, typ = blob.data, blob.typ
	case isBufferSource(rt, object):
		source, _ = common.BufferSourceBytes(rt, object)
	case isFormData(object):
		fd, _ := FormDataFrom(object)
		var err error
		if source, typ, err = fd.encode(); err != nil {
			return nil, "", typeError(rt, "unable to encode the form data: %s", err)
		}
	case isURLSearchParams(object):
		params, _ := URLSearchParamsFrom(object)
		source = []byte(params.String())
		typ = "application/x-www-form-urlencoded;charset=UTF-8"
	default:
		if _, ok := object.(*goja.Object); ok {
			return nil, "", typeError(rt, "unsupported body type")
		}
		source = []byte(object.String())
		typ = "text/plain;charset=UTF-8"
	}

	// 6-12. The bytes are known: enqueue them and close the stream.
	return &Body{
		Stream: mi.newByteStream(source),
		Source: source,
		Length: int64(len(source)),
	}, typ, nil
}

func isBlob(v goja.Value) bool {
	_, ok := BlobFrom(v)
	return ok
}

func isBufferSource(rt *goja.Runtime, v goja.Value) bool {
	_, ok := common.BufferSourceBytes(rt, v)
	return ok
}

func isFormData(v goja.Value) bool {
	_, ok := FormDataFrom(v)
	return ok
}

func isURLSearchParams(v goja.Value) bool {
	_, ok := URLSearchParamsFrom(v)
	return ok
}

// Clone implements the [clone] algorithm: the stream is teed, this body
// keeps one branch and the returned body gets the other.
//
// [clone]: https://fetch.spec.whatwg.org/#concept-body-clone
func (b *Body) Clone() (*Body, error) {
	// 1. Let « out1, out2 » be the result of teeing body's stream, cloning the chunks of out2.
	out1, out2, err := b.Stream.TeeCloned()
	if err != nil {
		return nil, err
	}

	// 2. Set body's stream to out1.
	b.Stream = out1

	// 3. Return a body whose stream is out2 and other members are copied from body.
	return &Body{Stream: out2, Source: b.Source, Length: b.Length}, nil
}

// bodyMixin holds what the [Body] interface mixin works with, shared by
// Request and Response.
//
// [Body]: https://fetch.spec.whatwg.org/#body-mixin
type bodyMixin struct {
	mi      *ModuleInstance
	body    *Body
	headers *Headers
}

// Unusable reports whether the body is disturbed or locked.
func (m *bodyMixin) Unusable() bool {
	return m.body != nil && (m.body.Stream.Disturbed() || m.body.Stream.Locked())
}

// BodyUsed reports whether the body stream is disturbed.
func (m *bodyMixin) BodyUsed() bool {
	return m.body != nil && m.body.Stream.Disturbed()
}

// mimeType implements [get the MIME type]: the essence and parameters of
// the Content-Type header, empty when missing or malformed.
//
// [get the MIME type]: https://fetch.spec.whatwg.org/#concept-body-mime-type
func (m *bodyMixin) mimeType() string {
	if m.headers == nil {
		return ""
	}
	contentType, ok := m.headers.Get("content-type")
	if !ok {
		return ""
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mime.FormatMediaType(mediaType, params)
}

func (mi *ModuleInstance) bindBody(obj *goja.Object, m *bodyMixin) {
	rt := mi.vu.Runtime()

	mi.getter(obj, "body", func() goja.Value {
		if m.body == nil {
			return goja.Null()
		}
		return m.body.Stream.Object()
	})
	mi.getter(obj, "bodyUsed", m.BodyUsed)

	mi.define(obj, "text", func() *goja.Promise {
		return m.ConsumeBody(func(b []byte) (goja.Value, error) {
			return rt.ToValue(decodeUTF8(b)), nil
		})
	})
	mi.define(obj, "json", func() *goja.Promise {
		return m.ConsumeBody(func(b []byte) (goja.Value, error) {
			return mi.jsonParse(goja.Undefined(), rt.ToValue(decodeUTF8(b)))
		})
	})
	mi.define(obj, "arrayBuffer", func() *goja.Promise {
		return m.ConsumeBody(func(b []byte) (goja.Value, error) {
			return rt.ToValue(rt.NewArrayBuffer(b)), nil
		})
	})
	mi.define(obj, "bytes", func() *goja.Promise {
		return m.ConsumeBody(func(b []byte) (goja.Value, error) {
			return common.NewUint8Array(rt, b)
		})
	})
	mi.define(obj, "blob", func() *goja.Promise {
		return m.ConsumeBody(func(b []byte) (goja.Value, error) {
			return mi.NewBlob(b, m.mimeType()).Object(), nil
		})
	})
	mi.define(obj, "formData", func() *goja.Promise {
		return m.ConsumeBody(func(b []byte) (goja.Value, error) {
			fd, err := mi.parseFormData(b, m.mimeType())
			if err != nil {
				return nil, err
			}
			return fd.Object(), nil
		})
	})
}

// ConsumeBody implements the [consume body] algorithm: the whole body is
// read, then turned into a value by convert.
//
// [consume body]: https://fetch.spec.whatwg.org/#concept-body-consume-body
func (m *bodyMixin) ConsumeBody(convert func([]byte) (goja.Value, error)) *goja.Promise {
	mi := m.mi
	rt := mi.vu.Runtime()

	// 1. If object is unusable, then return a promise rejected with a TypeError.
	if m.Unusable() {
		return mi.newRejectedPromise(rt.NewTypeError("body unusable: the body has already been read or is locked"))
	}

	// 2. Let promise be a new promise.
	promise, resolve, reject := rt.NewPromise()

	// 3. Let errorSteps given error be to reject promise with error.
	errorSteps := func(e goja.Value) { reject(e) }

	// 4. Let successSteps given a byte sequence data be to resolve promise with
	// the result of running convertBytesToJSValue with data. If that threw an
	// exception, then run errorSteps with that exception.
	successSteps := func(data []byte) {
		var (
			v   goja.Value
			err error
		)
		if ex := try(rt, func() { v, err = convert(data) }); ex != nil {
			err = ex
		}
		if err != nil {
			errorSteps(exceptionValue(rt, err))
			return
		}
		resolve(v)
	}

	// 5. If object's body is null, then run successSteps with an empty byte sequence.
	if m.body == nil {
		successSteps([]byte{})
		return promise
	}

	// 6. Otherwise, fully read object's body given successSteps, errorSteps.
	mi.fullyRead(m.body.Stream, successSteps, errorSteps)

	// 7. Return promise.
	return promise
}

// fullyRead implements the [fully read] algorithm, accumulating the chunks
// in a pooled buffer.
//
// [fully read]: https://fetch.spec.whatwg.org/#body-fully-read
func (mi *ModuleInstance) fullyRead(stream *streams.ReadableStream, success func([]byte), failure func(goja.Value)) {
	rt := mi.vu.Runtime()

	// 1-3. Let reader be the result of getting a reader for body's stream.
	reader, err := stream.GetReader()
	if err != nil {
		failure(exceptionValue(rt, err))
		return
	}

	buf, release := mi.buffer()

	// 4. Read all bytes from reader, given successSteps and errorSteps.
	reader.ReadAllBytes(buf,
		func() {
			data := append([]byte{}, buf.Bytes()...)
			release()
			success(data)
		},
		func(e goja.Value) {
			release()
			failure(e)
		},
	)
}

func (mi *ModuleInstance) buffer() (*bytes.Buffer, func()) {
	if state := mi.vu.State(); state != nil && state.BPool != nil {
		buf := state.BPool.Get()
		return buf, func() { state.BPool.Put(buf) }
	}
	return new(bytes.Buffer), func() {}
}

// decodeUTF8 implements [UTF-8 decode]: a leading BOM is stripped and
// invalid sequences are replaced with U+FFFD.
//
// [UTF-8 decode]: https://encoding.spec.whatwg.org/#utf-8-decode
func decodeUTF8(b []byte) string {
	decoded, _, err := transform.Bytes(unicode.UTF8BOM.NewDecoder(), b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	return string(decoded)
}
