package fetch

import (
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/streams"
)

// Blob is immutable raw data along with its MIME type, the Go side of the
// [Blob] class. A File is a Blob with a name and a modification date.
//
// [Blob]: https://w3c.github.io/FileAPI/#blob-section
type Blob struct {
	mi  *ModuleInstance
	obj *goja.Object

	data []byte
	typ  string

	isFile       bool
	name         string
	lastModified int64
}

// BlobFrom returns the blob behind a Blob or File object.
func BlobFrom(v goja.Value) (*Blob, bool) {
	return common.ImplOf[*Blob](v)
}

// NewBlob creates a blob holding data. The type is lowercased and dropped
// if it isn't printable ASCII.
func (mi *ModuleInstance) NewBlob(data []byte, typ string) *Blob {
	return &Blob{mi: mi, data: data, typ: normalizeBlobType(typ)}
}

func normalizeBlobType(typ string) string {
	for _, r := range typ {
		if r < 0x20 || r > 0x7e {
			return ""
		}
	}
	return strings.ToLower(typ)
}

// newBlobObject implements the [Blob] constructor.
//
// [Blob]: https://w3c.github.io/FileAPI/#constructorBlob
func (mi *ModuleInstance) newBlobObject(call goja.ConstructorCall) *goja.Object {
	rt := mi.vu.Runtime()

	data := mi.blobParts(call.Argument(0), "Blob")
	blob := mi.NewBlob(data, blobPropertyString(rt, call.Argument(1), "type"))
	blob.obj = call.This
	mi.bindBlob(blob)
	return call.This
}

// newFileObject implements the [File] constructor.
//
// [File]: https://w3c.github.io/FileAPI/#file-constructor
func (mi *ModuleInstance) newFileObject(call goja.ConstructorCall) *goja.Object {
	rt := mi.vu.Runtime()

	if len(call.Arguments) < 2 {
		throwTypeError(rt, "Failed to construct 'File': 2 arguments required")
	}
	data := mi.blobParts(call.Argument(0), "File")
	file := mi.NewFile(data, call.Argument(1).String(), blobPropertyString(rt, call.Argument(2), "type"))

	if opts, ok := call.Argument(2).(*goja.Object); ok && opts != nil {
		if lm := opts.Get("lastModified"); !common.IsNullish(lm) {
			file.lastModified = lm.ToInteger()
		}
	}

	file.obj = call.This
	mi.bindBlob(file)
	return call.This
}

// NewFile creates a file named name.
func (mi *ModuleInstance) NewFile(data []byte, name, typ string) *Blob {
	file := mi.NewBlob(data, typ)
	file.isFile = true
	file.name = name
	file.lastModified = time.Now().UnixMilli()
	return file
}

func blobPropertyString(rt *goja.Runtime, options goja.Value, name string) string {
	if common.IsNullish(options) {
		return ""
	}
	obj, ok := options.(*goja.Object)
	if !ok {
		throwTypeError(rt, "options must be an object")
	}
	v := obj.Get(name)
	if common.IsNullish(v) {
		return ""
	}
	return v.String()
}

// blobParts implements the [process blob parts] algorithm: parts are
// strings, buffer sources or blobs.
//
// [process blob parts]: https://w3c.github.io/FileAPI/#process-blob-parts
func (mi *ModuleInstance) blobParts(parts goja.Value, class string) []byte {
	rt := mi.vu.Runtime()
	if goja.IsUndefined(parts) {
		return []byte{}
	}

	obj, ok := parts.(*goja.Object)
	if !ok || common.IsNullish(obj.GetSymbol(goja.SymIterator)) {
		throwTypeError(rt, "Failed to construct '%s': the provided value cannot be converted to a sequence", class)
	}

	data := []byte{}
	rt.ForOf(obj, func(part goja.Value) bool {
		if blob, ok := BlobFrom(part); ok {
			data = append(data, blob.data...)
		} else if b, ok := common.BufferSourceBytes(rt, part); ok {
			data = append(data, b...)
		} else {
			data = append(data, part.String()...)
		}
		return true
	})
	return data
}

// Object returns the script object of the blob.
func (b *Blob) Object() *goja.Object {
	if b.obj == nil {
		ctor := b.mi.blobCtor
		if b.isFile {
			ctor = b.mi.fileCtor
		}
		b.obj = b.mi.newObject(ctor)
		b.mi.bindBlob(b)
	}
	return b.obj
}

// Bytes returns the data of the blob.
func (b *Blob) Bytes() []byte {
	return b.data
}

// Type returns the MIME type of the blob.
func (b *Blob) Type() string {
	return b.typ
}

func (mi *ModuleInstance) bindBlob(b *Blob) {
	rt := mi.vu.Runtime()
	obj := b.obj

	common.Must(rt, common.AttachImpl(rt, obj, b))
	mi.getter(obj, "size", func() int { return len(b.data) })
	mi.getter(obj, "type", func() string { return b.typ })
	if b.isFile {
		mi.getter(obj, "name", func() string { return b.name })
		mi.getter(obj, "lastModified", func() int64 { return b.lastModified })
	}

	mi.define(obj, "text", func() *goja.Promise {
		return mi.newResolvedPromise(decodeUTF8(b.data))
	})
	mi.define(obj, "arrayBuffer", func() *goja.Promise {
		return mi.newResolvedPromise(rt.NewArrayBuffer(append([]byte{}, b.data...)))
	})
	mi.define(obj, "bytes", func() *goja.Promise {
		arr, err := common.NewUint8Array(rt, append([]byte{}, b.data...))
		if err != nil {
			return mi.newRejectedPromise(exceptionValue(rt, err))
		}
		return mi.newResolvedPromise(arr)
	})
	mi.define(obj, "stream", func() *goja.Object {
		return mi.newByteStream(b.data).Object()
	})
	mi.define(obj, "slice", func(start, end, contentType goja.Value) *goja.Object {
		return b.slice(start, end, contentType).Object()
	})
}

// slice implements the [slice] method: negative offsets count from the end.
//
// [slice]: https://w3c.github.io/FileAPI/#slice-method-algo
func (b *Blob) slice(start, end, contentType goja.Value) *Blob {
	size := int64(len(b.data))
	relative := func(v goja.Value, def int64) int64 {
		if v == nil || goja.IsUndefined(v) {
			return def
		}
		n := v.ToInteger()
		if n < 0 {
			return max(size+n, 0)
		}
		return min(n, size)
	}

	from, to := relative(start, 0), relative(end, size)
	var typ string
	if contentType != nil && !goja.IsUndefined(contentType) {
		typ = contentType.String()
	}

	span := max(to-from, 0)
	return b.mi.NewBlob(append([]byte{}, b.data[from:from+span]...), typ)
}

// newByteStream creates a readable stream holding data as a single
// Uint8Array chunk, already closed.
func (mi *ModuleInstance) newByteStream(data []byte) *streams.ReadableStream {
	rt := mi.vu.Runtime()
	return mi.streams.NewReadableStream(streams.SourceAlgorithms{
		Start: func(controller *streams.ReadableStreamDefaultController) goja.Value {
			if len(data) > 0 {
				chunk, err := common.NewUint8Array(rt, append([]byte{}, data...))
				common.Must(rt, err)
				common.Must(rt, controller.Enqueue(chunk))
			}
			controller.Close()
			return goja.Undefined()
		},
	}, 1, nil)
}
