package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/dop251/goja"
	uuid "github.com/nu7hatch/gouuid"

	"github.com/liuxd6825/k6web/js/common"
)

type formEntry struct {
	name  string
	value string
	file  *Blob // nil for string entries
}

// FormData is an ordered list of entries, the Go side of the [FormData]
// class. Entry values are strings or files.
//
// [FormData]: https://xhr.spec.whatwg.org/#interface-formdata
type FormData struct {
	mi  *ModuleInstance
	obj *goja.Object

	entries []formEntry
}

// FormDataFrom returns the entry list behind a FormData object.
func FormDataFrom(v goja.Value) (*FormData, bool) {
	return common.ImplOf[*FormData](v)
}

// NewFormData creates an empty entry list.
func (mi *ModuleInstance) NewFormData() *FormData {
	return &FormData{mi: mi}
}

func (mi *ModuleInstance) newFormDataObject(call goja.ConstructorCall) *goja.Object {
	if !goja.IsUndefined(call.Argument(0)) {
		throwTypeError(mi.vu.Runtime(), "Failed to construct 'FormData': form elements are not supported")
	}

	fd := &FormData{mi: mi, obj: call.This}
	mi.bindFormData(fd)
	return call.This
}

// Object returns the script object of the entry list.
func (fd *FormData) Object() *goja.Object {
	if fd.obj == nil {
		fd.obj = fd.mi.newObject(fd.mi.formDataCtor)
		fd.mi.bindFormData(fd)
	}
	return fd.obj
}

func (mi *ModuleInstance) bindFormData(fd *FormData) {
	rt := mi.vu.Runtime()
	obj := fd.obj

	entryValue := func(e formEntry) goja.Value {
		if e.file != nil {
			return e.file.Object()
		}
		return rt.ToValue(e.value)
	}

	common.Must(rt, common.AttachImpl(rt, obj, fd))
	mi.define(obj, "append", func(call goja.FunctionCall) goja.Value {
		fd.Append(fd.entryFromArgs(call, "append"))
		return goja.Undefined()
	})
	mi.define(obj, "set", func(call goja.FunctionCall) goja.Value {
		fd.Set(fd.entryFromArgs(call, "set"))
		return goja.Undefined()
	})
	mi.define(obj, "delete", fd.Delete)
	mi.define(obj, "get", func(name string) goja.Value {
		for _, e := range fd.entries {
			if e.name == name {
				return entryValue(e)
			}
		}
		return goja.Null()
	})
	mi.define(obj, "getAll", func(name string) *goja.Object {
		values := []any{}
		for _, e := range fd.entries {
			if e.name == name {
				values = append(values, entryValue(e))
			}
		}
		return rt.NewArray(values...)
	})
	mi.define(obj, "has", fd.Has)
	mi.define(obj, "forEach", func(callback goja.Value, thisArg goja.Value) {
		fn, ok := goja.AssertFunction(callback)
		if !ok {
			throwTypeError(rt, "FormData.forEach: callback must be a function")
		}
		for _, e := range append([]formEntry(nil), fd.entries...) {
			if _, err := fn(thisArg, entryValue(e), rt.ToValue(e.name), obj); err != nil {
				throwError(rt, err)
			}
		}
	})

	entries := func() goja.Value {
		return newIterator(rt, fd.entries, func(e formEntry) goja.Value { return rt.NewArray(e.name, entryValue(e)) })
	}
	mi.define(obj, "entries", entries)
	mi.define(obj, "keys", func() goja.Value {
		return newIterator(rt, fd.entries, func(e formEntry) goja.Value { return rt.ToValue(e.name) })
	})
	mi.define(obj, "values", func() goja.Value {
		return newIterator(rt, fd.entries, entryValue)
	})
	common.Must(rt, obj.DefineDataPropertySymbol(goja.SymIterator, rt.ToValue(entries),
		goja.FLAG_TRUE, goja.FLAG_FALSE, goja.FLAG_TRUE))
}

// entryFromArgs implements [create an entry] from the (name, value,
// filename) arguments of append and set.
//
// [create an entry]: https://xhr.spec.whatwg.org/#create-an-entry
func (fd *FormData) entryFromArgs(call goja.FunctionCall, method string) formEntry {
	rt := fd.mi.vu.Runtime()
	if len(call.Arguments) < 2 {
		throwTypeError(rt, "Failed to execute '%s' on 'FormData': 2 arguments required", method)
	}

	name, value := call.Argument(0).String(), call.Argument(1)
	blob, isBlob := BlobFrom(value)
	if !isBlob {
		if len(call.Arguments) > 2 {
			throwTypeError(rt, "Failed to execute '%s' on 'FormData': parameter 2 is not of type 'Blob'", method)
		}
		return formEntry{name: name, value: value.String()}
	}

	// 3. If value is a Blob and not a File, or a filename is given, wrap it
	// in a File named filename, "blob" by default.
	filename := goja.Undefined()
	if len(call.Arguments) > 2 {
		filename = call.Argument(2)
	}
	if !blob.isFile || !goja.IsUndefined(filename) {
		fileName := "blob"
		if blob.isFile {
			fileName = blob.name
		}
		if !goja.IsUndefined(filename) {
			fileName = filename.String()
		}
		blob = fd.mi.NewFile(blob.data, fileName, blob.typ)
	}
	return formEntry{name: name, file: blob}
}

// Append adds an entry at the end of the list.
func (fd *FormData) Append(e formEntry) {
	fd.entries = append(fd.entries, e)
}

// Set replaces the first entry named like e and removes the others, or
// appends e when there is none.
func (fd *FormData) Set(e formEntry) {
	replaced := false
	entries := fd.entries[:0]
	for _, existing := range fd.entries {
		if existing.name != e.name {
			entries = append(entries, existing)
			continue
		}
		if !replaced {
			entries = append(entries, e)
			replaced = true
		}
	}
	if !replaced {
		entries = append(entries, e)
	}
	fd.entries = entries
}

// Delete removes every entry named name.
func (fd *FormData) Delete(name string) {
	entries := fd.entries[:0]
	for _, e := range fd.entries {
		if e.name != name {
			entries = append(entries, e)
		}
	}
	fd.entries = entries
}

// Has reports whether an entry is named name.
func (fd *FormData) Has(name string) bool {
	for _, e := range fd.entries {
		if e.name == name {
			return true
		}
	}
	return false
}

//nolint:gochecknoglobals
var (
	formDataEscaper   = strings.NewReplacer("\n", "%0A", "\r", "%0D", `"`, "%22")
	formDataUnescaper = strings.NewReplacer("%0A", "\n", "%0D", "\r", "%22", `"`)
)

// encode implements the [multipart/form-data encoding algorithm] with a
// fresh boundary, returning the payload and its content type.
//
// [multipart/form-data encoding algorithm]: https://html.spec.whatwg.org/multipage/form-control-infrastructure.html#multipart-form-data
func (fd *FormData) encode() ([]byte, string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary("----formdata-k6web-" + strings.ReplaceAll(id.String(), "-", "")); err != nil {
		return nil, "", err
	}

	for _, e := range fd.entries {
		header := make(textproto.MIMEHeader)
		disposition := fmt.Sprintf(`form-data; name="%s"`, formDataEscaper.Replace(e.name))
		payload := []byte(e.value)
		if e.file != nil {
			disposition += fmt.Sprintf(`; filename="%s"`, formDataEscaper.Replace(e.file.name))
			typ := e.file.typ
			if typ == "" {
				typ = "application/octet-stream"
			}
			header.Set("Content-Type", typ)
			payload = e.file.data
		}
		header.Set("Content-Disposition", disposition)

		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(payload); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var errNotFormData = errors.New("the body is not form data")

// parseFormData parses a body as a multipart/form-data or
// application/x-www-form-urlencoded payload, for formData().
func (mi *ModuleInstance) parseFormData(data []byte, contentType string) (*FormData, error) {
	rt := mi.vu.Runtime()

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, typeError(rt, "%s: %s", errNotFormData, err)
	}

	fd := mi.NewFormData()
	switch mediaType {
	case "multipart/form-data":
		boundary, ok := params["boundary"]
		if !ok {
			return nil, typeError(rt, "%s: missing boundary", errNotFormData)
		}
		if err := fd.readMultipart(multipart.NewReader(bytes.NewReader(data), boundary)); err != nil {
			return nil, typeError(rt, "unable to parse the multipart body: %s", err)
		}
	case "application/x-www-form-urlencoded":
		for _, pair := range parseURLEncoded(string(data)) {
			fd.Append(formEntry{name: pair.name, value: pair.value})
		}
	default:
		return nil, typeError(rt, "%s: unexpected content type %q", errNotFormData, mediaType)
	}
	return fd, nil
}

func (fd *FormData) readMultipart(r *multipart.Reader) error {
	for {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		payload, err := io.ReadAll(part)
		if err != nil {
			return err
		}

		name := formDataUnescaper.Replace(part.FormName())
		if filename := part.FileName(); filename != "" {
			file := fd.mi.NewFile(payload, formDataUnescaper.Replace(filename), part.Header.Get("Content-Type"))
			fd.Append(formEntry{name: name, file: file})
			continue
		}
		fd.Append(formEntry{name: name, value: decodeUTF8(payload)})
	}
}
