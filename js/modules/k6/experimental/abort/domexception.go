package abort

import (
	"github.com/dop251/goja"
)

// Names of the DOMException kinds raised by the web APIs of this runtime.
const (
	AbortError        = "AbortError"
	TimeoutError      = "TimeoutError"
	NetworkError      = "NetworkError"
	NotSupportedError = "NotSupportedError"
	InvalidStateError = "InvalidStateError"
	DataCloneError    = "DataCloneError"
)

// DOMException has to be a real subclass of Error for stack traces and
// instanceof checks to behave, which native constructors can't express.
const domExceptionSource = `(function () {
	var codes = {
		IndexSizeError: 1, HierarchyRequestError: 3, WrongDocumentError: 4,
		InvalidCharacterError: 5, NoModificationAllowedError: 7, NotFoundError: 8,
		NotSupportedError: 9, InvalidStateError: 11, SyntaxError: 12,
		InvalidModificationError: 13, NamespaceError: 14, InvalidAccessError: 15,
		TypeMismatchError: 17, SecurityError: 18, NetworkError: 19, AbortError: 20,
		URLMismatchError: 21, QuotaExceededError: 22, TimeoutError: 23,
		InvalidNodeTypeError: 24, DataCloneError: 25
	};
	class DOMException extends Error {
		constructor(message, name) {
			super(message === undefined ? "" : String(message));
			Object.defineProperty(this, "name", {
				value: name === undefined ? "Error" : String(name),
				writable: true,
				configurable: true
			});
		}
		get code() {
			return codes[this.name] || 0;
		}
	}
	return DOMException;
})()`

func newDOMExceptionClass(rt *goja.Runtime) *goja.Object {
	v, err := rt.RunString(domExceptionSource)
	if err != nil {
		panic(err)
	}
	return v.ToObject(rt)
}

// NewDOMException instantiates a DOMException with the given message and name.
func (mi *ModuleInstance) NewDOMException(message, name string) *goja.Object {
	rt := mi.vu.Runtime()
	obj, err := rt.New(mi.domExceptionCtor, rt.ToValue(message), rt.ToValue(name))
	if err != nil {
		panic(err)
	}
	return obj
}

// NewAbortError is the default reason of an aborted signal.
func (mi *ModuleInstance) NewAbortError() *goja.Object {
	return mi.NewDOMException("The operation was aborted.", AbortError)
}
