package js

import (
	"encoding/json"
	"os"
	"reflect"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// console is the script console, writing every call as a log entry.
type console struct {
	logger logrus.FieldLogger
}

func newConsole(logger logrus.FieldLogger) *console {
	return &console{logger.WithField("source", "console")}
}

// newFileConsole returns a console appending its entries to the file at path.
func newFileConsole(
	fs afero.Fs, path string, formatter logrus.Formatter, level logrus.Level,
) (*console, afero.File, error) {
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, err
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(f)
	l.SetFormatter(formatter)

	return &console{l}, f, nil
}

func (c console) Log(args ...goja.Value)   { c.log(logrus.InfoLevel, args...) }
func (c console) Info(args ...goja.Value)  { c.log(logrus.InfoLevel, args...) }
func (c console) Debug(args ...goja.Value) { c.log(logrus.DebugLevel, args...) }
func (c console) Warn(args ...goja.Value)  { c.log(logrus.WarnLevel, args...) }
func (c console) Error(args ...goja.Value) { c.log(logrus.ErrorLevel, args...) }

// Assert logs data at the error level when condition is false.
// https://console.spec.whatwg.org/#assert
func (c console) Assert(condition bool, data ...goja.Value) {
	if condition {
		return
	}

	msg := "Assertion failed"
	parts := make([]string, 0, len(data)+1)
	parts = append(parts, msg)
	if len(data) > 0 {
		if s, ok := data[0].(goja.String); ok {
			parts[0] = msg + ": " + s.String()
			data = data[1:]
		}
	}
	for _, v := range data {
		parts = append(parts, valueString(v))
	}
	c.logger.Error(strings.Join(parts, " "))
}

func (c console) log(level logrus.Level, args ...goja.Value) {
	parts := make([]string, 0, len(args))
	for _, v := range args {
		parts = append(parts, valueString(v))
	}
	msg := strings.Join(parts, " ")

	switch level { //nolint:exhaustive
	case logrus.DebugLevel:
		c.logger.Debug(msg)
	case logrus.InfoLevel:
		c.logger.Info(msg)
	case logrus.WarnLevel:
		c.logger.Warn(msg)
	case logrus.ErrorLevel:
		c.logger.Error(msg)
	}
}

//nolint:gochecknoglobals
var errorType = reflect.TypeOf((*error)(nil)).Elem()

func valueString(v goja.Value) string {
	if _, isFunction := goja.AssertFunction(v); isFunction {
		return "[object Function]"
	}

	if t := v.ExportType(); t != nil && t.Implements(errorType) {
		if err, ok := v.Export().(error); ok {
			return err.Error()
		}
	}

	if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Error" {
		return v.String()
	}

	mv, ok := v.(json.Marshaler)
	if !ok {
		return v.String()
	}
	b, err := json.Marshal(mv)
	if err != nil {
		return v.String()
	}
	return string(b)
}
