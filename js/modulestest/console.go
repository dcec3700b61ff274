package modulestest

// A reduced copy of the host console in js/console.go, which is not exported.

import (
	"encoding/json"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
)

type console struct {
	logger *logrus.Entry
}

func newConsole(logger logrus.FieldLogger) *console {
	return &console{logger.WithField("source", "console")}
}

func (c console) Log(args ...goja.Value)   { c.log(logrus.InfoLevel, args...) }
func (c console) Info(args ...goja.Value)  { c.log(logrus.InfoLevel, args...) }
func (c console) Debug(args ...goja.Value) { c.log(logrus.DebugLevel, args...) }
func (c console) Warn(args ...goja.Value)  { c.log(logrus.WarnLevel, args...) }
func (c console) Error(args ...goja.Value) { c.log(logrus.ErrorLevel, args...) }

func (c console) log(level logrus.Level, args ...goja.Value) {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, valueString(arg))
	}
	c.logger.Log(level, strings.Join(parts, " "))
}

func valueString(v goja.Value) string {
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
