// Package js hosts scripts: it builds a goja runtime with an event loop and
// installs the Web APIs every script sees as globals.
package js

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/liuxd6825/k6web/errext"
	"github.com/liuxd6825/k6web/errext/exitcodes"
	"github.com/liuxd6825/k6web/js/common"
	"github.com/liuxd6825/k6web/js/eventloop"
	"github.com/liuxd6825/k6web/js/modules"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/abort"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/fetch"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/streams"
	"github.com/liuxd6825/k6web/js/modules/k6/timers"
	"github.com/liuxd6825/k6web/lib"
)

// Config describes the runtime to build.
type Config struct {
	Logger  logrus.FieldLogger
	Options lib.Options

	// FS is where script files are read from, the OS filesystem when nil.
	FS afero.Fs

	// ConsoleOutput redirects console calls to the named file.
	ConsoleOutput string
}

// Runtime runs scripts on a single goja runtime and its event loop.
type Runtime struct {
	logger logrus.FieldLogger
	fs     afero.Fs
	vu     *moduleVUImpl

	consoleFile io.Closer
}

// New builds a runtime bound to ctx: when ctx is done, running scripts are
// interrupted and in-flight fetches are aborted.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fs := cfg.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}

	opts := lib.DefaultOptions().Apply(cfg.Options)
	if errs := opts.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid options: %w", errors.Join(errs...))
	}

	rt := goja.New()
	rt.SetFieldNameMapper(common.FieldNameMapper{})
	rt.SetRandSource(common.NewRandSource())

	vu := &moduleVUImpl{
		ctx:     ctx,
		state:   lib.NewState(opts, logger),
		runtime: rt,
	}
	vu.eventLoop = eventloop.New(vu)

	r := &Runtime{logger: logger, fs: fs, vu: vu}
	if err := r.setupConsole(cfg.ConsoleOutput); err != nil {
		return nil, err
	}
	if err := r.setupGlobals(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) setupConsole(output string) error {
	if output == "" {
		return r.vu.runtime.Set("console", newConsole(r.logger))
	}

	formatter := logrus.Formatter(&logrus.TextFormatter{})
	level := logrus.InfoLevel
	if l, ok := r.logger.(*logrus.Logger); ok {
		formatter, level = l.Formatter, l.GetLevel()
	}
	c, f, err := newFileConsole(r.fs, output, formatter, level)
	if err != nil {
		return fmt.Errorf("opening the console output: %w", err)
	}
	r.consoleFile = f
	return r.vu.runtime.Set("console", c)
}

// globalModules returns the modules whose named exports become globals.
func globalModules() []modules.Module {
	abortModule := abort.New()
	streamsModule := streams.New(abortModule)
	return []modules.Module{
		timers.New(),
		abortModule,
		streamsModule,
		fetch.New(streamsModule, abortModule),
	}
}

func (r *Runtime) setupGlobals() error {
	rt := r.vu.runtime
	for _, m := range globalModules() {
		for name, value := range m.NewModuleInstance(r.vu).Exports().Named {
			if err := rt.Set(name, value); err != nil {
				return fmt.Errorf("error setting up %q globally: %w", name, err)
			}
		}
	}
	return nil
}

// State returns the VU state scripts run with.
func (r *Runtime) State() *lib.State {
	return r.vu.state
}

// Goja returns the underlying goja runtime.
func (r *Runtime) Goja() *goja.Runtime {
	return r.vu.runtime
}

// RunFile reads the named script from the runtime's filesystem and runs it.
func (r *Runtime) RunFile(name string) error {
	src, err := afero.ReadFile(r.fs, name)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	_, err = r.RunScript(name, string(src))
	return err
}

// RunScript runs src and then the event loop until no work is left: every
// timer fired or cleared, every fetch settled. It returns the completion
// value of the script, or the first uncaught error, including unhandled
// promise rejections.
func (r *Runtime) RunScript(name, src string) (goja.Value, error) {
	program, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, errext.WithExitCodeIfNone(err, exitcodes.ScriptException)
	}

	ctx := r.vu.ctx
	rt := r.vu.runtime
	stop := context.AfterFunc(ctx, func() { rt.Interrupt(ctx.Err()) })
	defer func() {
		if !stop() {
			rt.ClearInterrupt()
		}
	}()

	var value goja.Value
	defer r.vu.eventLoop.WaitOnRegistered()
	err = r.vu.eventLoop.Start(func() error {
		var runErr error
		value, runErr = rt.RunProgram(program)
		return runErr
	})
	if err != nil {
		var ex *goja.Exception
		if errors.As(err, &ex) {
			return nil, &scriptException{ex}
		}
		return nil, common.UnwrapInterruptedError(err)
	}

	r.logger.WithField("script", name).Debug("Script finished")
	return value, nil
}

// Close releases the console output file, if any.
func (r *Runtime) Close() error {
	if r.consoleFile == nil {
		return nil
	}
	return r.consoleFile.Close()
}

// scriptException is an exception a script did not catch.
type scriptException struct {
	ex *goja.Exception
}

var (
	_ errext.Exception   = &scriptException{}
	_ errext.HasExitCode = &scriptException{}
)

func (e *scriptException) Error() string {
	return e.ex.Error()
}

func (e *scriptException) StackTrace() string {
	return e.ex.String()
}

func (e *scriptException) ExitCode() exitcodes.ExitCode {
	return exitcodes.ScriptException
}

func (e *scriptException) Unwrap() error {
	return e.ex
}
