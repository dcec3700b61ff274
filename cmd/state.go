package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const defaultConfigFileName = "config.json"

// globalFlags are the flags every sub-command accepts.
type globalFlags struct {
	configFilePath string
	logOutput      string
	logFormat      string
	noColor        bool
	quiet          bool
	verbose        bool
}

// globalState holds everything a command touches outside of its own flags:
// the OS environment, standard streams and the logger. Tests replace it
// wholesale.
type globalState struct {
	ctx context.Context

	fs      afero.Fs
	getwd   func() (string, error)
	args    []string
	envVars map[string]string

	defaultFlags, flags globalFlags

	outMutex       *sync.Mutex
	stdOut, stdErr *consoleWriter
	stdIn          io.Reader

	osExit       func(int)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)

	logger *logrus.Logger

	// fallbackLogger reports problems of the logger's own outputs.
	fallbackLogger logrus.FieldLogger
}

func newGlobalState(ctx context.Context) *globalState {
	isTTY := func(f *os.File) bool {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	outMutex := &sync.Mutex{}
	stdOut := &consoleWriter{colorable.NewColorableStdout(), isTTY(os.Stdout), outMutex}
	stdErr := &consoleWriter{colorable.NewColorableStderr(), isTTY(os.Stderr), outMutex}

	envVars := buildEnvMap(os.Environ())
	confDir, err := os.UserConfigDir()
	if err != nil {
		confDir = ".config"
	}
	defaultFlags := getDefaultFlags(confDir)

	logger := &logrus.Logger{
		Out:       stdErr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}

	fallbackLogger := &logrus.Logger{
		Out:       stdErr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}

	return &globalState{
		ctx:            ctx,
		fs:             afero.NewOsFs(),
		getwd:          os.Getwd,
		args:           append(make([]string, 0, len(os.Args)), os.Args...),
		envVars:        envVars,
		defaultFlags:   defaultFlags,
		flags:          getFlags(defaultFlags, envVars),
		outMutex:       outMutex,
		stdOut:         stdOut,
		stdErr:         stdErr,
		stdIn:          os.Stdin,
		osExit:         os.Exit,
		signalNotify:   signal.Notify,
		signalStop:     signal.Stop,
		logger:         logger,
		fallbackLogger: fallbackLogger,
	}
}

func getDefaultFlags(homeDir string) globalFlags {
	return globalFlags{
		configFilePath: filepath.Join(homeDir, "k6web", defaultConfigFileName),
		logOutput:      "stderr",
	}
}

// getFlags applies the environment on top of the default flags.
func getFlags(defaultFlags globalFlags, env map[string]string) globalFlags {
	result := defaultFlags

	if val, ok := env["K6WEB_CONFIG"]; ok {
		result.configFilePath = val
	}
	if val, ok := env["K6WEB_LOG_OUTPUT"]; ok {
		result.logOutput = val
	}
	if val, ok := env["K6WEB_LOG_FORMAT"]; ok {
		result.logFormat = val
	}
	if env["K6WEB_NO_COLOR"] != "" {
		result.noColor = true
	}
	// https://no-color.org/: even an empty value disables colors.
	if _, ok := env["NO_COLOR"]; ok {
		result.noColor = true
	}
	return result
}

func buildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

// consoleWriter serializes writes to a standard stream shared by the logger
// and command output.
type consoleWriter struct {
	io.Writer
	isTTY bool
	mutex *sync.Mutex
}

func (w *consoleWriter) Write(p []byte) (n int, err error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.Writer.Write(p)
}
