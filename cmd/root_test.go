package cmd

import (
	"bytes"
	"context"
	"os/signal"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// safeBuffer is a bytes.Buffer safe for concurrent use.
type safeBuffer struct {
	b bytes.Buffer
	m sync.RWMutex
}

func (b *safeBuffer) Write(p []byte) (n int, err error) {
	b.m.Lock()
	defer b.m.Unlock()
	return b.b.Write(p)
}

func (b *safeBuffer) String() string {
	b.m.RLock()
	defer b.m.RUnlock()
	return b.b.String()
}

type globalTestState struct {
	*globalState
	cancel func()

	stdOut, stdErr *safeBuffer
	loggerHook     *logtest.Hook

	cwd string

	expectedExitCode int
}

func newGlobalTestState(t *testing.T) *globalTestState {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fs := afero.NewMemMapFs()
	cwd := "/test/"
	require.NoError(t, fs.MkdirAll(cwd, 0o755))

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	hook := logtest.NewLocal(logger)

	ts := &globalTestState{
		cwd:        cwd,
		cancel:     cancel,
		loggerHook: hook,
		stdOut:     &safeBuffer{},
		stdErr:     &safeBuffer{},
	}

	osExitCalled := false
	t.Cleanup(func() {
		if ts.expectedExitCode > 0 {
			assert.Truef(t, osExitCalled, "expected exit code %d, but the os.Exit() mock was not called", ts.expectedExitCode)
		}
	})

	outMutex := &sync.Mutex{}
	defaultFlags := getDefaultFlags(".config")
	ts.globalState = &globalState{
		ctx:          ctx,
		fs:           fs,
		getwd:        func() (string, error) { return ts.cwd, nil },
		args:         []string{},
		envVars:      map[string]string{},
		defaultFlags: defaultFlags,
		flags:        defaultFlags,
		outMutex:     outMutex,
		stdOut:       &consoleWriter{ts.stdOut, false, outMutex},
		stdErr:       &consoleWriter{ts.stdErr, false, outMutex},
		stdIn:        &bytes.Buffer{},
		osExit: func(exitCode int) {
			cancel()
			osExitCalled = true
			assert.Equal(t, ts.expectedExitCode, exitCode)
		},
		signalNotify: signal.Notify,
		signalStop:   signal.Stop,
		logger:       logger,
		fallbackLogger: &logrus.Logger{
			Out:       ts.stdErr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
	}
	return ts
}

func TestGetFlags(t *testing.T) {
	t.Parallel()

	defaults := getDefaultFlags("/home/user/.config")
	assert.Equal(t, "/home/user/.config/k6web/config.json", defaults.configFilePath)
	assert.Equal(t, "stderr", defaults.logOutput)

	flags := getFlags(defaults, map[string]string{
		"K6WEB_CONFIG":     "/etc/k6web.yaml",
		"K6WEB_LOG_OUTPUT": "stdout",
		"K6WEB_LOG_FORMAT": "json",
		"NO_COLOR":         "",
	})
	assert.Equal(t, "/etc/k6web.yaml", flags.configFilePath)
	assert.Equal(t, "stdout", flags.logOutput)
	assert.Equal(t, "json", flags.logFormat)
	assert.True(t, flags.noColor)
}

func TestBuildEnvMap(t *testing.T) {
	t.Parallel()

	env := buildEnvMap([]string{"A=1", "B=x=y", "C"})
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y", "C": ""}, env)
}

func TestVersion(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.args = []string{"k6web", "version"}
	newRootCommand(ts.globalState).execute()
	assert.Contains(t, ts.stdOut.String(), "k6web v")

	ts = newGlobalTestState(t)
	ts.args = []string{"k6web", "version", "--json"}
	newRootCommand(ts.globalState).execute()
	assert.Contains(t, ts.stdOut.String(), `"version":"`)
	assert.Contains(t, ts.stdOut.String(), `"go_os":"`)
}

func TestLogOutput(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.args = []string{"k6web", "--log-output", "file=/test/k6web.log", "--log-format", "json", "-q", "run", "-"}
	ts.stdIn = bytes.NewBufferString(`console.log("to the log file")`)
	newRootCommand(ts.globalState).execute()

	data, err := afero.ReadFile(ts.fs, "/test/k6web.log")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to the log file"`)
	assert.Contains(t, string(data), `"source":"console"`)
	assert.Empty(t, ts.stdErr.String())
}

func TestLogOutputFileLevel(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.args = []string{"k6web", "--log-output", "file=k6web.log,level=warning", "-q", "run", "-"}
	ts.stdIn = bytes.NewBufferString(`console.info("skipped"); console.warn("kept");`)
	newRootCommand(ts.globalState).execute()

	data, err := afero.ReadFile(ts.fs, "/test/k6web.log")
	require.NoError(t, err)
	assert.Contains(t, string(data), "kept")
	assert.NotContains(t, string(data), "skipped")
}

func TestUnsupportedLogOutput(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	ts.args = []string{"k6web", "--log-output", "loki", "version"}
	ts.expectedExitCode = -1
	newRootCommand(ts.globalState).execute()

	entry := ts.loggerHook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "unsupported log output 'loki'", entry.Message)
}
